package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
)

// SubscriberCallback is invoked after the mirror has been updated. change is
// nil when the mirror was reset from a snapshot.
type SubscriberCallback func(mirror *Mirror, change *protocol.Change) error

// Subscriber follows a remote registry stream and keeps a local Mirror of it.
type Subscriber struct {
	serverURL string
	clientID  string
	client    *http.Client
	callback  SubscriberCallback
	logger    logging.Logger
	mirror    *Mirror

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	connected bool
}

// SubscriberConfig holds Subscriber configuration
type SubscriberConfig struct {
	ServerURL string
	ClientID  string
	TLSConfig *tls.Config
	Callback  SubscriberCallback
	Logger    logging.Logger
}

// NewSubscriber creates a new registry subscriber
func NewSubscriber(config *SubscriberConfig) *Subscriber {
	return &Subscriber{
		serverURL: config.ServerURL,
		clientID:  config.ClientID,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: config.TLSConfig,
			},
			Timeout: 0, // No timeout for SSE long connections
		},
		callback: config.Callback,
		logger:   logging.OrNop(config.Logger),
		mirror:   NewMirror(nil),
	}
}

// Start begins following the stream in the background
func (s *Subscriber) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.subscribeLoop(ctx)
	return nil
}

// Stop stops the subscriber and waits for the loop to exit
func (s *Subscriber) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// IsConnected returns whether the subscriber is connected
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Mirror returns the local view.
func (s *Subscriber) Mirror() *Mirror {
	return s.mirror
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// subscribeLoop maintains SSE connection with exponential backoff retry
func (s *Subscriber) subscribeLoop(ctx context.Context) {
	defer s.wg.Done()

	backoff := time.Second
	maxBackoff := 60 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("Connecting to SSE stream", "client_id", s.clientID)

		err := s.connectAndListen(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrSequenceGap) || errors.Is(err, ErrIndexOutOfRange) {
			// 镜像失步：立即重连以获取新快照
			s.logger.Warn("Mirror out of sync, resubscribing", "error", err)
			backoff = time.Second
			continue
		}

		s.logger.Error("SSE connection failed", "error", err, "retry_in", backoff.String())

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			return
		}
	}
}

// connectAndListen establishes SSE connection and listens for events
func (s *Subscriber) connectAndListen(ctx context.Context) error {
	streamURL := fmt.Sprintf("%s/v1/tunnels/stream?client_id=%s",
		strings.TrimSuffix(s.serverURL, "/"),
		url.QueryEscape(s.clientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	s.logger.Info("SSE connected", "client_id", s.clientID)
	s.setConnected(true)

	return s.readEventStream(ctx, resp.Body)
}

// readEventStream reads and processes SSE events
func (s *Subscriber) readEventStream(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)
	var eventType string
	var eventData string

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("read line: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line indicates end of event
		if line == "" {
			if eventType != "" && eventData != "" {
				s.logger.Debug("SSE event received", "event_type", eventType, "data_len", len(eventData))
				if err := s.handleEvent(eventType, eventData); err != nil {
					return err
				}
			}
			eventType = ""
			eventData = ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			eventData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// handleEvent applies one event to the mirror. Errors that leave the mirror
// unusable are returned so the caller drops the connection.
func (s *Subscriber) handleEvent(eventType, data string) error {
	switch eventType {
	case protocol.EventSnapshot:
		var snapshot protocol.Snapshot
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		s.mirror.Reset(snapshot)
		s.logger.Info("Mirror reset from snapshot", "seq", snapshot.Seq, "entries", len(snapshot.Entries))
		s.invoke(nil)
		return nil

	case protocol.EventChange:
		var change protocol.Change
		if err := json.Unmarshal([]byte(data), &change); err != nil {
			return fmt.Errorf("parse change: %w", err)
		}
		if err := s.mirror.Apply(change); err != nil {
			return err
		}
		s.logger.Debug("Change applied", "seq", change.Seq, "kind", change.Kind, "key", change.Key)
		s.invoke(&change)
		return nil

	case protocol.EventHeartbeat:
		return nil

	default:
		s.logger.Warn("Unknown event type", "type", eventType)
		return nil
	}
}

func (s *Subscriber) invoke(change *protocol.Change) {
	if s.callback == nil {
		return
	}
	if err := s.callback(s.mirror, change); err != nil {
		s.logger.Error("Subscriber callback failed", "error", err)
	}
}
