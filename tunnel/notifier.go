package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
)

// SSEClient SSE客户端连接
type SSEClient struct {
	ID       string
	Writer   http.ResponseWriter
	Flusher  http.Flusher
	Channel  chan *protocol.Change
	Done     chan struct{}
	LastPing time.Time

	closeOnce sync.Once
}

func (c *SSEClient) close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

// NotifierConfig holds Notifier configuration
type NotifierConfig struct {
	Logger    logging.Logger
	Heartbeat time.Duration
	// BufferSize is the per-client change queue. A client that falls
	// further behind is disconnected and must resubscribe.
	BufferSize int
}

// Notifier SSE实时推送管理器
// 作为注册表的 ChangeSink 维护自己的镜像，每个新订阅者先收到快照再收到增量变更。
type Notifier struct {
	mu        sync.Mutex
	clients   map[string]*SSEClient
	mirror    *Mirror
	logger    logging.Logger
	heartbeat time.Duration
	buffer    int
}

// NewNotifier 创建新的推送管理器
func NewNotifier(config *NotifierConfig) *Notifier {
	if config == nil {
		config = &NotifierConfig{}
	}
	heartbeat := config.Heartbeat
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}
	buffer := config.BufferSize
	if buffer <= 0 {
		buffer = 64
	}

	return &Notifier{
		clients:   make(map[string]*SSEClient),
		mirror:    NewMirror(nil),
		logger:    logging.OrNop(config.Logger),
		heartbeat: heartbeat,
		buffer:    buffer,
	}
}

// Reset replaces the notifier's view. Connected clients hold a view that no
// longer matches, so they are disconnected and will resync on reconnect.
func (n *Notifier) Reset(snapshot protocol.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.mirror.Reset(snapshot)
	for id, client := range n.clients {
		delete(n.clients, id)
		client.close()
	}
	n.logger.Debug("SSE notifier reset", "seq", snapshot.Seq, "entries", len(snapshot.Entries))
}

// Publish 广播变更给所有订阅客户端
func (n *Notifier) Publish(change protocol.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.mirror.Apply(change); err != nil {
		n.logger.Error("SSE notifier mirror out of sync", "seq", change.Seq, "error", err)
	}

	count := 0
	for id, client := range n.clients {
		select {
		case client.Channel <- &change:
			count++
		default:
			// 通道已满，断开客户端，重连时通过快照重新同步
			delete(n.clients, id)
			client.close()
			n.logger.Warn("SSE client too slow, disconnecting",
				"client_id", id,
				"seq", change.Seq,
			)
		}
	}

	n.logger.Debug("Change broadcasted",
		"seq", change.Seq,
		"kind", change.Kind,
		"key", change.Key,
		"clients", count,
	)
}

// Subscribe 处理客户端订阅，阻塞直到客户端断开或 ctx 结束
func (n *Notifier) Subscribe(ctx context.Context, clientID string, w http.ResponseWriter) error {
	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	// 确保支持流式响应
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	client := &SSEClient{
		ID:       clientID,
		Writer:   w,
		Flusher:  flusher,
		Channel:  make(chan *protocol.Change, n.buffer),
		Done:     make(chan struct{}),
		LastPing: time.Now(),
	}

	// 快照与注册在同一把锁内完成，保证快照之后的变更一个不漏
	n.mu.Lock()
	snapshot := n.mirror.Snapshot()
	if previous, exists := n.clients[clientID]; exists {
		previous.close()
	}
	n.clients[clientID] = client
	n.mu.Unlock()

	defer n.remove(client)

	n.logger.Info("SSE client connected", "client_id", clientID, "seq", snapshot.Seq)

	if err := writeEvent(w, flusher, protocol.EventSnapshot, snapshot.Seq, snapshot); err != nil {
		return err
	}

	// 心跳 ticker
	ticker := time.NewTicker(n.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			client.LastPing = time.Now()

		case change := <-client.Channel:
			if err := writeEvent(w, flusher, protocol.EventChange, change.Seq, change); err != nil {
				n.logger.Error("Failed to send change", "client_id", clientID, "error", err)
				return err
			}

		case <-client.Done:
			n.logger.Info("SSE client disconnected", "client_id", clientID)
			return nil

		case <-ctx.Done():
			n.logger.Info("SSE client gone", "client_id", clientID)
			return nil
		}
	}
}

func (n *Notifier) remove(client *SSEClient) {
	n.mu.Lock()
	if current, ok := n.clients[client.ID]; ok && current == client {
		delete(n.clients, client.ID)
	}
	n.mu.Unlock()
	client.close()
}

// writeEvent SSE 格式：id: <seq>\nevent: <name>\ndata: <json>\n\n
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, seq uint64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	flusher.Flush()
	return nil
}

// Mirror returns the notifier's current view.
func (n *Notifier) Mirror() protocol.Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mirror.Snapshot()
}

// GetClients 获取所有连接的客户端ID
func (n *Notifier) GetClients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	clients := make([]string, 0, len(n.clients))
	for id := range n.clients {
		clients = append(clients, id)
	}
	return clients
}

// Unsubscribe 取消订阅
func (n *Notifier) Unsubscribe(clientID string) {
	n.mu.Lock()
	client, ok := n.clients[clientID]
	if ok {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()

	if ok {
		client.close()
		n.logger.Info("SSE client unsubscribed", "client_id", clientID)
	}
}
