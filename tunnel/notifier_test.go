package tunnel

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/tunnel-registry/protocol"
)

// mockLogger for testing
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) record(msg string) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Info(msg string, args ...interface{})  { l.record(msg) }
func (l *mockLogger) Warn(msg string, args ...interface{})  { l.record(msg) }
func (l *mockLogger) Error(msg string, args ...interface{}) { l.record(msg) }
func (l *mockLogger) Debug(msg string, args ...interface{}) { l.record(msg) }

// streamRecorder is a ResponseWriter that can be read while it is written.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }
func (r *streamRecorder) WriteHeader(int)     {}
func (r *streamRecorder) Flush()              {}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifierSubscribeSendsSnapshotFirst(t *testing.T) {
	notifier := NewNotifier(&NotifierConfig{Logger: &mockLogger{}, Heartbeat: time.Hour})
	notifier.Reset(protocol.Snapshot{Seq: 3, Entries: entries("home", "work")})

	rec := newStreamRecorder()
	done := make(chan error, 1)
	go func() {
		done <- notifier.Subscribe(context.Background(), "client-1", rec)
	}()

	waitFor(t, func() bool { return len(notifier.GetClients()) == 1 })
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	notifier.Publish(protocol.Change{Seq: 4, Kind: protocol.ChangeInserted, Index: 0, Key: "alpha", Status: "inactive"})
	waitFor(t, func() bool { return strings.Contains(rec.String(), "event: change") })

	out := rec.String()
	snap := strings.Index(out, "event: snapshot")
	change := strings.Index(out, "event: change")
	require.GreaterOrEqual(t, snap, 0)
	assert.Less(t, snap, change)
	assert.Contains(t, out, "id: 3\n")
	assert.Contains(t, out, `"key":"work"`)
	assert.Contains(t, out, "id: 4\n")
	assert.Contains(t, out, `"key":"alpha"`)

	assert.Equal(t, []string{"alpha", "home", "work"}, keysOf(notifier.Mirror()))

	notifier.Unsubscribe("client-1")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not finish in time")
	}
	assert.Empty(t, notifier.GetClients())
}

func TestNotifierEvictsSlowClient(t *testing.T) {
	notifier := NewNotifier(&NotifierConfig{Heartbeat: time.Hour, BufferSize: 1})

	// registered directly so nothing drains the channel
	client := &SSEClient{ID: "slow", Channel: make(chan *protocol.Change, 1), Done: make(chan struct{})}
	notifier.clients["slow"] = client

	notifier.Publish(protocol.Change{Seq: 1, Kind: protocol.ChangeInserted, Index: 0, Key: "a"})
	assert.Len(t, notifier.GetClients(), 1)

	notifier.Publish(protocol.Change{Seq: 2, Kind: protocol.ChangeInserted, Index: 1, Key: "b"})
	assert.Empty(t, notifier.GetClients())

	select {
	case <-client.Done:
	default:
		t.Fatal("evicted client should be closed")
	}

	// the notifier's own view keeps up regardless
	assert.Equal(t, []string{"a", "b"}, keysOf(notifier.Mirror()))
}

func TestNotifierContextCancel(t *testing.T) {
	notifier := NewNotifier(&NotifierConfig{Heartbeat: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	rec := newStreamRecorder()
	done := make(chan error, 1)
	go func() {
		done <- notifier.Subscribe(ctx, "client-1", rec)
	}()

	waitFor(t, func() bool { return strings.Contains(rec.String(), ": ping") })
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	assert.Empty(t, notifier.GetClients())
}

func TestNotifierResetDisconnectsClients(t *testing.T) {
	notifier := NewNotifier(nil)
	client := &SSEClient{ID: "c", Channel: make(chan *protocol.Change, 1), Done: make(chan struct{})}
	notifier.clients["c"] = client

	notifier.Reset(protocol.Snapshot{Entries: entries("x")})

	assert.Empty(t, notifier.GetClients())
	_, open := <-client.Done
	assert.False(t, open)
}

func keysOf(s protocol.Snapshot) []string {
	keys := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		keys[i] = e.Key
	}
	return keys
}
