package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

type testConfig struct {
	name string
}

func (c testConfig) TunnelName() string { return c.name }

func (c testConfig) WithName(name string) tunnel.Configuration { return testConfig{name: name} }

func (c testConfig) MarshalText() ([]byte, error) {
	return []byte("[Interface]\n# " + c.name + "\n"), nil
}

func cfg(name string) tunnel.Configuration { return testConfig{name: name} }

// event is one observed notification.
type event struct {
	kind     protocol.ChangeKind
	index    int
	from, to int
}

// recorder records notifications and checks every index against the
// registry at the moment of delivery.
type recorder struct {
	t      *testing.T
	reg    *Registry
	mu     sync.Mutex
	events []event
	view   []string
}

func newRecorder(t *testing.T, reg *Registry) *recorder {
	rec := &recorder{t: t, reg: reg}
	for _, r := range reg.Snapshot() {
		rec.view = append(rec.view, r.Key)
	}
	return rec
}

func (r *recorder) checkIndex(index int) string {
	rec, err := r.reg.RecordAt(index)
	if err != nil {
		r.t.Errorf("notification index %d invalid at delivery (count %d)", index, r.reg.Count())
		return ""
	}
	return rec.Key
}

func (r *recorder) OnInserted(index int) {
	key := r.checkIndex(index)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: protocol.ChangeInserted, index: index})
	r.view = append(r.view, "")
	copy(r.view[index+1:], r.view[index:])
	r.view[index] = key
}

func (r *recorder) OnModified(index int) {
	key := r.checkIndex(index)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: protocol.ChangeModified, index: index})
	r.view[index] = key
}

func (r *recorder) OnMoved(from, to int) {
	key := r.checkIndex(to)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: protocol.ChangeMoved, from: from, to: to})
	r.view = append(r.view[:from], r.view[from+1:]...)
	r.view = append(r.view, "")
	copy(r.view[to+1:], r.view[to:])
	r.view[to] = key
}

func (r *recorder) OnRemoved(index int) {
	if index < 0 || index > r.reg.Count() {
		r.t.Errorf("removed index %d out of range", index)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: protocol.ChangeRemoved, index: index})
	r.view = append(r.view[:index], r.view[index+1:]...)
}

func (r *recorder) Events() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func keys(reg *Registry) []string {
	var out []string
	for _, r := range reg.Snapshot() {
		out = append(out, r.Key)
	}
	return out
}

func TestInsertKeepsOrder(t *testing.T) {
	reg := New(nil)
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	for _, name := range []string{"work", "home", "office", "alpha"} {
		_, err := reg.Insert(name, cfg(name))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"alpha", "home", "office", "work"}, keys(reg))
	assert.Equal(t, 4, reg.Count())
	assert.Equal(t, []event{
		{kind: protocol.ChangeInserted, index: 0},
		{kind: protocol.ChangeInserted, index: 0},
		{kind: protocol.ChangeInserted, index: 1},
		{kind: protocol.ChangeInserted, index: 0},
	}, rec.Events())

	got, err := reg.RecordAt(2)
	require.NoError(t, err)
	assert.Equal(t, "office", got.Key)
	assert.Equal(t, tunnel.StatusInactive, got.Status)
	assert.Equal(t, "office", got.Config.TunnelName())
}

func TestInsertIntoEmptyRegistry(t *testing.T) {
	reg := New(nil)
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	index, err := reg.Insert("work", cfg("work"))
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []event{{kind: protocol.ChangeInserted, index: 0}}, rec.Events())
}

func TestInsertErrors(t *testing.T) {
	reg := New(nil)
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	_, err := reg.Insert("work", cfg("work"))
	require.NoError(t, err)

	_, err = reg.Insert("work", cfg("work"))
	assert.True(t, errors.Is(err, protocol.ErrDuplicateKey))

	_, err = reg.Insert("", cfg(""))
	assert.True(t, errors.Is(err, protocol.ErrInvalidName))

	_, err = reg.Insert("home", nil)
	assert.Error(t, err)

	assert.Equal(t, 1, reg.Count())
	assert.Len(t, rec.Events(), 1, "failed inserts must not notify")
}

func TestRemove(t *testing.T) {
	reg := New(nil)
	for _, name := range []string{"a", "b", "c"} {
		_, err := reg.Insert(name, cfg(name))
		require.NoError(t, err)
	}
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	require.NoError(t, reg.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, keys(reg))
	assert.Equal(t, []event{{kind: protocol.ChangeRemoved, index: 1}}, rec.Events())

	err := reg.Remove("b")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	assert.Len(t, rec.Events(), 1)

	_, err = reg.Get("b")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	_, err = reg.RecordAt(5)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestUpdate(t *testing.T) {
	reg := New(nil)
	for _, name := range []string{"a", "c", "e"} {
		_, err := reg.Insert(name, cfg(name))
		require.NoError(t, err)
	}
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	// same key: modified in place
	index, err := reg.UpdateConfig("c", cfg("c"))
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	// rename without changing position
	index, err = reg.UpdateConfig("c", cfg("d"))
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	// rename that moves to the end
	index, err = reg.UpdateConfig("a", cfg("z"))
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	assert.Equal(t, []string{"d", "e", "z"}, keys(reg))
	assert.Equal(t, []event{
		{kind: protocol.ChangeModified, index: 1},
		{kind: protocol.ChangeModified, index: 1},
		{kind: protocol.ChangeMoved, from: 0, to: 2},
	}, rec.Events())
	assert.Equal(t, keys(reg), rec.view)

	_, err = reg.UpdateConfig("d", cfg("e"))
	assert.True(t, errors.Is(err, protocol.ErrDuplicateKey))
	_, err = reg.UpdateConfig("missing", cfg("m"))
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	_, err = reg.UpdateConfig("d", cfg(""))
	assert.True(t, errors.Is(err, protocol.ErrInvalidName))

	require.NoError(t, reg.RequestActivate("d"))
	_, err = reg.UpdateConfig("d", cfg("b"))
	assert.True(t, errors.Is(err, protocol.ErrInvalidState))
}

func TestRename(t *testing.T) {
	reg := New(nil)
	for _, name := range []string{"home", "work"} {
		_, err := reg.Insert(name, cfg(name))
		require.NoError(t, err)
	}
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	index, err := reg.Rename("home", "zz-home")
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, []string{"work", "zz-home"}, keys(reg))

	got, err := reg.Get("zz-home")
	require.NoError(t, err)
	assert.Equal(t, "zz-home", got.Config.TunnelName())
	assert.Equal(t, []event{{kind: protocol.ChangeMoved, from: 0, to: 1}}, rec.Events())

	for _, bad := range []string{"", " x ", "a/b", "zz.conf"} {
		_, err = reg.Rename("zz-home", bad)
		assert.True(t, errors.Is(err, protocol.ErrInvalidName), "rename to %q", bad)
	}
	assert.Equal(t, []string{"work", "zz-home"}, keys(reg))
	_, err = reg.Rename("missing", "x")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	_, err = reg.Rename("work", "zz-home")
	assert.True(t, errors.Is(err, protocol.ErrDuplicateKey))
}

func TestActivationLifecycle(t *testing.T) {
	reg := New(nil)
	_, err := reg.Insert("work", cfg("work"))
	require.NoError(t, err)
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	status := func() tunnel.Status {
		r, err := reg.Get("work")
		require.NoError(t, err)
		return r.Status
	}

	require.NoError(t, reg.RequestActivate("work"))
	assert.Equal(t, tunnel.StatusActivating, status())
	assert.Len(t, rec.Events(), 1)

	// duplicate request while in flight
	require.NoError(t, reg.RequestActivate("work"))
	require.NoError(t, reg.RequestDeactivate("work"))
	assert.Equal(t, tunnel.StatusActivating, status())
	assert.Len(t, rec.Events(), 1)

	require.NoError(t, reg.Complete("work", true))
	assert.Equal(t, tunnel.StatusActive, status())
	assert.Len(t, rec.Events(), 2)

	// stale signal is ignored
	require.NoError(t, reg.Complete("work", false))
	assert.Equal(t, tunnel.StatusActive, status())
	assert.Len(t, rec.Events(), 2)

	require.NoError(t, reg.RequestActivate("work"))
	assert.Len(t, rec.Events(), 2, "activate on active is a no-op")

	require.NoError(t, reg.RequestDeactivate("work"))
	assert.Equal(t, tunnel.StatusDeactivating, status())
	require.NoError(t, reg.Complete("work", false))
	assert.Equal(t, tunnel.StatusActive, status(), "failed deactivation reverts")

	require.NoError(t, reg.RequestDeactivate("work"))
	require.NoError(t, reg.Complete("work", true))
	assert.Equal(t, tunnel.StatusInactive, status())

	for _, e := range rec.Events() {
		assert.Equal(t, protocol.ChangeModified, e.kind)
		assert.Equal(t, 0, e.index)
	}
	assert.Len(t, rec.Events(), 6)
}

func TestActivationFailureReverts(t *testing.T) {
	reg := New(nil)
	_, err := reg.Insert("work", cfg("work"))
	require.NoError(t, err)

	require.NoError(t, reg.RequestActivate("work"))
	require.NoError(t, reg.Complete("work", false))

	r, err := reg.Get("work")
	require.NoError(t, err)
	assert.Equal(t, tunnel.StatusInactive, r.Status)
}

func TestRequestUnknownKey(t *testing.T) {
	reg := New(nil)
	assert.True(t, errors.Is(reg.RequestActivate("nope"), protocol.ErrNotFound))
	assert.True(t, errors.Is(reg.RequestDeactivate("nope"), protocol.ErrNotFound))
	assert.True(t, errors.Is(reg.Complete("nope", true), protocol.ErrNotFound))
}

func TestRemoveWhileActivating(t *testing.T) {
	reg := New(nil)
	_, err := reg.Insert("work", cfg("work"))
	require.NoError(t, err)

	require.NoError(t, reg.RequestActivate("work"))
	require.NoError(t, reg.Remove("work"))

	err = reg.Complete("work", true)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	assert.Equal(t, 0, reg.Count())
}

// syncControlPlane completes every request before returning.
type syncControlPlane struct {
	succeed bool
	calls   []string
}

func (c *syncControlPlane) Activate(key string, _ tunnel.Configuration, done CompletionFunc) {
	c.calls = append(c.calls, "up:"+key)
	done(key, c.succeed)
}

func (c *syncControlPlane) Deactivate(key string, done CompletionFunc) {
	c.calls = append(c.calls, "down:"+key)
	done(key, c.succeed)
}

func TestControlPlaneCompletesSynchronously(t *testing.T) {
	control := &syncControlPlane{succeed: true}
	reg := New(&Config{ControlPlane: control})
	_, err := reg.Insert("work", cfg("work"))
	require.NoError(t, err)
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	require.NoError(t, reg.RequestActivate("work"))
	r, _ := reg.Get("work")
	assert.Equal(t, tunnel.StatusActive, r.Status)

	require.NoError(t, reg.RequestDeactivate("work"))
	r, _ = reg.Get("work")
	assert.Equal(t, tunnel.StatusInactive, r.Status)

	assert.Equal(t, []string{"up:work", "down:work"}, control.calls)
	assert.Len(t, rec.Events(), 4)
}

// asyncControlPlane completes requests from another goroutine.
type asyncControlPlane struct {
	wg sync.WaitGroup
}

func (c *asyncControlPlane) Activate(key string, _ tunnel.Configuration, done CompletionFunc) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		done(key, true)
	}()
}

func (c *asyncControlPlane) Deactivate(key string, done CompletionFunc) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		done(key, true)
	}()
}

func TestConcurrentMutationsKeepObserversConsistent(t *testing.T) {
	control := &asyncControlPlane{}
	reg := New(&Config{ControlPlane: control})
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("tun-%d-%02d", w, i)
				if _, err := reg.Insert(key, cfg(key)); err != nil {
					t.Errorf("insert %s: %v", key, err)
					continue
				}
				_ = reg.RequestActivate(key)
				if i%3 == 0 {
					_ = reg.Remove(key)
				}
			}
		}(w)
	}
	wg.Wait()
	control.wg.Wait()

	assert.Equal(t, keys(reg), rec.view)
	assert.Equal(t, 8*(25-9), reg.Count())
	for _, r := range reg.Snapshot() {
		assert.Equal(t, tunnel.StatusActive, r.Status, r.Key)
	}
}

func TestRandomSequenceMatchesMirror(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	reg := New(nil)
	rec := newRecorder(t, reg)
	reg.Subscribe(rec)

	inserts, removes := 0, 0
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%03d", rng.Intn(60))
		switch rng.Intn(4) {
		case 0, 1:
			if _, err := reg.Insert(key, cfg(key)); err == nil {
				inserts++
			}
		case 2:
			if err := reg.Remove(key); err == nil {
				removes++
			}
		case 3:
			newKey := fmt.Sprintf("k%03d", rng.Intn(60))
			_, _ = reg.UpdateConfig(key, cfg(newKey))
		}
	}

	assert.Equal(t, inserts-removes, reg.Count())
	assert.Equal(t, keys(reg), rec.view)
}

type unsubscriber struct {
	reg   *Registry
	token Token
	calls int
}

func (u *unsubscriber) OnInserted(int) {
	u.calls++
	u.reg.Unsubscribe(u.token)
}
func (u *unsubscriber) OnModified(int)     {}
func (u *unsubscriber) OnMoved(int, int)   {}
func (u *unsubscriber) OnRemoved(int)      {}

func TestUnsubscribe(t *testing.T) {
	reg := New(nil)
	u := &unsubscriber{reg: reg}
	u.token = reg.Subscribe(u)

	_, err := reg.Insert("a", cfg("a"))
	require.NoError(t, err)
	_, err = reg.Insert("b", cfg("b"))
	require.NoError(t, err)

	assert.Equal(t, 1, u.calls)
	assert.False(t, reg.Unsubscribe(u.token))
	assert.False(t, reg.Unsubscribe("unknown"))
}

type captureSink struct {
	resets  []protocol.Snapshot
	changes []protocol.Change
}

func (s *captureSink) Reset(snapshot protocol.Snapshot) { s.resets = append(s.resets, snapshot) }
func (s *captureSink) Publish(c protocol.Change)        { s.changes = append(s.changes, c) }

func TestWatch(t *testing.T) {
	reg := New(nil)
	_, err := reg.Insert("home", cfg("home"))
	require.NoError(t, err)

	sink := &captureSink{}
	token := reg.Watch(sink)
	require.Len(t, sink.resets, 1)
	assert.Equal(t, []protocol.Entry{{Key: "home", Status: "inactive"}}, sink.resets[0].Entries)

	_, err = reg.Insert("alpha", cfg("alpha"))
	require.NoError(t, err)
	_, err = reg.UpdateConfig("home", cfg("zulu"))
	require.NoError(t, err)
	require.NoError(t, reg.Remove("alpha"))

	require.Len(t, sink.changes, 3)
	assert.Equal(t, protocol.Change{Seq: 1, Kind: protocol.ChangeInserted, Index: 0, Key: "alpha", Status: "inactive"}, sink.changes[0])
	assert.Equal(t, "zulu", sink.changes[1].Key)
	assert.Equal(t, "home", sink.changes[1].OldKey)
	assert.Equal(t, protocol.Change{Seq: 3, Kind: protocol.ChangeRemoved, Index: 0, Key: "alpha", Status: "inactive"}, sink.changes[2])

	mirror := tunnel.NewMirror(sink.resets[0].Entries)
	for _, c := range sink.changes {
		require.NoError(t, mirror.Apply(c))
	}
	assert.Equal(t, keys(reg), mirror.Keys())

	assert.True(t, reg.Unsubscribe(token))
	_, err = reg.Insert("beta", cfg("beta"))
	require.NoError(t, err)
	assert.Len(t, sink.changes, 3)
}

func TestTransitionsAreAudited(t *testing.T) {
	audit, err := logging.NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.log"), nil)
	require.NoError(t, err)
	defer audit.Close()

	reg := New(&Config{Audit: audit})
	_, err = reg.Insert("work", cfg("work"))
	require.NoError(t, err)
	require.NoError(t, reg.RequestActivate("work"))
	require.NoError(t, reg.Complete("work", true))

	logs, err := audit.Query(context.Background(), &logging.AuditFilter{Key: "work"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
}
