// Package registry holds the ordered set of tunnel records and keeps any
// number of observers in sync with every structural change to it.
//
// Records are kept in ascending key order. All mutations are serialized
// and each one is followed, before the next mutation can start, by exactly
// one notification to every observer. Observers may read the registry from
// inside a notification and will see the state the notification describes.
package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

// Observer receives structural change notifications. Indices refer to the
// registry order at the moment of delivery.
//
// Notifications are delivered synchronously on the goroutine that performed
// the mutation. Observers that need another execution context (a UI loop,
// a network writer) must hand the event off themselves. An observer must
// not call Subscribe, Watch or any mutating method from inside a
// notification; Unsubscribe and the read methods are safe.
type Observer interface {
	OnInserted(index int)
	OnModified(index int)
	OnMoved(from, to int)
	OnRemoved(index int)
}

// ChangeSink consumes self-describing changes produced by Watch.
type ChangeSink interface {
	// Reset is called once, before any Publish, with the current contents.
	Reset(snapshot protocol.Snapshot)
	Publish(change protocol.Change)
}

// Token identifies an observer registration.
type Token string

// CompletionFunc reports the outcome of an activation or deactivation.
// It may be called from any goroutine, or never.
type CompletionFunc func(key string, succeeded bool)

// ControlPlane brings tunnels up and down. Both calls must return promptly
// and report the outcome later through done.
type ControlPlane interface {
	Activate(key string, cfg tunnel.Configuration, done CompletionFunc)
	Deactivate(key string, done CompletionFunc)
}

// Config holds Registry configuration
type Config struct {
	// ControlPlane receives activation requests. When nil, requests stay
	// pending until Complete is called by the caller.
	ControlPlane ControlPlane
	Logger       logging.Logger
	Audit        logging.AuditLogger
}

type registration struct {
	token    Token
	observer Observer
}

// Registry is the single owner of the tunnel records.
type Registry struct {
	// notifyMu serializes each mutation together with its fan-out.
	notifyMu sync.Mutex
	// mu guards records; readers never wait for a fan-out to finish.
	mu      sync.RWMutex
	records []*tunnel.Record

	obsMu     sync.Mutex
	observers []registration

	control ControlPlane
	logger  logging.Logger
	audit   logging.AuditLogger
}

// New creates an empty registry.
func New(cfg *Config) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Registry{
		control: cfg.ControlPlane,
		logger:  logging.OrNop(cfg.Logger),
		audit:   cfg.Audit,
	}
}

// search returns the position of key, or where it would be inserted.
// Caller holds mu.
func (r *Registry) search(key string) (int, bool) {
	return slices.BinarySearchFunc(r.records, key, func(rec *tunnel.Record, k string) int {
		return strings.Compare(rec.Key, k)
	})
}

// Insert adds a new inactive record and returns its index.
func (r *Registry) Insert(key string, cfg tunnel.Configuration) (int, error) {
	if key == "" {
		return -1, protocol.ErrInvalidName
	}
	if cfg == nil {
		return -1, protocol.NewError(protocol.ErrCodeInvalidRequest, "configuration is required").WithDetails("key", key)
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	index, found := r.search(key)
	if found {
		r.mu.Unlock()
		return -1, protocol.ErrDuplicateKey.WithDetails("key", key)
	}
	now := time.Now()
	r.records = slices.Insert(r.records, index, &tunnel.Record{
		Key:       key,
		Config:    cfg,
		Status:    tunnel.StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	r.mu.Unlock()

	recordStatusChange("", tunnel.StatusInactive)
	r.logger.Info("Tunnel inserted", "key", key, "index", index)
	r.notify(protocol.ChangeInserted, func(o Observer) { o.OnInserted(index) })
	return index, nil
}

// Remove deletes the record with key, whatever its status. A completion
// that arrives later for the removed key is ignored.
func (r *Registry) Remove(key string) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	index, found := r.search(key)
	if !found {
		r.mu.Unlock()
		return protocol.ErrNotFound.WithDetails("key", key)
	}
	status := r.records[index].Status
	r.records = slices.Delete(r.records, index, index+1)
	r.mu.Unlock()

	recordStatusChange(status, "")
	r.logger.Info("Tunnel removed", "key", key, "index", index, "status", status)
	r.notify(protocol.ChangeRemoved, func(o Observer) { o.OnRemoved(index) })
	return nil
}

// Rename changes the key of a record, keeping its configuration apart from
// the name. It returns the new index. The new key must already be in
// normalized form.
func (r *Registry) Rename(oldKey, newKey string) (int, error) {
	if !tunnel.ValidKey(newKey) {
		return -1, protocol.ErrInvalidName.WithDetails("key", newKey)
	}
	rec, err := r.Get(oldKey)
	if err != nil {
		return -1, err
	}
	return r.UpdateConfig(oldKey, rec.Config.WithName(newKey))
}

// UpdateConfig replaces the configuration of key. The new key is taken from
// cfg.TunnelName(); when it differs the record is renamed and repositioned.
// One notification is emitted: OnMoved when the index changes, otherwise
// OnModified. Updates are refused while a status transition is in flight.
func (r *Registry) UpdateConfig(key string, cfg tunnel.Configuration) (int, error) {
	if cfg == nil {
		return -1, protocol.NewError(protocol.ErrCodeInvalidRequest, "configuration is required").WithDetails("key", key)
	}
	newKey := cfg.TunnelName()
	if !tunnel.ValidKey(newKey) {
		return -1, protocol.ErrInvalidName.WithDetails("key", newKey)
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	from, found := r.search(key)
	if !found {
		r.mu.Unlock()
		return -1, protocol.ErrNotFound.WithDetails("key", key)
	}
	rec := r.records[from]
	if rec.Status.IsTransitional() {
		r.mu.Unlock()
		return -1, protocol.ErrInvalidState.WithDetails("key", key).WithDetails("status", string(rec.Status))
	}
	if newKey != key {
		if _, taken := r.search(newKey); taken {
			r.mu.Unlock()
			return -1, protocol.ErrDuplicateKey.WithDetails("key", newKey)
		}
	}

	rec.Key = newKey
	rec.Config = cfg
	rec.UpdatedAt = time.Now()

	to := from
	if newKey != key {
		r.records = slices.Delete(r.records, from, from+1)
		to, _ = r.search(newKey)
		r.records = slices.Insert(r.records, to, rec)
	}
	r.mu.Unlock()

	if from != to {
		r.logger.Info("Tunnel renamed", "key", key, "new_key", newKey, "from", from, "to", to)
		r.notify(protocol.ChangeMoved, func(o Observer) { o.OnMoved(from, to) })
	} else {
		r.logger.Info("Tunnel updated", "key", key, "new_key", newKey, "index", to)
		r.notify(protocol.ChangeModified, func(o Observer) { o.OnModified(to) })
	}
	return to, nil
}

// RequestActivate starts bringing key up. It returns as soon as the record
// is Activating; the outcome arrives later through Complete. Requests for a
// record that is already Active or has a transition in flight are no-ops.
func (r *Registry) RequestActivate(key string) error {
	return r.request(key, tunnel.StatusInactive, tunnel.StatusActivating)
}

// RequestDeactivate starts bringing key down. It mirrors RequestActivate.
func (r *Registry) RequestDeactivate(key string) error {
	return r.request(key, tunnel.StatusActive, tunnel.StatusDeactivating)
}

func (r *Registry) request(key string, from, to tunnel.Status) error {
	cfg, started, err := r.beginTransition(key, from, to)
	if err != nil || !started {
		return err
	}

	// Locks are released here so a control plane may complete synchronously.
	if r.control == nil {
		return nil
	}
	if to == tunnel.StatusActivating {
		r.control.Activate(key, cfg, r.completion)
	} else {
		r.control.Deactivate(key, r.completion)
	}
	return nil
}

func (r *Registry) completion(key string, succeeded bool) {
	if err := r.Complete(key, succeeded); err != nil {
		r.logger.Warn("Dropping control plane result", "key", key, "succeeded", succeeded, "error", err)
	}
}

func (r *Registry) beginTransition(key string, from, to tunnel.Status) (tunnel.Configuration, bool, error) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	index, found := r.search(key)
	if !found {
		r.mu.Unlock()
		return nil, false, protocol.ErrNotFound.WithDetails("key", key)
	}
	rec := r.records[index]
	if rec.Status != from {
		status := rec.Status
		r.mu.Unlock()
		r.logger.Debug("Transition request ignored", "key", key, "status", status, "requested", to)
		return nil, false, nil
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	cfg := rec.Config
	r.mu.Unlock()

	recordStatusChange(from, to)
	r.logger.Info("Tunnel transition started", "key", key, "from", from, "to", to)
	r.notify(protocol.ChangeModified, func(o Observer) { o.OnModified(index) })
	r.auditTransition(key, from, to, "request")
	return cfg, true, nil
}

// Complete applies a control-plane result for key. Results for records with
// nothing in flight are stale and ignored.
func (r *Registry) Complete(key string, succeeded bool) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	index, found := r.search(key)
	if !found {
		r.mu.Unlock()
		return protocol.ErrNotFound.WithDetails("key", key)
	}
	rec := r.records[index]
	from := rec.Status
	next, pending := from.Settle(succeeded)
	if !pending {
		r.mu.Unlock()
		r.logger.Debug("Stale control plane result", "key", key, "status", from, "succeeded", succeeded)
		return nil
	}
	rec.Status = next
	rec.UpdatedAt = time.Now()
	r.mu.Unlock()

	recordStatusChange(from, next)
	if succeeded {
		r.logger.Info("Tunnel transition completed", "key", key, "status", next)
	} else {
		r.logger.Warn("Tunnel transition failed", "key", key, "from", from, "reverted_to", next)
	}
	r.notify(protocol.ChangeModified, func(o Observer) { o.OnModified(index) })
	r.auditTransition(key, from, next, "signal")
	return nil
}

func (r *Registry) auditTransition(key string, from, to tunnel.Status, trigger string) {
	if r.audit == nil {
		return
	}
	err := r.audit.LogTransition(context.Background(), &logging.TransitionEvent{
		Key:     key,
		From:    string(from),
		To:      string(to),
		Trigger: trigger,
	})
	if err != nil {
		r.logger.Warn("Failed to write transition audit", "key", key, "error", err)
	}
}

// RecordAt returns a copy of the record at index.
func (r *Registry) RecordAt(index int) (tunnel.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.records) {
		return tunnel.Record{}, protocol.ErrNotFound.WithDetails("index", index)
	}
	return *r.records[index], nil
}

// Get returns a copy of the record with key.
func (r *Registry) Get(key string) (tunnel.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, found := r.search(key)
	if !found {
		return tunnel.Record{}, protocol.ErrNotFound.WithDetails("key", key)
	}
	return *r.records[index], nil
}

// IndexOf returns the current index of key.
func (r *Registry) IndexOf(key string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, found := r.search(key)
	if !found {
		return -1, false
	}
	return index, true
}

// Count returns the number of records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns copies of all records in order.
func (r *Registry) Snapshot() []tunnel.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tunnel.Record, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
	}
	return out
}

func (r *Registry) entries() []protocol.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Entry, len(r.records))
	for i, rec := range r.records {
		out[i] = protocol.Entry{Key: rec.Key, Status: string(rec.Status)}
	}
	return out
}

// Subscribe registers an observer. It receives every notification for
// mutations that start after Subscribe returns.
func (r *Registry) Subscribe(o Observer) Token {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.addObserver(o)
}

// Watch registers sink behind a Feed: sink is reset to the current contents
// and then receives one Change per mutation, with no gap in between.
func (r *Registry) Watch(sink ChangeSink) Token {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	snapshot := protocol.Snapshot{Entries: r.entries()}
	sink.Reset(snapshot)
	feed := tunnel.NewFeed(r, snapshot, sink.Publish, r.logger)
	return r.addObserver(feed)
}

func (r *Registry) addObserver(o Observer) Token {
	token := Token(uuid.NewString())

	r.obsMu.Lock()
	r.observers = append(r.observers, registration{token: token, observer: o})
	r.obsMu.Unlock()

	r.logger.Debug("Observer registered", "token", token)
	return token
}

// Unsubscribe removes a registration. It reports whether token was known.
func (r *Registry) Unsubscribe(token Token) bool {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()

	for i, reg := range r.observers {
		if reg.token == token {
			r.observers = slices.Delete(r.observers, i, i+1)
			r.logger.Debug("Observer unregistered", "token", token)
			return true
		}
	}
	return false
}

// notify fans out one notification. Caller holds notifyMu but not mu.
func (r *Registry) notify(kind protocol.ChangeKind, deliver func(Observer)) {
	r.obsMu.Lock()
	observers := slices.Clone(r.observers)
	r.obsMu.Unlock()

	for _, reg := range observers {
		deliver(reg.observer)
	}
	notificationsTotal.WithLabelValues(string(kind)).Inc()
}
