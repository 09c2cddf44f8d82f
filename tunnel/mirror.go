package tunnel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
)

var (
	// ErrIndexOutOfRange is returned by Mirror.Apply for a change whose
	// index does not fit the current view.
	ErrIndexOutOfRange = errors.New("change index out of range")
	// ErrSequenceGap is returned when a change arrives out of order; the
	// holder of the mirror must resync from a snapshot.
	ErrSequenceGap = errors.New("change sequence gap")
)

// Source is the read side of a registry as seen from inside a notification.
type Source interface {
	RecordAt(index int) (Record, error)
}

// Mirror is an ordered copy of the registry's (key, status) rows that is
// kept in sync by applying one Change at a time.
type Mirror struct {
	mu      sync.RWMutex
	entries []protocol.Entry
	seq     uint64
}

// NewMirror creates a mirror seeded with entries.
func NewMirror(entries []protocol.Entry) *Mirror {
	m := &Mirror{}
	m.Reset(protocol.Snapshot{Entries: entries})
	return m
}

// Reset replaces the whole view with a snapshot.
func (m *Mirror) Reset(s protocol.Snapshot) {
	entries := make([]protocol.Entry, len(s.Entries))
	copy(entries, s.Entries)

	m.mu.Lock()
	m.entries = entries
	m.seq = s.Seq
	m.mu.Unlock()
}

// Apply patches the view with a single change.
func (m *Mirror) Apply(c protocol.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Seq != 0 && c.Seq != m.seq+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, m.seq, c.Seq)
	}

	entry := protocol.Entry{Key: c.Key, Status: c.Status}
	n := len(m.entries)

	switch c.Kind {
	case protocol.ChangeInserted:
		if c.Index < 0 || c.Index > n {
			return fmt.Errorf("%w: insert at %d, len %d", ErrIndexOutOfRange, c.Index, n)
		}
		m.entries = append(m.entries, protocol.Entry{})
		copy(m.entries[c.Index+1:], m.entries[c.Index:])
		m.entries[c.Index] = entry

	case protocol.ChangeModified:
		if c.Index < 0 || c.Index >= n {
			return fmt.Errorf("%w: modify at %d, len %d", ErrIndexOutOfRange, c.Index, n)
		}
		m.entries[c.Index] = entry

	case protocol.ChangeMoved:
		if c.From < 0 || c.From >= n || c.To < 0 || c.To >= n {
			return fmt.Errorf("%w: move %d->%d, len %d", ErrIndexOutOfRange, c.From, c.To, n)
		}
		m.entries = moveEntry(m.entries, c.From, c.To)
		m.entries[c.To] = entry

	case protocol.ChangeRemoved:
		if c.Index < 0 || c.Index >= n {
			return fmt.Errorf("%w: remove at %d, len %d", ErrIndexOutOfRange, c.Index, n)
		}
		m.entries = append(m.entries[:c.Index], m.entries[c.Index+1:]...)

	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}

	if c.Seq != 0 {
		m.seq = c.Seq
	}
	return nil
}

// moveEntry removes the element at from and reinserts it at to.
func moveEntry[T any](s []T, from, to int) []T {
	if from == to {
		return s
	}
	v := s[from]
	if from < to {
		copy(s[from:to], s[from+1:to+1])
	} else {
		copy(s[to+1:from+1], s[to:from])
	}
	s[to] = v
	return s
}

// At returns the entry at index.
func (m *Mirror) At(index int) (protocol.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index < 0 || index >= len(m.entries) {
		return protocol.Entry{}, false
	}
	return m.entries[index], true
}

// Len returns the number of rows.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of the current view.
func (m *Mirror) Snapshot() protocol.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]protocol.Entry, len(m.entries))
	copy(entries, m.entries)
	return protocol.Snapshot{Seq: m.seq, Entries: entries}
}

// Keys returns the keys in order.
func (m *Mirror) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

// Feed turns index-only registry notifications into self-describing
// Change values. It reads the record from the source for inserts, moves
// and modifications and takes the removed row from its own mirror, so a
// sink never has to query the registry.
//
// Feed methods must be called serially, which the registry guarantees.
type Feed struct {
	source Source
	mirror *Mirror
	sink   func(protocol.Change)
	logger logging.Logger
	seq    uint64
}

// NewFeed creates a feed whose mirror starts at snapshot.
func NewFeed(source Source, snapshot protocol.Snapshot, sink func(protocol.Change), logger logging.Logger) *Feed {
	m := &Mirror{}
	m.Reset(snapshot)
	return &Feed{
		source: source,
		mirror: m,
		sink:   sink,
		logger: logging.OrNop(logger),
		seq:    snapshot.Seq,
	}
}

// Mirror exposes the feed's view of the registry.
func (f *Feed) Mirror() *Mirror {
	return f.mirror
}

func (f *Feed) OnInserted(index int) {
	rec, err := f.source.RecordAt(index)
	if err != nil {
		f.logger.Error("Feed cannot read inserted record", "index", index, "error", err)
		return
	}
	f.emit(protocol.Change{
		Kind:   protocol.ChangeInserted,
		Index:  index,
		Key:    rec.Key,
		Status: string(rec.Status),
	})
}

func (f *Feed) OnModified(index int) {
	rec, err := f.source.RecordAt(index)
	if err != nil {
		f.logger.Error("Feed cannot read modified record", "index", index, "error", err)
		return
	}
	c := protocol.Change{
		Kind:   protocol.ChangeModified,
		Index:  index,
		Key:    rec.Key,
		Status: string(rec.Status),
	}
	if old, ok := f.mirror.At(index); ok && old.Key != rec.Key {
		c.OldKey = old.Key
	}
	f.emit(c)
}

func (f *Feed) OnMoved(from, to int) {
	rec, err := f.source.RecordAt(to)
	if err != nil {
		f.logger.Error("Feed cannot read moved record", "from", from, "to", to, "error", err)
		return
	}
	c := protocol.Change{
		Kind:   protocol.ChangeMoved,
		Index:  to,
		From:   from,
		To:     to,
		Key:    rec.Key,
		Status: string(rec.Status),
	}
	if old, ok := f.mirror.At(from); ok && old.Key != rec.Key {
		c.OldKey = old.Key
	}
	f.emit(c)
}

func (f *Feed) OnRemoved(index int) {
	old, ok := f.mirror.At(index)
	if !ok {
		f.logger.Error("Feed has no row for removed index", "index", index)
		return
	}
	f.emit(protocol.Change{
		Kind:   protocol.ChangeRemoved,
		Index:  index,
		Key:    old.Key,
		Status: old.Status,
	})
}

func (f *Feed) emit(c protocol.Change) {
	f.seq++
	c.Seq = f.seq
	if err := f.mirror.Apply(c); err != nil {
		f.logger.Error("Feed mirror out of sync", "seq", c.Seq, "kind", c.Kind, "error", err)
	}
	if f.sink != nil {
		f.sink(c)
	}
}
