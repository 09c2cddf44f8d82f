package store

import (
	"context"
	"errors"
	"time"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

// Source is the read side of the registry.
type Source interface {
	Get(key string) (tunnel.Record, error)
}

// Parser rebuilds a configuration from stored text.
type Parser interface {
	Parse(text, name string) (tunnel.Configuration, error)
}

// Inserter adds restored records.
type Inserter interface {
	Insert(key string, cfg tunnel.Configuration) (int, error)
}

// Persister mirrors registry changes into a Storage. It is registered with
// registry.Watch and runs inside the notification, so writes happen in
// mutation order.
type Persister struct {
	storage Storage
	source  Source
	logger  logging.Logger
	timeout time.Duration
}

// NewPersister creates a persister
func NewPersister(storage Storage, source Source, logger logging.Logger) *Persister {
	return &Persister{
		storage: storage,
		source:  source,
		logger:  logging.OrNop(logger),
		timeout: 5 * time.Second,
	}
}

// Reset is a no-op: records already present were loaded by Restore.
func (p *Persister) Reset(snapshot protocol.Snapshot) {
	p.logger.Debug("Persister attached", "entries", len(snapshot.Entries))
}

// Publish writes one change through to storage.
func (p *Persister) Publish(change protocol.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var err error
	switch change.Kind {
	case protocol.ChangeRemoved:
		err = p.storage.DeleteTunnel(ctx, change.Key)
		if errors.Is(err, protocol.ErrNotFound) {
			err = nil
		}

	case protocol.ChangeInserted, protocol.ChangeModified, protocol.ChangeMoved:
		var text []byte
		text, err = p.render(change.Key)
		if err != nil {
			break
		}
		if change.OldKey != "" {
			err = p.storage.RenameTunnel(ctx, change.OldKey, change.Key, text)
		} else {
			err = p.storage.SaveTunnel(ctx, change.Key, text)
		}
	}

	if err != nil {
		p.logger.Error("Failed to persist change", "seq", change.Seq, "kind", change.Kind, "key", change.Key, "error", err)
	}
}

func (p *Persister) render(key string) ([]byte, error) {
	rec, err := p.source.Get(key)
	if err != nil {
		return nil, err
	}
	return rec.Config.MarshalText()
}

// Restore inserts every stored tunnel into the registry. Entries that no
// longer parse are logged and skipped. It returns the number restored.
func Restore(ctx context.Context, storage Storage, parser Parser, registry Inserter, logger logging.Logger) (int, error) {
	logger = logging.OrNop(logger)

	tunnels, err := storage.ListTunnels(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, t := range tunnels {
		cfg, err := parser.Parse(string(t.Config), t.Name)
		if err != nil {
			logger.Warn("Skipping stored tunnel", "name", t.Name, "error", err)
			continue
		}
		if _, err := registry.Insert(t.Name, cfg); err != nil {
			logger.Warn("Skipping stored tunnel", "name", t.Name, "error", err)
			continue
		}
		restored++
	}

	logger.Info("Tunnels restored", "restored", restored, "stored", len(tunnels))
	return restored, nil
}
