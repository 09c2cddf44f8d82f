// Package watcher imports tunnel configurations dropped into a directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/logging"
)

// Subdirectories processed files are moved into.
const (
	ImportedDir = "imported"
	FailedDir   = "failed"
)

var inboxFilesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tunnel_inbox_files_total",
		Help: "Total number of inbox files processed grouped by result",
	},
	[]string{"result"},
)

// FileImporter imports one file (implemented by importer.Importer).
type FileImporter interface {
	ImportFile(path string) (*importer.BatchResult, error)
}

// InboxConfig holds Inbox configuration
type InboxConfig struct {
	Dir      string
	Importer FileImporter
	// Settle is how long a file must stay unchanged before it is imported,
	// so that files still being copied are not read half-written.
	Settle time.Duration
	// Extensions 默认 .conf 与 .zip
	Extensions []string
	Logger     logging.Logger
	// OnResult is called after each file is processed.
	OnResult func(path string, result *importer.BatchResult, err error)
}

// Inbox 导入收件箱
// Files appearing in Dir are imported once quiet, then moved to
// Dir/imported or Dir/failed.
type Inbox struct {
	dir      string
	importer FileImporter
	settle   time.Duration
	exts     []string
	logger   logging.Logger
	onResult func(string, *importer.BatchResult, error)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	process sync.Mutex // one import at a time
}

// NewInbox creates an inbox
func NewInbox(cfg *InboxConfig) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	if cfg.Importer == nil {
		return nil, fmt.Errorf("importer is required")
	}

	settle := cfg.Settle
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	exts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts = append(exts, "."+strings.ToLower(strings.TrimPrefix(e, ".")))
	}
	if len(exts) == 0 {
		exts = []string{".conf", ".zip"}
	}

	return &Inbox{
		dir:      cfg.Dir,
		importer: cfg.Importer,
		settle:   settle,
		exts:     exts,
		logger:   logging.OrNop(cfg.Logger),
		onResult: cfg.OnResult,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Files already present are scheduled as if they
// had just been created.
func (in *Inbox) Start(ctx context.Context) error {
	for _, sub := range []string{"", ImportedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(in.dir, sub), 0o700); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch inbox: %w", err)
	}
	in.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		cancel()
		watcher.Close()
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.schedule(filepath.Join(in.dir, e.Name()))
		}
	}

	in.logger.Info("Inbox watching", "dir", in.dir, "settle", in.settle.String())

	in.wg.Add(1)
	go in.watchLoop(watchCtx)
	return nil
}

func (in *Inbox) watchLoop(ctx context.Context) {
	defer in.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.schedule(event.Name)
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Warn("Inbox watch error", "error", err)
		}
	}
}

func (in *Inbox) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return slices.Contains(in.exts, strings.ToLower(filepath.Ext(base)))
}

// schedule (re)starts the settle timer for path.
func (in *Inbox) schedule(path string) {
	if !in.accepts(path) {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.timers[path]; ok && t.Stop() {
		in.wg.Done()
	}
	in.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(in.settle, func() {
		defer in.wg.Done()
		in.mu.Lock()
		if in.timers[path] == timer {
			delete(in.timers, path)
		}
		in.mu.Unlock()
		in.handle(path)
	})
	in.timers[path] = timer
}

func (in *Inbox) handle(path string) {
	in.process.Lock()
	defer in.process.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		// moved away or already handled
		return
	}

	result, err := in.importer.ImportFile(path)

	dest := ImportedDir
	outcome := "imported"
	switch {
	case err != nil:
		dest = FailedDir
		outcome = "failed"
		in.logger.Warn("Inbox import failed", "file", path, "error", err)
	case result.Partial():
		outcome = "partial"
		in.logger.Warn("Inbox import partial", "file", path, "attempted", result.Attempted, "succeeded", result.Succeeded)
	default:
		in.logger.Info("Inbox import done", "file", path, "succeeded", result.Succeeded)
	}
	inboxFilesTotal.WithLabelValues(outcome).Inc()

	target := filepath.Join(in.dir, dest, filepath.Base(path))
	if mvErr := os.Rename(path, target); mvErr != nil && !errors.Is(mvErr, os.ErrNotExist) {
		in.logger.Error("Failed to move inbox file", "file", path, "target", target, "error", mvErr)
	}

	if in.onResult != nil {
		in.onResult(path, result, err)
	}
}

// Close stops watching and waits for scheduled imports. Timers that have
// not fired yet are dropped.
func (in *Inbox) Close() error {
	if in.cancel != nil {
		in.cancel()
	}

	in.mu.Lock()
	for path, t := range in.timers {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.timers, path)
	}
	in.mu.Unlock()

	var err error
	if in.watcher != nil {
		err = in.watcher.Close()
	}
	in.wg.Wait()
	return err
}
