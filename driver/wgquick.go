package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/registry"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

// ErrInterfaceName is reported for keys wg-quick cannot use as an
// interface name.
var ErrInterfaceName = errors.New("invalid interface name")

// WGQuickConfig holds WGQuick configuration
type WGQuickConfig struct {
	// Binary 默认 "wg-quick"
	Binary string
	// RuntimeDir holds the rendered <key>.conf files; created if missing.
	RuntimeDir string
	// Timeout 单条命令超时，默认 30s
	Timeout time.Duration
	Logger  logging.Logger
}

// WGQuick brings tunnels up and down with wg-quick. Each request runs on
// its own goroutine and reports through the completion callback.
type WGQuick struct {
	binary  string
	dir     string
	timeout time.Duration
	logger  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWGQuick creates a wg-quick driver
func NewWGQuick(cfg *WGQuickConfig) (*WGQuick, error) {
	if cfg.RuntimeDir == "" {
		return nil, fmt.Errorf("runtime dir is required")
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "wg-quick"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WGQuick{
		binary:  binary,
		dir:     cfg.RuntimeDir,
		timeout: timeout,
		logger:  logging.OrNop(cfg.Logger),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// ValidInterfaceName reports whether name can be a Linux interface name as
// wg-quick derives it from the file name.
func ValidInterfaceName(name string) bool {
	if name == "" || len(name) > 15 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_=+.-", r):
		default:
			return false
		}
	}
	return true
}

func (w *WGQuick) configPath(key string) string {
	return filepath.Join(w.dir, key+".conf")
}

// Activate renders cfg to <RuntimeDir>/<key>.conf and runs "wg-quick up".
func (w *WGQuick) Activate(key string, cfg tunnel.Configuration, done registry.CompletionFunc) {
	w.run(key, "up", done, func() error {
		text, err := cfg.MarshalText()
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		if err := os.WriteFile(w.configPath(key), text, 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		return nil
	})
}

// Deactivate runs "wg-quick down" and removes the rendered file on success.
func (w *WGQuick) Deactivate(key string, done registry.CompletionFunc) {
	w.run(key, "down", done, nil)
}

func (w *WGQuick) run(key, action string, done registry.CompletionFunc, prepare func() error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		err := w.exec(key, action, prepare)
		recordCommand("wg-quick", action, err == nil)
		if err != nil {
			w.logger.Error("wg-quick failed", "key", key, "action", action, "error", err)
		} else {
			w.logger.Info("wg-quick succeeded", "key", key, "action", action)
		}
		done(key, err == nil)
	}()
}

func (w *WGQuick) exec(key, action string, prepare func() error) error {
	if !ValidInterfaceName(key) {
		return fmt.Errorf("%w: %q", ErrInterfaceName, key)
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	path := w.configPath(key)
	cmd := exec.CommandContext(ctx, w.binary, action, path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", w.binary, action, err, strings.TrimSpace(string(output)))
	}

	if action == "down" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("Failed to remove rendered config", "path", path, "error", err)
		}
	}
	return nil
}

// Close cancels running commands and waits for their completions.
func (w *WGQuick) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}
