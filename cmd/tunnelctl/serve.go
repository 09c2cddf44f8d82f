package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/houzhh15/tunnel-registry/config"
	"github.com/houzhh15/tunnel-registry/controlplane"
	"github.com/houzhh15/tunnel-registry/driver"
	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/registry"
	"github.com/houzhh15/tunnel-registry/transport"
	"github.com/houzhh15/tunnel-registry/tunnel"
	"github.com/houzhh15/tunnel-registry/watcher"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the registry over HTTP",
		Long: `Serve exposes the registry as a REST API with an SSE change stream at
/v1/tunnels/stream. With watch.enabled, files dropped into watch.dir are
imported automatically. The log level follows edits to the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Transport.HTTPAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides transport.http_addr")
	return cmd
}

// newDriver 根据配置创建控制面；manual 返回 nil，由外部调用 /complete 上报结果
func newDriver(cfg *config.Config, logger logging.Logger) (registry.ControlPlane, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.ControlPlane.Driver {
	case config.DriverManual:
		return nil, noClose, nil
	case config.DriverWGQuick:
		wg, err := driver.NewWGQuick(&driver.WGQuickConfig{
			Binary:     cfg.ControlPlane.Binary,
			RuntimeDir: cfg.ControlPlane.RuntimeDir,
			Timeout:    cfg.ControlPlane.Timeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return wg, wg.Close, nil
	default:
		return driver.Noop{}, noClose, nil
	}
}

func serve(ctx context.Context, opts *rootOptions, cfg *config.Config) error {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	control, closeDriver, err := newDriver(cfg, logger)
	if err != nil {
		return fmt.Errorf("create control plane driver: %w", err)
	}

	a, err := openApp(ctx, cfg, logger, control)
	if err != nil {
		closeDriver()
		return err
	}
	// 先等待进行中的命令结束，再关闭存储
	defer func() {
		if err := closeDriver(); err != nil {
			logger.Warn("Close control plane driver", "error", err)
		}
		a.Close()
	}()

	notifier := tunnel.NewNotifier(&tunnel.NotifierConfig{
		Logger:     logger,
		Heartbeat:  cfg.Transport.SSEHeartbeat,
		BufferSize: cfg.Transport.SSEBuffer,
	})
	a.registry.Watch(notifier)

	var tlsConfig *tls.Config
	tlsFiles := &transport.TLSConfig{
		CertFile:   cfg.TLS.CertFile,
		KeyFile:    cfg.TLS.KeyFile,
		CAFile:     cfg.TLS.CAFile,
		MinVersion: cfg.TLS.Version(),
	}
	if tlsFiles.Enabled() {
		if tlsConfig, err = transport.LoadTLSConfig(tlsFiles); err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	server := controlplane.NewControlPlaneServer(&controlplane.ControlPlaneConfig{
		Addr:            cfg.Transport.HTTPAddr,
		TLSConfig:       tlsConfig,
		ReadTimeout:     cfg.Transport.ReadTimeout,
		IdleTimeout:     cfg.Transport.IdleTimeout,
		ShutdownTimeout: cfg.Transport.ShutdownTimeout,
		MaxUploadSize:   cfg.Import.MaxUploadSize,
	}, a.registry, a.importer, notifier, logger)
	if a.audit != nil {
		server.RegisterAuditLog(a.audit)
	}

	if cfg.Watch.Enabled {
		inbox, err := watcher.NewInbox(&watcher.InboxConfig{
			Dir:      cfg.Watch.Dir,
			Importer: a.importer,
			Settle:   cfg.Watch.Settle,
			Logger:   logger,
			OnResult: func(path string, result *importer.BatchResult, err error) {
				if err != nil {
					return
				}
				logger.Info("Inbox file imported", "path", path,
					"attempted", result.Attempted, "succeeded", result.Succeeded)
			},
		})
		if err != nil {
			return err
		}
		if err := inbox.Start(ctx); err != nil {
			return fmt.Errorf("start inbox: %w", err)
		}
		defer inbox.Close()
	}

	// --log-level 优先于配置文件
	if opts.configPath != "" && opts.logLevel == "" {
		go func() {
			err := config.NewLoader().Watch(ctx, opts.configPath, func(reloaded *config.Config, err error) {
				if err != nil {
					logger.Warn("Config reload failed", "path", opts.configPath, "error", err)
					return
				}
				logger.SetLevel(reloaded.Logging.Level)
				logger.Info("Config reloaded", "path", opts.configPath, "level", reloaded.Logging.Level)
			})
			if err != nil {
				logger.Warn("Config watch stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
