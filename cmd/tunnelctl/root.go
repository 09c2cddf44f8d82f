package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/houzhh15/tunnel-registry/archive"
	"github.com/houzhh15/tunnel-registry/config"
	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/registry"
	"github.com/houzhh15/tunnel-registry/store"
	"github.com/houzhh15/tunnel-registry/wgconf"
)

// rootOptions 全局命令行参数
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tunnelctl",
		Short: "Tunnel registry - import, inspect and serve WireGuard tunnels",
		Long: `tunnelctl keeps an ordered registry of WireGuard tunnel configurations.
Configurations are imported from .conf files or .zip archives, stored in
sqlite and can be served over HTTP with a live change stream.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "registry database, overrides registry.db_path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newImportCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newRemoveCmd(opts),
		newRenameCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

// loadConfig reads the config file if one was given and applies flag
// overrides on top.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	loader := config.NewLoader()

	cfg := loader.Default()
	if opts.configPath != "" {
		loaded, err := loader.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.dbPath != "" {
		cfg.Registry.DBPath = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := loader.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// app 一次命令运行所需的组件
type app struct {
	config   *config.Config
	logger   logging.Logger
	audit    *logging.FileAuditLogger
	storage  *store.DBStore
	parser   *wgconf.Parser
	registry *registry.Registry
	importer *importer.Importer
}

// openApp restores the registry from storage and wires persistence. control
// may be nil, in which case transitions wait for an external completion.
func openApp(ctx context.Context, cfg *config.Config, logger logging.Logger, control registry.ControlPlane) (*app, error) {
	a := &app{config: cfg, logger: logger}

	var audit logging.AuditLogger
	if cfg.Logging.AuditFile != "" {
		fileAudit, err := logging.NewFileAuditLogger(cfg.Logging.AuditFile, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit = fileAudit
		audit = fileAudit
	}

	db, err := store.Open(cfg.Registry.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	storage, err := store.NewDBStore(db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.storage = storage

	a.parser = wgconf.NewParser(logger)
	a.registry = registry.New(&registry.Config{
		ControlPlane: control,
		Logger:       logger,
		Audit:        audit,
	})

	if _, err := store.Restore(ctx, storage, a.parser, a.registry, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore registry: %w", err)
	}
	a.registry.Watch(store.NewPersister(storage, a.registry, logger))

	a.importer, err = importer.New(&importer.Config{
		Parser:   a.parser,
		Registry: a.registry,
		Archive: archive.NewZipReader(&archive.Config{
			MaxEntrySize: cfg.Import.MaxEntrySize,
			Logger:       logger,
		}),
		ArchiveExtensions: cfg.Import.Extensions,
		Logger:            logger,
		Audit:             audit,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	var firstErr error
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			firstErr = err
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cliLogger 非 serve 命令只向 stderr 输出警告以上的日志
func cliLogger(cfg *config.Config, opts *rootOptions, w io.Writer) logging.Logger {
	level := "warn"
	if opts.logLevel != "" {
		level = cfg.Logging.Level
	}
	return logging.NewWriterLogger(w, level, "text")
}

// withApp runs fn against an app opened for a one-shot command.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, cliLogger(cfg, opts, cmd.ErrOrStderr()), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
