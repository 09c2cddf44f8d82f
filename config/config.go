package config

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tunnel registry configuration
type Config struct {
	Registry     RegistryConfig     `yaml:"registry" json:"registry"`
	Import       ImportConfig       `yaml:"import" json:"import"`
	TLS          TLSConfig          `yaml:"tls" json:"tls"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Transport    TransportConfig    `yaml:"transport" json:"transport"`
	Watch        WatchConfig        `yaml:"watch" json:"watch"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane" json:"control_plane"`
}

// RegistryConfig defines where records are persisted
type RegistryConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"` // sqlite file, ":memory:" disables persistence across restarts
}

// ImportConfig defines import pipeline limits
type ImportConfig struct {
	Extensions    []string `yaml:"extensions" json:"extensions"`           // archive entry filter
	MaxEntrySize  int64    `yaml:"max_entry_size" json:"max_entry_size"`   // bytes per archive entry
	MaxUploadSize int64    `yaml:"max_upload_size" json:"max_upload_size"` // bytes per HTTP import
}

// TLSConfig defines TLS certificate configuration
type TLSConfig struct {
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // TLS1.2, TLS1.3
}

// Version returns the crypto/tls constant for MinVersion.
func (c TLSConfig) Version() uint16 {
	if c.MinVersion == "TLS1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`           // debug, info, warn, error
	Format    string `yaml:"format" json:"format"`         // json, text
	Output    string `yaml:"output" json:"output"`         // stdout, stderr, file path
	AuditFile string `yaml:"audit_file" json:"audit_file"` // audit log file path
}

// TransportConfig defines the HTTP API configuration
type TransportConfig struct {
	HTTPAddr        string        `yaml:"http_addr" json:"http_addr"`
	SSEHeartbeat    time.Duration `yaml:"sse_heartbeat" json:"sse_heartbeat"`
	SSEBuffer       int           `yaml:"sse_buffer" json:"sse_buffer"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// WatchConfig defines the import inbox
type WatchConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Dir     string        `yaml:"dir" json:"dir"`
	Settle  time.Duration `yaml:"settle" json:"settle"` // quiet period before a new file is imported
}

// ControlPlaneConfig defines how tunnels are brought up and down
type ControlPlaneConfig struct {
	Driver     string        `yaml:"driver" json:"driver"` // noop, manual, wg-quick
	Binary     string        `yaml:"binary" json:"binary"`
	RuntimeDir string        `yaml:"runtime_dir" json:"runtime_dir"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Control plane drivers
const (
	DriverNoop    = "noop"
	DriverManual  = "manual"
	DriverWGQuick = "wg-quick"
)

// Loader provides configuration loading functionality
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses configuration from file
func (l *Loader) Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine format by extension
	ext := filepath.Ext(path)

	var config Config
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	// Validate configuration
	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Set defaults
	l.SetDefaults(&config)

	return &config, nil
}

// Default returns a validated configuration with every default applied.
func (l *Loader) Default() *Config {
	config := &Config{}
	l.SetDefaults(config)
	return config
}

// Validate checks configuration validity
func (l *Loader) Validate(config *Config) error {
	// Validate TLS files exist
	if config.TLS.CertFile != "" {
		if _, err := os.Stat(config.TLS.CertFile); err != nil {
			return fmt.Errorf("cert_file not found: %s", config.TLS.CertFile)
		}
	}
	if config.TLS.KeyFile != "" {
		if _, err := os.Stat(config.TLS.KeyFile); err != nil {
			return fmt.Errorf("key_file not found: %s", config.TLS.KeyFile)
		}
	}
	if config.TLS.CAFile != "" {
		if _, err := os.Stat(config.TLS.CAFile); err != nil {
			return fmt.Errorf("ca_file not found: %s", config.TLS.CAFile)
		}
	}
	if (config.TLS.CertFile == "") != (config.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	switch config.TLS.MinVersion {
	case "TLS1.2", "TLS1.3", "":
		// valid
	default:
		return fmt.Errorf("invalid tls min_version: %s", config.TLS.MinVersion)
	}

	// Validate logging level
	switch config.Logging.Level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	// Validate logging format
	switch config.Logging.Format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("invalid logging format: %s", config.Logging.Format)
	}

	// Validate import limits
	for _, ext := range config.Import.Extensions {
		if strings.TrimLeft(ext, ".") == "" {
			return fmt.Errorf("invalid import extension: %q", ext)
		}
	}
	if config.Import.MaxEntrySize < 0 || config.Import.MaxUploadSize < 0 {
		return fmt.Errorf("import size limits must not be negative")
	}

	// Inbox needs a directory
	if config.Watch.Enabled && config.Watch.Dir == "" {
		return fmt.Errorf("watch.dir is required when watch is enabled")
	}

	// Validate control plane driver
	switch config.ControlPlane.Driver {
	case DriverNoop, DriverManual, "":
		// valid
	case DriverWGQuick:
		if config.ControlPlane.RuntimeDir == "" {
			return fmt.Errorf("control_plane.runtime_dir is required when driver=wg-quick")
		}
	default:
		return fmt.Errorf("invalid control plane driver: %s", config.ControlPlane.Driver)
	}

	return nil
}

// SetDefaults sets default values for optional fields
func (l *Loader) SetDefaults(config *Config) {
	// Registry defaults
	if config.Registry.DBPath == "" {
		config.Registry.DBPath = "tunnels.db"
	}

	// Import defaults
	if len(config.Import.Extensions) == 0 {
		config.Import.Extensions = []string{"conf"}
	}
	if config.Import.MaxEntrySize == 0 {
		config.Import.MaxEntrySize = 1 << 20 // 1 MiB
	}
	if config.Import.MaxUploadSize == 0 {
		config.Import.MaxUploadSize = 8 << 20 // 8 MiB
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	// Transport defaults
	if config.Transport.HTTPAddr == "" {
		config.Transport.HTTPAddr = ":8080"
	}
	if config.Transport.SSEHeartbeat == 0 {
		config.Transport.SSEHeartbeat = 30 * time.Second
	}
	if config.Transport.SSEBuffer == 0 {
		config.Transport.SSEBuffer = 64
	}
	if config.Transport.ReadTimeout == 0 {
		config.Transport.ReadTimeout = 15 * time.Second
	}
	if config.Transport.IdleTimeout == 0 {
		config.Transport.IdleTimeout = 60 * time.Second
	}
	if config.Transport.ShutdownTimeout == 0 {
		config.Transport.ShutdownTimeout = 5 * time.Second
	}

	// Watch defaults
	if config.Watch.Settle == 0 {
		config.Watch.Settle = 500 * time.Millisecond
	}

	// Control plane defaults
	if config.ControlPlane.Driver == "" {
		config.ControlPlane.Driver = DriverNoop
	}
	if config.ControlPlane.Binary == "" {
		config.ControlPlane.Binary = "wg-quick"
	}
	if config.ControlPlane.Timeout == 0 {
		config.ControlPlane.Timeout = 30 * time.Second
	}

	// TLS defaults
	if config.TLS.MinVersion == "" {
		config.TLS.MinVersion = "TLS1.2"
	}
}

// watchDebounce collapses the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes the result to callback,
// with a non-nil error when the new content does not load. It blocks until
// ctx is done.
//
// The parent directory is watched rather than the file, so editors that
// save by replacing the file are followed too.
func (l *Loader) Watch(ctx context.Context, path string, callback func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			config, err := l.Load(abs)
			callback(config, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			callback(nil, fmt.Errorf("watch config: %w", err))
		}
	}
}
