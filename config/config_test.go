package config

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoader_Load_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	// Create dummy cert files
	os.WriteFile(filepath.Join(tmpDir, "test_cert.pem"), []byte("cert"), 0644)
	os.WriteFile(filepath.Join(tmpDir, "test_key.pem"), []byte("key"), 0644)

	yamlContent := `registry:
  db_path: /var/lib/tunnels/tunnels.db

import:
  extensions: [conf]
  max_entry_size: 65536

tls:
  cert_file: ` + filepath.Join(tmpDir, "test_cert.pem") + `
  key_file: ` + filepath.Join(tmpDir, "test_key.pem") + `
  min_version: TLS1.3

logging:
  level: debug
  format: text
  output: stderr
  audit_file: /var/log/tunnels/audit.log

transport:
  http_addr: "127.0.0.1:9090"
  sse_heartbeat: 10s

watch:
  enabled: true
  dir: /var/spool/tunnels
  settle: 2s

control_plane:
  driver: wg-quick
  runtime_dir: /run/tunnels
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	loader := NewLoader()
	config, err := loader.Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Registry.DBPath != "/var/lib/tunnels/tunnels.db" {
		t.Errorf("Expected registry.db_path, got %s", config.Registry.DBPath)
	}
	if config.Import.MaxEntrySize != 65536 {
		t.Errorf("Expected import.max_entry_size=65536, got %d", config.Import.MaxEntrySize)
	}
	if config.Transport.SSEHeartbeat != 10*time.Second {
		t.Errorf("Expected sse_heartbeat=10s, got %v", config.Transport.SSEHeartbeat)
	}
	if config.Watch.Settle != 2*time.Second {
		t.Errorf("Expected watch.settle=2s, got %v", config.Watch.Settle)
	}
	if config.ControlPlane.Driver != DriverWGQuick {
		t.Errorf("Expected driver wg-quick, got %s", config.ControlPlane.Driver)
	}
	if config.TLS.Version() != tls.VersionTLS13 {
		t.Errorf("Expected TLS 1.3, got %x", config.TLS.Version())
	}
	// 未填写的字段使用默认值
	if config.ControlPlane.Binary != "wg-quick" {
		t.Errorf("Expected default binary wg-quick, got %s", config.ControlPlane.Binary)
	}
	if config.Import.MaxUploadSize != 8<<20 {
		t.Errorf("Expected default max_upload_size, got %d", config.Import.MaxUploadSize)
	}
}

func TestLoader_Load_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")

	jsonContent := `{
  "registry": {"db_path": "` + filepath.Join(tmpDir, "t.db") + `"},
  "transport": {"sse_heartbeat": 5000000000},
  "logging": {"level": "warn"}
}`

	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	loader := NewLoader()
	config, err := loader.Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Logging.Level != "warn" {
		t.Errorf("Expected logging.level=warn, got %s", config.Logging.Level)
	}
	if config.Transport.SSEHeartbeat != 5*time.Second {
		t.Errorf("Expected sse_heartbeat=5s, got %v", config.Transport.SSEHeartbeat)
	}
	if config.ControlPlane.Driver != DriverNoop {
		t.Errorf("Expected default driver noop, got %s", config.ControlPlane.Driver)
	}
}

func TestLoader_Validate(t *testing.T) {
	loader := NewLoader()

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty config is valid",
			config:  &Config{},
			wantErr: false,
		},
		{
			name: "invalid logging level",
			config: &Config{
				Logging: LoggingConfig{Level: "invalid"},
			},
			wantErr: true,
			errMsg:  "invalid logging level",
		},
		{
			name: "invalid logging format",
			config: &Config{
				Logging: LoggingConfig{Format: "xml"},
			},
			wantErr: true,
			errMsg:  "invalid logging format",
		},
		{
			name: "missing cert file",
			config: &Config{
				TLS: TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
			},
			wantErr: true,
			errMsg:  "cert_file not found",
		},
		{
			name: "invalid tls version",
			config: &Config{
				TLS: TLSConfig{MinVersion: "SSL3"},
			},
			wantErr: true,
			errMsg:  "invalid tls min_version",
		},
		{
			name: "empty import extension",
			config: &Config{
				Import: ImportConfig{Extensions: []string{"conf", "."}},
			},
			wantErr: true,
			errMsg:  "invalid import extension",
		},
		{
			name: "negative entry size",
			config: &Config{
				Import: ImportConfig{MaxEntrySize: -1},
			},
			wantErr: true,
			errMsg:  "must not be negative",
		},
		{
			name: "watch without dir",
			config: &Config{
				Watch: WatchConfig{Enabled: true},
			},
			wantErr: true,
			errMsg:  "watch.dir is required",
		},
		{
			name: "wg-quick without runtime dir",
			config: &Config{
				ControlPlane: ControlPlaneConfig{Driver: DriverWGQuick},
			},
			wantErr: true,
			errMsg:  "control_plane.runtime_dir is required",
		},
		{
			name: "unknown driver",
			config: &Config{
				ControlPlane: ControlPlaneConfig{Driver: "systemd"},
			},
			wantErr: true,
			errMsg:  "invalid control plane driver",
		},
		{
			name: "manual driver",
			config: &Config{
				ControlPlane: ControlPlaneConfig{Driver: DriverManual},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loader.Validate(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && tt.errMsg != "" {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errMsg, err.Error())
				}
			}
		})
	}
}

func TestLoader_SetDefaults(t *testing.T) {
	config := NewLoader().Default()

	if config.Registry.DBPath != "tunnels.db" {
		t.Errorf("Expected default db_path tunnels.db, got %s", config.Registry.DBPath)
	}
	if len(config.Import.Extensions) != 1 || config.Import.Extensions[0] != "conf" {
		t.Errorf("Expected default extensions [conf], got %v", config.Import.Extensions)
	}
	if config.Logging.Level != "info" {
		t.Errorf("Expected default logging level info, got %s", config.Logging.Level)
	}
	if config.Logging.Format != "json" {
		t.Errorf("Expected default logging format json, got %s", config.Logging.Format)
	}
	if config.Transport.HTTPAddr != ":8080" {
		t.Errorf("Expected default http_addr :8080, got %s", config.Transport.HTTPAddr)
	}
	if config.Transport.SSEHeartbeat != 30*time.Second {
		t.Errorf("Expected default sse_heartbeat 30s, got %v", config.Transport.SSEHeartbeat)
	}
	if config.Watch.Settle != 500*time.Millisecond {
		t.Errorf("Expected default settle 500ms, got %v", config.Watch.Settle)
	}
	if config.ControlPlane.Driver != DriverNoop {
		t.Errorf("Expected default driver noop, got %s", config.ControlPlane.Driver)
	}
	if config.TLS.Version() != tls.VersionTLS12 {
		t.Errorf("Expected default TLS 1.2, got %x", config.TLS.Version())
	}
}

func TestLoader_UnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.txt")

	if err := os.WriteFile(configPath, []byte("invalid"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	loader := NewLoader()
	_, err := loader.Load(configPath)
	if err == nil {
		t.Fatal("Expected error for unsupported format")
	}
	if !strings.Contains(err.Error(), "unsupported config format") {
		t.Errorf("Expected 'unsupported config format' error, got: %v", err)
	}
}

func TestLoader_FileNotFound(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

type reload struct {
	config *Config
	err    error
}

func TestLoader_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan reload, 8)
	done := make(chan error, 1)
	go func() {
		done <- NewLoader().Watch(ctx, configPath, func(c *Config, err error) {
			reloads <- reload{c, err}
		})
	}()

	next := func() reload {
		t.Helper()
		select {
		case r := <-reloads:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for reload")
			return reload{}
		}
	}

	// 等待 watcher 注册完成后再修改文件
	time.Sleep(100 * time.Millisecond)

	// 无关文件不会触发重新加载
	os.WriteFile(filepath.Join(tmpDir, "other.yaml"), []byte("x"), 0644)

	if err := os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r := next()
	if r.err != nil {
		t.Fatalf("Reload failed: %v", r.err)
	}
	if r.config.Logging.Level != "debug" {
		t.Errorf("Expected reloaded level debug, got %s", r.config.Logging.Level)
	}

	// 无效内容报告错误
	if err := os.WriteFile(configPath, []byte("logging:\n  level: loud\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r = next()
	if r.err == nil || !strings.Contains(r.err.Error(), "invalid logging level") {
		t.Errorf("Expected validation error, got %v", r.err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Watch did not stop")
	}
}
