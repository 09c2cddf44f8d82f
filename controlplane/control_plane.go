// Package controlplane serves the tunnel registry over HTTP: a REST API for
// listing, importing and driving tunnels, and an SSE stream of registry
// changes for remote observers.
package controlplane

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/transport"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

// Registry 控制平面使用的注册表操作（由 registry.Registry 实现）
type Registry interface {
	Snapshot() []tunnel.Record
	Get(key string) (tunnel.Record, error)
	IndexOf(key string) (int, bool)
	Count() int
	Remove(key string) error
	Rename(oldKey, newKey string) (int, error)
	RequestActivate(key string) error
	RequestDeactivate(key string) error
	Complete(key string, succeeded bool) error
}

// Importer 导入流水线（由 importer.Importer 实现）
type Importer interface {
	ImportData(name string, data []byte) (*importer.BatchResult, error)
}

// Streamer 变更推送（由 tunnel.Notifier 实现）
type Streamer interface {
	Subscribe(ctx context.Context, clientID string, w http.ResponseWriter) error
}

// AuditQuerier 审计日志查询（由 logging.FileAuditLogger 实现）
type AuditQuerier interface {
	Query(ctx context.Context, filter *logging.AuditFilter) ([]*logging.AuditLog, error)
}

// ControlPlaneConfig 控制平面配置
type ControlPlaneConfig struct {
	Addr            string
	TLSConfig       *tls.Config
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// MaxUploadSize 导入请求体上限，默认 8 MiB
	MaxUploadSize int64
}

// DefaultMaxUploadSize is used when ControlPlaneConfig.MaxUploadSize is unset.
const DefaultMaxUploadSize = 8 << 20

// ControlPlaneServer 控制平面服务器
type ControlPlaneServer struct {
	config   *ControlPlaneConfig
	registry Registry
	importer Importer
	notifier Streamer
	audit    AuditQuerier
	logger   logging.Logger

	server transport.HTTPServer
	router *gin.Engine
}

// NewControlPlaneServer 创建控制平面服务器
func NewControlPlaneServer(
	config *ControlPlaneConfig,
	registry Registry,
	importer Importer,
	notifier Streamer,
	logger logging.Logger,
) *ControlPlaneServer {
	if config == nil {
		config = &ControlPlaneConfig{}
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = DefaultMaxUploadSize
	}
	logger = logging.OrNop(logger)

	// 创建 Gin 路由器
	router := gin.New()
	router.Use(gin.Recovery())

	s := &ControlPlaneServer{
		config:   config,
		registry: registry,
		importer: importer,
		notifier: notifier,
		logger:   logger,
		router:   router,
	}
	s.setupRoutes()

	s.server = transport.NewHTTPServer(&transport.HTTPServerConfig{
		TLSConfig:       config.TLSConfig,
		ReadTimeout:     config.ReadTimeout,
		IdleTimeout:     config.IdleTimeout,
		ShutdownTimeout: config.ShutdownTimeout,
		Logger:          logger,
	})
	s.server.RegisterMiddleware(transport.MetricsMiddleware)
	return s
}

// RegisterAuditLog 启用 /v1/audit 查询端点
func (s *ControlPlaneServer) RegisterAuditLog(audit AuditQuerier) {
	s.audit = audit
}

// setupRoutes 设置路由
func (s *ControlPlaneServer) setupRoutes() {
	// 请求日志中间件
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Control plane request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})

	// 健康检查端点
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tunnels": s.registry.Count()})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")

	tunnels := v1.Group("/tunnels")
	{
		tunnels.GET("", s.handleList)
		tunnels.GET("/stream", s.handleStream)
		tunnels.POST("/import", s.handleImport)
		tunnels.GET("/:key", s.handleShow)
		tunnels.DELETE("/:key", s.handleRemove)
		tunnels.POST("/:key/rename", s.handleRename)
		tunnels.POST("/:key/activate", s.handleActivate)
		tunnels.POST("/:key/deactivate", s.handleDeactivate)
		tunnels.POST("/:key/complete", s.handleComplete)
	}

	v1.GET("/audit", s.handleAudit)
}

// Start 启动控制平面服务器（阻塞）
func (s *ControlPlaneServer) Start() error {
	s.logger.Info("Starting control plane server", "addr", s.config.Addr, "tls", s.config.TLSConfig != nil)

	if err := s.server.Start(s.config.Addr, s.router); err != nil {
		return fmt.Errorf("control plane server failed: %w", err)
	}
	return nil
}

// StartAsync 异步启动控制平面服务器
func (s *ControlPlaneServer) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("Control plane server failed", "error", err)
		}
	}()
}

// Stop 停止控制平面服务器；ctx 结束时强制断开剩余连接
func (s *ControlPlaneServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control plane server...")

	done := make(chan error, 1)
	go func() { done <- s.server.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shutdown control plane server: %w", err)
		}
	case <-ctx.Done():
		if err := s.server.StopImmediately(); err != nil {
			return fmt.Errorf("close control plane server: %w", err)
		}
	}

	s.logger.Info("Control plane server stopped")
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (s *ControlPlaneServer) Addr() net.Addr {
	return s.server.Addr()
}

// GetRouter 获取底层路由器（用于测试与定制）
func (s *ControlPlaneServer) GetRouter() *gin.Engine {
	return s.router
}
