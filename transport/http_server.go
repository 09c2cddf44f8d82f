package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/houzhh15/tunnel-registry/logging"
)

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	// TLSConfig 为 nil 则使用普通 HTTP
	TLSConfig   *tls.Config
	ReadTimeout time.Duration
	// WriteTimeout 默认 0：SSE 长连接不能有写超时
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.Logger
}

// httpServer HTTP/REST API 服务器实现
// 支持 TLS、中间件链、优雅关闭
type httpServer struct {
	config      HTTPServerConfig
	server      *http.Server
	listener    net.Listener
	middlewares []func(http.Handler) http.Handler
	logger      logging.Logger
	mu          sync.RWMutex
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(config *HTTPServerConfig) HTTPServer {
	cfg := HTTPServerConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return &httpServer{
		config:      cfg,
		middlewares: make([]func(http.Handler) http.Handler, 0),
		logger:      logging.OrNop(cfg.Logger),
	}
}

// RegisterMiddleware 注册中间件（先注册的在外层）
func (s *httpServer) RegisterMiddleware(mw func(http.Handler) http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// chain wraps handler in the registered middlewares. Caller holds mu.
func (s *httpServer) chain(handler http.Handler) http.Handler {
	final := handler
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		final = s.middlewares[i](final)
	}
	return final
}

// Start 启动 HTTP 服务器
func (s *httpServer) Start(addr string, handler http.Handler) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:      s.chain(handler),
		TLSConfig:    s.config.TLSConfig,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.listener = ln
	server := s.server
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "tls", s.config.TLSConfig != nil)

	if s.config.TLSConfig != nil {
		// 证书已在 TLSConfig 中配置
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}

	// ErrServerClosed 不是错误（正常关闭）
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop 优雅关闭服务器（等待现有连接完成）
func (s *httpServer) Stop() error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		// 长连接（SSE）未在超时内结束
		s.logger.Warn("Graceful shutdown timed out, closing connections", "error", err)
		return server.Close()
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// StopImmediately 立即关闭服务器（强制断开所有连接）
func (s *httpServer) StopImmediately() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// Addr 获取实际监听地址（监听 :0 时用于测试）
func (s *httpServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
