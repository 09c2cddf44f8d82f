package transport

import (
	"net"
	"net/http"
)

// HTTPServer HTTP API 服务器（注册表 API 与 SSE 推送共用）
type HTTPServer interface {
	// Start 启动 HTTP 服务器（阻塞直到关闭）
	Start(addr string, handler http.Handler) error
	// Stop 优雅关闭
	Stop() error
	// StopImmediately 强制关闭所有连接
	StopImmediately() error
	// RegisterMiddleware 注册中间件
	RegisterMiddleware(mw func(http.Handler) http.Handler)
	// Addr 返回实际监听地址，未启动时为 nil
	Addr() net.Addr
}
