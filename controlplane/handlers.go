package controlplane

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
	"github.com/houzhh15/tunnel-registry/tunnel"
	"github.com/houzhh15/tunnel-registry/wgconf"
)

// TunnelView 列表与详情中的一条隧道
type TunnelView struct {
	Index     int           `json:"index"`
	Key       string        `json:"key"`
	Status    tunnel.Status `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	PublicKey string        `json:"public_key,omitempty"`
	Config    string        `json:"config,omitempty"`
}

func viewOf(index int, rec tunnel.Record) TunnelView {
	return TunnelView{
		Index:     index,
		Key:       rec.Key,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// FailureView 导入失败条目
type FailureView struct {
	Entry string         `json:"entry"`
	Name  string         `json:"name,omitempty"`
	Stage importer.Stage `json:"stage"`
	Error string         `json:"error"`
}

// ImportResponse 导入结果
type ImportResponse struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Keys      []string      `json:"keys,omitempty"`
	Failures  []FailureView `json:"failures,omitempty"`
}

// RenameRequest 重命名请求
type RenameRequest struct {
	Name string `json:"name" binding:"required"`
}

// CompleteRequest 外部控制面上报结果
type CompleteRequest struct {
	Succeeded *bool `json:"succeeded" binding:"required"`
}

// AuditQuery 审计查询参数
type AuditQuery struct {
	Type   string `form:"type"`
	Key    string `form:"key"`
	Source string `form:"source"`
	Result string `form:"result"`
	Limit  int    `form:"limit" binding:"omitempty,min=0,max=1000"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

// respondError writes err as {"code", "message", "details"} with the status
// its code maps to. Errors outside the protocol taxonomy are internal.
func respondError(c *gin.Context, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.WrapError(protocol.ErrCodeInternal, err)
	}
	c.AbortWithStatusJSON(protocol.HTTPStatus(perr.Code), gin.H{
		"code":    perr.Code,
		"message": err.Error(),
		"details": perr.Details,
	})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, protocol.WrapError(protocol.ErrCodeInvalidRequest, err))
}

// handleList GET /v1/tunnels
func (s *ControlPlaneServer) handleList(c *gin.Context) {
	records := s.registry.Snapshot()
	views := make([]TunnelView, len(records))
	for i, rec := range records {
		views[i] = viewOf(i, rec)
	}
	c.JSON(http.StatusOK, gin.H{"tunnels": views, "count": len(views)})
}

// handleShow GET /v1/tunnels/:key
func (s *ControlPlaneServer) handleShow(c *gin.Context) {
	key := c.Param("key")
	rec, err := s.registry.Get(key)
	if err != nil {
		respondError(c, err)
		return
	}
	index, _ := s.registry.IndexOf(key)
	view := viewOf(index, rec)

	text, err := rec.Config.MarshalText()
	if err != nil {
		respondError(c, err)
		return
	}
	view.Config = string(text)

	if cfg, ok := rec.Config.(*wgconf.Config); ok {
		if pub, err := cfg.PublicKey(); err == nil {
			view.PublicKey = pub.String()
		}
	}
	c.JSON(http.StatusOK, view)
}

// handleImport POST /v1/tunnels/import?name=<file>
// 请求体为原始 .conf 文本或 .zip 压缩包，按 name 的扩展名分派
func (s *ControlPlaneServer) handleImport(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		badRequest(c, errors.New("query parameter name is required"))
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadSize)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    protocol.ErrCodeInvalidRequest,
				"message": err.Error(),
			})
			return
		}
		badRequest(c, err)
		return
	}

	result, err := s.importer.ImportData(name, data)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := ImportResponse{
		Attempted: result.Attempted,
		Succeeded: result.Succeeded,
		Keys:      result.Keys,
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, FailureView{
			Entry: f.Entry,
			Name:  f.Name,
			Stage: f.Stage,
			Error: f.Err.Error(),
		})
	}

	status := http.StatusOK
	if result.Succeeded > 0 {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// handleRemove DELETE /v1/tunnels/:key
func (s *ControlPlaneServer) handleRemove(c *gin.Context) {
	if err := s.registry.Remove(c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRename POST /v1/tunnels/:key/rename {"name": "..."}
func (s *ControlPlaneServer) handleRename(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	index, err := s.registry.Rename(c.Param("key"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Name, "index": index})
}

// handleActivate POST /v1/tunnels/:key/activate
func (s *ControlPlaneServer) handleActivate(c *gin.Context) {
	s.transition(c, s.registry.RequestActivate)
}

// handleDeactivate POST /v1/tunnels/:key/deactivate
func (s *ControlPlaneServer) handleDeactivate(c *gin.Context) {
	s.transition(c, s.registry.RequestDeactivate)
}

// transition 请求状态变更，立即返回当前状态；结果通过事件流送达
func (s *ControlPlaneServer) transition(c *gin.Context, request func(key string) error) {
	key := c.Param("key")
	if err := request(key); err != nil {
		respondError(c, err)
		return
	}
	rec, err := s.registry.Get(key)
	if err != nil {
		// removed in the meantime
		respondError(c, err)
		return
	}
	index, _ := s.registry.IndexOf(key)
	c.JSON(http.StatusAccepted, viewOf(index, rec))
}

// handleComplete POST /v1/tunnels/:key/complete {"succeeded": true}
// 供外部控制面（driver=manual）上报激活/停用结果
func (s *ControlPlaneServer) handleComplete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	key := c.Param("key")
	if err := s.registry.Complete(key, *req.Succeeded); err != nil {
		respondError(c, err)
		return
	}
	rec, err := s.registry.Get(key)
	if err != nil {
		respondError(c, err)
		return
	}
	index, _ := s.registry.IndexOf(key)
	c.JSON(http.StatusOK, viewOf(index, rec))
}

// handleStream GET /v1/tunnels/stream?client_id=<id>
func (s *ControlPlaneServer) handleStream(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if err := s.notifier.Subscribe(c.Request.Context(), clientID, c.Writer); err != nil {
		s.logger.Warn("Stream ended with error", "client_id", clientID, "error", err)
		if !c.Writer.Written() {
			respondError(c, err)
		}
	}
}

// handleAudit GET /v1/audit
func (s *ControlPlaneServer) handleAudit(c *gin.Context) {
	if s.audit == nil {
		respondError(c, protocol.ErrNotFound.WithDetails("resource", "audit log"))
		return
	}

	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	logs, err := s.audit.Query(c.Request.Context(), &logging.AuditFilter{
		EventType: q.Type,
		Key:       q.Key,
		Source:    q.Source,
		Result:    q.Result,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
