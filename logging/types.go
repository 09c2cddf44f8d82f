package logging

import "time"

// ImportEvent 导入事件
// 每次导入调用（单文件或压缩包）记录一条
type ImportEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"` // 文件名或压缩包名
	Kind      string                 `json:"kind"`   // "single", "archive"
	Attempted int                    `json:"attempted"`
	Succeeded int                    `json:"succeeded"`
	Result    string                 `json:"result"` // "success", "partial", "failed"
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// TransitionEvent 隧道状态变更事件
type TransitionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"` // "request", "signal"
}

// Import results
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// AuditFilter 审计日志查询过滤器
type AuditFilter struct {
	EventType string    `json:"event_type,omitempty"` // "import", "transition"
	Key       string    `json:"key,omitempty"`
	Source    string    `json:"source,omitempty"`
	Result    string    `json:"result,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// AuditLog 审计日志记录
type AuditLog struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Data      interface{}            `json:"data"`
	Indexed   map[string]interface{} `json:"indexed,omitempty"`
}
