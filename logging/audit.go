package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditLogger 审计日志记录器接口
type AuditLogger interface {
	LogImport(ctx context.Context, event *ImportEvent) error
	LogTransition(ctx context.Context, event *TransitionEvent) error
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error)
}

// FileAuditLogger 基于文件的审计日志记录器（JSON Lines）
type FileAuditLogger struct {
	outputPath string
	logger     Logger
	out        io.WriteCloser
	mu         sync.Mutex
	logs       []*AuditLog // 内存缓存，用于 Query
	maxCached  int
}

// NewFileAuditLogger 创建新的文件审计日志记录器
func NewFileAuditLogger(outputPath string, logger Logger) (*FileAuditLogger, error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}

	return &FileAuditLogger{
		outputPath: outputPath,
		logger:     OrNop(logger),
		out:        f,
		maxCached:  10000,
	}, nil
}

// LogImport 记录导入事件
func (a *FileAuditLogger) LogImport(ctx context.Context, event *ImportEvent) error {
	if event == nil {
		return fmt.Errorf("import event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Result == ResultFailed {
		a.logger.Warn("Import failed",
			"source", event.Source,
			"kind", event.Kind,
			"reason", event.Reason,
		)
	}

	return a.writeLog(&AuditLog{
		ID:        uuid.NewString(),
		Timestamp: event.Timestamp,
		EventType: "import",
		Data:      event,
		Indexed: map[string]interface{}{
			"source": event.Source,
			"result": event.Result,
		},
	})
}

// LogTransition 记录状态变更事件
func (a *FileAuditLogger) LogTransition(ctx context.Context, event *TransitionEvent) error {
	if event == nil {
		return fmt.Errorf("transition event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return a.writeLog(&AuditLog{
		ID:        uuid.NewString(),
		Timestamp: event.Timestamp,
		EventType: "transition",
		Data:      event,
		Indexed: map[string]interface{}{
			"key": event.Key,
		},
	})
}

// Query 查询审计日志
// 仅查询内存缓存中的最近记录
func (a *FileAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error) {
	if filter == nil {
		filter = &AuditFilter{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var results []*AuditLog
	for _, log := range a.logs {
		if matchFilter(log, filter) {
			results = append(results, log)
		}
	}

	start := filter.Offset
	if start > len(results) {
		start = len(results)
	}
	end := len(results)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	return results[start:end], nil
}

func matchFilter(log *AuditLog, filter *AuditFilter) bool {
	if !filter.StartTime.IsZero() && log.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && log.Timestamp.After(filter.EndTime) {
		return false
	}
	if filter.EventType != "" && log.EventType != filter.EventType {
		return false
	}

	indexed := map[string]string{
		"key":    filter.Key,
		"source": filter.Source,
		"result": filter.Result,
	}
	for field, want := range indexed {
		if want == "" {
			continue
		}
		if v, ok := log.Indexed[field].(string); !ok || v != want {
			return false
		}
	}
	return true
}

func (a *FileAuditLogger) writeLog(log *AuditLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	a.logs = append(a.logs, log)
	if len(a.logs) > a.maxCached {
		a.logs = a.logs[len(a.logs)-a.maxCached:]
	}
	return nil
}

// Close 关闭审计日志记录器
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.out != nil {
		return a.out.Close()
	}
	return nil
}
