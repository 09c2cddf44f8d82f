package protocol

import (
	"fmt"
	"net/http"
)

// 错误码常量
const (
	ErrCodeSuccess = 0

	// 请求错误 (400xx)
	ErrCodeInvalidRequest  = 40000 // 无效请求
	ErrCodeInvalidName     = 40001 // 名称规范化后为空
	ErrCodeParse           = 40002 // 配置文本无法解析
	ErrCodeUnsupportedFile = 40003 // 不支持的文件类型
	ErrCodeEmptyBatch      = 40004 // 压缩包内没有可用的隧道配置

	// 资源错误 (404xx)
	ErrCodeNotFound = 40400 // 隧道不存在

	// 冲突错误 (409xx)
	ErrCodeDuplicateKey = 40901 // 隧道名已存在
	ErrCodeInvalidState = 40902 // 当前状态不允许该操作

	// 压缩包错误 (422xx)
	ErrCodeArchiveUnreadable = 42201 // 无法打开压缩包
	ErrCodeArchiveCorrupt    = 42202 // 压缩包损坏

	// 服务错误 (500xx)
	ErrCodeInternal = 50000
)

// Sentinel errors, matched with errors.Is by code.
var (
	ErrInvalidName       = NewError(ErrCodeInvalidName, "name is empty after normalization")
	ErrParse             = NewError(ErrCodeParse, "unable to parse tunnel configuration")
	ErrUnsupportedFile   = NewError(ErrCodeUnsupportedFile, "unsupported file type")
	ErrEmptyBatch        = NewError(ErrCodeEmptyBatch, "no tunnels found in archive")
	ErrNotFound          = NewError(ErrCodeNotFound, "tunnel not found")
	ErrDuplicateKey      = NewError(ErrCodeDuplicateKey, "tunnel already exists")
	ErrInvalidState      = NewError(ErrCodeInvalidState, "operation not allowed in current state")
	ErrArchiveUnreadable = NewError(ErrCodeArchiveUnreadable, "archive could not be read")
	ErrArchiveCorrupt    = NewError(ErrCodeArchiveCorrupt, "bad or corrupt archive")
)

// Error 协议错误
type Error struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Is reports whether target is a protocol error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError 创建新错误
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError 包装已有错误，保留原始错误链
func WrapError(code int, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
		cause:   err,
	}
}

// With 基于哨兵错误创建带原因的新错误
func (e *Error) With(cause error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		cause:   cause,
	}
}

// WithDetails 添加详细信息，返回副本，哨兵错误不会被修改
func (e *Error) WithDetails(key string, value interface{}) *Error {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		cause:   e.cause,
	}
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(code int) int {
	switch {
	case code == ErrCodeSuccess:
		return http.StatusOK
	case code == ErrCodeNotFound:
		return http.StatusNotFound
	case code >= 40900 && code < 41000:
		return http.StatusConflict
	case code >= 42200 && code < 42300:
		return http.StatusUnprocessableEntity
	case code >= 40000 && code < 40100:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
