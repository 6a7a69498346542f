package xctx

import "errors"

// =============================================================================
// Context Key 类型定义
// =============================================================================

// contextKey 使用字符串类型，提高可读性和调试体验
type contextKey string

// =============================================================================
// 通用错误
// =============================================================================

var (
	// ErrNilContext 表示传入的 context 为 nil。
	ErrNilContext = errors.New("xctx: nil context")
)

// =============================================================================
// Trace 相关错误
// =============================================================================

var (
	// ErrMissingTraceID trace_id 缺失
	ErrMissingTraceID = errors.New("xctx: missing trace_id")

	// ErrMissingSpanID span_id 缺失
	ErrMissingSpanID = errors.New("xctx: missing span_id")

	// ErrMissingRequestID request_id 缺失
	ErrMissingRequestID = errors.New("xctx: missing request_id")
)
