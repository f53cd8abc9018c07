package models

import (
	"time"
)

// LookupResponse resolve 接口响应
type LookupResponse struct {
	ResolutionID string        `json:"resolution_id"`
	FromCache    bool          `json:"from_cache"`
	Result       *LookupResult `json:"result"`
	Attempts     []AttemptView `json:"attempts,omitempty"`
}

// AttemptView 单个 adapter 的尝试结果 (对外展示)
type AttemptView struct {
	Provider string `json:"provider"`
	Outcome  string `json:"outcome"` // success / not_configured / rate_limited / failed
	Error    string `json:"error,omitempty"`
}

// SetSlotRequest 设置 slot 请求
type SetSlotRequest struct {
	Slot int `json:"slot" binding:"required,min=1"`
}

// ReplaceCredentialRequest 替换凭据请求
type ReplaceCredentialRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Reasons []string `json:"reasons,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status       string   `json:"status"`
	Gateway      string   `json:"gateway"`
	Capabilities []string `json:"capabilities"`
	Timestamp    int64    `json:"timestamp"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}

	if len(key) <= 4 {
		return key[:1] + "***"
	}

	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}

	return key[:3] + "***" + key[len(key)-4:]
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}
