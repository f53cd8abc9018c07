package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotConfigured      = errors.New("credential not configured")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrAdapterFailure     = errors.New("adapter failure")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrInvalidSlot        = errors.New("invalid slot")
	ErrPersistence        = errors.New("persistence error")
	ErrNoAlternative      = errors.New("no alternative configured slot")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrUnknownCapability  = errors.New("unknown capability")
)

// InvalidInputError subject 校验失败，在尝试任何 adapter 之前返回
type InvalidInputError struct {
	Capability string
	Subject    string
	Reason     string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s subject %q: %s", e.Capability, e.Subject, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// PersistenceError 持久化失败 (内存状态已更新，不回滚)
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// AdapterError 单个 adapter 的网络 / 超时 / 解析错误
type AdapterError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() []error { return []error{ErrAdapterFailure, e.Err} }

// AttemptFailure 记录一个 adapter 被跳过或失败的原因
// Kind 是 ErrNotConfigured / ErrRateLimitExceeded / ErrAdapterFailure 之一
type AttemptFailure struct {
	Provider string
	Kind     error
	Err      error
}

func (f AttemptFailure) String() string {
	if f.Err == nil || f.Err == f.Kind {
		return fmt.Sprintf("%s=%v", f.Provider, f.Kind)
	}
	return fmt.Sprintf("%s=%v (%v)", f.Provider, f.Kind, f.Err)
}

// AllProvidersFailedError 一个 capability 的所有 adapter 都失败，保留每一个的原因
type AllProvidersFailedError struct {
	Capability string
	Subject    string
	Failures   []AttemptFailure
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("%s %q: all providers failed: %s", e.Capability, e.Subject, strings.Join(e.Reasons(), "; "))
}

func (e *AllProvidersFailedError) Unwrap() error { return ErrAllProvidersFailed }

// Reasons 按 adapter 顺序返回失败原因
func (e *AllProvidersFailedError) Reasons() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.String())
	}
	return out
}

// KindOf 把任意错误归类到 attempt kind
func KindOf(err error) error {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return ErrNotConfigured
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrRateLimitExceeded
	default:
		return ErrAdapterFailure
	}
}

// SlotError slot 选择被拒绝；Reason 为 nil 表示越界，ErrNotConfigured 表示目标 slot 没有可用凭据
type SlotError struct {
	Provider string
	Slot     int
	Reason   error
}

func (e *SlotError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("%s slot %d: %v", e.Provider, e.Slot, e.Reason)
	}
	return fmt.Sprintf("%s slot %d: out of range", e.Provider, e.Slot)
}

func (e *SlotError) Unwrap() []error {
	if e.Reason != nil {
		return []error{ErrInvalidSlot, e.Reason}
	}
	return []error{ErrInvalidSlot}
}
