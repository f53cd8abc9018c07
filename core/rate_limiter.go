package core

import (
	"fmt"
	"sync"
	"time"
)

// rateWindow 单个 provider 的计数窗口
type rateWindow struct {
	count   int
	resetAt time.Time
}

// Usage 单个 provider 的用量快照
type Usage struct {
	Provider string    `json:"provider"`
	Used     int       `json:"used"`
	Limit    int       `json:"limit"` // 0 表示不限
	ResetAt  time.Time `json:"reset_at,omitempty"`
}

// RateLimiter 每个 provider 在固定窗口内的请求预算
// 不持久化，进程重启后计数归零
type RateLimiter struct {
	registry *Registry
	clock    Clock

	mu      sync.Mutex
	windows map[string]*rateWindow
}

func NewRateLimiter(registry *Registry, clock Clock) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		registry: registry,
		clock:    clock,
		windows:  make(map[string]*rateWindow),
	}
}

// TryConsume 检查并消费一个请求；nil 表示允许
// 窗口到期 (now >= resetAt) 时先重置再判断
func (l *RateLimiter) TryConsume(providerID string) error {
	p, err := l.registry.Get(providerID)
	if err != nil {
		return err
	}
	if p.RateLimit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w := l.windowLocked(p, now)
	if w.count >= p.RateLimit {
		return fmt.Errorf("%w: %s used %d/%d until %s", ErrRateLimitExceeded, p.ID, w.count, p.RateLimit, w.resetAt.Format(time.RFC3339))
	}
	w.count++
	return nil
}

func (l *RateLimiter) windowLocked(p Provider, now time.Time) *rateWindow {
	w, ok := l.windows[p.ID]
	if !ok {
		w = &rateWindow{resetAt: now.Add(p.Window)}
		l.windows[p.ID] = w
	}
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(p.Window)
	}
	return w
}

// Usage 返回 provider 当前窗口的用量
func (l *RateLimiter) Usage(providerID string) (Usage, error) {
	p, err := l.registry.Get(providerID)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Provider: p.ID, Limit: p.RateLimit}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[p.ID]; ok && l.clock().Before(w.resetAt) {
		u.Used = w.count
		u.ResetAt = w.resetAt
	}
	return u, nil
}
