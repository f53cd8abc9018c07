package core

import (
	"context"
	"errors"
	"fmt"
	"lookup-gateway/models"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// attempt 结果
const (
	OutcomeSuccess       = "success"
	OutcomeNotConfigured = "not_configured"
	OutcomeRateLimited   = "rate_limited"
	OutcomeFailed        = "failed"
)

// Adapter 单个外部 provider 的调用与归一化
type Adapter interface {
	Provider() string
	Timeout() time.Duration
	Fetch(ctx context.Context, subject, secret string) (*models.LookupResult, error)
}

// AttemptRecord 一次 adapter 尝试
type AttemptRecord struct {
	Provider string
	Outcome  string
	Err      error
	Latency  time.Duration
}

// Resolution 一次 resolve 的结果
type Resolution struct {
	ID        string
	Result    *models.LookupResult
	FromCache bool
	Attempts  []AttemptRecord
}

// capabilityChain 一个 capability 的有序 adapter 列表
type capabilityChain struct {
	normalize SubjectNormalizer
	adapters  []Adapter
	enricher  Adapter
}

// Chain 按优先级依次尝试 adapter，直到一个成功
// 每个 adapter 前先过凭据门和限流门
type Chain struct {
	registry *Registry
	creds    *CredentialStore
	limiter  *RateLimiter
	cache    *ResponseCache
	logger   *logrus.Logger
	metrics  *Metrics
	auditor  LookupAuditor
	clock    Clock

	chains map[Capability]*capabilityChain
	group  singleflight.Group
}

// ChainOption 可选依赖
type ChainOption func(*Chain)

func WithMetrics(m *Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

func WithAuditor(a LookupAuditor) ChainOption {
	return func(c *Chain) { c.auditor = a }
}

func WithClock(clock Clock) ChainOption {
	return func(c *Chain) { c.clock = clock }
}

func NewChain(
	registry *Registry,
	creds *CredentialStore,
	limiter *RateLimiter,
	cache *ResponseCache,
	logger *logrus.Logger,
	opts ...ChainOption,
) *Chain {
	c := &Chain{
		registry: registry,
		creds:    creds,
		limiter:  limiter,
		cache:    cache,
		logger:   logger,
		clock:    time.Now,
		chains:   make(map[Capability]*capabilityChain),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register 为 capability 注册 subject 校验和按优先级排列的 adapter
// 每个 adapter 的 provider 必须已在 registry 中并属于该 capability
func (c *Chain) Register(capability Capability, normalize SubjectNormalizer, adapters ...Adapter) error {
	if normalize == nil {
		return fmt.Errorf("capability %s: normalizer is required", capability)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("capability %s: no adapters", capability)
	}
	for _, a := range adapters {
		p, err := c.registry.Get(a.Provider())
		if err != nil {
			return err
		}
		if p.Capability != capability {
			return fmt.Errorf("provider %s serves %s, not %s", p.ID, p.Capability, capability)
		}
	}
	c.chains[capability] = &capabilityChain{normalize: normalize, adapters: adapters}
	return nil
}

// SetEnricher 成功结果之后追加调用的 adapter，失败不影响结果
func (c *Chain) SetEnricher(capability Capability, a Adapter) error {
	cc, ok := c.chains[capability]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	if _, err := c.registry.Get(a.Provider()); err != nil {
		return err
	}
	cc.enricher = a
	return nil
}

// Capabilities 已注册的 capability，按名字排序
func (c *Chain) Capabilities() []Capability {
	out := make([]Capability, 0, len(c.chains))
	for k := range c.chains {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Adapters capability 的 provider 顺序
func (c *Chain) Adapters(capability Capability) []string {
	cc, ok := c.chains[capability]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cc.adapters))
	for _, a := range cc.adapters {
		out = append(out, a.Provider())
	}
	return out
}

// Resolve 查询 subject
// 只返回 *InvalidInputError 或 *AllProvidersFailedError (以及未知 capability / ctx 取消)
func (c *Chain) Resolve(ctx context.Context, capability Capability, subject, callerID string) (*Resolution, error) {
	cc, ok := c.chains[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	normalized, err := cc.normalize(subject)
	if err != nil {
		c.metrics.observeResolution(capability, "invalid")
		return nil, err
	}
	callerID = strings.TrimSpace(callerID)

	// 同一 caller 对同一 subject 的并发请求只打一次上游
	flightKey := CacheKey(capability, normalized) + "|" + callerID
	// 共享的查询不随单个调用方取消，每个 adapter 自带超时
	flight := c.group.DoChan(flightKey, func() (any, error) {
		return c.resolve(context.WithoutCancel(ctx), cc, capability, normalized, callerID)
	})
	var out singleflight.Result
	select {
	case out = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.Err != nil {
		return nil, out.Err
	}
	res := out.Val.(*Resolution)
	if out.Shared {
		copied := *res
		copied.Result = cloneResult(res.Result)
		copied.Attempts = append([]AttemptRecord(nil), res.Attempts...)
		return &copied, nil
	}
	return res, nil
}

func (c *Chain) resolve(ctx context.Context, cc *capabilityChain, capability Capability, subject, callerID string) (*Resolution, error) {
	start := time.Now()
	res := &Resolution{ID: uuid.NewString()}
	key := CacheKey(capability, subject)

	if cached, ok := c.cache.Get(key); ok {
		c.metrics.observeCache(capability, true)
		c.metrics.observeResolution(capability, "cache")
		res.Result = cached
		res.FromCache = true
		c.audit(res, capability, subject, callerID, start, nil)
		return res, nil
	}
	c.metrics.observeCache(capability, false)

	var failures []AttemptFailure
	for _, a := range cc.adapters {
		rec, result := c.attempt(ctx, a, capability, subject, callerID)
		res.Attempts = append(res.Attempts, rec)
		if result != nil {
			res.Result = result
			break
		}
		failures = append(failures, AttemptFailure{Provider: rec.Provider, Kind: KindOf(rec.Err), Err: rec.Err})
	}

	if res.Result == nil {
		err := &AllProvidersFailedError{Capability: string(capability), Subject: subject, Failures: failures}
		c.logger.Warnf("[Chain] %v", err)
		c.metrics.observeResolution(capability, "failed")
		c.audit(res, capability, subject, callerID, start, err)
		return nil, err
	}

	if cc.enricher != nil {
		c.enrich(ctx, cc.enricher, res, subject, callerID)
	}

	// 缓存写失败只记日志，结果照常返回
	if err := c.cache.Put(key, res.Result); err != nil {
		c.logger.Errorf("[Chain] cache write for %s failed: %v", key, err)
	}

	c.metrics.observeResolution(capability, "success")
	c.audit(res, capability, subject, callerID, start, nil)
	return res, nil
}

// attempt 凭据门 -> 限流门 -> 调用 -> 归一化
func (c *Chain) attempt(ctx context.Context, a Adapter, capability Capability, subject, callerID string) (AttemptRecord, *models.LookupResult) {
	rec := AttemptRecord{Provider: a.Provider()}
	defer func() { c.metrics.observeAttempt(rec) }()

	p, err := c.registry.Get(a.Provider())
	if err != nil {
		rec.Outcome, rec.Err = OutcomeFailed, err
		return rec, nil
	}

	var secret string
	if p.NeedsCredential {
		secret, err = c.creds.ActiveCredential(p.ID, callerID)
		if err != nil {
			c.logger.Debugf("[Chain] skip %s: %v", p.ID, err)
			rec.Outcome, rec.Err = OutcomeNotConfigured, err
			return rec, nil
		}
	}

	if err := c.limiter.TryConsume(p.ID); err != nil {
		c.logger.Warnf("[Chain] skip %s: %v", p.ID, err)
		rec.Outcome, rec.Err = OutcomeRateLimited, err
		return rec, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.Timeout())
	defer cancel()

	started := time.Now()
	result, err := a.Fetch(fetchCtx, subject, secret)
	rec.Latency = time.Since(started)
	if err == nil && result == nil {
		err = errors.New("empty result")
	}
	if err != nil {
		adapterErr := &AdapterError{Provider: p.ID, Err: err}
		var status interface{ HTTPStatus() int }
		if errors.As(err, &status) {
			adapterErr.StatusCode = status.HTTPStatus()
		}
		c.logger.Warnf("[Chain] %s failed for %s (key %s) after %v: %v",
			p.ID, subject, models.MaskAPIKey(secret), rec.Latency, err)
		rec.Outcome, rec.Err = OutcomeFailed, adapterErr
		return rec, nil
	}

	result.Subject = subject
	result.Capability = string(capability)
	result.Provider = p.ID
	result.FetchedAt = c.clock().UTC()
	rec.Outcome = OutcomeSuccess
	c.logger.Infof("[Chain] %s resolved %s via %s in %v", capability, subject, p.ID, rec.Latency)
	return rec, result
}

// enrich 追加信誉信息；任何失败都只记日志
func (c *Chain) enrich(ctx context.Context, a Adapter, res *Resolution, subject, callerID string) {
	p, err := c.registry.Get(a.Provider())
	if err != nil {
		return
	}
	rec, extra := c.attempt(ctx, a, p.Capability, subject, callerID)
	res.Attempts = append(res.Attempts, rec)
	if extra == nil {
		c.logger.Debugf("[Chain] enrichment %s skipped: %v", rec.Provider, rec.Err)
		return
	}
	if extra.Security != nil {
		res.Result.Security = extra.Security
	}
}

func (c *Chain) audit(res *Resolution, capability Capability, subject, callerID string, start time.Time, err error) {
	if c.auditor == nil {
		return
	}
	entry := &models.LookupLog{
		ResolutionID: res.ID,
		Capability:   string(capability),
		Subject:      subject,
		CallerID:     callerID,
		FromCache:    res.FromCache,
		Success:      err == nil && res.Result != nil,
		Attempts:     len(res.Attempts),
		Duration:     sinceMillis(start),
	}
	if res.Result != nil {
		entry.Provider = res.Result.Provider
	}
	if err != nil {
		entry.ErrorMsg = err.Error()
	}
	c.auditor.Log(entry, res.Attempts)
}
