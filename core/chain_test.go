package core

import (
	"context"
	"errors"
	"lookup-gateway/core/adapter"
	"lookup-gateway/models"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter 可编程的 adapter
type fakeAdapter struct {
	id      string
	timeout time.Duration
	calls   atomic.Int32
	secrets chan string
	fetch   func(ctx context.Context, subject string) (*models.LookupResult, error)
}

func newFakeAdapter(id string, fetch func(ctx context.Context, subject string) (*models.LookupResult, error)) *fakeAdapter {
	return &fakeAdapter{id: id, timeout: time.Second, fetch: fetch, secrets: make(chan string, 16)}
}

func (f *fakeAdapter) Provider() string       { return f.id }
func (f *fakeAdapter) Timeout() time.Duration { return f.timeout }

func (f *fakeAdapter) Fetch(ctx context.Context, subject, secret string) (*models.LookupResult, error) {
	f.calls.Add(1)
	select {
	case f.secrets <- secret:
	default:
	}
	return f.fetch(ctx, subject)
}

func ipResult(city string) func(context.Context, string) (*models.LookupResult, error) {
	return func(_ context.Context, subject string) (*models.LookupResult, error) {
		return &models.LookupResult{IP: &models.IPInfo{Address: subject, City: city}}, nil
	}
}

func failWith(err error) func(context.Context, string) (*models.LookupResult, error) {
	return func(context.Context, string) (*models.LookupResult, error) { return nil, err }
}

// recordingAuditor 同步记录审计条目
type recordingAuditor struct {
	mu      sync.Mutex
	entries []*models.LookupLog
}

func (a *recordingAuditor) Log(entry *models.LookupLog, _ []AttemptRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAuditor) all() []*models.LookupLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*models.LookupLog(nil), a.entries...)
}

type chainFixture struct {
	chain   *Chain
	creds   *CredentialStore
	limiter *RateLimiter
	cache   *ResponseCache
	clock   *fakeClock
	auditor *recordingAuditor
	metrics *Metrics
}

func newChainFixture(t *testing.T, environ map[string]string) *chainFixture {
	t.Helper()
	registry := newTestRegistry(t)
	dir := t.TempDir()
	logger := newTestLogger()
	clk := newFakeClock()

	creds, err := NewCredentialStore(registry, environ, filepath.Join(dir, "settings.json"), nil, logger)
	require.NoError(t, err)

	f := &chainFixture{
		creds:   creds,
		limiter: NewRateLimiter(registry, clk.Now),
		cache:   NewResponseCache(filepath.Join(dir, "cache.json"), time.Hour, clk.Now, logger),
		clock:   clk,
		auditor: &recordingAuditor{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.chain = NewChain(registry, creds, f.limiter, f.cache, logger,
		WithClock(clk.Now), WithAuditor(f.auditor), WithMetrics(f.metrics))
	return f
}

func outcomes(res []AttemptRecord) []string {
	out := make([]string, 0, len(res))
	for _, r := range res {
		out = append(out, r.Provider+"="+r.Outcome)
	}
	return out
}

func TestChain_FallsThroughToFirstSuccess(t *testing.T) {
	f := newChainFixture(t, map[string]string{"IPINFO_TOKEN": ipinfoKey})

	// A: 网络错误；B: 未配置凭据；C: 成功
	a := newFakeAdapter("ipinfo", failWith(errors.New("dial tcp: connection refused")))
	b := newFakeAdapter("ipgeolocation", ipResult("never"))
	c := newFakeAdapter("ipapi", ipResult("Mountain View"))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, a, b, c))

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "")
	require.NoError(t, err)

	assert.False(t, res.FromCache)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "ipapi", res.Result.Provider)
	assert.Equal(t, "ip-lookup", res.Result.Capability)
	assert.Equal(t, "8.8.8.8", res.Result.Subject)
	assert.Equal(t, f.clock.Now(), res.Result.FetchedAt)
	assert.Equal(t, "Mountain View", res.Result.IP.City)
	assert.Equal(t, []string{
		"ipinfo=failed",
		"ipgeolocation=not_configured",
		"ipapi=success",
	}, outcomes(res.Attempts))

	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(0), b.calls.Load(), "unconfigured adapter is never invoked")
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, ipinfoKey, <-a.secrets)
	assert.Equal(t, "", <-c.secrets, "keyless adapter gets no secret")

	var adapterErr *AdapterError
	require.ErrorAs(t, res.Attempts[0].Err, &adapterErr)
	assert.Equal(t, "ipinfo", adapterErr.Provider)
	assert.ErrorIs(t, res.Attempts[0].Err, ErrAdapterFailure)
}

func TestChain_AllProvidersFailed(t *testing.T) {
	f := newChainFixture(t, map[string]string{"IPINFO_TOKEN": ipinfoKey})

	a := newFakeAdapter("ipinfo", failWith(&adapter.StatusError{StatusCode: 503, Body: "unavailable"}))
	b := newFakeAdapter("ipgeolocation", ipResult("never"))
	c := newFakeAdapter("ipapi", failWith(errors.New("timeout")))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, a, b, c))

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "1.1.1.1", "")
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrAllProvidersFailed)

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, "ip-lookup", all.Capability)
	assert.Equal(t, "1.1.1.1", all.Subject)
	require.Len(t, all.Failures, 3)
	assert.Equal(t, "ipinfo", all.Failures[0].Provider)
	assert.Equal(t, ErrAdapterFailure, all.Failures[0].Kind)
	assert.Equal(t, ErrNotConfigured, all.Failures[1].Kind)
	assert.Equal(t, ErrAdapterFailure, all.Failures[2].Kind)
	assert.Len(t, all.Reasons(), 3)

	var adapterErr *AdapterError
	require.ErrorAs(t, all.Failures[0].Err, &adapterErr)
	assert.Equal(t, 503, adapterErr.StatusCode)

	state, _ := f.cache.Peek(CacheKey(CapabilityIPLookup, "1.1.1.1"))
	assert.Equal(t, CacheAbsent, state, "failures are not cached")
}

func TestChain_RateLimitedAdapterIsSkipped(t *testing.T) {
	f := newChainFixture(t, map[string]string{})

	a := newFakeAdapter("ipapi", ipResult("first"))
	b := newFakeAdapter("geoip-local", ipResult("local"))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, a, b))

	// 耗尽 ipapi 的每分钟预算
	for i := 0; i < 45; i++ {
		require.NoError(t, f.limiter.TryConsume("ipapi"))
	}

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "9.9.9.9", "")
	require.NoError(t, err)
	assert.Equal(t, "geoip-local", res.Result.Provider)
	assert.Equal(t, []string{"ipapi=rate_limited", "geoip-local=success"}, outcomes(res.Attempts))
	assert.ErrorIs(t, res.Attempts[0].Err, ErrRateLimitExceeded)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestChain_SecondResolveServedFromCache(t *testing.T) {
	f := newChainFixture(t, map[string]string{"WHOISXML_API_KEY": whoisKey})

	whois := newFakeAdapter("whoisxml", func(_ context.Context, subject string) (*models.LookupResult, error) {
		return &models.LookupResult{Domain: &models.DomainInfo{Name: subject, Registrar: "MarkMonitor Inc."}}, nil
	})
	rdap := newFakeAdapter("rdap", failWith(errors.New("unused")))
	require.NoError(t, f.chain.Register(CapabilityDomainLookup, NormalizeDomain, whois, rdap))

	first, err := f.chain.Resolve(context.Background(), CapabilityDomainLookup, "Google.com", "")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	usage, _ := f.limiter.Usage("whoisxml")
	assert.Equal(t, 1, usage.Used)

	f.clock.Advance(10 * time.Minute)
	second, err := f.chain.Resolve(context.Background(), CapabilityDomainLookup, "google.com", "")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Empty(t, second.Attempts)
	assert.Equal(t, first.Result, second.Result)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, int32(1), whois.calls.Load(), "no adapter call on cache hit")
	usage, _ = f.limiter.Usage("whoisxml")
	assert.Equal(t, 1, usage.Used, "no budget consumed on cache hit")

	// TTL 过期后重新获取
	f.clock.Advance(time.Hour)
	third, err := f.chain.Resolve(context.Background(), CapabilityDomainLookup, "google.com", "")
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int32(2), whois.calls.Load())
}

func TestChain_InvalidInputSkipsAdapters(t *testing.T) {
	f := newChainFixture(t, map[string]string{})
	rdap := newFakeAdapter("rdap", ipResult("never"))
	require.NoError(t, f.chain.Register(CapabilityDomainLookup, NormalizeDomain, rdap))

	for _, subject := range []string{"http://google.com", "google", ""} {
		res, err := f.chain.Resolve(context.Background(), CapabilityDomainLookup, subject, "")
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrInvalidInput, subject)
		assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	}
	assert.Equal(t, int32(0), rdap.calls.Load())
	assert.Empty(t, f.auditor.all())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.resolutions.WithLabelValues("domain-lookup", "invalid")))
}

func TestChain_UnknownCapability(t *testing.T) {
	f := newChainFixture(t, map[string]string{})
	_, err := f.chain.Resolve(context.Background(), "weather", "x", "")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestChain_EnrichmentFailureIsSwallowed(t *testing.T) {
	f := newChainFixture(t, map[string]string{"ABUSEIPDB_API_KEY": abuseKey})

	ipapi := newFakeAdapter("ipapi", ipResult("Zurich"))
	abuse := newFakeAdapter("abuseipdb", failWith(errors.New("boom")))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, ipapi))
	require.NoError(t, f.chain.SetEnricher(CapabilityIPLookup, abuse))

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.4.4", "")
	require.NoError(t, err)
	assert.Equal(t, "ipapi", res.Result.Provider)
	assert.Nil(t, res.Result.Security)
	assert.Equal(t, []string{"ipapi=success", "abuseipdb=failed"}, outcomes(res.Attempts))
}

func TestChain_EnrichmentAddsSecurity(t *testing.T) {
	f := newChainFixture(t, map[string]string{"ABUSEIPDB_API_KEY": abuseKey})

	ipapi := newFakeAdapter("ipapi", ipResult("Zurich"))
	abuse := newFakeAdapter("abuseipdb", func(_ context.Context, subject string) (*models.LookupResult, error) {
		return &models.LookupResult{Security: &models.SecurityInfo{Provider: "abuseipdb", AbuseScore: 87, IsTor: true}}, nil
	})
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, ipapi))
	require.NoError(t, f.chain.SetEnricher(CapabilityIPLookup, abuse))

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "185.220.101.1", "")
	require.NoError(t, err)
	assert.Equal(t, "ipapi", res.Result.Provider)
	require.NotNil(t, res.Result.Security)
	assert.Equal(t, 87, res.Result.Security.AbuseScore)

	// 缓存的结果包含 enrichment
	cached, ok := f.cache.Get(CacheKey(CapabilityIPLookup, "185.220.101.1"))
	require.True(t, ok)
	require.NotNil(t, cached.Security)
	assert.True(t, cached.Security.IsTor)
}

func TestChain_EnrichmentNotConfigured(t *testing.T) {
	f := newChainFixture(t, map[string]string{})

	ipapi := newFakeAdapter("ipapi", ipResult("Zurich"))
	abuse := newFakeAdapter("abuseipdb", ipResult("never"))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, ipapi))
	require.NoError(t, f.chain.SetEnricher(CapabilityIPLookup, abuse))

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.4.4", "")
	require.NoError(t, err)
	assert.Nil(t, res.Result.Security)
	assert.Equal(t, int32(0), abuse.calls.Load())
}

func TestChain_AdapterTimeout(t *testing.T) {
	f := newChainFixture(t, map[string]string{})

	slow := newFakeAdapter("ipapi", func(ctx context.Context, _ string) (*models.LookupResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	slow.timeout = 20 * time.Millisecond
	local := newFakeAdapter("geoip-local", ipResult("local"))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, slow, local))

	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "")
	require.NoError(t, err)
	assert.Equal(t, "geoip-local", res.Result.Provider)
	assert.ErrorIs(t, res.Attempts[0].Err, context.DeadlineExceeded)
}

func TestChain_CallerOverrideSelectsCredential(t *testing.T) {
	// 单 slot provider 也走 CredentialStore 的 caller 解析
	f := newChainFixture(t, map[string]string{"IPINFO_TOKEN": ipinfoKey})
	ipinfo := newFakeAdapter("ipinfo", ipResult("x"))
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, ipinfo))

	require.NoError(t, f.creds.SetCallerSlot("ipinfo", "alice", 1))
	_, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "alice")
	require.NoError(t, err)
	assert.Equal(t, ipinfoKey, <-ipinfo.secrets)
}

func TestChain_CacheWriteFailureStillReturnsResult(t *testing.T) {
	f := newChainFixture(t, map[string]string{})
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	f.cache = NewResponseCache(filepath.Join(blocker, "cache.json"), time.Hour, f.clock.Now, newTestLogger())
	f.chain.cache = f.cache

	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, newFakeAdapter("ipapi", ipResult("x"))))
	res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "")
	require.NoError(t, err)
	assert.Equal(t, "ipapi", res.Result.Provider)
}

func TestChain_ConcurrentResolvesCallAdapterOnce(t *testing.T) {
	f := newChainFixture(t, map[string]string{})
	release := make(chan struct{})
	slow := newFakeAdapter("ipapi", func(_ context.Context, subject string) (*models.LookupResult, error) {
		<-release
		return &models.LookupResult{IP: &models.IPInfo{Address: subject}}, nil
	})
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, slow))

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Resolution, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "")
		}(i)
	}
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "8.8.8.8", results[i].Result.IP.Address)
	}
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestChain_CancelledCallerDoesNotFailSharedWaiters(t *testing.T) {
	f := newChainFixture(t, map[string]string{})
	release := make(chan struct{})
	slow := newFakeAdapter("ipapi", func(ctx context.Context, subject string) (*models.LookupResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &models.LookupResult{IP: &models.IPInfo{Address: subject}}, nil
	})
	slow.timeout = 5 * time.Second
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, slow))

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.chain.Resolve(firstCtx, CapabilityIPLookup, "8.8.8.8", "")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		res *Resolution
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "")
		second <- outcome{res, err}
	}()
	// 让第二个调用方先加入同一个 flight
	time.Sleep(30 * time.Millisecond)

	// 第一个调用方放弃等待，立即返回自己的取消错误
	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, "8.8.8.8", got.res.Result.IP.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestChain_AuditAndMetrics(t *testing.T) {
	f := newChainFixture(t, map[string]string{})
	require.NoError(t, f.chain.Register(CapabilityIPLookup, NormalizeIP,
		newFakeAdapter("ipapi", failWith(errors.New("down"))),
		newFakeAdapter("geoip-local", ipResult("local")),
	))

	_, err := f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "bob")
	require.NoError(t, err)
	_, err = f.chain.Resolve(context.Background(), CapabilityIPLookup, "8.8.8.8", "bob")
	require.NoError(t, err)

	entries := f.auditor.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "geoip-local", entries[0].Provider)
	assert.Equal(t, "bob", entries[0].CallerID)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.True(t, entries[0].Success)
	assert.False(t, entries[0].FromCache)
	assert.True(t, entries[1].FromCache)
	assert.Equal(t, "geoip-local", entries[1].Provider)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.resolutions.WithLabelValues("ip-lookup", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.resolutions.WithLabelValues("ip-lookup", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.attempts.WithLabelValues("ipapi", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.cacheLookups.WithLabelValues("ip-lookup", "hit")))
}

func TestChain_RegisterValidation(t *testing.T) {
	f := newChainFixture(t, map[string]string{})

	assert.Error(t, f.chain.Register(CapabilityIPLookup, NormalizeIP))
	assert.Error(t, f.chain.Register(CapabilityIPLookup, nil, newFakeAdapter("ipapi", nil)))
	assert.ErrorIs(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, newFakeAdapter("ghost", nil)), ErrUnknownProvider)
	assert.Error(t, f.chain.Register(CapabilityIPLookup, NormalizeIP, newFakeAdapter("rdap", nil)), "rdap is a domain provider")
	assert.ErrorIs(t, f.chain.SetEnricher(CapabilityDomainLookup, newFakeAdapter("abuseipdb", nil)), ErrUnknownCapability)

	require.NoError(t, f.chain.Register(CapabilityDomainLookup, NormalizeDomain, newFakeAdapter("whoisxml", nil), newFakeAdapter("rdap", nil)))
	assert.Equal(t, []Capability{CapabilityDomainLookup}, f.chain.Capabilities())
	assert.Equal(t, []string{"whoisxml", "rdap"}, f.chain.Adapters(CapabilityDomainLookup))
	assert.Nil(t, f.chain.Adapters(CapabilityIPLookup))
}
