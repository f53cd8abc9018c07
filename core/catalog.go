package core

import (
	"fmt"
	"lookup-gateway/config"
	"lookup-gateway/core/adapter"
	"lookup-gateway/core/security"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Gateway 组装好的核心组件
type Gateway struct {
	Registry *Registry
	Creds    *CredentialStore
	Limiter  *RateLimiter
	Cache    *ResponseCache
	Chain    *Chain
	Auditor  *AsyncLookupLogger
	Metrics  *Metrics

	geoip *adapter.GeoIPLocalAdapter
}

// NewGateway 按配置构建 provider 注册表、凭据、限流、缓存和 adapter 链
// db 为 nil 时不启用凭据 vault 和审计日志 (CLI 一次性命令)
func NewGateway(cfg config.Config, db *gorm.DB, reg prometheus.Registerer, logger *logrus.Logger) (*Gateway, error) {
	registry, err := NewRegistry(DefaultProviders()...)
	if err != nil {
		return nil, err
	}

	var vault CredentialVault
	if db != nil {
		sp, err := newSecretProvider(cfg.EncryptionKey, logger)
		if err != nil {
			return nil, err
		}
		vault = NewGormCredentialVault(db, sp, logger)
	}

	creds, err := NewCredentialStore(registry, cfg.Environment, cfg.SettingsFile, vault, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		Registry: registry,
		Creds:    creds,
		Limiter:  NewRateLimiter(registry, nil),
		Cache:    NewResponseCache(cfg.CacheFile, cfg.CacheTTL, nil, logger),
	}

	opts := []ChainOption{}
	if reg != nil {
		g.Metrics = NewMetrics(reg)
		opts = append(opts, WithMetrics(g.Metrics))
	}
	if db != nil {
		g.Auditor = NewAsyncLookupLogger(db, logger, 1000)
		opts = append(opts, WithAuditor(g.Auditor))
	}
	g.Chain = NewChain(registry, creds, g.Limiter, g.Cache, logger, opts...)

	client := adapter.NewHTTPClient()
	ipAdapters := []Adapter{
		adapter.NewIPInfoAdapter(cfg.IPInfoBaseURL, client),
		adapter.NewIPGeolocationAdapter(cfg.IPGeolocationBaseURL, client),
		adapter.NewIPAPIAdapter(cfg.IPAPIBaseURL, client),
	}
	if cfg.GeoIPDatabase != "" {
		geoip, err := adapter.NewGeoIPLocalAdapter(cfg.GeoIPDatabase)
		if err != nil {
			// 本地库可选，打不开时链上少一个兜底
			logger.Errorf("GeoIP database disabled: %v", err)
		} else {
			g.geoip = geoip
			ipAdapters = append(ipAdapters, geoip)
		}
	}
	abuse := adapter.NewAbuseIPDBAdapter(cfg.AbuseIPDBBaseURL, client)

	if err := g.Chain.Register(CapabilityIPLookup, NormalizeIP, ipAdapters...); err != nil {
		return nil, err
	}
	if err := g.Chain.SetEnricher(CapabilityIPLookup, abuse); err != nil {
		return nil, err
	}
	if err := g.Chain.Register(CapabilityReputation, NormalizeIP, abuse); err != nil {
		return nil, err
	}
	if err := g.Chain.Register(CapabilityDomainLookup, NormalizeDomain,
		adapter.NewWhoisXMLAdapter(cfg.WhoisXMLBaseURL, client),
		adapter.NewRDAPAdapter(cfg.RDAPBaseURL, client),
	); err != nil {
		return nil, err
	}

	for _, c := range g.Chain.Capabilities() {
		logger.Infof("Capability %s: %v", c, g.Chain.Adapters(c))
	}
	return g, nil
}

func newSecretProvider(key string, logger *logrus.Logger) (SecretProvider, error) {
	if key == "" {
		logger.Warn("GATEWAY_ENCRYPTION_KEY not set, replaced credentials are stored unencrypted")
		return NewNoOpSecretProvider(), nil
	}
	sp, err := security.NewAESSecretProvider(key)
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_ENCRYPTION_KEY: %w", err)
	}
	return sp, nil
}

// Close 刷新审计日志并释放本地 GeoIP 库
func (g *Gateway) Close() {
	if g.Auditor != nil {
		g.Auditor.Close()
	}
	if g.geoip != nil {
		g.geoip.Close()
	}
}
