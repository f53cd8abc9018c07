package core

import (
	"fmt"
	"strconv"
	"time"
)

// Capability 一组可以互相替代的 provider 提供的逻辑能力
type Capability string

const (
	CapabilityIPLookup     Capability = "ip-lookup"
	CapabilityDomainLookup Capability = "domain-lookup"
	CapabilityReputation   Capability = "reputation"
	CapabilityLLM          Capability = "llm"
)

const (
	WindowMinute  = time.Minute
	WindowDaily   = 24 * time.Hour
	WindowMonthly = 30 * 24 * time.Hour
)

// Provider 外部能力来源
// 所有 slot 范围和轮换逻辑只看 Capacity，不按 provider 特判
type Provider struct {
	ID              string
	Capability      Capability
	Capacity        int    // 最大 slot 数: 多 key provider 为 5，单 key 为 1
	EnvPrefix       string // slot 变量名前缀，如 GEMINI_API_KEY
	NeedsCredential bool
	RateLimit       int           // 每个窗口的请求预算，0 表示不限
	Window          time.Duration // 窗口长度
}

// SlotVariable 返回 slot 对应的环境变量名
// slot 1 使用 <PREFIX>，其余使用 <PREFIX>_<n>
func (p Provider) SlotVariable(slot int) string {
	if slot == 1 {
		return p.EnvPrefix
	}
	return p.EnvPrefix + "_" + strconv.Itoa(slot)
}

// SlotVariables 返回 slot 可接受的全部变量名，按优先级
func (p Provider) SlotVariables(slot int) []string {
	if slot == 1 && p.Capacity > 1 {
		return []string{p.EnvPrefix, p.EnvPrefix + "_1"}
	}
	return []string{p.SlotVariable(slot)}
}

// ActiveVariable 多 slot provider 的全局 active slot 变量
func (p Provider) ActiveVariable() string {
	return p.EnvPrefix + "_ACTIVE"
}

// ValidSlot slot 是否在 [1, Capacity] 内
func (p Provider) ValidSlot(slot int) bool {
	return slot >= 1 && slot <= p.Capacity
}

// Registry 有序的 provider 注册表，构造后只读
type Registry struct {
	providers []Provider
	byID      map[string]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byID: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider without id")
		}
		if p.Capacity < 1 {
			return nil, fmt.Errorf("provider %s: capacity must be >= 1", p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("provider %s registered twice", p.ID)
		}
		if p.RateLimit > 0 && p.Window <= 0 {
			return nil, fmt.Errorf("provider %s: rate limit without window", p.ID)
		}
		r.providers = append(r.providers, p)
		r.byID[p.ID] = p
	}
	return r, nil
}

// Get 按 ID 查找
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.byID[id]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// All 注册顺序的全部 provider
func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ByCapability 注册顺序中属于 capability 的 provider
func (r *Registry) ByCapability(c Capability) []Provider {
	var out []Provider
	for _, p := range r.providers {
		if p.Capability == c {
			out = append(out, p)
		}
	}
	return out
}

// DefaultProviders 内置 provider 列表
func DefaultProviders() []Provider {
	return []Provider{
		{ID: "gemini", Capability: CapabilityLLM, Capacity: 5, EnvPrefix: "GEMINI_API_KEY", NeedsCredential: true},
		{ID: "groq", Capability: CapabilityLLM, Capacity: 5, EnvPrefix: "GROQ_API_KEY", NeedsCredential: true},

		{ID: "ipinfo", Capability: CapabilityIPLookup, Capacity: 1, EnvPrefix: "IPINFO_TOKEN", NeedsCredential: true, RateLimit: 50000, Window: WindowMonthly},
		{ID: "ipgeolocation", Capability: CapabilityIPLookup, Capacity: 1, EnvPrefix: "IPGEOLOCATION_API_KEY", NeedsCredential: true, RateLimit: 30000, Window: WindowMonthly},
		{ID: "ipapi", Capability: CapabilityIPLookup, Capacity: 1, EnvPrefix: "IPAPI_KEY", RateLimit: 45, Window: WindowMinute},
		{ID: "geoip-local", Capability: CapabilityIPLookup, Capacity: 1, EnvPrefix: "GEOIP_LOCAL_KEY"},

		{ID: "abuseipdb", Capability: CapabilityReputation, Capacity: 1, EnvPrefix: "ABUSEIPDB_API_KEY", NeedsCredential: true, RateLimit: 1000, Window: WindowDaily},

		{ID: "whoisxml", Capability: CapabilityDomainLookup, Capacity: 1, EnvPrefix: "WHOISXML_API_KEY", NeedsCredential: true, RateLimit: 500, Window: WindowMonthly},
		{ID: "rdap", Capability: CapabilityDomainLookup, Capacity: 1, EnvPrefix: "RDAP_KEY", RateLimit: 60, Window: WindowMinute},
	}
}
