package models

import "time"

// LookupResult 统一的查询结果 (所有 adapter 归一化后的形状)
type LookupResult struct {
	Subject    string        `json:"subject"`
	Capability string        `json:"capability"`
	Provider   string        `json:"provider"`
	IP         *IPInfo       `json:"ip,omitempty"`
	Domain     *DomainInfo   `json:"domain,omitempty"`
	Security   *SecurityInfo `json:"security,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// IPInfo IP 地理位置 / 网络归属
type IPInfo struct {
	Address     string  `json:"address"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Org         string  `json:"org,omitempty"`
	ASN         string  `json:"asn,omitempty"`
}

// DomainInfo 域名注册信息
type DomainInfo struct {
	Name        string    `json:"name"`
	Registrar   string    `json:"registrar,omitempty"`
	Registrant  string    `json:"registrant,omitempty"`
	Country     string    `json:"country,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	NameServers []string  `json:"name_servers,omitempty"`
	Status      []string  `json:"status,omitempty"`
}

// SecurityInfo 信誉 / 滥用信息 (可选 enrichment)
type SecurityInfo struct {
	Provider       string    `json:"provider"`
	AbuseScore     int       `json:"abuse_score"`
	TotalReports   int       `json:"total_reports"`
	IsWhitelisted  bool      `json:"is_whitelisted"`
	IsTor          bool      `json:"is_tor"`
	UsageType      string    `json:"usage_type,omitempty"`
	LastReportedAt time.Time `json:"last_reported_at,omitempty"`
}
