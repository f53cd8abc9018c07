package adapter

import (
	"context"
	"fmt"
	"lookup-gateway/models"
	"net/http"
	"net/url"
	"time"
)

// AbuseIPDBAdapter 信誉查询，只作为 ip-lookup 的 enrichment
type AbuseIPDBAdapter struct {
	base
}

func NewAbuseIPDBAdapter(baseURL string, client *http.Client) *AbuseIPDBAdapter {
	return &AbuseIPDBAdapter{base: newBase("abuseipdb", baseURL, 10*time.Second, client)}
}

func (a *AbuseIPDBAdapter) Fetch(ctx context.Context, ip string, apiKey string) (*models.LookupResult, error) {
	query := url.Values{}
	query.Set("ipAddress", ip)
	query.Set("maxAgeInDays", "90")
	header := http.Header{}
	header.Set("Key", apiKey)

	doc, err := a.getJSON(ctx, "/api/v2/check", query, header)
	if err != nil {
		return nil, err
	}
	if detail := doc.Get("errors.0.detail").String(); detail != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, detail)
	}
	data := doc.Get("data")
	if !data.Exists() {
		return nil, fmt.Errorf("%w: missing data", ErrUnexpectedPayload)
	}

	sec := &models.SecurityInfo{
		Provider:       a.provider,
		AbuseScore:     int(data.Get("abuseConfidenceScore").Int()),
		TotalReports:   int(data.Get("totalReports").Int()),
		IsWhitelisted:  data.Get("isWhitelisted").Bool(),
		IsTor:          data.Get("isTor").Bool(),
		UsageType:      data.Get("usageType").String(),
		LastReportedAt: parseTime(data.Get("lastReportedAt").String()),
	}
	return &models.LookupResult{Subject: ip, Provider: a.provider, Security: sec}, nil
}
