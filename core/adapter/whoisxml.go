package adapter

import (
	"context"
	"fmt"
	"lookup-gateway/models"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// WhoisXMLAdapter whoisxmlapi.com WHOIS 查询 (较慢，30s 超时)
type WhoisXMLAdapter struct {
	base
}

func NewWhoisXMLAdapter(baseURL string, client *http.Client) *WhoisXMLAdapter {
	return &WhoisXMLAdapter{base: newBase("whoisxml", baseURL, 30*time.Second, client)}
}

func (a *WhoisXMLAdapter) Fetch(ctx context.Context, domain string, apiKey string) (*models.LookupResult, error) {
	query := url.Values{}
	query.Set("apiKey", apiKey)
	query.Set("domainName", domain)
	query.Set("outputFormat", "JSON")

	doc, err := a.getJSON(ctx, "/whoisserver/WhoisService", query, nil)
	if err != nil {
		return nil, err
	}
	if msg := doc.Get("ErrorMessage.msg").String(); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, msg)
	}
	rec := doc.Get("WhoisRecord")
	if !rec.Exists() {
		return nil, fmt.Errorf("%w: missing WhoisRecord", ErrUnexpectedPayload)
	}
	if rec.Get("dataError").String() == "MISSING_WHOIS_DATA" {
		return nil, fmt.Errorf("%w: no whois data for %s", ErrUnexpectedPayload, domain)
	}

	// 顶层字段缺失时回退到 registryData
	pick := func(path string) gjson.Result {
		if v := rec.Get(path); v.Exists() && v.String() != "" {
			return v
		}
		return rec.Get("registryData." + path)
	}

	info := &models.DomainInfo{
		Name:        strings.ToLower(pick("domainName").String()),
		Registrar:   pick("registrarName").String(),
		Registrant:  pick("registrant.organization").String(),
		Country:     pick("registrant.country").String(),
		CreatedAt:   parseTime(pick("createdDate").String()),
		UpdatedAt:   parseTime(pick("updatedDate").String()),
		ExpiresAt:   parseTime(pick("expiresDate").String()),
		NameServers: lowerAll(stringList(pick("nameServers.hostNames"))),
		Status:      strings.Fields(pick("status").String()),
	}
	if info.Name == "" {
		info.Name = domain
	}

	return &models.LookupResult{Subject: domain, Provider: a.provider, Domain: info}, nil
}

func lowerAll(in []string) []string {
	for i := range in {
		in[i] = strings.ToLower(in[i])
	}
	return in
}
