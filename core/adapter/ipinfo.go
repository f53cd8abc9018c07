package adapter

import (
	"context"
	"fmt"
	"lookup-gateway/models"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// IPInfoAdapter ipinfo.io
type IPInfoAdapter struct {
	base
}

func NewIPInfoAdapter(baseURL string, client *http.Client) *IPInfoAdapter {
	return &IPInfoAdapter{base: newBase("ipinfo", baseURL, 10*time.Second, client)}
}

func (a *IPInfoAdapter) Fetch(ctx context.Context, ip string, token string) (*models.LookupResult, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	doc, err := a.getJSON(ctx, "/"+url.PathEscape(ip)+"/json", nil, header)
	if err != nil {
		return nil, err
	}
	if msg := doc.Get("error.message").String(); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, msg)
	}
	if doc.Get("bogon").Bool() {
		return nil, fmt.Errorf("%w: %s is a bogon address", ErrUnexpectedPayload, ip)
	}

	info := &models.IPInfo{
		Address:     doc.Get("ip").String(),
		CountryCode: doc.Get("country").String(),
		Region:      doc.Get("region").String(),
		City:        doc.Get("city").String(),
		Timezone:    doc.Get("timezone").String(),
	}
	if info.Address == "" {
		info.Address = ip
	}
	info.Latitude, info.Longitude = splitLocation(doc.Get("loc").String())
	// org 形如 "AS15169 Google LLC"
	info.ASN, info.Org = splitASN(doc.Get("org").String())
	info.ISP = info.Org

	return &models.LookupResult{Subject: ip, Provider: a.provider, IP: info}, nil
}

func splitLocation(loc string) (float64, float64) {
	parts := strings.Split(loc, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return lat, lon
}

func splitASN(org string) (string, string) {
	org = strings.TrimSpace(org)
	if !strings.HasPrefix(org, "AS") || len(org) < 3 || org[2] < '0' || org[2] > '9' {
		return "", org
	}
	asn, name, found := strings.Cut(org, " ")
	if !found {
		return asn, ""
	}
	return asn, strings.TrimSpace(name)
}
