package adapter

import (
	"context"
	"fmt"
	"lookup-gateway/models"
	"net/http"
	"net/url"
	"time"
)

// IPGeolocationAdapter ipgeolocation.io
type IPGeolocationAdapter struct {
	base
}

func NewIPGeolocationAdapter(baseURL string, client *http.Client) *IPGeolocationAdapter {
	return &IPGeolocationAdapter{base: newBase("ipgeolocation", baseURL, 15*time.Second, client)}
}

func (a *IPGeolocationAdapter) Fetch(ctx context.Context, ip string, apiKey string) (*models.LookupResult, error) {
	query := url.Values{}
	query.Set("apiKey", apiKey)
	query.Set("ip", ip)

	doc, err := a.getJSON(ctx, "/ipgeo", query, nil)
	if err != nil {
		return nil, err
	}
	if msg := doc.Get("message").String(); msg != "" && !doc.Get("ip").Exists() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, msg)
	}

	info := &models.IPInfo{
		Address:     doc.Get("ip").String(),
		Country:     doc.Get("country_name").String(),
		CountryCode: doc.Get("country_code2").String(),
		Region:      doc.Get("state_prov").String(),
		City:        doc.Get("city").String(),
		// latitude / longitude 是字符串
		Latitude:  doc.Get("latitude").Float(),
		Longitude: doc.Get("longitude").Float(),
		Timezone:  doc.Get("time_zone.name").String(),
		ISP:       doc.Get("isp").String(),
		Org:       doc.Get("organization").String(),
	}
	if info.Address == "" {
		info.Address = ip
	}

	return &models.LookupResult{Subject: ip, Provider: a.provider, IP: info}, nil
}
