package adapter

import (
	"context"
	"fmt"
	"lookup-gateway/models"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const ipapiFields = "status,message,country,countryCode,regionName,city,lat,lon,timezone,isp,org,as,query"

// IPAPIAdapter ip-api.com 免费接口，不需要 key
type IPAPIAdapter struct {
	base
}

func NewIPAPIAdapter(baseURL string, client *http.Client) *IPAPIAdapter {
	return &IPAPIAdapter{base: newBase("ipapi", baseURL, 10*time.Second, client)}
}

func (a *IPAPIAdapter) Fetch(ctx context.Context, ip string, _ string) (*models.LookupResult, error) {
	query := url.Values{}
	query.Set("fields", ipapiFields)

	doc, err := a.getJSON(ctx, "/json/"+url.PathEscape(ip), query, nil)
	if err != nil {
		return nil, err
	}
	// ip-api 用 200 + status=fail 表示错误
	if doc.Get("status").String() != "success" {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, doc.Get("message").String())
	}

	asn, _, _ := strings.Cut(doc.Get("as").String(), " ")
	info := &models.IPInfo{
		Address:     doc.Get("query").String(),
		Country:     doc.Get("country").String(),
		CountryCode: doc.Get("countryCode").String(),
		Region:      doc.Get("regionName").String(),
		City:        doc.Get("city").String(),
		Latitude:    doc.Get("lat").Float(),
		Longitude:   doc.Get("lon").Float(),
		Timezone:    doc.Get("timezone").String(),
		ISP:         doc.Get("isp").String(),
		Org:         doc.Get("org").String(),
		ASN:         asn,
	}
	if info.Address == "" {
		info.Address = ip
	}

	return &models.LookupResult{Subject: ip, Provider: a.provider, IP: info}, nil
}
