package adapter

import (
	"context"
	"fmt"
	"lookup-gateway/models"
	"net"
	"strconv"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// geoRecord GeoLite2 / GeoIP2 City 与 ASN 库的公共字段
type geoRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
	ASNumber     uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// GeoIPLocalAdapter 本地 MaxMind 数据库，作为链上最后的兜底
type GeoIPLocalAdapter struct {
	reader *maxminddb.Reader
	path   string
}

func NewGeoIPLocalAdapter(path string) (*GeoIPLocalAdapter, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &GeoIPLocalAdapter{reader: reader, path: path}, nil
}

func (a *GeoIPLocalAdapter) Provider() string { return "geoip-local" }

func (a *GeoIPLocalAdapter) Timeout() time.Duration { return time.Second }

func (a *GeoIPLocalAdapter) Fetch(ctx context.Context, ip string, _ string) (*models.LookupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %q is not an IP", ErrUnexpectedPayload, ip)
	}

	var rec geoRecord
	_, found, err := a.reader.LookupNetwork(parsed, &rec)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s not in %s", ErrUnexpectedPayload, ip, a.path)
	}

	info := &models.IPInfo{
		Address:     ip,
		Country:     rec.Country.Names["en"],
		CountryCode: rec.Country.ISOCode,
		City:        rec.City.Names["en"],
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
		Timezone:    rec.Location.TimeZone,
		Org:         rec.Organization,
	}
	if len(rec.Subdivisions) > 0 {
		info.Region = rec.Subdivisions[0].Names["en"]
	}
	if rec.ASNumber != 0 {
		info.ASN = "AS" + strconv.FormatUint(uint64(rec.ASNumber), 10)
	}

	return &models.LookupResult{Subject: ip, Provider: a.Provider(), IP: info}, nil
}

func (a *GeoIPLocalAdapter) Close() error {
	return a.reader.Close()
}
