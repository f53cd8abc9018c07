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

// RDAPAdapter rdap.org 公共 RDAP 跳转服务，不需要 key
type RDAPAdapter struct {
	base
}

func NewRDAPAdapter(baseURL string, client *http.Client) *RDAPAdapter {
	return &RDAPAdapter{base: newBase("rdap", baseURL, 20*time.Second, client)}
}

func (a *RDAPAdapter) Fetch(ctx context.Context, domain string, _ string) (*models.LookupResult, error) {
	doc, err := a.getJSON(ctx, "/domain/"+url.PathEscape(domain), nil, nil)
	if err != nil {
		return nil, err
	}
	if doc.Get("objectClassName").String() != "domain" {
		return nil, fmt.Errorf("%w: not a domain object", ErrUnexpectedPayload)
	}

	info := &models.DomainInfo{
		Name:        strings.ToLower(doc.Get("ldhName").String()),
		CreatedAt:   parseTime(doc.Get(`events.#(eventAction=="registration").eventDate`).String()),
		UpdatedAt:   parseTime(doc.Get(`events.#(eventAction=="last changed").eventDate`).String()),
		ExpiresAt:   parseTime(doc.Get(`events.#(eventAction=="expiration").eventDate`).String()),
		NameServers: lowerAll(stringList(doc.Get("nameservers.#.ldhName"))),
		Status:      stringList(doc.Get("status")),
	}
	info.Registrar = vcardField(doc.Get(`entities.#(roles.#(=="registrar"))`), "fn")
	info.Registrant = vcardField(doc.Get(`entities.#(roles.#(=="registrant"))`), "org")
	if info.Name == "" {
		info.Name = domain
	}

	return &models.LookupResult{Subject: domain, Provider: a.provider, Domain: info}, nil
}

// vcardField jCard: ["vcard", [["version",{},"text","4.0"], ["fn",{},"text","MarkMonitor Inc."], ...]]
func vcardField(entity gjson.Result, name string) string {
	var out string
	entity.Get("vcardArray.1").ForEach(func(_, prop gjson.Result) bool {
		if prop.Get("0").String() == name {
			out = prop.Get("3").String()
			return false
		}
		return true
	})
	return out
}
