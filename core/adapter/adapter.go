package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const userAgent = "Lookup-Gateway/1.0"

// maxBodySize 上游响应体上限
const maxBodySize = 1 << 20

var ErrUnexpectedPayload = errors.New("unexpected payload")

// StatusError 上游返回非 2xx
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus 供上层提取状态码
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// NewHTTPClient 初始化 adapter 共用的 HTTP Client
// 不设置 Client.Timeout，超时由每次调用的 Context 控制
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// base 所有 HTTP adapter 的公共部分
type base struct {
	provider string
	baseURL  string
	timeout  time.Duration
	client   *http.Client
}

func newBase(provider, baseURL string, timeout time.Duration, client *http.Client) base {
	if client == nil {
		client = NewHTTPClient()
	}
	return base{
		provider: provider,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		timeout:  timeout,
		client:   client,
	}
}

func (b base) Provider() string { return b.provider }

func (b base) Timeout() time.Duration { return b.timeout }

// getJSON GET 请求并返回 gjson 文档
func (b base) getJSON(ctx context.Context, path string, query url.Values, header http.Header) (gjson.Result, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(body)
		if len(text) > 200 {
			text = text[:200]
		}
		return gjson.Result{}, &StatusError{StatusCode: resp.StatusCode, Body: text}
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: response is not JSON", ErrUnexpectedPayload)
	}
	return gjson.ParseBytes(body), nil
}

// timeLayouts 各家 whois / rdap 用到的时间格式
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// stringList 把 gjson 数组转成去空白的字符串切片
func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}
