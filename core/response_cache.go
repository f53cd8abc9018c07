package core

import (
	"lookup-gateway/core/storage"
	"lookup-gateway/models"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// DefaultCacheTTL 缓存条目有效期
const DefaultCacheTTL = 24 * time.Hour

// CacheState Peek 的三态结果
type CacheState int

const (
	CacheAbsent CacheState = iota
	CacheFresh
	CacheStale
)

func (s CacheState) String() string {
	switch s {
	case CacheFresh:
		return "fresh"
	case CacheStale:
		return "stale"
	default:
		return "absent"
	}
}

// cacheEntry 持久化的缓存条目
type cacheEntry struct {
	Value     *models.LookupResult `json:"value"`
	CreatedAt time.Time            `json:"created_at"`
}

// CacheStats 缓存统计
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Stale   int64  `json:"stale"` // misses 中因过期造成的部分
	TTL     string `json:"ttl"`
}

// CacheKey 归一化缓存 key: capability + ":" + 小写 subject
func CacheKey(capability Capability, subject string) string {
	return string(capability) + ":" + strings.ToLower(strings.TrimSpace(subject))
}

// ResponseCache TTL 缓存，每次 Put 整表重写到磁盘
// 过期条目只视为不存在，不主动清理
type ResponseCache struct {
	path   string
	ttl    time.Duration
	clock  Clock
	logger *logrus.Logger

	items   *gocache.Cache
	writeMu sync.Mutex // 单写者: Set + 整表重写

	hits   atomic.Int64
	misses atomic.Int64
	stale  atomic.Int64
}

func NewResponseCache(path string, ttl time.Duration, clock Clock, logger *logrus.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = time.Now
	}
	c := &ResponseCache{
		path:   path,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
		// 不设置过期和清理协程，有效性只由 clock 判断
		items: gocache.New(gocache.NoExpiration, 0),
	}
	c.load()
	return c
}

// load 读取缓存文件，损坏时从空表开始
func (c *ResponseCache) load() {
	doc := make(map[string]cacheEntry)
	found, err := storage.ReadJSON(c.path, &doc)
	if err != nil {
		c.logger.Errorf("Cache file unreadable, starting empty: %v", err)
		return
	}
	if !found {
		return
	}
	for key, entry := range doc {
		if entry.Value == nil {
			continue
		}
		c.items.Set(key, entry, gocache.NoExpiration)
	}
	c.logger.Infof("Loaded %d cache entries from %s", c.items.ItemCount(), c.path)
}

// Peek 返回三态结果，不计入统计
func (c *ResponseCache) Peek(key string) (CacheState, *models.LookupResult) {
	raw, ok := c.items.Get(key)
	if !ok {
		return CacheAbsent, nil
	}
	entry := raw.(cacheEntry)
	if c.clock().Sub(entry.CreatedAt) >= c.ttl {
		return CacheStale, nil
	}
	return CacheFresh, cloneResult(entry.Value)
}

// Get 命中返回副本；不存在和已过期都视为 miss
func (c *ResponseCache) Get(key string) (*models.LookupResult, bool) {
	state, v := c.Peek(key)
	switch state {
	case CacheFresh:
		c.hits.Add(1)
		return v, true
	case CacheStale:
		c.stale.Add(1)
	}
	c.misses.Add(1)
	return nil, false
}

// Put 覆盖写入并立即整表持久化
// 持久化失败时内存中的值保留，返回 PersistenceError
func (c *ResponseCache) Put(key string, value *models.LookupResult) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.items.Set(key, cacheEntry{Value: cloneResult(value), CreatedAt: c.clock()}, gocache.NoExpiration)

	doc := make(map[string]cacheEntry)
	for k, item := range c.items.Items() {
		doc[k] = item.Object.(cacheEntry)
	}
	if err := storage.WriteJSON(c.path, doc); err != nil {
		c.logger.Errorf("Failed to persist cache: %v", err)
		return &PersistenceError{Path: c.path, Err: err}
	}
	return nil
}

// Stats 缓存统计
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{
		Entries: c.items.ItemCount(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stale:   c.stale.Load(),
		TTL:     c.ttl.String(),
	}
}

// cloneResult 拷贝结果，避免调用方修改缓存内容
func cloneResult(r *models.LookupResult) *models.LookupResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.IP != nil {
		ip := *r.IP
		out.IP = &ip
	}
	if r.Domain != nil {
		d := *r.Domain
		d.NameServers = append([]string(nil), r.Domain.NameServers...)
		d.Status = append([]string(nil), r.Domain.Status...)
		out.Domain = &d
	}
	if r.Security != nil {
		sec := *r.Security
		out.Security = &sec
	}
	return &out
}
