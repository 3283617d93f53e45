// Package robots fetches, parses, and caches robots.txt policies per host.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/metrics"
)

// Config controls cache freshness and fetch behavior.
type Config struct {
	UserAgent    string
	TTL          time.Duration
	ErrorTTL     time.Duration
	MaxBodyBytes int
	FetchTimeout time.Duration
}

// Cache answers robots.txt questions per host. Records are fetched lazily
// through the external fetch collaborator on its own timeout budget, so
// content-fetch rate limits cannot starve policy lookups. Concurrent misses
// for one host trigger exactly one fetch.
type Cache struct {
	fetcher crawler.Fetcher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
	flight  singleflight.Group
}

type record struct {
	// data == nil means no enforceable rules: allow everything.
	data     *robotstxt.RobotsData
	delay    time.Duration
	sitemaps []string
	fetched  time.Time
	ttl      time.Duration
}

func (r *record) fresh(now time.Time) bool {
	return now.Sub(r.fetched) < r.ttl
}

// New builds a Cache.
func New(fetcher crawler.Fetcher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.ErrorTTL <= 0 {
		cfg.ErrorTTL = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 512 * 1024
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Cache{
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		records: make(map[string]*record),
	}
}

// Allowed reports whether the URL may be fetched as the configured agent.
// Unreachable or unparsable robots.txt allows everything.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	rec := c.load(ctx, hostKey(u.Hostname()), robotsURL(u))
	if rec.data == nil {
		return true
	}
	group := rec.data.FindGroup(c.cfg.UserAgent)
	if group == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// CrawlDelay returns the host's declared crawl-delay, or zero when the record
// is missing, stale, or silent. Lookup only; never triggers a fetch.
func (c *Cache) CrawlDelay(host string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[hostKey(host)]
	if !ok || !rec.fresh(c.clock.Now()) {
		return 0
	}
	return rec.delay
}

// Sitemaps returns the sitemap URLs declared by the host's robots.txt.
func (c *Cache) Sitemaps(ctx context.Context, host string) []string {
	u := &url.URL{Scheme: "https", Host: host}
	rec := c.load(ctx, hostKey(host), robotsURL(u))
	out := make([]string, len(rec.sitemaps))
	copy(out, rec.sitemaps)
	return out
}

func (c *Cache) load(ctx context.Context, key, fetchURL string) *record {
	c.mu.RLock()
	rec, ok := c.records[key]
	c.mu.RUnlock()
	if ok && rec.fresh(c.clock.Now()) {
		return rec
	}

	v, _, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled it.
		c.mu.RLock()
		cur, ok := c.records[key]
		c.mu.RUnlock()
		if ok && cur.fresh(c.clock.Now()) {
			return cur, nil
		}
		fresh := c.fetch(ctx, key, fetchURL)
		c.mu.Lock()
		c.records[key] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	rec, ok = v.(*record)
	if !ok {
		return &record{fetched: c.clock.Now(), ttl: c.cfg.ErrorTTL}
	}
	return rec
}

func (c *Cache) fetch(ctx context.Context, key, fetchURL string) *record {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	resp, err := c.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		URL:       fetchURL,
		UserAgent: c.cfg.UserAgent,
	})
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveRobotsFetch("error")
		c.logger.Warn("robots.txt unavailable, allowing all with short ttl",
			zap.String("host", key),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return &record{fetched: c.clock.Now(), ttl: c.cfg.ErrorTTL}
	}

	body := resp.Body
	outcome := "ok"
	if len(body) > c.cfg.MaxBodyBytes {
		body = body[:c.cfg.MaxBodyBytes]
		outcome = "truncated"
		c.logger.Warn("robots.txt exceeds size cap, parsing truncated prefix",
			zap.String("host", key),
			zap.Int("size", len(resp.Body)),
			zap.Int("cap", c.cfg.MaxBodyBytes),
		)
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		metrics.ObserveRobotsFetch("error")
		c.logger.Warn("robots.txt unparsable, allowing all with short ttl",
			zap.String("host", key), zap.Error(err))
		return &record{fetched: c.clock.Now(), ttl: c.cfg.ErrorTTL}
	}
	metrics.ObserveRobotsFetch(outcome)

	rec := &record{
		data:     data,
		sitemaps: data.Sitemaps,
		fetched:  c.clock.Now(),
		ttl:      c.cfg.TTL,
	}
	if group := data.FindGroup(c.cfg.UserAgent); group != nil {
		rec.delay = group.CrawlDelay
	}
	return rec
}

func hostKey(host string) string {
	return strings.ToLower(host)
}

func robotsURL(u *url.URL) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/robots.txt", scheme, u.Host)
}
