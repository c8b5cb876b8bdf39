package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrFetch covers every upstream failure: timeouts, non-2xx statuses,
// unparseable bodies, and backoff windows. The remote's status is never
// surfaced to callers.
var ErrFetch = errors.New("directory: fetch failed")

const maxBodyBytes = 1 << 20 // 1 MB directory cap

// CacheConfig tunes the directory cache.
type CacheConfig struct {
	DefaultTTL   time.Duration // TTL when the response carries no max-age
	MaxTTL       time.Duration // clamp for Cache-Control max-age
	StaleWindow  time.Duration // stale-while-revalidate allowance
	FetchTimeout time.Duration
	MaxBackoff   time.Duration
}

func (c *CacheConfig) withDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = time.Hour
	}
	if c.StaleWindow == 0 {
		c.StaleWindow = 5 * time.Minute
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

type cacheEntry struct {
	doc          *Document
	etag         string
	expiresAt    time.Time
	failures     int
	backoffUntil time.Time
}

// Cache fetches and caches signature-agent directories keyed by URL.
// Fetch fan-in goes through a per-URL singleflight so at most one fetch
// per URL is in flight at any time.
type Cache struct {
	cfg    CacheConfig
	client *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	group   singleflight.Group
}

// NewCache creates a directory cache.
func NewCache(cfg CacheConfig, logger *zap.Logger) *Cache {
	cfg.withDefaults()
	return &Cache{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		logger:  logger,
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns the directory for url, from cache when fresh. A soon-to-
// expire entry inside the stale window is served immediately while an
// async refresh repopulates the cache.
func (c *Cache) Get(ctx context.Context, url string) (*Document, error) {
	c.mu.RLock()
	e, ok := c.entries[url]
	var (
		doc       *Document
		expiresAt time.Time
	)
	if ok {
		doc = e.doc
		expiresAt = e.expiresAt
	}
	c.mu.RUnlock()

	now := time.Now()
	if ok && doc != nil {
		if now.Before(expiresAt) {
			return doc, nil
		}
		if now.Before(expiresAt.Add(c.cfg.StaleWindow)) {
			// Serve stale; refresh in the background. The refresh result
			// populates the cache for future callers even if this request
			// has gone away.
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
				defer cancel()
				_, _ = c.fetch(bg, url, false)
			}()
			return doc, nil
		}
	}
	return c.fetch(ctx, url, false)
}

// Refresh forces a cache-bypass fetch, used for the unknown-kid grace
// path. Backoff windows still apply.
func (c *Cache) Refresh(ctx context.Context, url string) (*Document, error) {
	return c.fetch(ctx, url, true)
}

// Clear drops every cached entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	return n
}

// fetch runs the conditional GET under singleflight.
func (c *Cache) fetch(ctx context.Context, url string, bypass bool) (*Document, error) {
	v, err, _ := c.group.Do(url, func() (any, error) {
		return c.fetchLocked(ctx, url, bypass)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (c *Cache) fetchLocked(ctx context.Context, url string, bypass bool) (*Document, error) {
	c.mu.RLock()
	e := c.entries[url]
	var (
		etag         string
		backoffUntil time.Time
		cached       *Document
	)
	if e != nil {
		etag = e.etag
		backoffUntil = e.backoffUntil
		cached = e.doc
	}
	c.mu.RUnlock()

	if time.Now().Before(backoffUntil) {
		return nil, fmt.Errorf("%w: in backoff until %s", ErrFetch, backoffUntil.Format(time.RFC3339))
	}
	if bypass {
		etag = "" // force a full response, not a 304
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", MediaType+", "+MediaTypeJSON)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(url)
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		c.store(url, cached, etag, c.responseTTL(resp))
		return cached, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			c.recordFailure(url)
			return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
		}
		var doc Document
		if err := json.Unmarshal(body, &doc); err != nil {
			c.recordFailure(url)
			return nil, fmt.Errorf("%w: decode body: %v", ErrFetch, err)
		}
		c.store(url, &doc, resp.Header.Get("ETag"), c.responseTTL(resp))
		return &doc, nil

	default:
		c.recordFailure(url)
		c.logger.Warn("directory fetch rejected",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
		)
		return nil, ErrFetch
	}
}

// responseTTL honors Cache-Control: max-age clamped to MaxTTL.
func (c *Cache) responseTTL(resp *http.Response) time.Duration {
	ttl := c.cfg.DefaultTTL
	for _, directive := range strings.Split(resp.Header.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

func (c *Cache) store(url string, doc *Document, etag string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = &cacheEntry{
		doc:       doc,
		etag:      etag,
		expiresAt: time.Now().Add(ttl),
	}
}

// recordFailure applies exponential backoff per URL: 1s, 2s, 4s … capped
// at MaxBackoff. Any cached document is kept for the stale window.
func (c *Cache) recordFailure(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[url]
	if e == nil {
		e = &cacheEntry{}
		c.entries[url] = e
	}
	e.failures++
	backoff := time.Second << min(e.failures-1, 20)
	if backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	e.backoffUntil = time.Now().Add(backoff)
}
