package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

const cacheName = "result"

// Key identifies one memoized query. UserID is 0 when the query carries no
// user context. Generation is the token of the generation the result was
// computed on; it must be unique across processes sharing a second-level
// Store, so a plain counter will not do.
type Key struct {
	Mode       string
	Text       string
	Seed       int64
	N          int
	UserID     int64
	Generation string
}

func (k Key) String() string {
	var sb strings.Builder
	sb.WriteString(k.Mode)
	sb.WriteByte('|')
	sb.WriteString(k.Generation)
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(k.N))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(k.UserID, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(k.Seed, 10))
	sb.WriteByte('|')
	sb.WriteString(k.Text)
	return sb.String()
}

// Entry is what the cache stores for a key.
type Entry struct {
	Results  []models.SearchResult `json:"results"`
	Path     []string              `json:"path"`
	Degraded bool                  `json:"degraded"`
}

func (e Entry) clone() Entry {
	return Entry{
		Results:  append([]models.SearchResult(nil), e.Results...),
		Path:     append([]string(nil), e.Path...),
		Degraded: e.Degraded,
	}
}

// ComputeFunc produces the entry for a missing key and how long to keep it.
// A ttl of zero or less returns the entry without storing it.
type ComputeFunc func(ctx context.Context) (Entry, time.Duration, error)

type Config struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type memEntry struct {
	key       string
	entry     Entry
	expiresAt time.Time
}

// ResultCache memoizes query results in memory, optionally backed by a shared
// second-level Store. Concurrent misses for one key share one computation.
type ResultCache struct {
	maxEntries int
	l2         Store
	metrics    *metrics.Collector
	logger     *logrus.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	group singleflight.Group
	now   func() time.Time
}

func NewResultCache(cfg Config, l2 Store, collector *metrics.Collector, logger *logrus.Logger) *ResultCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &ResultCache{
		maxEntries: cfg.MaxEntries,
		l2:         l2,
		metrics:    collector,
		logger:     logger,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}
}

type flightResult struct {
	entry Entry
	hit   bool
}

// GetOrCompute returns the cached entry for key or computes it with fn. hit
// reports whether fn was skipped.
func (c *ResultCache) GetOrCompute(ctx context.Context, key Key, fn ComputeFunc) (Entry, bool, error) {
	k := key.String()
	if entry, ok := c.getMemory(k); ok {
		c.metrics.RecordCache(cacheName, true)
		return entry.clone(), true, nil
	}

	for {
		leader := false
		ch := c.group.DoChan(k, func() (interface{}, error) {
			leader = true
			return c.load(ctx, k, fn)
		})

		select {
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The leader's caller went away. Ours has not, so try again
				// with our own context.
				if isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return Entry{}, false, res.Err
			}
			fr := res.Val.(flightResult)
			hit := fr.hit || !leader
			c.metrics.RecordCache(cacheName, hit)
			return fr.entry.clone(), hit, nil
		}
	}
}

func (c *ResultCache) load(ctx context.Context, k string, fn ComputeFunc) (flightResult, error) {
	if entry, ok := c.getMemory(k); ok {
		return flightResult{entry: entry, hit: true}, nil
	}

	if c.l2 != nil {
		if entry, ttl, ok := c.getL2(ctx, k); ok {
			c.putMemory(k, entry, ttl)
			return flightResult{entry: entry, hit: true}, nil
		}
	}

	entry, ttl, err := fn(ctx)
	if err != nil {
		return flightResult{}, err
	}
	if ttl > 0 {
		c.putMemory(k, entry, ttl)
		if c.l2 != nil {
			c.putL2(ctx, k, entry, ttl)
		}
	}
	return flightResult{entry: entry}, nil
}

func (c *ResultCache) getMemory(k string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[k]
	if !ok {
		return Entry{}, false
	}
	me := el.Value.(*memEntry)
	if !c.now().Before(me.expiresAt) {
		c.lru.Remove(el)
		delete(c.entries, k)
		c.metrics.SetCacheEntries(len(c.entries))
		return Entry{}, false
	}
	c.lru.MoveToFront(el)
	return me.entry, true
}

func (c *ResultCache) putMemory(k string, entry Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if el, ok := c.entries[k]; ok {
		me := el.Value.(*memEntry)
		me.entry = entry
		me.expiresAt = expiresAt
		c.lru.MoveToFront(el)
		return
	}

	c.entries[k] = c.lru.PushFront(&memEntry{key: k, entry: entry, expiresAt: expiresAt})
	for len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).key)
	}
	c.metrics.SetCacheEntries(len(c.entries))
}

type storedEntry struct {
	Entry     Entry     `json:"entry"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *ResultCache) getL2(ctx context.Context, k string) (Entry, time.Duration, bool) {
	data, err := c.l2.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrMiss) && c.logger != nil {
			c.logger.WithError(err).Warn("Second-level cache read failed")
		}
		return Entry{}, 0, false
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		c.discardCorrupt(ctx, k, fmt.Sprintf("undecodable payload: %v", err))
		return Entry{}, 0, false
	}
	if reason := invalidEntry(stored.Entry); reason != "" {
		c.discardCorrupt(ctx, k, reason)
		return Entry{}, 0, false
	}

	ttl := stored.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return Entry{}, 0, false
	}
	return stored.Entry, ttl, true
}

func (c *ResultCache) putL2(ctx context.Context, k string, entry Entry, ttl time.Duration) {
	data, err := json.Marshal(storedEntry{Entry: entry, ExpiresAt: c.now().Add(ttl)})
	if err != nil {
		return
	}
	if err := c.l2.Set(ctx, k, data, ttl); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("Second-level cache write failed")
	}
}

func (c *ResultCache) discardCorrupt(ctx context.Context, k, reason string) {
	err := &models.CacheCorruptionError{Cache: cacheName, Key: k, Reason: reason}
	c.metrics.RecordCacheCorruption(cacheName)
	if c.logger != nil {
		c.logger.WithError(err).Warn("Discarding corrupted cache entry")
	}
	if delErr := c.l2.Delete(ctx, k); delErr != nil && c.logger != nil {
		c.logger.WithError(delErr).Warn("Failed to delete corrupted cache entry")
	}
}

func invalidEntry(e Entry) string {
	seen := make(map[int64]struct{}, len(e.Results))
	for _, r := range e.Results {
		if !r.Source.Valid() {
			return fmt.Sprintf("unknown source %q", r.Source)
		}
		if r.BookID <= 0 {
			return "non-positive book id"
		}
		if math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1 {
			return "score outside [0,1]"
		}
		if _, dup := seen[r.BookID]; dup {
			return "duplicate book id"
		}
		seen[r.BookID] = struct{}{}
	}
	return ""
}

// Len is the number of in-memory entries, expired ones included until they
// are next touched.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every in-memory entry.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.metrics.SetCacheEntries(0)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
