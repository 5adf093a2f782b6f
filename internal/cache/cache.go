// Package cache keeps a per-host snapshot of the firewall state reported by
// the script, so reads can skip a remote round-trip while the data is fresh.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
)

// Cached fields.
const (
	FieldBlockList     = "blockList"
	FieldInboundPorts  = "inboundPorts"
	FieldInboundIPs    = "inboundIPs"
	FieldSSHPortStatus = "sshPortStatus"
	FieldDefenseStatus = "defenseStatus"
)

// DefaultTTL is how long a field stays fresh.
const DefaultTTL = 5 * time.Minute

// Fields lists every known field.
func Fields() []string {
	return []string{FieldBlockList, FieldInboundPorts, FieldInboundIPs, FieldSSHPortStatus, FieldDefenseStatus}
}

// Entry is the cached snapshot of one host.
type Entry struct {
	HostID       string                     `json:"hostId"`
	Fields       map[string]json.RawMessage `json:"data"`
	LastUpdate   time.Time                  `json:"lastUpdate"`
	FieldUpdated map[string]time.Time       `json:"fieldUpdated,omitempty"`
}

// Store persists entries.
type Store interface {
	// Load returns the entry for hostID, or nil when there is none.
	Load(ctx context.Context, hostID string) (*Entry, error)
	// SetField writes one field and bumps the entry's LastUpdate to at.
	SetField(ctx context.Context, hostID, field string, value json.RawMessage, at time.Time) error
	// DeleteField drops one field.
	DeleteField(ctx context.Context, hostID, field string) error
	// Delete drops the whole entry.
	Delete(ctx context.Context, hostID string) error
	// Hosts lists the hosts that have an entry.
	Hosts(ctx context.Context) ([]string, error)
	Close() error
}

// Freshness describes where a value came from.
type Freshness int

const (
	// Miss means nothing usable was cached.
	Miss Freshness = iota
	// Fresh means the value was cached within the TTL.
	Fresh
	// Stale means the value is older than the TTL.
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Cache wraps a Store with TTL handling. Storage errors are logged and
// absorbed by the read paths; a broken store behaves like an empty cache.
type Cache struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.Registry

	// epochs count invalidations per host ("host") and per field
	// ("host/field"). A fetch writes back only if none happened meanwhile.
	mu     sync.Mutex
	epochs map[string]uint64
}

// Option configures the Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) {
		c.log = l.WithComponent("cache")
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(c *Cache) {
		c.metrics = r
	}
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     logging.Discard(),
		metrics: metrics.New(),
		epochs:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) epoch(hostID, field string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[hostID] + c.epochs[hostID+"/"+field]
}

func (c *Cache) bump(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.epochs[k]++
	}
}

// setIfCurrent writes value unless field was invalidated since epoch was
// taken. The check and the write share c.mu so an Invalidate either lands
// before the check or deletes after the write.
func (c *Cache) setIfCurrent(ctx context.Context, hostID, field string, value any, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[hostID]+c.epochs[hostID+"/"+field] != epoch {
		return false
	}
	_ = c.Set(ctx, hostID, field, value)
	return true
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) absorb(hostID, op string, err error) error {
	ferr := failure.Cache(hostID, op, err)
	c.metrics.CacheErrors.Inc()
	c.log.WithHost(hostID).Warn("cache storage failed", "op", op, "error", err)
	return ferr
}

// Get returns the entry for hostID, or nil.
func (c *Cache) Get(ctx context.Context, hostID string) *Entry {
	e, err := c.store.Load(ctx, hostID)
	if err != nil {
		c.absorb(hostID, "load", err)
		return nil
	}
	return e
}

// Set stores value under field, last write wins. The error is already logged;
// callers on a remote operation's success path ignore it.
func (c *Cache) Set(ctx context.Context, hostID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return c.absorb(hostID, "encode "+field, err)
	}
	if err := c.store.SetField(ctx, hostID, field, raw, c.now()); err != nil {
		return c.absorb(hostID, "set "+field, err)
	}
	return nil
}

// Invalidate drops fields so the next read goes to the host.
func (c *Cache) Invalidate(ctx context.Context, hostID string, fields ...string) error {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = hostID + "/" + f
	}
	c.bump(keys...)
	for _, f := range fields {
		if err := c.store.DeleteField(ctx, hostID, f); err != nil {
			return c.absorb(hostID, "invalidate "+f, err)
		}
	}
	return nil
}

// Clear drops the whole entry for hostID.
func (c *Cache) Clear(ctx context.Context, hostID string) error {
	c.bump(hostID)
	if err := c.store.Delete(ctx, hostID); err != nil {
		return c.absorb(hostID, "clear", err)
	}
	return nil
}

// LastUpdate returns when hostID's entry was last written, or nil.
func (c *Cache) LastUpdate(ctx context.Context, hostID string) *time.Time {
	e := c.Get(ctx, hostID)
	if e == nil {
		return nil
	}
	t := e.LastUpdate
	return &t
}

// Hosts lists the hosts that have an entry.
func (c *Cache) Hosts(ctx context.Context) []string {
	hosts, err := c.store.Hosts(ctx)
	if err != nil {
		c.absorb("", "hosts", err)
		return nil
	}
	return hosts
}

// Lookup decodes field into out and reports its freshness. out is untouched
// on a Miss.
func (c *Cache) Lookup(ctx context.Context, hostID, field string, out any) Freshness {
	e := c.Get(ctx, hostID)
	if e == nil {
		return Miss
	}
	raw, ok := e.Fields[field]
	if !ok {
		return Miss
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.absorb(hostID, "decode "+field, err)
		return Miss
	}

	updated, ok := e.FieldUpdated[field]
	if !ok {
		updated = e.LastUpdate
	}
	if c.now().Sub(updated) > c.ttl {
		return Stale
	}
	return Fresh
}

// Fetch reads field through the cache. A fresh value is returned without
// calling fetch. Otherwise fetch runs and its value is written back. When
// fetch fails and a stale value exists, the stale value is returned with
// Stale and fetch's error so the caller can report it.
//
// The write-back is skipped if field was invalidated or its host cleared
// while fetch ran, so a read racing a mutation never caches what the host
// held before it.
func Fetch[T any](ctx context.Context, c *Cache, hostID, field string, fetch func(context.Context) (T, error)) (T, Freshness, error) {
	return through(ctx, c, hostID, field, fetch, false)
}

// Refetch is Fetch without the fresh shortcut: fetch always runs. The cached
// value, fresh or not, is kept until fetch succeeds and is returned as Stale
// if it fails.
func Refetch[T any](ctx context.Context, c *Cache, hostID, field string, fetch func(context.Context) (T, error)) (T, Freshness, error) {
	return through(ctx, c, hostID, field, fetch, true)
}

func through[T any](ctx context.Context, c *Cache, hostID, field string, fetch func(context.Context) (T, error), force bool) (T, Freshness, error) {
	epoch := c.epoch(hostID, field)
	var cached T
	freshness := c.Lookup(ctx, hostID, field, &cached)
	if freshness == Fresh && !force {
		c.metrics.CacheLookups.WithLabelValues(metrics.ResultHit).Inc()
		return cached, Fresh, nil
	}

	v, err := fetch(ctx)
	if err != nil {
		if freshness != Miss {
			c.metrics.CacheLookups.WithLabelValues(metrics.ResultStale).Inc()
			c.log.WithHost(hostID).Warn("serving stale cache", "field", field, "error", err)
			return cached, Stale, err
		}
		c.metrics.CacheLookups.WithLabelValues(metrics.ResultMiss).Inc()
		var zero T
		return zero, Miss, err
	}

	c.metrics.CacheLookups.WithLabelValues(metrics.ResultMiss).Inc()
	if !c.setIfCurrent(ctx, hostID, field, v, epoch) {
		c.log.WithHost(hostID).Debug("dropped write-back after invalidation", "field", field)
	}
	return v, Miss, nil
}

// Store drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Open returns the store named by driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverSQLite:
		return OpenSQLite(path)
	case DriverFile:
		return NewFileStore(path), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}
