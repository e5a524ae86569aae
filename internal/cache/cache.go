// Package cache implements the query cache that sits in front of the backend
// list endpoints. Entries are keyed by the complete filter tuple, and
// concurrent requests for the same key share a single fetch.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"coupon-finder/internal/metrics"
	"coupon-finder/internal/models"
)

// Key identifies one query. Two keys are equal only when every field is.
type Key struct {
	Resource  string
	Region    models.Region
	Country   string
	StoreID   int64
	StoreType models.StoreType
	Category  string
	Search    string
	Limit     int
}

// KeyFor builds the key of a list query over resource.
func KeyFor(resource string, f models.ListFilter) Key {
	return Key{
		Resource:  resource,
		Region:    f.Region,
		Country:   f.Country,
		StoreID:   f.StoreID,
		StoreType: f.StoreType,
		Category:  f.Category,
		Search:    f.Search,
		Limit:     f.Limit,
	}
}

// String encodes every field, quoting the free-text ones so distinct keys
// never collide.
func (k Key) String() string {
	return fmt.Sprintf("%q|%q|%q|%d|%q|%q|%q|%d",
		k.Resource, k.Region, k.Country, k.StoreID, k.StoreType, k.Category, k.Search, k.Limit)
}

// Fetcher loads the data for one key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Result is what a caller observes for a key. Data may be set together with
// Err when a refetch failed after an earlier success.
type Result[T any] struct {
	Data      T
	HasData   bool
	IsLoading bool
	Err       error
	FetchedAt time.Time
}

type entry[T any] struct {
	data      T
	hasData   bool
	err       error
	loading   bool
	fetchedAt time.Time
}

// Client caches results of type T.
type Client[T any] struct {
	name      string
	staleTime time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry[T]
	group   singleflight.Group
}

// Option configures a Client.
type Option func(*options)

type options struct {
	staleTime time.Duration
	now       func() time.Time
}

// WithStaleTime marks entries stale after d. Zero, the default, keeps
// entries fresh until invalidated.
func WithStaleTime(d time.Duration) Option {
	return func(o *options) { o.staleTime = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an empty cache. name labels its metrics.
func New[T any](name string, opts ...Option) *Client[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client[T]{
		name:      name,
		staleTime: o.staleTime,
		now:       o.now,
		entries:   make(map[Key]*entry[T]),
	}
}

func (c *Client[T]) freshLocked(e *entry[T]) bool {
	if !e.hasData || e.err != nil {
		return false
	}
	if c.staleTime <= 0 {
		return true
	}
	return c.now().Sub(e.fetchedAt) < c.staleTime
}

func (c *Client[T]) resultLocked(e *entry[T]) Result[T] {
	return Result[T]{
		Data:      e.data,
		HasData:   e.hasData,
		IsLoading: e.loading,
		Err:       e.err,
		FetchedAt: e.fetchedAt,
	}
}

// Query returns the cached result for key while it is fresh. Otherwise it
// runs fetch, or joins a fetch already running for the same key, and stores
// the outcome. A failed fetch is recorded but the next Query retries it.
//
// If ctx ends first, Query returns ctx.Err() with IsLoading set; the fetch
// keeps running and its result still lands in the cache.
func (c *Client[T]) Query(ctx context.Context, key Key, fetch Fetcher[T]) Result[T] {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.freshLocked(e) {
		res := c.resultLocked(e)
		c.mu.Unlock()
		metrics.CacheRequests.WithLabelValues(c.name, "hit").Inc()
		return res
	}
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.load(detached, key, fetch), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			metrics.CacheRequests.WithLabelValues(c.name, "shared").Inc()
		} else {
			metrics.CacheRequests.WithLabelValues(c.name, "miss").Inc()
		}
		return r.Val.(Result[T])
	case <-ctx.Done():
		res := c.Peek(key)
		res.IsLoading = true
		res.Err = ctx.Err()
		return res
	}
}

func (c *Client[T]) load(ctx context.Context, key Key, fetch Fetcher[T]) Result[T] {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}
	e.loading = true
	c.mu.Unlock()

	data, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	e.loading = false
	e.fetchedAt = c.now()
	if err != nil {
		e.err = err
	} else {
		e.data = data
		e.hasData = true
		e.err = nil
	}
	res := c.resultLocked(e)

	// An entry invalidated mid-flight was detached from the map; the
	// result goes to the waiting callers only.
	if c.entries[key] != e {
		res.IsLoading = false
	}
	return res
}

// Peek reports the current state of key without fetching.
func (c *Client[T]) Peek(key Key) Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result[T]{}
	}
	return c.resultLocked(e)
}

// Invalidate drops key. A fetch in flight for it completes but is not stored.
func (c *Client[T]) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key.String())
}

// InvalidateFunc drops every key for which match returns true.
func (c *Client[T]) InvalidateFunc(match func(Key) bool) int {
	c.mu.Lock()
	var dropped []Key
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			dropped = append(dropped, k)
		}
	}
	c.mu.Unlock()

	for _, k := range dropped {
		c.group.Forget(k.String())
	}
	return len(dropped)
}

// InvalidateAll empties the cache.
func (c *Client[T]) InvalidateAll() {
	c.InvalidateFunc(func(Key) bool { return true })
}

// Len returns the number of cached keys.
func (c *Client[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
