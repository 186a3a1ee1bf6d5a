// Package objcache is a process-local identity map for fetched entities.
// Each cacheable category registers the set of tables it depends on and a
// refresher; after a transaction commits, the set of touched tables fans out
// to the refreshers of every intersecting category.
package objcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/critic-scm/critic/internal/pubsub"
)

// Refresher reloads the cached objects of one category. It receives the
// currently cached objects keyed by id and returns their replacements; an id
// missing from the result is dropped from the cache.
type Refresher func(ctx context.Context, cached map[int64]any) (map[int64]any, error)

type category struct {
	tables  map[string]bool
	refresh Refresher

	mu      sync.RWMutex
	objects map[int64]any
}

// Cache holds one identity map per registered category.
type Cache struct {
	logger *slog.Logger

	mu         sync.RWMutex
	categories map[string]*category
}

func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{logger: logger, categories: make(map[string]*category)}
}

// Register adds a category depending on the given tables.
func (c *Cache) Register(name string, tables []string, refresh Refresher) {
	tableSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[name] = &category{
		tables:  tableSet,
		refresh: refresh,
		objects: make(map[int64]any),
	}
}

func (c *Cache) lookup(name string) *category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categories[name]
}

// Get returns the cached object, if present.
func (c *Cache) Get(name string, id int64) (any, bool) {
	cat := c.lookup(name)
	if cat == nil {
		return nil, false
	}
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	obj, ok := cat.objects[id]
	return obj, ok
}

// Put stores an object under its identity.
func (c *Cache) Put(name string, id int64, obj any) {
	cat := c.lookup(name)
	if cat == nil {
		return
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	cat.objects[id] = obj
}

// Drop removes one object.
func (c *Cache) Drop(name string, id int64) {
	cat := c.lookup(name)
	if cat == nil {
		return
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	delete(cat.objects, id)
}

// Len reports the number of cached objects in a category.
func (c *Cache) Len(name string) int {
	cat := c.lookup(name)
	if cat == nil {
		return 0
	}
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	return len(cat.objects)
}

// RefreshTables fans the touched-table set out to every intersecting
// category. Refresh failures drop the category's cache instead of serving
// stale objects; the error is logged and skipped.
func (c *Cache) RefreshTables(ctx context.Context, tables []string) {
	c.mu.RLock()
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		cat := c.lookup(name)
		if cat == nil {
			continue
		}
		touched := false
		for _, t := range tables {
			if cat.tables[t] {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}

		cat.mu.RLock()
		snapshot := make(map[int64]any, len(cat.objects))
		for id, obj := range cat.objects {
			snapshot[id] = obj
		}
		cat.mu.RUnlock()
		if len(snapshot) == 0 {
			continue
		}

		if cat.refresh == nil {
			cat.mu.Lock()
			cat.objects = make(map[int64]any)
			cat.mu.Unlock()
			continue
		}
		replacement, err := cat.refresh(ctx, snapshot)
		cat.mu.Lock()
		if err != nil {
			c.logger.Warn("cache refresh failed, dropping category",
				"category", name, "error", err)
			cat.objects = make(map[int64]any)
		} else {
			cat.objects = replacement
			if cat.objects == nil {
				cat.objects = make(map[int64]any)
			}
		}
		cat.mu.Unlock()
	}
}

// Subscriber registers handlers on a pub/sub channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler pubsub.Handler) error
}

type invalidation struct {
	Tables []string `json:"tables"`
}

// Bind subscribes the cache to post-commit invalidation events. Payloads
// carry the touched-table set as JSON.
func (c *Cache) Bind(ctx context.Context, sub Subscriber, channel string) error {
	return sub.Subscribe(ctx, channel, func(_ string, payload []byte) {
		var msg invalidation
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("bad cache invalidation payload", "error", err)
			return
		}
		c.RefreshTables(context.Background(), msg.Tables)
	})
}
