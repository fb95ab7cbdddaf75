package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// ConfigLoader loads the tenant configuration from the store.
type ConfigLoader func(ctx context.Context) (*model.BotConfig, error)

// ConfigCache holds a tenant's BotConfig for a TTL. Reloads run outside the
// lock and concurrent misses share one load.
type ConfigCache struct {
	mu        sync.Mutex
	group     singleflight.Group
	gen       uint64
	load      ConfigLoader
	ttl       time.Duration
	cfg       *model.BotConfig
	fetchedAt time.Time
	nowFn     func() time.Time
}

func NewConfigCache(load ConfigLoader, ttl time.Duration) *ConfigCache {
	return &ConfigCache{load: load, ttl: ttl, nowFn: utils.Now}
}

// Get returns a copy of the cached config, reloading it when stale.
func (c *ConfigCache) Get(ctx context.Context) (*model.BotConfig, error) {
	if cfg := c.fresh(); cfg != nil {
		cp := *cfg
		return &cp, nil
	}

	v, err, _ := c.group.Do("config", func() (interface{}, error) {
		if cfg := c.fresh(); cfg != nil {
			return cfg, nil
		}
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		cfg, err := c.load(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// A Set during the load is newer than what was read.
		if c.gen != gen && c.cfg != nil {
			return c.cfg, nil
		}
		c.cfg = cfg
		c.fetchedAt = c.nowFn()
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*model.BotConfig)
	return &cp, nil
}

func (c *ConfigCache) fresh() *model.BotConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg != nil && c.ttl > 0 && c.nowFn().Sub(c.fetchedAt) < c.ttl {
		return c.cfg
	}
	return nil
}

// Set replaces the cached value, e.g. with the result of an update.
func (c *ConfigCache) Set(cfg *model.BotConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cfg = cfg
	c.fetchedAt = c.nowFn()
}

// Invalidate forces the next Get to reload.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cfg = nil
}
