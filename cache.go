package clicktracker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CampaignInfo is the subset of campaign state the click path needs.
type CampaignInfo struct {
	ID        int64    `json:"id"`
	Link      string   `json:"link"`
	Platforms []string `json:"platforms"`
}

// CampaignResolver answers campaign lookups on the click path.
type CampaignResolver interface {
	// Resolve returns ErrCampaignNotFound for unknown ids.
	Resolve(ctx context.Context, id int64) (*CampaignInfo, error)
}

// CacheInvalidator drops cached campaign state after admin writes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, id int64) error
}

// StoreResolver resolves campaigns straight from the store.
type StoreResolver struct {
	Store Store
}

func (r *StoreResolver) Resolve(ctx context.Context, id int64) (*CampaignInfo, error) {
	campaign, err := r.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	platforms, err := r.Store.Platforms(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignInfo{ID: campaign.ID, Link: campaign.Link, Platforms: platforms}, nil
}

const (
	defaultCacheFreshTTL = 30 * time.Second
	defaultCacheStaleTTL = 5 * time.Minute
	cacheLoadTimeout     = 5 * time.Second
)

type cacheEntry struct {
	Info       CampaignInfo `json:"info"`
	FreshUntil time.Time    `json:"fresh_until"`
}

// RedisCampaignCache caches resolved campaigns in Redis in front of a slower
// resolver. Entries are served as long as they exist; past FreshUntil they are
// still returned, with a refresh kicked off in the background, so a hot
// campaign never blocks the click path on the store. Concurrent misses for
// the same id collapse onto one store read.
type RedisCampaignCache struct {
	Client   redis.UniversalClient
	Next     CampaignResolver
	FreshTTL time.Duration
	StaleTTL time.Duration
	Log      *logrus.Logger

	group singleflight.Group
}

// NewRedisCampaignCache creates a cache with the default TTLs.
func NewRedisCampaignCache(client redis.UniversalClient, next CampaignResolver) *RedisCampaignCache {
	return &RedisCampaignCache{
		Client:   client,
		Next:     next,
		FreshTTL: defaultCacheFreshTTL,
		StaleTTL: defaultCacheStaleTTL,
	}
}

func (c *RedisCampaignCache) logger() *logrus.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

func cacheKey(id int64) string {
	return "campaigns::" + strconv.FormatInt(id, 10)
}

func (c *RedisCampaignCache) Resolve(ctx context.Context, id int64) (*CampaignInfo, error) {
	raw, err := c.Client.Get(ctx, cacheKey(id)).Result()
	if err == nil {
		var entry cacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			if time.Now().After(entry.FreshUntil) {
				go c.refresh(id)
			}
			info := entry.Info
			return &info, nil
		}
	} else if err != redis.Nil {
		// Cache being down must not take the click path down with it.
		c.logger().WithError(err).Warn("campaign cache read failed, hitting store")
		return c.Next.Resolve(ctx, id)
	}

	return c.load(id)
}

// Invalidate removes the cached entry so the next lookup hits the store.
func (c *RedisCampaignCache) Invalidate(ctx context.Context, id int64) error {
	return c.Client.Del(ctx, cacheKey(id)).Err()
}

// load resolves through the store, collapsing concurrent callers per id. The
// shared read runs on its own deadline rather than the first caller's context,
// so one caller disconnecting cannot fail every collapsed waiter.
func (c *RedisCampaignCache) load(id int64) (*CampaignInfo, error) {
	value, err, _ := c.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), cacheLoadTimeout)
		defer cancel()
		info, err := c.Next.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		c.put(ctx, *info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*CampaignInfo), nil
}

// refresh reloads one campaign in the background after a stale hit.
func (c *RedisCampaignCache) refresh(id int64) {
	if _, err := c.load(id); err != nil && !errors.Is(err, ErrCampaignNotFound) {
		c.logger().WithField("campaign_id", id).WithError(err).Warn("campaign cache refresh failed")
	}
}

func (c *RedisCampaignCache) put(ctx context.Context, info CampaignInfo) {
	freshTTL := c.FreshTTL
	if freshTTL <= 0 {
		freshTTL = defaultCacheFreshTTL
	}
	staleTTL := c.StaleTTL
	if staleTTL < freshTTL {
		staleTTL = defaultCacheStaleTTL
	}
	raw, err := json.Marshal(cacheEntry{Info: info, FreshUntil: time.Now().Add(freshTTL)})
	if err != nil {
		return
	}
	if err := c.Client.Set(ctx, cacheKey(info.ID), raw, staleTTL).Err(); err != nil {
		c.logger().WithField("campaign_id", info.ID).WithError(err).Warn("campaign cache write failed")
	}
}
