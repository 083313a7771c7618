package clicktracker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Redirect is the outcome of a click: where to send the visitor and whether
// the redirect may be cached as permanent.
type Redirect struct {
	Location  string
	Permanent bool
}

// Tracker serves the click path. Every request redirects; malformed or
// unknown input falls back to FallbackURL with a permanent redirect so
// intermediaries stop re-sending garbage, while real campaign redirects stay
// temporary and keep counting.
type Tracker struct {
	Store         Store
	Buffer        WriteBuffer
	Scheduler     *FlushScheduler
	Resolver      CampaignResolver
	FallbackURL   string
	FlushInterval time.Duration
	ShardCount    int
	Log           *logrus.Logger
}

func (t *Tracker) logger() *logrus.Logger {
	if t.Log != nil {
		return t.Log
	}
	return logrus.StandardLogger()
}

func (t *Tracker) fallback() Redirect {
	return Redirect{Location: t.FallbackURL, Permanent: true}
}

// Click records one click and returns the redirect to serve. The count is
// best-effort: a counting failure is logged and the visitor still gets their
// redirect.
func (t *Tracker) Click(ctx context.Context, rawCampaignID, platform string) Redirect {
	id, err := strconv.ParseInt(rawCampaignID, 10, 64)
	if err != nil || id <= 0 {
		return t.fallback()
	}

	info, err := t.Resolver.Resolve(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrCampaignNotFound) {
			t.logger().WithField("campaign_id", id).WithError(err).Error("campaign lookup failed")
		}
		return t.fallback()
	}
	if !containsString(info.Platforms, platform) {
		return t.fallback()
	}

	t.count(ctx, LogicalKey{CampaignID: id, Platform: platform})
	return Redirect{Location: info.Link, Permanent: false}
}

// count buffers the click and makes sure a flush is scheduled. With buffering
// disabled, or when the buffer is unreachable, the click goes straight to a
// store shard.
func (t *Tracker) count(ctx context.Context, key LogicalKey) {
	if t.FlushInterval <= 0 || t.Buffer == nil {
		t.directIncrement(ctx, key)
		return
	}
	if err := t.Buffer.Increment(ctx, key); err != nil {
		t.logger().WithField("key", key.Join()).WithError(err).Warn("write buffer unavailable, counting on store")
		t.directIncrement(ctx, key)
		return
	}
	if err := t.Scheduler.ScheduleFlush(ctx, key); err != nil {
		// The buffered delta survives; the next click's flush picks it up.
		t.logger().WithField("key", key.Join()).WithError(err).Warn("flush scheduling failed")
	}
}

func (t *Tracker) directIncrement(ctx context.Context, key LogicalKey) {
	shard := PickShard(t.ShardCount)
	if _, err := t.Store.AddToCounter(ctx, key.WithShard(shard), 1); err != nil {
		t.logger().WithField("key", key.Join()).WithError(err).Error("click lost, counter write failed")
	}
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
