package clicktracker

import (
	"context"
	"time"
)

// Campaign is an advertising campaign whose destination link is tracked.
type Campaign struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Link       string     `json:"link"`
	CreateDate time.Time  `json:"create_date"`
	UpdateDate *time.Time `json:"update_date"`
}

// Store is the durable backend for campaigns and sharded click counters.
//
// AddToCounter is atomic per shard row; that row transaction is the unit of
// durable atomicity. SumCounters reads all shard rows non-atomically, so a
// flush in flight can make it undercount briefly. Errors other than the
// not-found sentinels are transient and retryable.
type Store interface {
	// Setup creates schema or indexes. Idempotent.
	Setup(ctx context.Context) error

	// CreateCampaign stores a campaign, assigns its ID and creation time,
	// and creates shardCount zeroed counter rows per platform.
	CreateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error
	// GetCampaign returns ErrCampaignNotFound for unknown ids.
	GetCampaign(ctx context.Context, id int64) (*Campaign, error)
	// UpdateCampaign writes name, link and update date, and creates counter
	// rows for platforms the campaign did not have yet. Existing counters
	// are never reset.
	UpdateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error
	// DeleteCampaign removes the campaign and all of its counter rows.
	DeleteCampaign(ctx context.Context, id int64) error
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	CampaignsForPlatform(ctx context.Context, platform string) ([]Campaign, error)
	// Platforms lists the platforms enabled for a campaign.
	Platforms(ctx context.Context, campaignID int64) ([]string, error)

	// AddToCounter atomically adds delta to one shard row and returns the
	// new row count. ErrCounterNotFound if the row does not exist.
	AddToCounter(ctx context.Context, key CounterKey, delta int64) (int64, error)
	// SumCounters sums all shard rows of a logical counter.
	// ErrCounterNotFound if the platform was never enabled.
	SumCounters(ctx context.Context, key LogicalKey) (int64, error)
	// SumPlatform sums clicks for a platform across all campaigns.
	SumPlatform(ctx context.Context, platform string) (int64, error)

	Description() string
}
