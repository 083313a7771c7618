package clicktracker

import (
	"strconv"
	"time"
)

// LogicalKey identifies one trackable counter (campaign + platform),
// independent of physical sharding.
type LogicalKey struct {
	CampaignID int64
	Platform   string
}

// Join returns the joined identifier, e.g. "12-android".
func (k LogicalKey) Join() string {
	return strconv.FormatInt(k.CampaignID, 10) + "-" + k.Platform
}

// WithShard returns the physical counter key for a shard index.
func (k LogicalKey) WithShard(shard int) CounterKey {
	return CounterKey{CampaignID: k.CampaignID, Platform: k.Platform, Shard: shard}
}

// CounterKey identifies one physical shard row of a logical counter.
type CounterKey struct {
	CampaignID int64
	Platform   string
	Shard      int
}

// Join returns the joined row identifier, e.g. "12-android-0".
func (k CounterKey) Join() string {
	return strconv.FormatInt(k.CampaignID, 10) + "-" + k.Platform + "-" + strconv.Itoa(k.Shard)
}

// Logical strips the shard index.
func (k CounterKey) Logical() LogicalKey {
	return LogicalKey{CampaignID: k.CampaignID, Platform: k.Platform}
}

// IntervalIndex returns the coarse time bucket for a flush interval. All
// clicks for a key within the same bucket coalesce onto a single flush task.
func IntervalIndex(now time.Time, interval time.Duration) int64 {
	if interval <= 0 {
		return 0
	}
	return now.UnixNano() / int64(interval)
}

// FlushTaskName returns the deterministic task name for a key and interval
// index. The queue deduplicates submissions by this name.
func FlushTaskName(key LogicalKey, intervalIndex int64) string {
	return "flush::" + key.Join() + "::" + strconv.FormatInt(intervalIndex, 10)
}
