package clicktracker

import "math/rand"

// PickShard returns a uniformly random shard index in [0, shardCount).
// Random selection spreads write load across shard rows without any
// coordination; the shard is not sticky per source, only the aggregate sum
// matters. With a single shard this degenerates to the unsharded design.
func PickShard(shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return rand.Intn(shardCount)
}
