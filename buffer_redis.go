package clicktracker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer keeps pending click deltas in namespaced redis integer keys
// with atomic increments. Entries carry no persistence guarantee across
// restarts; the flush interval bounds how much can be lost.
type RedisBuffer struct {
	Client    redis.UniversalClient
	Namespace string
	Separator string
}

// NewRedisBuffer creates a redis-backed write buffer.
func NewRedisBuffer(client redis.UniversalClient, namespace string) *RedisBuffer {
	if namespace == "" {
		namespace = "counters"
	}
	return &RedisBuffer{
		Client:    client,
		Namespace: namespace,
		Separator: "::",
	}
}

func (b *RedisBuffer) Increment(ctx context.Context, key LogicalKey) error {
	return b.Client.Incr(ctx, b.bufferKey(key)).Err()
}

func (b *RedisBuffer) Add(ctx context.Context, key LogicalKey, delta int64) error {
	if delta <= 0 {
		return nil
	}
	return b.Client.IncrBy(ctx, b.bufferKey(key), delta).Err()
}

// takeDeltaScript reads the pending delta and decrements by exactly that
// amount in a single atomic step. Two flush executions draining the same key
// concurrently can therefore never take the same delta twice, and increments
// landing after the read stay in the entry for the next flush.
var takeDeltaScript = redis.NewScript(`
local value = redis.call("GET", KEYS[1])
if not value then
	return 0
end
local delta = tonumber(value)
if not delta or delta <= 0 then
	return 0
end
redis.call("DECRBY", KEYS[1], delta)
return delta
`)

func (b *RedisBuffer) TakeDelta(ctx context.Context, key LogicalKey) (int64, error) {
	return takeDeltaScript.Run(ctx, b.Client, []string{b.bufferKey(key)}).Int64()
}

func (b *RedisBuffer) bufferKey(key LogicalKey) string {
	return b.Namespace + b.Separator + key.Join()
}
