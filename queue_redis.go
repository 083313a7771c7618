package clicktracker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisQueue is a TaskQueue backed by redis. Task names are deduplicated
// with SETNX tombstones that outlive execution, scheduling lives in a sorted
// set scored by due time, payloads in a hash. A single poller goroutine per
// queue instance delivers due tasks; a crash mid-execution redelivers after
// the lease expires, so delivery is at least once.
type RedisQueue struct {
	Client       redis.UniversalClient
	Prefix       string
	Separator    string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	TombstoneTTL time.Duration
	Log          *logrus.Logger

	mu      sync.Mutex
	handler TaskHandler
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRedisQueue creates a redis-backed queue.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "tasks"
	}
	return &RedisQueue{
		Client:       client,
		Prefix:       prefix,
		Separator:    "::",
		PollInterval: defaultPollInterval,
		LeaseTTL:     30 * time.Second,
		RetryBase:    defaultRetryBase,
		RetryMax:     defaultRetryMax,
		TombstoneTTL: defaultTombstoneTTL,
	}
}

// OnExecute registers the handler invoked for delivered tasks.
func (q *RedisQueue) OnExecute(handler TaskHandler) {
	q.mu.Lock()
	q.handler = handler
	q.mu.Unlock()
}

// Submit schedules a named task after delay. The SETNX tombstone makes
// duplicate submissions, including ones after completion, ErrTaskExists.
func (q *RedisQueue) Submit(ctx context.Context, name string, payload []byte, delay time.Duration) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	ok, err := q.Client.SetNX(ctx, q.nameKey(name), 1, q.tombstoneTTL()).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskExists
	}

	pipe := q.Client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), name, payload)
	pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: name,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Start runs the poller goroutine until Shutdown or context cancellation.
func (q *RedisQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh != nil || q.closed {
		q.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	q.stopCh = stopCh
	q.mu.Unlock()

	interval := q.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := q.RunDue(ctx, time.Now()); err != nil {
					q.logger().WithError(err).Warn("task poll failed")
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the poller. Scheduled tasks stay in redis for the next run.
func (q *RedisQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	stopCh := q.stopCh
	q.stopCh = nil
	q.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	q.wg.Wait()
}

// RunDue delivers every task due at now and returns how many completed.
func (q *RedisQueue) RunDue(ctx context.Context, now time.Time) (int, error) {
	names, err := q.Client.ZRangeByScore(ctx, q.scheduleKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, name := range names {
		if q.runOne(ctx, name, now) {
			executed++
		}
	}
	return executed, nil
}

func (q *RedisQueue) runOne(ctx context.Context, name string, now time.Time) bool {
	// Push the due time forward by the lease before executing, so a crash
	// here redelivers instead of losing the task.
	lease := redis.Z{
		Score:  float64(now.Add(q.leaseTTL()).UnixMilli()),
		Member: name,
	}
	if err := q.Client.ZAddArgs(ctx, q.scheduleKey(), redis.ZAddArgs{XX: true, Members: []redis.Z{lease}}).Err(); err != nil {
		q.logger().WithError(err).WithField("task", name).Warn("task lease failed")
		return false
	}

	payload, err := q.Client.HGet(ctx, q.payloadKey(), name).Bytes()
	if err == redis.Nil {
		// Orphaned schedule entry, drop it.
		q.Client.ZRem(ctx, q.scheduleKey(), name)
		return false
	}
	if err != nil {
		q.logger().WithError(err).WithField("task", name).Warn("task payload read failed")
		return false
	}
	retries, _ := q.Client.HGet(ctx, q.retryKey(), name).Int()

	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	if handler == nil {
		return false
	}

	task := Task{Name: name, Payload: payload, RunAt: now, Retries: retries}
	if err := handler(ctx, task); err != nil {
		retries++
		delay := backoffDelay(q.RetryBase, q.RetryMax, retries)
		pipe := q.Client.TxPipeline()
		pipe.HSet(ctx, q.retryKey(), name, retries)
		pipe.ZAddArgs(ctx, q.scheduleKey(), redis.ZAddArgs{XX: true, Members: []redis.Z{{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: name,
		}}})
		if _, perr := pipe.Exec(ctx); perr != nil {
			q.logger().WithError(perr).WithField("task", name).Warn("task retry reschedule failed")
		}
		q.logger().WithError(err).WithFields(logrus.Fields{
			"task":    name,
			"retries": retries,
			"delay":   delay,
		}).Warn("task failed, retrying")
		return false
	}

	pipe := q.Client.TxPipeline()
	pipe.ZRem(ctx, q.scheduleKey(), name)
	pipe.HDel(ctx, q.payloadKey(), name)
	pipe.HDel(ctx, q.retryKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger().WithError(err).WithField("task", name).Warn("task cleanup failed")
	}
	return true
}

func (q *RedisQueue) nameKey(name string) string {
	return q.Prefix + q.Separator + "name" + q.Separator + name
}

func (q *RedisQueue) scheduleKey() string {
	return q.Prefix + q.Separator + "schedule"
}

func (q *RedisQueue) payloadKey() string {
	return q.Prefix + q.Separator + "payloads"
}

func (q *RedisQueue) retryKey() string {
	return q.Prefix + q.Separator + "retries"
}

func (q *RedisQueue) tombstoneTTL() time.Duration {
	if q.TombstoneTTL <= 0 {
		return defaultTombstoneTTL
	}
	return q.TombstoneTTL
}

func (q *RedisQueue) leaseTTL() time.Duration {
	if q.LeaseTTL <= 0 {
		return 30 * time.Second
	}
	return q.LeaseTTL
}

func (q *RedisQueue) logger() *logrus.Logger {
	if q.Log != nil {
		return q.Log
	}
	return logrus.StandardLogger()
}
