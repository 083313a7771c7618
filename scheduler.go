package clicktracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// FlushPayload travels with a flush task. Delta is zero for the coalesced
// per-interval task, which reads its delta from the buffer at execution time.
// Retry tasks carry the already-consumed delta so re-delivery applies the
// exact same amount without touching the buffer again.
type FlushPayload struct {
	CampaignID int64  `json:"campaign_id"`
	Platform   string `json:"platform"`
	Delta      int64  `json:"delta,omitempty"`
}

// FlushScheduler moves buffered click deltas into the counter store. Many
// clicks on the same counter within one flush interval collapse onto a single
// queue task, named deterministically from the key and the interval index.
type FlushScheduler struct {
	Buffer     WriteBuffer
	Store      Store
	Queue      TaskQueue
	Interval   time.Duration
	ShardCount int
	Log        *logrus.Logger
}

// NewFlushScheduler wires the scheduler and registers it as the queue handler.
func NewFlushScheduler(buffer WriteBuffer, store Store, queue TaskQueue, interval time.Duration, shardCount int, log *logrus.Logger) *FlushScheduler {
	s := &FlushScheduler{
		Buffer:     buffer,
		Store:      store,
		Queue:      queue,
		Interval:   interval,
		ShardCount: shardCount,
		Log:        log,
	}
	if queue != nil {
		queue.OnExecute(s.HandleTask)
	}
	return s
}

func (s *FlushScheduler) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// ScheduleFlush ensures a flush task exists for the key's current interval.
// ErrTaskExists means an earlier click already scheduled it and is success.
// With a non-positive interval the delta is flushed synchronously instead.
func (s *FlushScheduler) ScheduleFlush(ctx context.Context, key LogicalKey) error {
	if s.Interval <= 0 {
		return s.flushFromBuffer(ctx, key)
	}

	payload, err := json.Marshal(FlushPayload{CampaignID: key.CampaignID, Platform: key.Platform})
	if err != nil {
		return err
	}
	name := FlushTaskName(key, IntervalIndex(time.Now(), s.Interval))
	err = s.Queue.Submit(ctx, name, payload, s.Interval)
	if errors.Is(err, ErrTaskExists) {
		return nil
	}
	return err
}

// HandleTask executes one flush task. Fresh tasks take the pending delta out
// of the buffer; retry tasks replay the delta captured in the payload.
func (s *FlushScheduler) HandleTask(ctx context.Context, task Task) error {
	var payload FlushPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		s.logger().WithFields(logrus.Fields{
			"task": task.Name,
		}).WithError(err).Error("dropping flush task with undecodable payload")
		return nil
	}
	key := LogicalKey{CampaignID: payload.CampaignID, Platform: payload.Platform}

	if payload.Delta > 0 {
		return s.applyCaptured(ctx, task, key, payload.Delta)
	}
	return s.flushFromBuffer(ctx, key)
}

// flushFromBuffer takes the pending delta for key and writes it to one shard.
// On transient store failure the consumed delta is handed to a retry task so
// the next attempt applies the same amount; if even that submission fails the
// delta is credited back to the buffer.
func (s *FlushScheduler) flushFromBuffer(ctx context.Context, key LogicalKey) error {
	delta, err := s.Buffer.TakeDelta(ctx, key)
	if err != nil {
		return fmt.Errorf("take delta for %s: %w", key.Join(), err)
	}
	if delta == 0 {
		return nil
	}

	if err := s.addToStore(ctx, key, delta); err != nil {
		if IsPermanentFlushError(err) {
			s.dropDelta(key, delta, err)
			return nil
		}
		return s.requeueCaptured(ctx, key, delta, err)
	}
	return nil
}

// applyCaptured applies a delta that was already taken from the buffer.
// A non-nil return re-delivers the task with the identical payload.
func (s *FlushScheduler) applyCaptured(ctx context.Context, task Task, key LogicalKey, delta int64) error {
	err := s.addToStore(ctx, key, delta)
	if err == nil {
		return nil
	}
	if IsPermanentFlushError(err) {
		s.dropDelta(key, delta, err)
		return nil
	}
	s.logger().WithFields(logrus.Fields{
		"task":    task.Name,
		"key":     key.Join(),
		"delta":   delta,
		"retries": task.Retries,
	}).WithError(err).Warn("flush retry failed, task stays queued")
	return err
}

func (s *FlushScheduler) addToStore(ctx context.Context, key LogicalKey, delta int64) error {
	shard := PickShard(s.ShardCount)
	_, err := s.Store.AddToCounter(ctx, key.WithShard(shard), delta)
	return err
}

// requeueCaptured schedules a retry task carrying the consumed delta. The
// retry name is derived from the key alone, so overlapping retries for the
// same counter coalesce; a coalesced submission credits the delta back to the
// buffer instead, where the next interval flush picks it up.
func (s *FlushScheduler) requeueCaptured(ctx context.Context, key LogicalKey, delta int64, cause error) error {
	payload, err := json.Marshal(FlushPayload{CampaignID: key.CampaignID, Platform: key.Platform, Delta: delta})
	if err != nil {
		return err
	}
	name := "flush::" + key.Join() + "::retry"
	delay := backoffDelay(defaultRetryBase, defaultRetryMax, 0)
	if err := s.Queue.Submit(ctx, name, payload, delay); err != nil {
		if crediterr := s.Buffer.Add(ctx, key, delta); crediterr != nil {
			s.logger().WithFields(logrus.Fields{
				"key":   key.Join(),
				"delta": delta,
			}).WithError(crediterr).Error("lost delta: retry submit and buffer credit both failed")
			return crediterr
		}
		return nil
	}
	s.logger().WithFields(logrus.Fields{
		"key":   key.Join(),
		"delta": delta,
	}).WithError(cause).Warn("counter write failed, delta captured for retry")
	return nil
}

func (s *FlushScheduler) dropDelta(key LogicalKey, delta int64, cause error) {
	s.logger().WithFields(logrus.Fields{
		"key":   key.Join(),
		"delta": delta,
	}).WithError(cause).Error("dropping delta for missing counter")
}
