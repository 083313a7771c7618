package clicktracker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	_, client := newMiniRedisClient(t)
	return NewRedisQueue(client, "tasks")
}

func TestRedisQueue_SubmitDeduplicatesByName(t *testing.T) {
	queue := newTestRedisQueue(t)
	ctx := context.Background()

	if err := queue.Submit(ctx, "flush::1-android::7", []byte("{}"), time.Second); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	err := queue.Submit(ctx, "flush::1-android::7", []byte("{}"), time.Second)
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
}

func TestRedisQueue_RunDueExecutesAndCleansUp(t *testing.T) {
	queue := newTestRedisQueue(t)
	ctx := context.Background()

	var got Task
	queue.OnExecute(func(_ context.Context, task Task) error {
		got = task
		return nil
	})

	if err := queue.Submit(ctx, "flush::1-ios::9", []byte(`{"campaign_id":1}`), 0); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	executed, err := queue.RunDue(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("run due failed: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected 1 executed task, got %d", executed)
	}
	if got.Name != "flush::1-ios::9" || string(got.Payload) != `{"campaign_id":1}` {
		t.Fatalf("unexpected delivered task: %+v", got)
	}

	// Completed tasks leave only the dedup tombstone behind.
	executed, err = queue.RunDue(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second run due failed: %v", err)
	}
	if executed != 0 {
		t.Fatalf("expected nothing to run, got %d", executed)
	}
	err = queue.Submit(ctx, "flush::1-ios::9", []byte("{}"), 0)
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected tombstone to survive completion, got %v", err)
	}
}

func TestRedisQueue_FutureTaskNotDelivered(t *testing.T) {
	queue := newTestRedisQueue(t)
	ctx := context.Background()
	queue.OnExecute(func(context.Context, Task) error {
		t.Fatalf("future task must not run")
		return nil
	})

	_ = queue.Submit(ctx, "later", []byte("{}"), time.Hour)
	executed, err := queue.RunDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("run due failed: %v", err)
	}
	if executed != 0 {
		t.Fatalf("expected no executions, got %d", executed)
	}
}

func TestRedisQueue_FailedTaskKeepsPayloadForRetry(t *testing.T) {
	queue := newTestRedisQueue(t)
	queue.RetryBase = 10 * time.Millisecond
	ctx := context.Background()

	attempts := 0
	queue.OnExecute(func(_ context.Context, task Task) error {
		attempts++
		if string(task.Payload) != `{"delta":4}` {
			t.Fatalf("payload changed on retry: %q", task.Payload)
		}
		if attempts == 1 {
			return errors.New("transient")
		}
		if task.Retries != 1 {
			t.Fatalf("expected retry count 1, got %d", task.Retries)
		}
		return nil
	})

	_ = queue.Submit(ctx, "retry-me", []byte(`{"delta":4}`), 0)

	executed, err := queue.RunDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("run due failed: %v", err)
	}
	if executed != 0 {
		t.Fatalf("expected first attempt to fail, got %d", executed)
	}

	executed, err = queue.RunDue(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("retry run failed: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected retry to complete, got %d", executed)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRedisQueue_SubmitAfterShutdownFails(t *testing.T) {
	queue := newTestRedisQueue(t)
	queue.Shutdown()

	err := queue.Submit(context.Background(), "late", nil, 0)
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestRedisQueue_StartDeliversDueTasks(t *testing.T) {
	queue := newTestRedisQueue(t)
	queue.PollInterval = 5 * time.Millisecond
	ctx := context.Background()

	done := make(chan struct{})
	queue.OnExecute(func(context.Context, Task) error {
		select {
		case <-done:
		default:
			close(done)
		}
		return nil
	})

	_ = queue.Submit(ctx, "polled", []byte("{}"), 0)
	queue.Start(ctx)
	defer queue.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller never delivered the task")
	}
}
