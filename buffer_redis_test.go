package clicktracker

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return server, client
}

func TestRedisBuffer_IncrementAndTake(t *testing.T) {
	_, client := newMiniRedisClient(t)
	buffer := NewRedisBuffer(client, "counters")
	ctx := context.Background()
	key := LogicalKey{CampaignID: 5, Platform: "android"}

	for i := 0; i < 4; i++ {
		if err := buffer.Increment(ctx, key); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}
	if err := buffer.Add(ctx, key, 6); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	delta, err := buffer.TakeDelta(ctx, key)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if delta != 10 {
		t.Fatalf("expected delta 10, got %d", delta)
	}
	if delta, _ := buffer.TakeDelta(ctx, key); delta != 0 {
		t.Fatalf("expected drained entry, got %d", delta)
	}
}

func TestRedisBuffer_AbsentKeyIsZero(t *testing.T) {
	_, client := newMiniRedisClient(t)
	buffer := NewRedisBuffer(client, "counters")

	delta, err := buffer.TakeDelta(context.Background(), LogicalKey{CampaignID: 404, Platform: "wp"})
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if delta != 0 {
		t.Fatalf("expected 0 for absent key, got %d", delta)
	}
}

func TestRedisBuffer_TakePreservesRacingIncrements(t *testing.T) {
	server, client := newMiniRedisClient(t)
	buffer := NewRedisBuffer(client, "counters")
	ctx := context.Background()
	key := LogicalKey{CampaignID: 5, Platform: "ios"}

	_ = buffer.Add(ctx, key, 7)
	if delta, _ := buffer.TakeDelta(ctx, key); delta != 7 {
		t.Fatalf("expected delta 7, got %d", delta)
	}

	// A take decrements by exactly the amount it read, so an increment that
	// lands between flushes is still there afterwards.
	_ = buffer.Add(ctx, key, 2)
	if got, err := server.Get("counters::5-ios"); err != nil || got != "2" {
		t.Fatalf("expected stored value 2, got %q (%v)", got, err)
	}
	if delta, _ := buffer.TakeDelta(ctx, key); delta != 2 {
		t.Fatalf("expected delta 2, got %d", delta)
	}
}

func TestRedisBuffer_ConcurrentTakesConserveClicks(t *testing.T) {
	_, client := newMiniRedisClient(t)
	buffer := NewRedisBuffer(client, "counters")
	ctx := context.Background()
	key := LogicalKey{CampaignID: 9, Platform: "android"}

	const writers = 4
	const perWriter = 500

	// Two drains racing against live increments must never take the same
	// delta twice or push the entry negative.
	var taken [2]int64
	done := make(chan struct{})
	var takerWG sync.WaitGroup
	for i := range taken {
		takerWG.Add(1)
		go func(slot int) {
			defer takerWG.Done()
			for {
				delta, err := buffer.TakeDelta(ctx, key)
				if err != nil {
					t.Errorf("take failed: %v", err)
					return
				}
				taken[slot] += delta
				select {
				case <-done:
					return
				default:
				}
			}
		}(i)
	}

	var writerWG sync.WaitGroup
	for i := 0; i < writers; i++ {
		writerWG.Add(1)
		go func() {
			defer writerWG.Done()
			for j := 0; j < perWriter; j++ {
				if err := buffer.Increment(ctx, key); err != nil {
					t.Errorf("increment failed: %v", err)
					return
				}
			}
		}()
	}

	writerWG.Wait()
	close(done)
	takerWG.Wait()

	remaining, err := buffer.TakeDelta(ctx, key)
	if err != nil {
		t.Fatalf("final take failed: %v", err)
	}
	if remaining < 0 {
		t.Fatalf("entry went negative: %d", remaining)
	}
	if total := taken[0] + taken[1] + remaining; total != writers*perWriter {
		t.Fatalf("clicks not conserved: took %d, want %d", total, writers*perWriter)
	}
}

func TestRedisBuffer_KeyNamespacing(t *testing.T) {
	server, client := newMiniRedisClient(t)
	buffer := NewRedisBuffer(client, "pending")
	ctx := context.Background()

	_ = buffer.Increment(ctx, LogicalKey{CampaignID: 3, Platform: "wp"})
	if got, err := server.Get("pending::3-wp"); err != nil || got != "1" {
		t.Fatalf("expected pending::3-wp to hold 1, got %q (%v)", got, err)
	}
}
