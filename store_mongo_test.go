package clicktracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func integrationMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}
	databaseName := os.Getenv("MONGODB_DATABASE")
	if databaseName == "" {
		databaseName = "clicktracker_test"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo failed: %v", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		t.Fatalf("ping mongo failed: %v", err)
	}

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	db := client.Database(databaseName)
	store := &MongoStore{
		Campaigns: db.Collection("campaigns_" + suffix),
		Counters:  db.Collection("counters_" + suffix),
		Sequences: db.Collection("sequences_" + suffix),
	}
	if err := store.Setup(context.Background()); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		_ = store.Campaigns.Drop(cleanupCtx)
		_ = store.Counters.Drop(cleanupCtx)
		_ = store.Sequences.Drop(cleanupCtx)
		_ = client.Disconnect(cleanupCtx)
	})
	return store
}

func TestMongoStore_CampaignLifecycle(t *testing.T) {
	store := integrationMongoStore(t)
	ctx := context.Background()

	campaign := &Campaign{Name: "summer sale", Link: "http://example.com/sale"}
	if err := store.CreateCampaign(ctx, campaign, []string{"android", "ios"}, 2); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if campaign.ID == 0 {
		t.Fatalf("expected assigned id")
	}

	second := &Campaign{Name: "winter sale", Link: "http://example.com/winter"}
	if err := store.CreateCampaign(ctx, second, []string{"android"}, 1); err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.ID != campaign.ID+1 {
		t.Fatalf("expected sequential ids, got %d then %d", campaign.ID, second.ID)
	}

	got, err := store.GetCampaign(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "summer sale" {
		t.Fatalf("unexpected campaign: %+v", got)
	}

	platforms, err := store.Platforms(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("platforms failed: %v", err)
	}
	if len(platforms) != 2 {
		t.Fatalf("expected 2 platforms, got %v", platforms)
	}

	campaigns, err := store.ListCampaigns(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(campaigns) != 2 {
		t.Fatalf("expected 2 campaigns, got %d", len(campaigns))
	}

	if err := store.DeleteCampaign(ctx, second.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetCampaign(ctx, second.ID); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected campaign gone, got %v", err)
	}
}

func TestMongoStore_CountersAcrossShards(t *testing.T) {
	store := integrationMongoStore(t)
	ctx := context.Background()

	campaign := &Campaign{Name: "counted", Link: "http://example.com"}
	if err := store.CreateCampaign(ctx, campaign, []string{"android"}, 3); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	key := LogicalKey{CampaignID: campaign.ID, Platform: "android"}

	for shard := 0; shard < 3; shard++ {
		count, err := store.AddToCounter(ctx, key.WithShard(shard), int64(shard+1))
		if err != nil {
			t.Fatalf("add to shard %d failed: %v", shard, err)
		}
		if count != int64(shard+1) {
			t.Fatalf("expected shard count %d, got %d", shard+1, count)
		}
	}

	sum, err := store.SumCounters(ctx, key)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if sum != 6 {
		t.Fatalf("expected shard sum 6, got %d", sum)
	}

	platformSum, err := store.SumPlatform(ctx, "android")
	if err != nil {
		t.Fatalf("platform sum failed: %v", err)
	}
	if platformSum != 6 {
		t.Fatalf("expected platform sum 6, got %d", platformSum)
	}

	if _, err := store.AddToCounter(ctx, key.WithShard(99), 1); !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound for unknown shard, got %v", err)
	}
	_, err = store.SumCounters(ctx, LogicalKey{CampaignID: campaign.ID, Platform: "wp"})
	if !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound for unknown platform, got %v", err)
	}
}

func TestMongoStore_UpdateAddsPlatformsKeepsCounts(t *testing.T) {
	store := integrationMongoStore(t)
	ctx := context.Background()

	campaign := &Campaign{Name: "old", Link: "http://example.com/old"}
	if err := store.CreateCampaign(ctx, campaign, []string{"android"}, 1); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	key := LogicalKey{CampaignID: campaign.ID, Platform: "android"}
	if _, err := store.AddToCounter(ctx, key.WithShard(0), 10); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	updated := &Campaign{ID: campaign.ID, Name: "new", Link: "http://example.com/new"}
	if err := store.UpdateCampaign(ctx, updated, []string{"android", "wp"}, 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.UpdateDate == nil {
		t.Fatalf("expected update date to be set")
	}

	sum, err := store.SumCounters(ctx, key)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if sum != 10 {
		t.Fatalf("expected count to survive update, got %d", sum)
	}
	wpSum, err := store.SumCounters(ctx, LogicalKey{CampaignID: campaign.ID, Platform: "wp"})
	if err != nil {
		t.Fatalf("wp sum failed: %v", err)
	}
	if wpSum != 0 {
		t.Fatalf("expected fresh wp counter, got %d", wpSum)
	}
}
