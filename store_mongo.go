package clicktracker

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on MongoDB. Campaign ids come from a sequence
// document; counter updates use a single $inc, which MongoDB applies
// atomically per document.
type MongoStore struct {
	Campaigns *mongo.Collection
	Counters  *mongo.Collection
	Sequences *mongo.Collection
}

// NewMongoStore creates a MongoDB store over the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		Campaigns: db.Collection("campaigns"),
		Counters:  db.Collection("counters"),
		Sequences: db.Collection("sequences"),
	}
}

func (s *MongoStore) Description() string {
	return "MongoStore"
}

type mongoCampaign struct {
	ID         int64      `bson:"_id"`
	Name       string     `bson:"name"`
	Link       string     `bson:"link"`
	CreateDate time.Time  `bson:"create_date"`
	UpdateDate *time.Time `bson:"update_date"`
}

func (c mongoCampaign) toCampaign() Campaign {
	return Campaign{
		ID:         c.ID,
		Name:       c.Name,
		Link:       c.Link,
		CreateDate: c.CreateDate,
		UpdateDate: c.UpdateDate,
	}
}

// Setup creates the counter indexes.
func (s *MongoStore) Setup(ctx context.Context) error {
	if s.Counters == nil {
		return fmt.Errorf("mongo store requires collections")
	}
	_, err := s.Counters.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "campaign_id", Value: 1}, {Key: "platform", Value: 1}, {Key: "shard", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "platform", Value: 1}},
		},
	})
	return err
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.Sequences.FindOneAndUpdate(ctx,
		bson.M{"_id": "campaigns"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (s *MongoStore) CreateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
	if shardCount < 1 {
		shardCount = 1
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.Campaigns.InsertOne(ctx, mongoCampaign{
		ID:         id,
		Name:       campaign.Name,
		Link:       campaign.Link,
		CreateDate: now,
	})
	if err != nil {
		return err
	}

	docs := make([]any, 0, len(platforms)*shardCount)
	for _, platform := range platforms {
		for shard := 0; shard < shardCount; shard++ {
			docs = append(docs, bson.M{
				"campaign_id": id,
				"platform":    platform,
				"shard":       shard,
				"count":       int64(0),
			})
		}
	}
	if len(docs) > 0 {
		if _, err := s.Counters.InsertMany(ctx, docs); err != nil {
			return err
		}
	}

	campaign.ID = id
	campaign.CreateDate = now
	campaign.UpdateDate = nil
	return nil
}

func (s *MongoStore) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	var doc mongoCampaign
	err := s.Campaigns.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	campaign := doc.toCampaign()
	return &campaign, nil
}

func (s *MongoStore) UpdateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
	if shardCount < 1 {
		shardCount = 1
	}
	now := time.Now().UTC()
	res, err := s.Campaigns.UpdateOne(ctx,
		bson.M{"_id": campaign.ID},
		bson.M{"$set": bson.M{"name": campaign.Name, "link": campaign.Link, "update_date": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrCampaignNotFound
	}
	for _, platform := range platforms {
		for shard := 0; shard < shardCount; shard++ {
			if _, err := s.Counters.UpdateOne(ctx,
				bson.M{"campaign_id": campaign.ID, "platform": platform, "shard": shard},
				bson.M{"$setOnInsert": bson.M{"count": int64(0)}},
				options.Update().SetUpsert(true)); err != nil {
				return err
			}
		}
	}

	campaign.UpdateDate = &now
	return nil
}

func (s *MongoStore) DeleteCampaign(ctx context.Context, id int64) error {
	res, err := s.Campaigns.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrCampaignNotFound
	}
	_, err = s.Counters.DeleteMany(ctx, bson.M{"campaign_id": id})
	return err
}

func (s *MongoStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	return s.findCampaigns(ctx, bson.M{})
}

func (s *MongoStore) CampaignsForPlatform(ctx context.Context, platform string) ([]Campaign, error) {
	ids, err := s.Counters.Distinct(ctx, "campaign_id", bson.M{"platform": platform})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Campaign{}, nil
	}
	return s.findCampaigns(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *MongoStore) findCampaigns(ctx context.Context, filter bson.M) ([]Campaign, error) {
	cursor, err := s.Campaigns.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []Campaign{}
	for cursor.Next(ctx) {
		var doc mongoCampaign
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toCampaign())
	}
	return out, cursor.Err()
}

func (s *MongoStore) Platforms(ctx context.Context, campaignID int64) ([]string, error) {
	raw, err := s.Counters.Distinct(ctx, "platform", bson.M{"campaign_id": campaignID})
	if err != nil {
		return nil, err
	}
	platforms := make([]string, 0, len(raw))
	for _, value := range raw {
		if platform, ok := value.(string); ok {
			platforms = append(platforms, platform)
		}
	}
	return platforms, nil
}

// AddToCounter applies a single atomic $inc to one shard document.
func (s *MongoStore) AddToCounter(ctx context.Context, key CounterKey, delta int64) (int64, error) {
	var doc struct {
		Count int64 `bson:"count"`
	}
	err := s.Counters.FindOneAndUpdate(ctx,
		bson.M{"campaign_id": key.CampaignID, "platform": key.Platform, "shard": key.Shard},
		bson.M{"$inc": bson.M{"count": delta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, ErrCounterNotFound
	}
	if err != nil {
		return 0, err
	}
	return doc.Count, nil
}

func (s *MongoStore) SumCounters(ctx context.Context, key LogicalKey) (int64, error) {
	sum, found, err := s.sum(ctx, bson.M{"campaign_id": key.CampaignID, "platform": key.Platform})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrCounterNotFound
	}
	return sum, nil
}

func (s *MongoStore) SumPlatform(ctx context.Context, platform string) (int64, error) {
	sum, _, err := s.sum(ctx, bson.M{"platform": platform})
	return sum, err
}

func (s *MongoStore) sum(ctx context.Context, match bson.M) (int64, bool, error) {
	cursor, err := s.Counters.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$count"}}}},
	})
	if err != nil {
		return 0, false, err
	}
	defer cursor.Close(ctx)

	if !cursor.Next(ctx) {
		return 0, false, cursor.Err()
	}
	var out struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.Decode(&out); err != nil {
		return 0, false, err
	}
	return out.Total, true, nil
}
