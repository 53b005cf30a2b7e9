package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitriver-vod/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const watchProgressCollection = "watch_progress"

type watchProgressDoc struct {
	ID        string  `bson:"_id"`
	UserID    string  `bson:"userId"`
	VideoID   string  `bson:"videoId"`
	Position  float64 `bson:"position"`
	Duration  float64 `bson:"duration"`
	Completed bool    `bson:"completed"`
	UpdatedAt int64   `bson:"updatedAt"`
}

// MongoProgressStore keeps watch progress in a MongoDB collection keyed by
// user and video. It replaces the progress half of the primary store when a
// Mongo URI is configured.
type MongoProgressStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// ConnectMongo opens a traced Mongo client.
func ConnectMongo(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{
		options.Client().ApplyURI(uri).SetMonitor(otelmongo.NewMonitor()),
	}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return client, nil
}

func NewMongoProgressStore(client *mongo.Client, dbName string) *MongoProgressStore {
	return &MongoProgressStore{
		client:     client,
		collection: client.Database(dbName).Collection(watchProgressCollection),
		now:        defaultClock,
	}
}

func progressDocID(userID, videoID string) string {
	return userID + ":" + videoID
}

func (s *MongoProgressStore) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.collection == nil {
		return nil
	}
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "videoId", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoProgressStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoProgressStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoProgressStore) UpsertWatchProgress(ctx context.Context, progress models.WatchProgress) (models.WatchProgress, error) {
	if progress.UpdatedAt.IsZero() {
		progress.UpdatedAt = s.now()
	}
	update := bson.M{
		"$set": bson.M{
			"userId":    progress.UserID,
			"videoId":   progress.VideoID,
			"position":  progress.Position,
			"duration":  progress.Duration,
			"completed": progress.Completed,
			"updatedAt": progress.UpdatedAt.UnixMilli(),
		},
	}
	_, err := s.collection.UpdateOne(
		ctx,
		bson.M{"_id": progressDocID(progress.UserID, progress.VideoID)},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return models.WatchProgress{}, fmt.Errorf("upsert progress %s/%s: %w", progress.UserID, progress.VideoID, err)
	}
	progress.UpdatedAt = time.UnixMilli(progress.UpdatedAt.UnixMilli()).UTC()
	return progress, nil
}

func (s *MongoProgressStore) GetWatchProgress(ctx context.Context, userID, videoID string) (models.WatchProgress, bool, error) {
	var doc watchProgressDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": progressDocID(userID, videoID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.WatchProgress{}, false, nil
		}
		return models.WatchProgress{}, false, fmt.Errorf("load progress %s/%s: %w", userID, videoID, err)
	}
	return progressFromDoc(doc), true, nil
}

func (s *MongoProgressStore) ListInProgress(ctx context.Context, userID string, limit int) ([]models.WatchProgress, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "videoId", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	filter := bson.M{
		"userId":    userID,
		"completed": false,
		"position":  bson.M{"$gt": 0},
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list progress %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var docs []watchProgressDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list progress %s: %w", userID, err)
	}
	out := make([]models.WatchProgress, 0, len(docs))
	for _, doc := range docs {
		out = append(out, progressFromDoc(doc))
	}
	return out, nil
}

func progressFromDoc(doc watchProgressDoc) models.WatchProgress {
	return models.WatchProgress{
		UserID:    doc.UserID,
		VideoID:   doc.VideoID,
		Position:  doc.Position,
		Duration:  doc.Duration,
		Completed: doc.Completed,
		UpdatedAt: time.UnixMilli(doc.UpdatedAt).UTC(),
	}
}

// SplitStore serves the catalog from one backend and watch progress from
// another.
type SplitStore struct {
	CatalogStore
	progress ProgressStore
	closers  []func(context.Context) error
}

// NewSplitStore routes progress calls to progress and everything else to
// catalog. Close closes both.
func NewSplitStore(catalog Store, progress interface {
	ProgressStore
	Close(context.Context) error
}) *SplitStore {
	return &SplitStore{
		CatalogStore: catalog,
		progress:     progress,
		closers:      []func(context.Context) error{progress.Close, catalog.Close},
	}
}

func (s *SplitStore) Ping(ctx context.Context) error {
	if err := s.CatalogStore.Ping(ctx); err != nil {
		return err
	}
	return s.progress.Ping(ctx)
}

func (s *SplitStore) UpsertWatchProgress(ctx context.Context, progress models.WatchProgress) (models.WatchProgress, error) {
	return s.progress.UpsertWatchProgress(ctx, progress)
}

func (s *SplitStore) GetWatchProgress(ctx context.Context, userID, videoID string) (models.WatchProgress, bool, error) {
	return s.progress.GetWatchProgress(ctx, userID, videoID)
}

func (s *SplitStore) ListInProgress(ctx context.Context, userID string, limit int) ([]models.WatchProgress, error) {
	return s.progress.ListInProgress(ctx, userID, limit)
}

func (s *SplitStore) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
