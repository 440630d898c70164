package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	noncesCollection = "nonces"
	accessCollection = "access"
	cacheCollection  = "cache"
	queryTimeout     = 5 * time.Second
)

type cacheDocument struct {
	Key       string    `bson:"key"`
	Value     string    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// MongoStorage keeps nonces, access decisions and cached responses in one database.
// Every write is a single-document operation, so no client side locking is needed.
type MongoStorage struct {
	client *mongo.Client
	nonces *mongo.Collection
	access *mongo.Collection
	cache  *mongo.Collection
	log    *slog.Logger
}

func NewMongoStorage(uri, database string, log *slog.Logger) (*MongoStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(database)
	m := &MongoStorage{
		client: client,
		nonces: db.Collection(noncesCollection),
		access: db.Collection(accessCollection),
		cache:  db.Collection(cacheCollection),
		log:    log,
	}
	m.createIndexes(ctx)

	return m, nil
}

// createIndexes adds unique keys and TTL sweeps; expiry is still checked on every read
func (m *MongoStorage) createIndexes(ctx context.Context) {
	indexes := []struct {
		collection *mongo.Collection
		model      mongo.IndexModel
	}{
		{m.nonces, mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{m.nonces, mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		}},
		{m.access, mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{m.cache, mongo.IndexModel{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{m.cache, mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.collection.Indexes().CreateOne(ctx, idx.model); err != nil {
			m.log.Warn("creating index",
				slog.String("collection", idx.collection.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *MongoStorage) SaveNonce(ctx context.Context, rec *NonceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := m.nonces.ReplaceOne(ctx, bson.M{"user_id": rec.UserId}, rec, opts)
	if err != nil {
		return fmt.Errorf("saving nonce: %w", err)
	}
	return nil
}

func (m *MongoStorage) GetNonce(ctx context.Context, userId int64) (*NonceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec NonceRecord
	err := m.nonces.FindOne(ctx, bson.M{"user_id": userId}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding nonce: %w", err)
	}
	return &rec, nil
}

func (m *MongoStorage) DeleteNonce(ctx context.Context, userId int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := m.nonces.DeleteOne(ctx, bson.M{"user_id": userId})
	return err
}

func (m *MongoStorage) DeleteExpiredNonce(ctx context.Context, userId int64, nonce string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	filter := bson.M{
		"user_id":    userId,
		"nonce":      nonce,
		"expires_at": bson.M{"$lte": now},
	}
	if _, err := m.nonces.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("deleting expired nonce: %w", err)
	}
	return nil
}

func (m *MongoStorage) TakeNonce(ctx context.Context, userId int64, nonce string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	filter := bson.M{
		"user_id":    userId,
		"nonce":      nonce,
		"expires_at": bson.M{"$gt": now},
	}
	res, err := m.nonces.DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("taking nonce: %w", err)
	}
	return res.DeletedCount == 1, nil
}

func (m *MongoStorage) GetAccess(ctx context.Context, userId int64) (*AccessRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec AccessRecord
	err := m.access.FindOne(ctx, bson.M{"user_id": userId}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding access: %w", err)
	}
	return &rec, nil
}

func (m *MongoStorage) SaveAccess(ctx context.Context, rec *AccessRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rec.UpdatedAt = time.Now()
	opts := options.Replace().SetUpsert(true)
	_, err := m.access.ReplaceOne(ctx, bson.M{"user_id": rec.UserId}, rec, opts)
	if err != nil {
		return fmt.Errorf("saving access: %w", err)
	}
	return nil
}

func (m *MongoStorage) ClearAccess(ctx context.Context, userId int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := m.access.DeleteOne(ctx, bson.M{"user_id": userId})
	return err
}

func (m *MongoStorage) GetCached(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var doc cacheDocument
	filter := bson.M{"key": key, "expires_at": bson.M{"$gt": time.Now()}}
	err := m.cache.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding cached: %w", err)
	}
	return doc.Value, true, nil
}

func (m *MongoStorage) PutCached(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	doc := cacheDocument{Key: key, Value: value, ExpiresAt: time.Now().Add(ttl)}
	opts := options.Replace().SetUpsert(true)
	_, err := m.cache.ReplaceOne(ctx, bson.M{"key": key}, doc, opts)
	return err
}

func (m *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
