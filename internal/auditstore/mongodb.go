package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/metrics"
)

// mongoStore implements Store for MongoDB. The audit "table" maps to a
// collection; uuid maps to the document _id, which Mongo already enforces
// as the unique key.
type mongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func newMongoDBStore(ctx context.Context, cfg Config) (*mongoStore, error) {
	dbName := cfg.Database
	if dbName == "" {
		dbName = "securag"
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &mongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(cfg.Table),
	}, nil
}

func (s *mongoStore) Type() string { return TypeMongoDB }

// ValidateSchema has no columns to check on a document store; it ensures
// the message_id index exists.
func (s *mongoStore) ValidateSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "message_id", Value: 1}},
	})
	if err != nil {
		// Any index creation failure is logged; it does not fail validation.
		slog.Warn("failed to create message_id index", "error", err)
	}
	return nil
}

// auditDocument is the persisted document shape.
type auditDocument struct {
	UUID      string    `bson:"_id"`
	MessageID string    `bson:"message_id"`
	Content   any       `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
}

// Insert writes one document per content element with an ordered InsertMany,
// so a failure stops the batch at the failing document.
func (s *mongoStore) Insert(ctx context.Context, messageID string, contents []any) ([]Record, error) {
	docs := make([]any, 0, len(contents))
	records := make([]Record, 0, len(contents))
	for _, content := range contents {
		rec := Record{
			UUID:      uuid.NewString(),
			MessageID: messageID,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		docs = append(docs, auditDocument{
			UUID:      rec.UUID,
			MessageID: rec.MessageID,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt,
		})
		records = append(records, rec)
	}

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, core.NewIntegrityError("duplicate audit record uuid", err)
		}
		return nil, fmt.Errorf("inserting audit records: %w", err)
	}

	metrics.AuditRecordsWritten.WithLabelValues(TypeMongoDB).Add(float64(len(records)))
	return records, nil
}

// SelectByMessageID returns content values ordered by content.id with
// null-id entries last. BSON documents are normalized through JSON so
// callers see the same value shapes as the SQL backends.
func (s *mongoStore) SelectByMessageID(ctx context.Context, messageID string) ([]any, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"message_id": messageID})
	if err != nil {
		return nil, fmt.Errorf("selecting audit records: %w", err)
	}
	defer cursor.Close(ctx)

	contents := make([]any, 0)
	for cursor.Next(ctx) {
		var doc auditDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding audit record: %w", err)
		}
		contents = append(contents, normalizeBSON(doc.Content))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	sortContents(contents)
	return contents, nil
}

// normalizeBSON round-trips a decoded BSON value through JSON so numeric
// and map types match what json.Unmarshal produces.
func normalizeBSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// DeleteByMessageID removes all documents for the message.
func (s *mongoStore) DeleteByMessageID(ctx context.Context, messageID string) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"message_id": messageID})
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) Close() error {
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}
