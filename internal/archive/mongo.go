// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/browsergrid/browsergrid/internal/event"
)

const (
	defaultStagingCollection = "sessions_staging"
	defaultFinalCollection   = "sessions"
	defaultStagingTTL        = 24 * time.Hour
	// finalMaxBytes caps the final collection; oldest documents are
	// evicted by mongo once the cap is reached.
	finalMaxBytes = 512 << 20
)

// MongoOptions configures the Mongo-backed archive store.
type MongoOptions struct {
	Client            *mongo.Client
	Database          string
	StagingCollection string
	FinalCollection   string
	StagingTTL        time.Duration
}

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client  *mongo.Client
	staging *mongo.Collection
	final   *mongo.Collection
}

// NewMongoStore prepares collections and indexes. The staging
// collection carries a TTL index on updatedAt so orphaned records
// self-evict; the final collection is capped.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	staging := opts.StagingCollection
	if staging == "" {
		staging = defaultStagingCollection
	}
	final := opts.FinalCollection
	if final == "" {
		final = defaultFinalCollection
	}
	ttl := opts.StagingTTL
	if ttl <= 0 {
		ttl = defaultStagingTTL
	}

	db := opts.Client.Database(opts.Database)

	// Capped collection creation fails once it exists; tolerate that.
	capped := true
	size := int64(finalMaxBytes)
	err := db.CreateCollection(ctx, final, options.CreateCollection().SetCapped(capped).SetSizeInBytes(size))
	if err != nil && !isNamespaceExists(err) {
		return nil, fmt.Errorf("create final collection: %w", err)
	}

	s := &MongoStore{
		client:  opts.Client,
		staging: db.Collection(staging),
		final:   db.Collection(final),
	}

	_, err = s.staging.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "updatedAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("create staging ttl index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) upsert(ctx context.Context, id string, set bson.M) error {
	set["updatedAt"] = time.Now().UTC()
	_, err := s.staging.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) Created(ctx context.Context, id string, at time.Time) error {
	return s.upsert(ctx, id, bson.M{"createdAt": at.UTC()})
}

func (s *MongoStore) Scheduled(ctx context.Context, id, provisioner string, at time.Time) error {
	return s.upsert(ctx, id, bson.M{"scheduledAt": at.UTC(), "provisioner": provisioner})
}

func (s *MongoStore) Provisioned(ctx context.Context, id string, meta map[string]string, at time.Time) error {
	set := bson.M{"provisionedAt": at.UTC()}
	if len(meta) > 0 {
		set["provisionerMetadata"] = meta
	}
	return s.upsert(ctx, id, set)
}

func (s *MongoStore) Operational(ctx context.Context, id, browserName, browserVersion string, at time.Time) error {
	return s.upsert(ctx, id, bson.M{
		"operationalAt":  at.UTC(),
		"browserName":    browserName,
		"browserVersion": browserVersion,
	})
}

func (s *MongoStore) PatchClientMetadata(ctx context.Context, id string, metadata map[string]string) error {
	set := bson.M{}
	for k, v := range metadata {
		set["clientMetadata."+k] = v
	}
	if len(set) == 0 {
		return nil
	}
	return s.upsert(ctx, id, set)
}

func (s *MongoStore) Terminated(ctx context.Context, id string, reason event.TerminationReason, recordingBytes int64, at time.Time) error {
	var rec SessionRecord
	err := s.staging.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// The staging row was TTL-evicted or never written; promote a
		// skeleton so the termination itself is not lost.
		rec = SessionRecord{ID: id}
	} else if err != nil {
		return fmt.Errorf("read staging %s: %w", id, err)
	}

	atUTC := at.UTC()
	rec.TerminatedAt = &atUTC
	rec.Termination = &reason
	rec.RecordingBytes = recordingBytes
	rec.UpdatedAt = time.Now().UTC()

	if _, err := s.final.InsertOne(ctx, rec); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("promote session %s: %w", id, err)
		}
	}
	if _, err := s.staging.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete staging %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) Staging(ctx context.Context, id string) (*SessionRecord, error) {
	return s.findOne(ctx, s.staging, id)
}

func (s *MongoStore) Final(ctx context.Context, id string) (*SessionRecord, error) {
	return s.findOne(ctx, s.final, id)
}

func (s *MongoStore) findOne(ctx context.Context, coll *mongo.Collection, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 48 // NamespaceExists
	}
	return false
}
