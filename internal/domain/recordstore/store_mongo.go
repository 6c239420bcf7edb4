package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	platformmongo "github.com/interop/interop/internal/platform/mongo"
)

const (
	stagingCollection = "staging"
	dlqCollection     = "staging_dlq"
	fhirPrefix        = "fhir_"
	omopPrefix        = "omop_"
)

// MongoStore is the production Store backed by the document database.
type MongoStore struct {
	db      *driver.Database
	indexed sync.Map // collection name -> struct{}, lookup index ensured
}

// NewMongoStore creates the store and ensures the staging and DLQ indexes.
// Per-collection fhir_* and omop_* indexes are ensured on first write.
func NewMongoStore(ctx context.Context, db *driver.Database) (*MongoStore, error) {
	s := &MongoStore{db: db}

	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()
	for _, name := range []string{stagingCollection, dlqCollection} {
		_, err := db.Collection(name).Indexes().CreateOne(opCtx, driver.IndexModel{
			Keys: bson.D{{Key: "job_id", Value: 1}},
		})
		if err != nil {
			return nil, fmt.Errorf("create %s index: %w", name, err)
		}
	}
	return s, nil
}

func (s *MongoStore) InsertStaging(ctx context.Context, jobID string, row map[string]any) error {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	doc := bson.M{
		"_id":        uuid.NewString(),
		"job_id":     jobID,
		"row":        row,
		"created_at": time.Now().UTC(),
	}
	if _, err := s.db.Collection(stagingCollection).InsertOne(opCtx, doc); err != nil {
		return fmt.Errorf("insert staging record: %w", err)
	}
	return nil
}

func (s *MongoStore) ListStaging(ctx context.Context, jobID string, limit int) ([]map[string]any, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	filter := bson.M{}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	cursor, err := s.db.Collection(stagingCollection).Find(opCtx, filter,
		options.Find().SetLimit(int64(clampLimit(limit))))
	if err != nil {
		return nil, fmt.Errorf("list staging records: %w", err)
	}
	defer cursor.Close(opCtx)

	var docs []struct {
		Row map[string]any `bson:"row"`
	}
	if err := cursor.All(opCtx, &docs); err != nil {
		return nil, fmt.Errorf("decode staging records: %w", err)
	}
	rows := make([]map[string]any, len(docs))
	for i, d := range docs {
		rows[i] = d.Row
	}
	return rows, nil
}

func (s *MongoStore) CountStaging(ctx context.Context, jobID string) (int64, error) {
	return s.count(ctx, stagingCollection, jobID)
}

func (s *MongoStore) InsertDLQ(ctx context.Context, rec *DLQRecord) error {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	if _, err := s.db.Collection(dlqCollection).InsertOne(opCtx, rec); err != nil {
		return fmt.Errorf("insert dlq record: %w", err)
	}
	return nil
}

func (s *MongoStore) ListDLQ(ctx context.Context, jobID string, limit int) ([]*DLQRecord, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	filter := bson.M{}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	cursor, err := s.db.Collection(dlqCollection).Find(opCtx, filter,
		options.Find().SetLimit(int64(clampLimit(limit))).SetSort(bson.D{{Key: "failed_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list dlq records: %w", err)
	}
	defer cursor.Close(opCtx)

	var out []*DLQRecord
	if err := cursor.All(opCtx, &out); err != nil {
		return nil, fmt.Errorf("decode dlq records: %w", err)
	}
	return out, nil
}

func (s *MongoStore) CountDLQ(ctx context.Context, jobID string) (int64, error) {
	return s.count(ctx, dlqCollection, jobID)
}

func (s *MongoStore) UpsertFHIR(ctx context.Context, jobID, resourceType, id string, resource map[string]any) error {
	if resourceType == "" || id == "" {
		return fmt.Errorf("fhir upsert requires resourceType and id")
	}
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	doc := bson.M{
		"_id":        id,
		"job_id":     jobID,
		"resource":   resource,
		"updated_at": time.Now().UTC(),
	}
	s.ensureIndex(opCtx, fhirPrefix+resourceType, "job_id")
	coll := s.db.Collection(fhirPrefix + resourceType)
	_, err := coll.ReplaceOne(opCtx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert fhir %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// ensureIndex creates the collection's lookup index once per process.
// Failure is not fatal: the next write retries and reads fall back to a
// collection scan.
func (s *MongoStore) ensureIndex(ctx context.Context, collection, field string) {
	if _, ok := s.indexed.Load(collection); ok {
		return
	}
	_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, driver.IndexModel{
		Keys: bson.D{{Key: field, Value: 1}},
	})
	if err != nil {
		return
	}
	s.indexed.Store(collection, struct{}{})
}

func (s *MongoStore) GetFHIR(ctx context.Context, resourceType, id string) (map[string]any, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	var doc struct {
		Resource map[string]any `bson:"resource"`
	}
	err := s.db.Collection(fhirPrefix+resourceType).FindOne(opCtx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fhir %s/%s: %w", resourceType, id, err)
	}
	return doc.Resource, nil
}

func (s *MongoStore) ListFHIR(ctx context.Context, resourceType, jobID string, limit int) ([]map[string]any, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	filter := bson.M{}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	cursor, err := s.db.Collection(fhirPrefix+resourceType).Find(opCtx, filter,
		options.Find().SetLimit(int64(clampLimit(limit))))
	if err != nil {
		return nil, fmt.Errorf("list fhir %s: %w", resourceType, err)
	}
	defer cursor.Close(opCtx)

	var docs []struct {
		Resource map[string]any `bson:"resource"`
	}
	if err := cursor.All(opCtx, &docs); err != nil {
		return nil, fmt.Errorf("decode fhir %s: %w", resourceType, err)
	}
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = d.Resource
	}
	return out, nil
}

func (s *MongoStore) CountFHIR(ctx context.Context, resourceType, jobID string) (int64, error) {
	return s.count(ctx, fhirPrefix+resourceType, jobID)
}

func (s *MongoStore) ListFHIRTypes(ctx context.Context) ([]string, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	names, err := s.db.ListCollectionNames(opCtx, bson.M{"name": bson.M{"$regex": "^" + fhirPrefix}})
	if err != nil {
		return nil, fmt.Errorf("list fhir collections: %w", err)
	}
	types := make([]string, 0, len(names))
	for _, n := range names {
		types = append(types, strings.TrimPrefix(n, fhirPrefix))
	}
	return types, nil
}

func (s *MongoStore) UpsertOMOP(ctx context.Context, table string, key map[string]any, row map[string]any) error {
	if table == "" || len(key) == 0 {
		return fmt.Errorf("omop upsert requires table and key")
	}
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	filter := bson.M{}
	for k, v := range key {
		filter[k] = v
	}
	doc := bson.M{}
	for k, v := range row {
		doc[k] = v
	}
	doc["updated_at"] = time.Now().UTC()

	name := omopPrefix + strings.ToLower(table)
	s.ensureIndex(opCtx, name, "person_id")
	coll := s.db.Collection(name)
	_, err := coll.ReplaceOne(opCtx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert omop %s: %w", table, err)
	}
	return nil
}

func (s *MongoStore) ListOMOP(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	cursor, err := s.db.Collection(omopPrefix+strings.ToLower(table)).Find(opCtx, bson.M{},
		options.Find().SetLimit(int64(clampLimit(limit))))
	if err != nil {
		return nil, fmt.Errorf("list omop %s: %w", table, err)
	}
	defer cursor.Close(opCtx)

	var out []map[string]any
	if err := cursor.All(opCtx, &out); err != nil {
		return nil, fmt.Errorf("decode omop %s: %w", table, err)
	}
	return out, nil
}

func (s *MongoStore) CountOMOP(ctx context.Context, table string) (int64, error) {
	return s.count(ctx, omopPrefix+strings.ToLower(table), "")
}

func (s *MongoStore) DeleteJob(ctx context.Context, jobID string) error {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	for _, name := range []string{stagingCollection, dlqCollection} {
		if _, err := s.db.Collection(name).DeleteMany(opCtx, bson.M{"job_id": jobID}); err != nil {
			return fmt.Errorf("delete %s records for job %s: %w", name, jobID, err)
		}
	}
	return nil
}

func (s *MongoStore) count(ctx context.Context, collection, jobID string) (int64, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	filter := bson.M{}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	n, err := s.db.Collection(collection).CountDocuments(opCtx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}
