package vocabulary

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	platformmongo "github.com/interop/interop/internal/platform/mongo"
)

const approvalCollection = "concept_approvals"

// MongoApprovalRepo persists concept approvals in the document store so
// reviewer decisions survive restarts and are shared across nodes.
type MongoApprovalRepo struct {
	coll *driver.Collection
}

// NewMongoApprovalRepo creates the repository and ensures its unique index.
func NewMongoApprovalRepo(ctx context.Context, db *driver.Database) (*MongoApprovalRepo, error) {
	coll := db.Collection(approvalCollection)

	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(opCtx, driver.IndexModel{
		Keys: bson.D{
			{Key: "job_id", Value: 1},
			{Key: "field", Value: 1},
			{Key: "source_value", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create approval index: %w", err)
	}

	return &MongoApprovalRepo{coll: coll}, nil
}

func (r *MongoApprovalRepo) Save(ctx context.Context, approval *Approval) error {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	filter := bson.M{"job_id": approval.JobID, "field": approval.Field, "source_value": approval.SourceValue}
	_, err := r.coll.ReplaceOne(opCtx, filter, approval, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save approval: %w", err)
	}
	return nil
}

func (r *MongoApprovalRepo) Find(ctx context.Context, jobID, field, sourceValue string) (*Approval, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	var a Approval
	err := r.coll.FindOne(opCtx, bson.M{"job_id": jobID, "field": field, "source_value": sourceValue}).Decode(&a)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, driver.ErrNoDocuments) {
		return nil, fmt.Errorf("find approval: %w", err)
	}

	// Global fallback.
	if jobID != "" {
		err = r.coll.FindOne(opCtx, bson.M{"job_id": "", "field": field, "source_value": sourceValue}).Decode(&a)
		if err == nil {
			return &a, nil
		}
		if !errors.Is(err, driver.ErrNoDocuments) {
			return nil, fmt.Errorf("find global approval: %w", err)
		}
	}
	return nil, ErrNotFound
}

func (r *MongoApprovalRepo) ListByJob(ctx context.Context, jobID string) ([]*Approval, error) {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	cursor, err := r.coll.Find(opCtx, bson.M{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer cursor.Close(opCtx)

	var out []*Approval
	if err := cursor.All(opCtx, &out); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	return out, nil
}

func (r *MongoApprovalRepo) Delete(ctx context.Context, jobID, field, sourceValue string) error {
	opCtx, cancel := platformmongo.OpContext(ctx)
	defer cancel()

	_, err := r.coll.DeleteOne(opCtx, bson.M{"job_id": jobID, "field": field, "source_value": sourceValue})
	if err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	return nil
}
