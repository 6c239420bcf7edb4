// Package recordstore is the document persistence layer for the ingestion
// pipeline. Raw source rows land in staging, transformed documents in
// per-type fhir_* collections, normalized rows in per-table omop_*
// collections, and failed records in the dead-letter queue.
package recordstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches a point lookup.
var ErrNotFound = errors.New("record not found")

// FailureStage classifies where in the pipeline a record failed.
type FailureStage string

const (
	StageSourceRead       FailureStage = "sourceRead"
	StageTransform        FailureStage = "transform"
	StageDestinationWrite FailureStage = "destinationWrite"
	StageOMOPSync         FailureStage = "omopSync"
)

// DLQRecord is a dead-letter entry: the original row plus failure context.
// Failed records are never dropped silently.
type DLQRecord struct {
	ID       string         `bson:"_id,omitempty" json:"id"`
	JobID    string         `bson:"job_id" json:"jobId"`
	Stage    FailureStage   `bson:"stage" json:"stage"`
	Reason   string         `bson:"reason" json:"reason"`
	Row      map[string]any `bson:"row" json:"row"`
	FailedAt time.Time      `bson:"failed_at" json:"failedAt"`
}

// Store persists pipeline records. FHIR and OMOP writes are idempotent
// upserts so a re-run of the same job does not duplicate data.
type Store interface {
	InsertStaging(ctx context.Context, jobID string, row map[string]any) error
	ListStaging(ctx context.Context, jobID string, limit int) ([]map[string]any, error)
	CountStaging(ctx context.Context, jobID string) (int64, error)

	InsertDLQ(ctx context.Context, rec *DLQRecord) error
	ListDLQ(ctx context.Context, jobID string, limit int) ([]*DLQRecord, error)
	CountDLQ(ctx context.Context, jobID string) (int64, error)

	// UpsertFHIR writes a resource keyed by its logical id within its
	// resource type collection.
	UpsertFHIR(ctx context.Context, jobID, resourceType, id string, resource map[string]any) error
	// GetFHIR returns one resource by type and logical id.
	GetFHIR(ctx context.Context, resourceType, id string) (map[string]any, error)
	// ListFHIR returns resources of one type; an empty jobID means all jobs.
	ListFHIR(ctx context.Context, resourceType, jobID string, limit int) ([]map[string]any, error)
	CountFHIR(ctx context.Context, resourceType, jobID string) (int64, error)
	ListFHIRTypes(ctx context.Context) ([]string, error)

	// UpsertOMOP writes a row into an OMOP table collection, matched on the
	// caller-supplied natural key fields.
	UpsertOMOP(ctx context.Context, table string, key map[string]any, row map[string]any) error
	ListOMOP(ctx context.Context, table string, limit int) ([]map[string]any, error)
	CountOMOP(ctx context.Context, table string) (int64, error)

	// DeleteJob removes the staging and DLQ records of a job.
	DeleteJob(ctx context.Context, jobID string) error
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
