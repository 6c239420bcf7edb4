package ingestion

import (
	"context"
	"errors"
)

// ErrJobNotFound is returned when no ingestion job matches the given id.
var ErrJobNotFound = errors.New("ingestion job not found")

// JobRepository persists ingestion jobs and their metrics.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
	Delete(ctx context.Context, jobID string) error

	// UpdateState persists status, metrics, and error details. The worker
	// calls this on its periodic flush and on every transition.
	UpdateState(ctx context.Context, jobID string, status JobStatus, metrics Metrics, errDetails *ErrorDetails) error

	// ResetRunning moves jobs left RUNNING by a previous process back to
	// IDLE. Called once at boot.
	ResetRunning(ctx context.Context) (int, error)
}
