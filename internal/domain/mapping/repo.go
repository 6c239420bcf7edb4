package mapping

import (
	"context"
	"errors"
)

// ErrJobNotFound is returned when no mapping job matches the given id.
var ErrJobNotFound = errors.New("mapping job not found")

// JobRepository persists mapping jobs.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	List(ctx context.Context, userID string) ([]*Job, error)
	Delete(ctx context.Context, jobID string) error
}
