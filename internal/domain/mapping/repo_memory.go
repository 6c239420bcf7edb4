package mapping

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryJobRepo is the in-process JobRepository used in tests.
type InMemoryJobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewInMemoryJobRepo creates an empty in-memory job store.
func NewInMemoryJobRepo() *InMemoryJobRepo {
	return &InMemoryJobRepo{jobs: make(map[string]*Job)}
}

func (r *InMemoryJobRepo) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	j := *job
	r.jobs[j.JobID] = &j
	return nil
}

func (r *InMemoryJobRepo) Get(_ context.Context, jobID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *j
	return &copied, nil
}

func (r *InMemoryJobRepo) Update(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.JobID]; !ok {
		return ErrJobNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	j := *job
	r.jobs[j.JobID] = &j
	return nil
}

func (r *InMemoryJobRepo) List(_ context.Context, userID string) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, j := range r.jobs {
		if userID != "" && j.UserID != userID {
			continue
		}
		copied := *j
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (r *InMemoryJobRepo) Delete(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, jobID)
	return nil
}
