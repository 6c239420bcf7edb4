package ingestion

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

func NewInMemoryJobRepo() *InMemoryJobRepo {
	return &InMemoryJobRepo{jobs: make(map[string]*Job)}
}

func (r *InMemoryJobRepo) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusIdle
	}
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

func (r *InMemoryJobRepo) List(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
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

func (r *InMemoryJobRepo) UpdateState(_ context.Context, jobID string, status JobStatus, metrics Metrics, errDetails *ErrorDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = status
	j.Metrics = metrics
	j.Error = errDetails
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryJobRepo) ResetRunning(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Status == StatusRunning {
			j.Status = StatusIdle
			n++
		}
	}
	return n, nil
}
