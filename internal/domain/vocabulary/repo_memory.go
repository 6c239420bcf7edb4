package vocabulary

import (
	"context"
	"sync"
)

// InMemoryApprovalRepo is the in-process ApprovalRepository used in tests
// and single-node dev setups.
type InMemoryApprovalRepo struct {
	mu    sync.RWMutex
	store map[string]*Approval // key: jobID|field|sourceValue
}

// NewInMemoryApprovalRepo creates an empty in-memory approval store.
func NewInMemoryApprovalRepo() *InMemoryApprovalRepo {
	return &InMemoryApprovalRepo{store: make(map[string]*Approval)}
}

func approvalKey(jobID, field, sourceValue string) string {
	return jobID + "|" + field + "|" + sourceValue
}

func (r *InMemoryApprovalRepo) Save(_ context.Context, approval *Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *approval
	r.store[approvalKey(a.JobID, a.Field, a.SourceValue)] = &a
	return nil
}

func (r *InMemoryApprovalRepo) Find(_ context.Context, jobID, field, sourceValue string) (*Approval, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.store[approvalKey(jobID, field, sourceValue)]; ok {
		return a, nil
	}
	// Global fallback.
	if jobID != "" {
		if a, ok := r.store[approvalKey("", field, sourceValue)]; ok {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryApprovalRepo) ListByJob(_ context.Context, jobID string) ([]*Approval, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Approval
	for _, a := range r.store {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *InMemoryApprovalRepo) Delete(_ context.Context, jobID, field, sourceValue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, approvalKey(jobID, field, sourceValue))
	return nil
}
