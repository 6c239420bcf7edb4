package vocabulary

import "context"

// ApprovalRepository persists human-approved concept mappings.
type ApprovalRepository interface {
	Save(ctx context.Context, approval *Approval) error
	// Find returns the approval for (jobID, field, sourceValue). Lookup
	// order is per-job first, then global (empty jobID) fallback.
	Find(ctx context.Context, jobID, field, sourceValue string) (*Approval, error)
	ListByJob(ctx context.Context, jobID string) ([]*Approval, error)
	Delete(ctx context.Context, jobID, field, sourceValue string) error
}
