package mapping

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/interop/interop/internal/domain/schema"
	"github.com/interop/interop/internal/domain/transform"
)

var (
	// ErrInvalidState is returned for operations not permitted in the
	// job's current lifecycle state.
	ErrInvalidState = errors.New("invalid mapping job state")
)

// InvalidMappingError reports the mappings rejected by approval
// validation.
type InvalidMappingError struct {
	Problems []string
}

func (e *InvalidMappingError) Error() string {
	return "invalid mapping: " + strings.Join(e.Problems, "; ")
}

// Service drives the mapping job lifecycle from draft through analysis
// and review to approval.
type Service struct {
	repo   JobRepository
	engine *Engine
	logger zerolog.Logger
}

// NewService creates the workflow service.
func NewService(repo JobRepository, engine *Engine, logger zerolog.Logger) *Service {
	return &Service{repo: repo, engine: engine, logger: logger}
}

// CreateJob registers a new mapping job in DRAFT.
func (s *Service) CreateJob(ctx context.Context, userID, name string, source, target schema.Schema) (*Job, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("source schema must not be empty")
	}
	job := &Job{
		JobID:            uuid.NewString(),
		UserID:           userID,
		Name:             name,
		SourceSchema:     source,
		TargetSchema:     target,
		ApprovedMappings: []transform.Rule{},
		Status:           StatusDraft,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", job.JobID).Str("user_id", userID).Msg("mapping job created")
	return job, nil
}

// Get returns a mapping job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.Get(ctx, jobID)
}

// List returns the jobs visible to a user; an empty userID lists all.
func (s *Service) List(ctx context.Context, userID string) ([]*Job, error) {
	return s.repo.List(ctx, userID)
}

// Delete removes a mapping job.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	return s.repo.Delete(ctx, jobID)
}

// Analyze runs suggestion and resource prediction over the job's schemas.
// It is idempotent on DRAFT and PENDING_REVIEW; re-analysis replaces the
// previous suggestions. Approved jobs are immutable.
func (s *Service) Analyze(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusDraft, StatusPendingReview:
	case StatusAnalyzing:
		return job, nil
	default:
		return nil, fmt.Errorf("%w: cannot analyze %s job", ErrInvalidState, job.Status)
	}

	job.Status = StatusAnalyzing
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}

	res := s.engine.Suggest(ctx, job.SourceSchema, job.TargetSchema)
	job.AIMappings = res.Suggestions
	job.Degraded = res.Degraded
	job.Prediction = PredictResource(job.SourceSchema)
	job.Status = StatusPendingReview

	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("job_id", jobID).
		Int("suggestions", len(job.AIMappings)).
		Str("predicted_resource", job.Prediction.ResourceType).
		Bool("degraded", job.Degraded).
		Msg("mapping job analyzed")
	return job, nil
}

// AddManualMapping appends a reviewer-authored mapping as a full
// confidence suggestion and moves a DRAFT job into review.
func (s *Service) AddManualMapping(ctx context.Context, jobID string, rule transform.Rule) (*Job, error) {
	if problems := validateRule(rule, 0); len(problems) > 0 {
		return nil, &InvalidMappingError{Problems: problems}
	}

	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusDraft, StatusPendingReview:
	default:
		return nil, fmt.Errorf("%w: cannot add mapping to %s job", ErrInvalidState, job.Status)
	}

	job.AIMappings = append(job.AIMappings, Suggestion{
		SourceField: firstSource(rule),
		TargetField: firstTarget(rule),
		Transform:   rule,
		Confidence:  1.0,
		Reason:      "added manually",
	})
	job.Status = StatusPendingReview

	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ApproveMappings validates and snapshots the final mapping set, moving
// the job to its terminal APPROVED state. Re-approving with the identical
// set is a no-op; any other mutation of an approved job fails.
func (s *Service) ApproveMappings(ctx context.Context, jobID string, rules []transform.Rule) (*Job, error) {
	var problems []string
	for i, rule := range rules {
		problems = append(problems, validateRule(rule, i)...)
	}
	if len(problems) > 0 {
		return nil, &InvalidMappingError{Problems: problems}
	}

	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusApproved {
		if reflect.DeepEqual(job.ApprovedMappings, rules) {
			return job, nil
		}
		return nil, fmt.Errorf("%w: job already approved", ErrInvalidState)
	}
	if job.Status == StatusDraft || job.Status == StatusAnalyzing {
		return nil, fmt.Errorf("%w: cannot approve %s job", ErrInvalidState, job.Status)
	}

	job.ApprovedMappings = rules
	job.Status = StatusApproved
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Int("mappings", len(rules)).Msg("mappings approved")
	return job, nil
}

// ApprovedRules returns the approved mapping snapshot for a job. Jobs not
// yet approved have no executable mapping.
func (s *Service) ApprovedRules(ctx context.Context, jobID string) ([]transform.Rule, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusApproved {
		return nil, fmt.Errorf("%w: mapping job %s is %s, not APPROVED", ErrInvalidState, jobID, job.Status)
	}
	return job.ApprovedMappings, nil
}

func validateRule(rule transform.Rule, index int) []string {
	var problems []string
	note := func(msg string) {
		problems = append(problems, fmt.Sprintf("mapping %d: %s", index, msg))
	}

	if !rule.Kind.Valid() {
		note(fmt.Sprintf("unknown transform type %q", rule.Kind))
	}
	if firstSource(rule) == "" {
		note("empty source field")
	}
	if firstTarget(rule) == "" {
		note("empty target field")
	}
	return problems
}

func firstSource(rule transform.Rule) string {
	if rule.SourceField != "" {
		return rule.SourceField
	}
	for _, f := range rule.SourceFields {
		if f != "" {
			return f
		}
	}
	return ""
}

func firstTarget(rule transform.Rule) string {
	if rule.TargetField != "" {
		return rule.TargetField
	}
	for _, f := range rule.TargetFields {
		if f != "" {
			return f
		}
	}
	return ""
}
