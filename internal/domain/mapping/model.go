// Package mapping manages field-mapping jobs: automated suggestion of
// source-to-target field mappings, FHIR resource type prediction, and the
// review workflow that turns suggestions into approved transform rules.
package mapping

import (
	"time"

	"github.com/interop/interop/internal/domain/schema"
	"github.com/interop/interop/internal/domain/transform"
)

// Status is the lifecycle state of a mapping job.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusAnalyzing     Status = "ANALYZING"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
)

// ScoreBreakdown is the per-signal decomposition of a suggestion's
// confidence.
type ScoreBreakdown struct {
	Semantic      float64 `json:"semantic"`
	Clinical      float64 `json:"clinical"`
	TypeCompat    float64 `json:"typeCompat"`
	StandardBonus float64 `json:"standardBonus"`
}

// Suggestion is one proposed source-to-target field mapping with its
// transform rule and scoring detail.
type Suggestion struct {
	SourceField  string         `json:"sourceField"`
	TargetField  string         `json:"targetField"`
	Transform    transform.Rule `json:"transform"`
	Confidence   float64        `json:"confidence"`
	Scores       ScoreBreakdown `json:"scores"`
	Reason       string         `json:"reason,omitempty"`
	AutoApproved bool           `json:"autoApproved"`
}

// ResourcePrediction is the predicted FHIR resource type for a source
// schema.
type ResourcePrediction struct {
	ResourceType            string             `json:"resourceType"`
	Confidence              float64            `json:"confidence"`
	Scores                  map[string]float64 `json:"scores,omitempty"`
	ManualReviewRecommended bool               `json:"manualReviewRecommended"`
}

// Job is a mapping job: a source schema, a target schema, and the
// suggested and approved mappings between them.
type Job struct {
	JobID            string              `json:"jobId"`
	UserID           string              `json:"userId"`
	Name             string              `json:"name"`
	SourceSchema     schema.Schema       `json:"sourceSchema"`
	TargetSchema     schema.Schema       `json:"targetSchema"`
	AIMappings       []Suggestion        `json:"aiMappings"`
	ApprovedMappings []transform.Rule    `json:"approvedMappings"`
	Prediction       *ResourcePrediction `json:"resourcePrediction,omitempty"`
	Degraded         bool                `json:"degraded"`
	Status           Status              `json:"status"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Analyzed reports whether the job already carries analysis output.
func (j *Job) Analyzed() bool {
	return j.Status == StatusPendingReview || j.Status == StatusApproved
}
