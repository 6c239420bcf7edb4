// Package ingestion runs concurrent ingestion jobs: one worker per
// running job pulls records from a source connector, applies the job's
// approved mapping, writes the result to the record store, and routes
// failures to the dead-letter queue.
package ingestion

import "time"

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

// A job finishing its source naturally lands on STOPPED, the same state a
// stop request produces.
const (
	StatusIdle    JobStatus = "IDLE"
	StatusRunning JobStatus = "RUNNING"
	StatusStopped JobStatus = "STOPPED"
	StatusError   JobStatus = "ERROR"
)

// Pre-flight and runtime failure kinds surfaced on ERROR jobs.
const (
	ErrKindSourceMissing      = "source_missing"
	ErrKindDestinationMissing = "destination_missing"
	ErrKindRuntime            = "runtime_error"
)

// SourceConfig selects and parameterizes a source connector.
type SourceConfig struct {
	Type       string `json:"type" validate:"required,oneof=csvFile mongodb hl7File"`
	Path       string `json:"path,omitempty" validate:"required_if=Type csvFile,required_if=Type hl7File"`
	URI        string `json:"uri,omitempty"`
	Database   string `json:"db,omitempty" validate:"required_if=Type mongodb"`
	Collection string `json:"collection,omitempty" validate:"required_if=Type mongodb"`
}

// DestinationConfig selects where transformed records land.
type DestinationConfig struct {
	Type         string `json:"type" validate:"required,oneof=staging fhir"`
	ResourceType string `json:"resourceType,omitempty" validate:"required_if=Type fhir"`
}

// Config is the user-supplied description of an ingestion job.
type Config struct {
	Name            string            `json:"name" validate:"required"`
	Source          SourceConfig      `json:"source"`
	Destination     DestinationConfig `json:"destination"`
	MappingJobID    string            `json:"mappingJobId,omitempty"`
	OMOPAutoSync    bool              `json:"omopAutoSync"`
	OMOPTargetTable string            `json:"omopTargetTable,omitempty"`

	// ChaosFailEvery fails every Nth destination write to exercise the
	// DLQ path. Zero disables it.
	ChaosFailEvery int `json:"chaosFailEvery,omitempty" validate:"gte=0"`
}

// Metrics are the per-job ingestion counters. received >= processed +
// failed holds at every observable point; OMOP sync failures are counted
// separately and never inflate failed.
type Metrics struct {
	Received    int64 `json:"received"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	OMOPSynced  int64 `json:"omopSynced"`
	OMOPFailed  int64 `json:"omopFailed"`
	DLQDepth    int64 `json:"dlqDepth"`
	LastUpdated int64 `json:"lastUpdated,omitempty"` // unix seconds
}

// ErrorDetails classifies why a job entered ERROR.
type ErrorDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is an ingestion job with its latest persisted state.
type Job struct {
	JobID     string        `json:"jobId"`
	Config    Config        `json:"config"`
	Status    JobStatus     `json:"status"`
	Metrics   Metrics       `json:"metrics"`
	Error     *ErrorDetails `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
