package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/interop/interop/internal/domain/omop"
	"github.com/interop/interop/internal/domain/recordstore"
	"github.com/interop/interop/internal/domain/transform"
	"github.com/interop/interop/internal/platform/telemetry"
)

const (
	// sourceReadAttempts bounds retries on a failing source before the job
	// goes to ERROR. Backoff doubles from sourceReadBackoff per attempt.
	sourceReadAttempts = 3
	sourceReadBackoff  = time.Second

	// Metrics are flushed to the job catalog at least this often.
	persistInterval = 2 * time.Second
	persistEvery    = 100

	// DrainTimeout bounds graceful shutdown of running workers.
	DrainTimeout = 10 * time.Second
)

// errStopRequested aborts a source-read backoff when stop arrives.
var errStopRequested = errors.New("stop requested")

// MappingSource resolves an approved mapping snapshot for a job.
type MappingSource interface {
	ApprovedRules(ctx context.Context, jobID string) ([]transform.Rule, error)
}

// OMOPSyncer projects one FHIR resource into OMOP rows and persists them.
type OMOPSyncer interface {
	IngestOne(ctx context.Context, resource map[string]any, targetTable string, fromIngestion bool) ([]omop.Row, error)
}

// Supervisor owns the ingestion workers: one goroutine per RUNNING job. It
// rehydrates job state at boot and drains workers on shutdown.
type Supervisor struct {
	repo       JobRepository
	store      recordstore.Store
	connectors *ConnectorRegistry
	mappings   MappingSource
	omop       OMOPSyncer
	scripts    *transform.Registry
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
	closed  bool
}

// worker is the in-flight state of one running job. Counters are atomic so
// readers can snapshot metrics without blocking the loop.
type worker struct {
	jobID string
	cfg   Config

	stop     chan struct{}
	stopOnce sync.Once

	received   atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	omopSynced atomic.Int64
	omopFailed atomic.Int64
	dlqDepth   atomic.Int64
}

func (w *worker) requestStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *worker) snapshot() Metrics {
	return Metrics{
		Received:    w.received.Load(),
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
		OMOPSynced:  w.omopSynced.Load(),
		OMOPFailed:  w.omopFailed.Load(),
		DLQDepth:    w.dlqDepth.Load(),
		LastUpdated: time.Now().Unix(),
	}
}

// NewSupervisor wires the ingestion engine. omopSyncer may be nil when the
// OMOP engine is not deployed; auto-sync then becomes a no-op.
func NewSupervisor(repo JobRepository, store recordstore.Store, connectors *ConnectorRegistry,
	mappings MappingSource, omopSyncer OMOPSyncer, scripts *transform.Registry,
	metrics *telemetry.Metrics, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		repo:       repo,
		store:      store,
		connectors: connectors,
		mappings:   mappings,
		omop:       omopSyncer,
		scripts:    scripts,
		metrics:    metrics,
		logger:     logger.With().Str("component", "ingestion").Logger(),
		workers:    make(map[string]*worker),
	}
}

// Rehydrate moves jobs left RUNNING by a previous process back to IDLE.
// Call once at boot before serving requests.
func (s *Supervisor) Rehydrate(ctx context.Context) (int, error) {
	n, err := s.repo.ResetRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("rehydrate ingestion jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int("jobs", n).Msg("reset jobs left running by a previous process")
	}
	return n, nil
}

// CreateJob registers a new ingestion job in IDLE.
func (s *Supervisor) CreateJob(ctx context.Context, cfg Config) (*Job, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("job name must not be empty")
	}
	if cfg.Source.Type == "" {
		return nil, fmt.Errorf("source type must not be empty")
	}
	job := &Job{
		JobID:  uuid.NewString(),
		Config: cfg,
		Status: StatusIdle,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", job.JobID).Str("name", cfg.Name).Msg("ingestion job created")
	return job, nil
}

// Get returns a job, overlaying live worker counters when it is running.
func (s *Supervisor) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.overlayLive(job)
	return job, nil
}

// List returns all jobs with live counters overlaid on running ones.
func (s *Supervisor) List(ctx context.Context) ([]*Job, error) {
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		s.overlayLive(job)
	}
	return jobs, nil
}

func (s *Supervisor) overlayLive(job *Job) {
	s.mu.Lock()
	w, ok := s.workers[job.JobID]
	s.mu.Unlock()
	if ok {
		job.Status = StatusRunning
		job.Metrics = w.snapshot()
	}
}

// Delete removes a stopped job and its staging and DLQ records.
func (s *Supervisor) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	_, running := s.workers[jobID]
	s.mu.Unlock()
	if running {
		return fmt.Errorf("job %s is running; stop it first", jobID)
	}
	if err := s.repo.Delete(ctx, jobID); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("delete job records")
	}
	return nil
}

// Start validates the job's source and destination and launches its worker.
// Validation failures transition the job to ERROR with a failure kind and
// are returned to the caller.
func (s *Supervisor) Start(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("engine is shutting down")
	}
	if _, running := s.workers[jobID]; running {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %s is already running", jobID)
	}
	s.mu.Unlock()

	fail := func(kind, msg string) (*Job, error) {
		details := &ErrorDetails{Kind: kind, Message: msg}
		if err := s.repo.UpdateState(ctx, jobID, StatusError, job.Metrics, details); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("persist error state")
		}
		job.Status = StatusError
		job.Error = details
		return job, fmt.Errorf("start job %s: %s", jobID, msg)
	}

	if err := validateDestination(job.Config.Destination); err != nil {
		return fail(ErrKindDestinationMissing, err.Error())
	}

	var rules []transform.Rule
	if id := job.Config.MappingJobID; id != "" {
		rules, err = s.mappings.ApprovedRules(ctx, id)
		if err != nil {
			return fail(ErrKindRuntime, fmt.Sprintf("resolve mapping %s: %v", id, err))
		}
	}

	conn, err := s.connectors.Open(ctx, job.Config.Source)
	if err != nil {
		return fail(ErrKindSourceMissing, err.Error())
	}

	w := &worker{jobID: jobID, cfg: job.Config, stop: make(chan struct{})}
	if err := s.repo.UpdateState(ctx, jobID, StatusRunning, Metrics{LastUpdated: time.Now().Unix()}, nil); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.workers[jobID] = w
	s.mu.Unlock()
	s.metrics.RunningJobs.Inc()
	s.wg.Add(1)
	go s.run(w, conn, rules)

	job.Status = StatusRunning
	job.Metrics = Metrics{LastUpdated: time.Now().Unix()}
	job.Error = nil
	s.logger.Info().Str("job_id", jobID).Str("source", job.Config.Source.Type).Msg("ingestion job started")
	return job, nil
}

// Stop requests a running worker to exit after its in-flight record. A
// stop for a job that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	w, running := s.workers[jobID]
	s.mu.Unlock()
	if running {
		w.requestStop()
		s.logger.Info().Str("job_id", jobID).Msg("stop requested")
	}
	return s.Get(ctx, jobID)
}

// Shutdown stops all workers and waits for them to drain within the
// timeout. Workers that do not finish in time are abandoned; their state
// is reset at next boot.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.requestStop()
	}

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		s.wg.Wait()
		close(done)
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DrainTimeout):
			return fmt.Errorf("ingestion drain timed out after %s", DrainTimeout)
		}
	})
	return g.Wait()
}

func validateDestination(dest DestinationConfig) error {
	switch dest.Type {
	case "staging":
		return nil
	case "fhir":
		if dest.ResourceType == "" {
			return fmt.Errorf("fhir destination requires a resource type")
		}
		return nil
	case "":
		return fmt.Errorf("destination type must not be empty")
	default:
		return fmt.Errorf("unknown destination type %q", dest.Type)
	}
}

// run is the worker loop. It consumes the source sequentially, so per-job
// order is preserved through transform and write.
func (s *Supervisor) run(w *worker, conn SourceConnector, rules []transform.Rule) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.metrics.RunningJobs.Dec()

	ctx := context.Background()
	logger := s.logger.With().Str("job_id", w.jobID).Logger()

	finalStatus := StatusStopped
	var finalErr *ErrorDetails

	lastPersist := time.Now()
	sincePersist := 0

loop:
	for {
		select {
		case <-w.stop:
			break loop
		default:
		}

		row, err := s.nextWithRetry(ctx, conn, w)
		var recErr *RecordError
		switch {
		case err == nil:
			w.received.Add(1)
			s.metrics.RecordsReceived.WithLabelValues(w.jobID).Inc()
			s.processRecord(ctx, w, logger, row, rules)
		case errors.As(err, &recErr):
			// A single unreadable record: dead-letter it and keep consuming.
			w.received.Add(1)
			s.metrics.RecordsReceived.WithLabelValues(w.jobID).Inc()
			s.deadLetter(ctx, w, logger, recordstore.StageSourceRead, recErr.Reason, recErr.Row)
		case errors.Is(err, errStopRequested), errors.Is(err, io.EOF):
			break loop
		default:
			finalStatus = StatusError
			finalErr = &ErrorDetails{Kind: ErrKindRuntime, Message: fmt.Sprintf("source read: %v", err)}
			break loop
		}

		sincePersist++
		if sincePersist >= persistEvery || time.Since(lastPersist) >= persistInterval {
			s.persist(ctx, w, StatusRunning, nil, logger)
			lastPersist = time.Now()
			sincePersist = 0
		}
	}

	s.mu.Lock()
	delete(s.workers, w.jobID)
	s.mu.Unlock()

	s.persist(ctx, w, finalStatus, finalErr, logger)
	logger.Info().
		Str("status", string(finalStatus)).
		Int64("received", w.received.Load()).
		Int64("processed", w.processed.Load()).
		Int64("failed", w.failed.Load()).
		Msg("ingestion job finished")
}

// processRecord runs one record through transform, write, and optional
// OMOP fan-out. Failures route to the DLQ and never abort the loop.
func (s *Supervisor) processRecord(ctx context.Context, w *worker, logger zerolog.Logger,
	row map[string]any, rules []transform.Rule) {

	doc := row
	if len(rules) > 0 {
		transformed, err := transform.Apply(rules, row, s.scripts)
		if err != nil {
			s.deadLetter(ctx, w, logger, recordstore.StageTransform, err.Error(), row)
			return
		}
		doc = transformed
	}

	if n := w.cfg.ChaosFailEvery; n > 0 && w.received.Load()%int64(n) == 0 {
		s.deadLetter(ctx, w, logger, recordstore.StageDestinationWrite, "chaos: injected write failure", row)
		return
	}

	var fhirDoc map[string]any
	switch w.cfg.Destination.Type {
	case "staging":
		if err := s.store.InsertStaging(ctx, w.jobID, doc); err != nil {
			s.deadLetter(ctx, w, logger, recordstore.StageDestinationWrite, err.Error(), row)
			return
		}
	case "fhir":
		resourceType := w.cfg.Destination.ResourceType
		if rt, ok := doc["resourceType"].(string); ok && rt != "" {
			resourceType = rt
		}
		id := deterministicID(resourceType, doc)
		doc["resourceType"] = resourceType
		doc["id"] = id
		if err := s.store.UpsertFHIR(ctx, w.jobID, resourceType, id, doc); err != nil {
			s.deadLetter(ctx, w, logger, recordstore.StageDestinationWrite, err.Error(), row)
			return
		}
		fhirDoc = doc
	}

	w.processed.Add(1)
	s.metrics.RecordsProcessed.WithLabelValues(w.jobID).Inc()

	// OMOP fan-out happens after processed is counted: a sync failure does
	// not revert the FHIR write and never inflates failed.
	if w.cfg.OMOPAutoSync && fhirDoc != nil && s.omop != nil {
		rows, err := s.omop.IngestOne(ctx, fhirDoc, w.cfg.OMOPTargetTable, true)
		if err != nil {
			w.omopFailed.Add(1)
			s.metrics.OMOPSyncFailed.WithLabelValues(w.jobID).Inc()
			logger.Warn().Err(err).Msg("omop sync failed; fhir write stands")
			return
		}
		w.omopSynced.Add(int64(len(rows)))
	}
}

func (s *Supervisor) deadLetter(ctx context.Context, w *worker, logger zerolog.Logger,
	stage recordstore.FailureStage, reason string, row map[string]any) {

	w.failed.Add(1)
	s.metrics.RecordsFailed.WithLabelValues(w.jobID).Inc()

	err := s.store.InsertDLQ(ctx, &recordstore.DLQRecord{
		JobID:    w.jobID,
		Stage:    stage,
		Reason:   reason,
		Row:      row,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error().Err(err).Str("stage", string(stage)).Msg("dead-letter write failed")
		return
	}
	w.dlqDepth.Add(1)
	logger.Debug().Str("stage", string(stage)).Str("reason", reason).Msg("record dead-lettered")
}

// nextWithRetry pulls the next record, retrying transient source errors
// with 1s/2s/4s backoff. io.EOF passes through untouched.
func (s *Supervisor) nextWithRetry(ctx context.Context, conn SourceConnector, w *worker) (map[string]any, error) {
	backoff := sourceReadBackoff
	var lastErr error
	for attempt := 0; attempt < sourceReadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-w.stop:
				return nil, errStopRequested
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		row, err := conn.Next(ctx)
		if err == nil {
			return row, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			// Per-record failure, not a source failure: no retry.
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", sourceReadAttempts, lastErr)
}

func (s *Supervisor) persist(ctx context.Context, w *worker, status JobStatus, details *ErrorDetails, logger zerolog.Logger) {
	if err := s.repo.UpdateState(ctx, w.jobID, status, w.snapshot(), details); err != nil {
		logger.Error().Err(err).Msg("persist job state")
	}
}

// deterministicID derives a stable logical id for a document. A mapped
// identifier forms the natural key, so a corrected record updates the
// existing document; content hashing is the fallback when no identifier
// survived the mapping.
func deterministicID(resourceType string, doc map[string]any) string {
	if key := identifierKey(doc); key != "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(resourceType+"/"+key)).String()
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, canonical).String()
}

// identifierKey extracts the document's natural identifier: the first FHIR
// identifier value when one is mapped, else an mrn-like source column.
func identifierKey(doc map[string]any) string {
	switch ident := doc["identifier"].(type) {
	case string:
		return normalizeIdentifier(ident)
	case map[string]any:
		if v, ok := ident["value"].(string); ok {
			return normalizeIdentifier(v)
		}
	case []any:
		for _, item := range ident {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := m["value"].(string); ok && normalizeIdentifier(v) != "" {
				return normalizeIdentifier(v)
			}
		}
	}
	for _, field := range []string{"mrn", "medical_record_number", "patient_id", "subject_id"} {
		if v, ok := doc[field].(string); ok && normalizeIdentifier(v) != "" {
			return normalizeIdentifier(v)
		}
	}
	return ""
}

func normalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
