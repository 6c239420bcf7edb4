package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/interop/interop/internal/domain/omop"
	"github.com/interop/interop/internal/domain/recordstore"
	"github.com/interop/interop/internal/domain/transform"
	"github.com/interop/interop/internal/platform/telemetry"
)

type fakeMappings struct {
	rules map[string][]transform.Rule
}

func (f *fakeMappings) ApprovedRules(_ context.Context, jobID string) ([]transform.Rule, error) {
	rules, ok := f.rules[jobID]
	if !ok {
		return nil, fmt.Errorf("mapping job %s is not approved", jobID)
	}
	return rules, nil
}

type fakeOMOP struct {
	rowsPerCall int
	err         error
	calls       atomic.Int64
}

func (f *fakeOMOP) IngestOne(_ context.Context, _ map[string]any, _ string, _ bool) ([]omop.Row, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return make([]omop.Row, f.rowsPerCall), nil
}

type testEngine struct {
	sup      *Supervisor
	repo     *InMemoryJobRepo
	store    *recordstore.InMemoryStore
	registry *ConnectorRegistry
	mappings *fakeMappings
	omop     *fakeOMOP
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{
		repo:     NewInMemoryJobRepo(),
		store:    recordstore.NewInMemoryStore(),
		registry: NewConnectorRegistry(),
		mappings: &fakeMappings{rules: make(map[string][]transform.Rule)},
		omop:     &fakeOMOP{rowsPerCall: 1},
	}
	te.sup = NewSupervisor(te.repo, te.store, te.registry, te.mappings, te.omop,
		transform.NewRegistry(), telemetry.New(), zerolog.Nop())
	return te
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// waitFinal polls until the job leaves RUNNING or the deadline expires.
func waitFinal(t *testing.T, te *testEngine, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := te.sup.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status != StatusRunning {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish within deadline")
	return nil
}

func startAndWait(t *testing.T, te *testEngine, cfg Config) *Job {
	t.Helper()
	ctx := context.Background()
	job, err := te.sup.CreateJob(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return waitFinal(t, te, job.JobID)
}

func TestCSVToPatientHappyPath(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "patient_id,first_name,last_name,gender,birth_date\nP001,John,Doe,male,1990-01-15\n")

	te.mappings.rules["map-1"] = []transform.Rule{
		{Kind: transform.KindDirect, SourceField: "first_name", TargetField: "name[0].given[0]"},
		{Kind: transform.KindDirect, SourceField: "last_name", TargetField: "name[0].family"},
		{Kind: transform.KindDirect, SourceField: "gender", TargetField: "gender"},
		{Kind: transform.KindDirect, SourceField: "birth_date", TargetField: "birthDate"},
	}

	job := startAndWait(t, te, Config{
		Name:         "csv to patient",
		Source:       SourceConfig{Type: "csvFile", Path: path},
		Destination:  DestinationConfig{Type: "fhir", ResourceType: "Patient"},
		MappingJobID: "map-1",
	})

	if job.Status != StatusStopped {
		t.Fatalf("status = %s, want STOPPED (error: %+v)", job.Status, job.Error)
	}
	if job.Metrics.Received != 1 || job.Metrics.Processed != 1 || job.Metrics.Failed != 0 {
		t.Errorf("metrics = %+v", job.Metrics)
	}

	ctx := context.Background()
	docs, err := te.store.ListFHIR(ctx, "Patient", job.JobID, 10)
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListFHIR = %v docs, err %v", len(docs), err)
	}
	doc := docs[0]
	if doc["gender"] != "male" || doc["birthDate"] != "1990-01-15" {
		t.Errorf("doc = %+v", doc)
	}
	name := doc["name"].([]any)[0].(map[string]any)
	if name["family"] != "Doe" || name["given"].([]any)[0] != "John" {
		t.Errorf("name = %+v", name)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "patient_id,gender\nP001,male\n")
	ctx := context.Background()

	job, err := te.sup.CreateJob(ctx, Config{
		Name:        "replay",
		Source:      SourceConfig{Type: "csvFile", Path: path},
		Destination: DestinationConfig{Type: "fhir", ResourceType: "Patient"},
	})
	if err != nil {
		t.Fatal(err)
	}

	for run := 0; run < 2; run++ {
		if _, err := te.sup.Start(ctx, job.JobID); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		final := waitFinal(t, te, job.JobID)
		if final.Status != StatusStopped || final.Metrics.Processed != 1 {
			t.Fatalf("run %d: %+v", run, final)
		}
	}

	if n, _ := te.store.CountFHIR(ctx, "Patient", job.JobID); n != 1 {
		t.Errorf("replay produced %d documents, want 1", n)
	}
}

func TestTransformFailureDeadLetters(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "patient_id,birth_date\nP001,not-a-date\n")

	te.mappings.rules["map-1"] = []transform.Rule{
		{Kind: transform.KindFormatDate, SourceField: "birth_date", TargetField: "birthDate"},
	}

	job := startAndWait(t, te, Config{
		Name:         "bad date",
		Source:       SourceConfig{Type: "csvFile", Path: path},
		Destination:  DestinationConfig{Type: "fhir", ResourceType: "Patient"},
		MappingJobID: "map-1",
	})

	if job.Metrics.Received != 1 || job.Metrics.Processed != 0 || job.Metrics.Failed != 1 {
		t.Fatalf("metrics = %+v", job.Metrics)
	}

	dlq, err := te.store.ListDLQ(context.Background(), job.JobID, 10)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("dlq = %d entries, err %v", len(dlq), err)
	}
	if dlq[0].Stage != recordstore.StageTransform {
		t.Errorf("stage = %s", dlq[0].Stage)
	}
	if dlq[0].Reason == "" || dlq[0].Reason[:9] != "transform" {
		t.Errorf("reason = %q, want transform prefix", dlq[0].Reason)
	}
}

func TestEmptySourceCompletesClean(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "patient_id,gender\n")

	job := startAndWait(t, te, Config{
		Name:        "empty",
		Source:      SourceConfig{Type: "csvFile", Path: path},
		Destination: DestinationConfig{Type: "staging"},
	})

	if job.Status != StatusStopped {
		t.Errorf("status = %s, want STOPPED", job.Status)
	}
	if job.Metrics.Received != 0 || job.Metrics.Processed != 0 || job.Metrics.Failed != 0 {
		t.Errorf("metrics = %+v", job.Metrics)
	}
	if n, _ := te.store.CountDLQ(context.Background(), job.JobID); n != 0 {
		t.Errorf("dlq depth = %d", n)
	}
}

func TestMalformedRowDeadLettersAndContinues(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "patient_id,gender\nP001,male\nP002,\"bad\"x\nP003,female\n")

	job := startAndWait(t, te, Config{
		Name:        "bad row",
		Source:      SourceConfig{Type: "csvFile", Path: path},
		Destination: DestinationConfig{Type: "staging"},
	})

	if job.Status != StatusStopped {
		t.Fatalf("status = %s (error: %+v)", job.Status, job.Error)
	}
	m := job.Metrics
	if m.Received != 3 || m.Processed != 2 || m.Failed != 1 {
		t.Errorf("metrics = %+v, want received 3 processed 2 failed 1", m)
	}

	dlq, err := te.store.ListDLQ(context.Background(), job.JobID, 10)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("dlq = %d entries, err %v", len(dlq), err)
	}
	if dlq[0].Stage != recordstore.StageSourceRead {
		t.Errorf("stage = %s, want sourceRead", dlq[0].Stage)
	}
	if n, _ := te.store.CountStaging(context.Background(), job.JobID); n != 2 {
		t.Errorf("staged rows = %d, want 2", n)
	}
}

func TestCorrectedRecordUpdatesExistingDocument(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	path := writeCSV(t, "mrn,gender\nMRN-7,male\n")

	job, err := te.sup.CreateJob(ctx, Config{
		Name:        "correction",
		Source:      SourceConfig{Type: "csvFile", Path: path},
		Destination: DestinationConfig{Type: "fhir", ResourceType: "Patient"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}
	waitFinal(t, te, job.JobID)

	// Same identifier, corrected field: must update, not duplicate.
	if err := os.WriteFile(path, []byte("mrn,gender\nMRN-7,female\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}
	waitFinal(t, te, job.JobID)

	if n, _ := te.store.CountFHIR(ctx, "Patient", job.JobID); n != 1 {
		t.Fatalf("documents = %d, want 1", n)
	}
	docs, _ := te.store.ListFHIR(ctx, "Patient", job.JobID, 10)
	if docs[0]["gender"] != "female" {
		t.Errorf("doc = %+v, want corrected gender", docs[0])
	}
}

func TestDeterministicIDPrefersIdentifier(t *testing.T) {
	a := deterministicID("Patient", map[string]any{
		"identifier": []any{map[string]any{"value": "MRN-7"}}, "gender": "male",
	})
	b := deterministicID("Patient", map[string]any{
		"identifier": []any{map[string]any{"value": "MRN-7"}}, "gender": "female",
	})
	if a != b {
		t.Error("same identifier must yield the same id regardless of content")
	}
	c := deterministicID("Observation", map[string]any{
		"identifier": []any{map[string]any{"value": "MRN-7"}},
	})
	if c == a {
		t.Error("ids must not collide across resource types")
	}
	d := deterministicID("Patient", map[string]any{"gender": "male"})
	e := deterministicID("Patient", map[string]any{"gender": "female"})
	if d == e {
		t.Error("without an identifier, distinct content must yield distinct ids")
	}
}

func TestChaosKeepsMetricsInvariant(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "id\n1\n2\n3\n4\n")

	job := startAndWait(t, te, Config{
		Name:           "chaos",
		Source:         SourceConfig{Type: "csvFile", Path: path},
		Destination:    DestinationConfig{Type: "staging"},
		ChaosFailEvery: 2,
	})

	m := job.Metrics
	if m.Received != 4 || m.Processed != 2 || m.Failed != 2 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Received < m.Processed+m.Failed {
		t.Errorf("received %d < processed %d + failed %d", m.Received, m.Processed, m.Failed)
	}
	if m.DLQDepth != 2 {
		t.Errorf("dlq depth = %d", m.DLQDepth)
	}
}

func TestPreflightSourceMissing(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	job, err := te.sup.CreateJob(ctx, Config{
		Name:        "missing source",
		Source:      SourceConfig{Type: "csvFile", Path: "no/such/file.csv"},
		Destination: DestinationConfig{Type: "staging"},
	})
	if err != nil {
		t.Fatal(err)
	}

	failed, err := te.sup.Start(ctx, job.JobID)
	if err == nil {
		t.Fatal("Start must fail for a missing source")
	}
	if failed.Status != StatusError || failed.Error == nil || failed.Error.Kind != ErrKindSourceMissing {
		t.Errorf("job = %+v error = %+v", failed.Status, failed.Error)
	}

	stored, _ := te.repo.Get(ctx, job.JobID)
	if stored.Status != StatusError {
		t.Errorf("persisted status = %s", stored.Status)
	}
}

func TestPreflightDestinationMissing(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	path := writeCSV(t, "id\n1\n")

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:        "no resource type",
		Source:      SourceConfig{Type: "csvFile", Path: path},
		Destination: DestinationConfig{Type: "fhir"},
	})

	failed, err := te.sup.Start(ctx, job.JobID)
	if err == nil {
		t.Fatal("Start must fail without a resource type")
	}
	if failed.Error == nil || failed.Error.Kind != ErrKindDestinationMissing {
		t.Errorf("error = %+v", failed.Error)
	}
}

func TestPreflightUnapprovedMapping(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	path := writeCSV(t, "id\n1\n")

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:         "dangling mapping",
		Source:       SourceConfig{Type: "csvFile", Path: path},
		Destination:  DestinationConfig{Type: "staging"},
		MappingJobID: "never-approved",
	})

	failed, err := te.sup.Start(ctx, job.JobID)
	if err == nil {
		t.Fatal("Start must fail with an unapproved mapping")
	}
	if failed.Error == nil || failed.Error.Kind != ErrKindRuntime {
		t.Errorf("error = %+v", failed.Error)
	}
}

type infiniteConnector struct {
	n atomic.Int64
}

func (c *infiniteConnector) Next(_ context.Context) (map[string]any, error) {
	time.Sleep(time.Millisecond)
	return map[string]any{"seq": c.n.Add(1)}, nil
}

func (c *infiniteConnector) Close() error { return nil }

func TestStopFinishesInFlightRecord(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.registry.Register("infinite", func(_ context.Context, _ SourceConfig) (SourceConnector, error) {
		return &infiniteConnector{}, nil
	})

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:        "stop test",
		Source:      SourceConfig{Type: "infinite"},
		Destination: DestinationConfig{Type: "staging"},
	})
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}

	// Let a few records flow, then stop.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		live, _ := te.sup.Get(ctx, job.JobID)
		if live.Metrics.Processed >= 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := te.sup.Stop(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}

	final := waitFinal(t, te, job.JobID)
	if final.Status != StatusStopped {
		t.Errorf("status = %s, want STOPPED", final.Status)
	}
	if final.Metrics.Processed > final.Metrics.Received {
		t.Errorf("processed %d > received %d", final.Metrics.Processed, final.Metrics.Received)
	}

	// A second stop on a finished job is a no-op.
	if _, err := te.sup.Stop(ctx, job.JobID); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestOMOPFanOutCountedSeparately(t *testing.T) {
	te := newTestEngine(t)
	path := writeCSV(t, "patient_id,gender\nP001,male\nP002,female\n")

	job := startAndWait(t, te, Config{
		Name:         "fanout",
		Source:       SourceConfig{Type: "csvFile", Path: path},
		Destination:  DestinationConfig{Type: "fhir", ResourceType: "Patient"},
		OMOPAutoSync: true,
	})

	if job.Metrics.Processed != 2 || job.Metrics.OMOPSynced != 2 {
		t.Errorf("metrics = %+v", job.Metrics)
	}
	if te.omop.calls.Load() != 2 {
		t.Errorf("syncer calls = %d", te.omop.calls.Load())
	}
}

func TestOMOPFailureDoesNotRevertFHIR(t *testing.T) {
	te := newTestEngine(t)
	te.omop.err = errors.New("omop store down")
	path := writeCSV(t, "patient_id,gender\nP001,male\n")

	job := startAndWait(t, te, Config{
		Name:         "fanout failure",
		Source:       SourceConfig{Type: "csvFile", Path: path},
		Destination:  DestinationConfig{Type: "fhir", ResourceType: "Patient"},
		OMOPAutoSync: true,
	})

	m := job.Metrics
	if m.Processed != 1 || m.Failed != 0 {
		t.Errorf("omop failure must not touch processed/failed: %+v", m)
	}
	if m.OMOPFailed != 1 {
		t.Errorf("omopFailed = %d", m.OMOPFailed)
	}
	if n, _ := te.store.CountFHIR(context.Background(), "Patient", job.JobID); n != 1 {
		t.Error("fhir write must stand after omop failure")
	}
}

func TestSourceReadRetryThenError(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.registry.Register("broken", func(_ context.Context, _ SourceConfig) (SourceConnector, error) {
		return &sliceConnector{err: errors.New("disk gone")}, nil
	})

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:        "broken source",
		Source:      SourceConfig{Type: "broken"},
		Destination: DestinationConfig{Type: "staging"},
	})
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}

	// Three attempts with 1s/2s backoff before giving up.
	deadline := time.Now().Add(10 * time.Second)
	var final *Job
	for time.Now().Before(deadline) {
		final, _ = te.sup.Get(ctx, job.JobID)
		if final.Status != StatusRunning {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if final.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", final.Status)
	}
	if final.Error == nil || final.Error.Kind != ErrKindRuntime {
		t.Errorf("error = %+v", final.Error)
	}
}

func TestRehydrateResetsRunning(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:        "orphan",
		Source:      SourceConfig{Type: "csvFile", Path: "x.csv"},
		Destination: DestinationConfig{Type: "staging"},
	})
	if err := te.repo.UpdateState(ctx, job.JobID, StatusRunning, Metrics{}, nil); err != nil {
		t.Fatal(err)
	}

	n, err := te.sup.Rehydrate(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Rehydrate = %d, %v", n, err)
	}
	reset, _ := te.repo.Get(ctx, job.JobID)
	if reset.Status != StatusIdle {
		t.Errorf("status = %s, want IDLE", reset.Status)
	}
}

func TestDeleteRefusedWhileRunning(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.registry.Register("infinite", func(_ context.Context, _ SourceConfig) (SourceConnector, error) {
		return &infiniteConnector{}, nil
	})

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:        "busy",
		Source:      SourceConfig{Type: "infinite"},
		Destination: DestinationConfig{Type: "staging"},
	})
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}
	if err := te.sup.Delete(ctx, job.JobID); err == nil {
		t.Error("delete must be refused while running")
	}

	te.sup.Stop(ctx, job.JobID)
	waitFinal(t, te, job.JobID)
	if err := te.sup.Delete(ctx, job.JobID); err != nil {
		t.Errorf("delete after stop: %v", err)
	}
}

func TestShutdownDrainsWorkers(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.registry.Register("infinite", func(_ context.Context, _ SourceConfig) (SourceConnector, error) {
		return &infiniteConnector{}, nil
	})

	job, _ := te.sup.CreateJob(ctx, Config{
		Name:        "drain",
		Source:      SourceConfig{Type: "infinite"},
		Destination: DestinationConfig{Type: "staging"},
	})
	if _, err := te.sup.Start(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}

	if err := te.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	final, _ := te.repo.Get(ctx, job.JobID)
	if final.Status != StatusStopped {
		t.Errorf("status = %s, want STOPPED after drain", final.Status)
	}

	if _, err := te.sup.Start(ctx, job.JobID); err == nil {
		t.Error("start after shutdown must be refused")
	}
}
