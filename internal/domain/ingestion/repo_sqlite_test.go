package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/interop/interop/internal/platform/db"
)

func newSQLiteRepo(t *testing.T) *SQLiteJobRepo {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "interop.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := db.NewMigrator(conn, "").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteJobRepo(conn)
}

func TestSQLiteIngestionJobRoundTrip(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	job := &Job{
		JobID: "job-1",
		Config: Config{
			Name:            "nightly load",
			Source:          SourceConfig{Type: "csvFile", Path: "patients.csv"},
			Destination:     DestinationConfig{Type: "fhir", ResourceType: "Patient"},
			MappingJobID:    "map-1",
			OMOPAutoSync:    true,
			OMOPTargetTable: "PERSON",
		},
	}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusIdle {
		t.Errorf("status = %s, want IDLE", got.Status)
	}
	if got.Config.Source.Path != "patients.csv" || !got.Config.OMOPAutoSync {
		t.Errorf("config = %+v", got.Config)
	}
	if got.Error != nil {
		t.Errorf("fresh job has error %+v", got.Error)
	}
}

func TestSQLiteUpdateStatePersistsMetricsAndError(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	job := &Job{JobID: "job-1", Config: Config{Name: "x", Source: SourceConfig{Type: "csvFile", Path: "x.csv"}}}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	metrics := Metrics{Received: 10, Processed: 8, Failed: 2, DLQDepth: 2, LastUpdated: 1700000000}
	details := &ErrorDetails{Kind: ErrKindRuntime, Message: "source read: disk gone"}
	if err := repo.UpdateState(ctx, "job-1", StatusError, metrics, details); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	got, err := repo.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusError || got.Metrics != metrics {
		t.Errorf("got = %+v", got)
	}
	if got.Error == nil || got.Error.Kind != ErrKindRuntime {
		t.Errorf("error = %+v", got.Error)
	}

	// Clearing the error on a successful restart.
	if err := repo.UpdateState(ctx, "job-1", StatusRunning, Metrics{}, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.Get(ctx, "job-1")
	if got.Error != nil {
		t.Errorf("error not cleared: %+v", got.Error)
	}

	if err := repo.UpdateState(ctx, "absent", StatusIdle, Metrics{}, nil); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestSQLiteResetRunning(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		job := &Job{JobID: id, Config: Config{Name: id, Source: SourceConfig{Type: "csvFile", Path: "x.csv"}}}
		if err := repo.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	repo.UpdateState(ctx, "a", StatusRunning, Metrics{}, nil)
	repo.UpdateState(ctx, "b", StatusRunning, Metrics{}, nil)

	n, err := repo.ResetRunning(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ResetRunning = %d, %v", n, err)
	}
	for _, id := range []string{"a", "b"} {
		job, _ := repo.Get(ctx, id)
		if job.Status != StatusIdle {
			t.Errorf("job %s status = %s", id, job.Status)
		}
	}

	jobs, err := repo.List(ctx)
	if err != nil || len(jobs) != 3 {
		t.Fatalf("List = %d jobs, %v", len(jobs), err)
	}
}
