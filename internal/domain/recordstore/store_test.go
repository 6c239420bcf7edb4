package recordstore

import (
	"context"
	"testing"
)

func TestStagingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	for i := 0; i < 3; i++ {
		if err := s.InsertStaging(ctx, "job-1", map[string]any{"i": i}); err != nil {
			t.Fatalf("InsertStaging: %v", err)
		}
	}
	if err := s.InsertStaging(ctx, "job-2", map[string]any{"i": 99}); err != nil {
		t.Fatalf("InsertStaging: %v", err)
	}

	n, err := s.CountStaging(ctx, "job-1")
	if err != nil {
		t.Fatalf("CountStaging: %v", err)
	}
	if n != 3 {
		t.Errorf("CountStaging(job-1) = %d, want 3", n)
	}

	rows, err := s.ListStaging(ctx, "job-1", 2)
	if err != nil {
		t.Fatalf("ListStaging: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("limit not honored: got %d rows", len(rows))
	}
}

func TestFHIRUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	res := map[string]any{"resourceType": "Patient", "id": "p1", "active": true}
	if err := s.UpsertFHIR(ctx, "job-1", "Patient", "p1", res); err != nil {
		t.Fatalf("UpsertFHIR: %v", err)
	}
	res2 := map[string]any{"resourceType": "Patient", "id": "p1", "active": false}
	if err := s.UpsertFHIR(ctx, "job-1", "Patient", "p1", res2); err != nil {
		t.Fatalf("UpsertFHIR: %v", err)
	}

	n, _ := s.CountFHIR(ctx, "Patient", "")
	if n != 1 {
		t.Errorf("re-upsert duplicated: count = %d, want 1", n)
	}

	got, err := s.ListFHIR(ctx, "Patient", "job-1", 10)
	if err != nil {
		t.Fatalf("ListFHIR: %v", err)
	}
	if len(got) != 1 || got[0]["active"] != false {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestFHIRUpsertRequiresTypeAndID(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.UpsertFHIR(context.Background(), "j", "", "p1", nil); err == nil {
		t.Error("expected error for empty resource type")
	}
	if err := s.UpsertFHIR(context.Background(), "j", "Patient", "", nil); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestListFHIRTypes(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	s.UpsertFHIR(ctx, "j", "Observation", "o1", map[string]any{"id": "o1"})
	s.UpsertFHIR(ctx, "j", "Patient", "p1", map[string]any{"id": "p1"})

	types, err := s.ListFHIRTypes(ctx)
	if err != nil {
		t.Fatalf("ListFHIRTypes: %v", err)
	}
	if len(types) != 2 || types[0] != "Observation" || types[1] != "Patient" {
		t.Errorf("types = %v, want sorted [Observation Patient]", types)
	}
}

func TestOMOPUpsertByNaturalKey(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	key := map[string]any{"person_id": int64(100000000000001)}
	row1 := map[string]any{"person_id": int64(100000000000001), "gender_concept_id": int64(8507)}
	row2 := map[string]any{"person_id": int64(100000000000001), "gender_concept_id": int64(8532)}

	if err := s.UpsertOMOP(ctx, "PERSON", key, row1); err != nil {
		t.Fatalf("UpsertOMOP: %v", err)
	}
	if err := s.UpsertOMOP(ctx, "PERSON", key, row2); err != nil {
		t.Fatalf("UpsertOMOP: %v", err)
	}

	n, _ := s.CountOMOP(ctx, "PERSON")
	if n != 1 {
		t.Errorf("same natural key duplicated: count = %d, want 1", n)
	}
	rows, _ := s.ListOMOP(ctx, "PERSON", 10)
	if rows[0]["gender_concept_id"] != int64(8532) {
		t.Errorf("upsert did not replace row: %+v", rows[0])
	}

	// A different key inserts a second row.
	key2 := map[string]any{"person_id": int64(100000000000002)}
	if err := s.UpsertOMOP(ctx, "PERSON", key2, map[string]any{"person_id": int64(100000000000002)}); err != nil {
		t.Fatalf("UpsertOMOP: %v", err)
	}
	if n, _ := s.CountOMOP(ctx, "PERSON"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestDLQAndDeleteJob(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	err := s.InsertDLQ(ctx, &DLQRecord{
		JobID:  "job-1",
		Stage:  StageTransform,
		Reason: "transform date_of_birth: unparseable date",
		Row:    map[string]any{"date_of_birth": "not-a-date"},
	})
	if err != nil {
		t.Fatalf("InsertDLQ: %v", err)
	}
	s.InsertStaging(ctx, "job-1", map[string]any{"a": 1})
	s.InsertStaging(ctx, "job-2", map[string]any{"b": 2})

	recs, err := s.ListDLQ(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(recs) != 1 || recs[0].Stage != StageTransform || recs[0].ID == "" {
		t.Errorf("dlq record = %+v", recs[0])
	}

	if err := s.DeleteJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if n, _ := s.CountStaging(ctx, "job-1"); n != 0 {
		t.Errorf("staging for deleted job remains: %d", n)
	}
	if n, _ := s.CountDLQ(ctx, "job-1"); n != 0 {
		t.Errorf("dlq for deleted job remains: %d", n)
	}
	if n, _ := s.CountStaging(ctx, "job-2"); n != 1 {
		t.Errorf("other job affected by delete: %d", n)
	}
}
