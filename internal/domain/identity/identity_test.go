package identity

import (
	"context"
	"testing"
)

func TestDeriveIDIsFifteenDigits(t *testing.T) {
	keys := []string{"mrn-12345", "john|doe|1980-01-01", "x", ""}
	for _, k := range keys {
		id := DeriveID(k)
		if id < 100_000_000_000_000 || id > 999_999_999_999_999 {
			t.Errorf("DeriveID(%q) = %d, want 15-digit value", k, id)
		}
	}
}

func TestPersonIDDeterministicAcrossInstances(t *testing.T) {
	ctx := context.Background()

	a := NewService(NewInMemoryCacheRepo())
	b := NewService(NewInMemoryCacheRepo())

	id1, err := a.PersonID(ctx, "MRN-001", "", "", "")
	if err != nil {
		t.Fatalf("PersonID: %v", err)
	}
	id2, err := b.PersonID(ctx, "mrn-001 ", "", "", "")
	if err != nil {
		t.Fatalf("PersonID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same MRN produced %d and %d; normalization must make them equal", id1, id2)
	}
}

func TestPersonKeyPrefersMRN(t *testing.T) {
	withMRN := PersonKey("MRN-9", "John", "Doe", "1980-01-01")
	if withMRN != "mrn-9" {
		t.Errorf("PersonKey with MRN = %q, want %q", withMRN, "mrn-9")
	}

	noMRN := PersonKey("", "John", "Doe", "1980-01-01")
	if noMRN != "john|doe|1980-01-01" {
		t.Errorf("PersonKey without MRN = %q", noMRN)
	}
}

func TestDistinctKeysDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := NewService(NewInMemoryCacheRepo())

	seen := make(map[int64]string)
	demos := [][4]string{
		{"MRN-1", "", "", ""},
		{"MRN-2", "", "", ""},
		{"", "John", "Doe", "1980-01-01"},
		{"", "Jane", "Doe", "1980-01-01"},
	}
	for _, d := range demos {
		id, err := s.PersonID(ctx, d[0], d[1], d[2], d[3])
		if err != nil {
			t.Fatalf("PersonID(%v): %v", d, err)
		}
		if prev, ok := seen[id]; ok {
			t.Errorf("collision: %v and %s share id %d", d, prev, id)
		}
		seen[id] = PersonKey(d[0], d[1], d[2], d[3])
	}
}

func TestVisitIDScopedToPerson(t *testing.T) {
	ctx := context.Background()
	s := NewService(NewInMemoryCacheRepo())

	v1, err := s.VisitOccurrenceID(ctx, "mrn-1", "V100")
	if err != nil {
		t.Fatalf("VisitOccurrenceID: %v", err)
	}
	v2, err := s.VisitOccurrenceID(ctx, "mrn-2", "V100")
	if err != nil {
		t.Fatalf("VisitOccurrenceID: %v", err)
	}
	if v1 == v2 {
		t.Error("same visit id under different persons must not collide")
	}

	again, err := s.VisitOccurrenceID(ctx, "mrn-1", "v100 ")
	if err != nil {
		t.Fatalf("VisitOccurrenceID: %v", err)
	}
	if again != v1 {
		t.Errorf("visit id not stable: %d vs %d", again, v1)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	s := NewService(NewInMemoryCacheRepo())
	if _, err := s.PersonID(context.Background(), "", "", "", ""); err == nil {
		t.Error("expected error for empty demographics")
	}
}

// countingRepo records Put calls so the cache hit path is observable.
type countingRepo struct {
	*InMemoryCacheRepo
	puts int
}

func (r *countingRepo) Put(ctx context.Context, key string, kind Kind, id int64) error {
	r.puts++
	return r.InMemoryCacheRepo.Put(ctx, key, kind, id)
}

func TestCacheHitSkipsPut(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{InMemoryCacheRepo: NewInMemoryCacheRepo()}
	s := NewService(repo)

	first, err := s.PersonID(ctx, "MRN-7", "", "", "")
	if err != nil {
		t.Fatalf("PersonID: %v", err)
	}
	second, err := s.PersonID(ctx, "MRN-7", "", "", "")
	if err != nil {
		t.Fatalf("PersonID: %v", err)
	}
	if first != second {
		t.Errorf("ids differ across calls: %d vs %d", first, second)
	}
	if repo.puts != 1 {
		t.Errorf("puts = %d, want 1 (second call should hit the cache)", repo.puts)
	}
}
