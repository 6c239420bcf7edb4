package vocabulary

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewInMemoryApprovalRepo(), zerolog.Nop())
}

func seedConcepts(s *Service) {
	s.Add(&Concept{ConceptID: 201826, ConceptName: "Type 2 diabetes mellitus", DomainID: "Condition", VocabularyID: VocabICD10, ConceptCode: "E11.9", StandardConcept: "S"})
	s.Add(&Concept{ConceptID: 320128, ConceptName: "Essential hypertension", DomainID: "Condition", VocabularyID: VocabICD10, ConceptCode: "I10", StandardConcept: "S"})
	s.Add(&Concept{ConceptID: 317009, ConceptName: "Asthma", DomainID: "Condition", VocabularyID: VocabICD10, ConceptCode: "J45.909"})
	s.Add(&Concept{ConceptID: 3004249, ConceptName: "Systolic blood pressure", DomainID: "Measurement", VocabularyID: VocabLOINC, ConceptCode: "8480-6", StandardConcept: "S"})
}

const conceptCSV = `concept_id,concept_name,domain_id,vocabulary_id,concept_code,standard_concept,concept_class_id,valid_start_date,valid_end_date
201826,Type 2 diabetes mellitus,Condition,ICD10CM,E11.9,S,3-char billing code,1970-01-01,2099-12-31
320128,"Essential (primary) hypertension",Condition,ICD10CM,I10,S,3-char billing code,1970-01-01,2099-12-31
bad_id,Broken row,Condition,ICD10CM,X00,,,,
999,,Condition,ICD10CM,Y00,,,,
`

func TestLoadFromCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ICD10CM.csv")
	if err := os.WriteFile(path, []byte(conceptCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t)
	res, err := s.LoadFromCSV(path, "ICD10CM")
	if err != nil {
		t.Fatalf("LoadFromCSV: %v", err)
	}
	if res.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", res.Loaded)
	}
	if res.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2 (bad id + empty name)", res.Skipped)
	}

	c, err := s.LookupByCode("I10", VocabICD10)
	if err != nil {
		t.Fatalf("LookupByCode: %v", err)
	}
	if c.ConceptName != "Essential (primary) hypertension" {
		t.Errorf("quoted name mangled: %q", c.ConceptName)
	}
}

func TestSeedFromDirectory(t *testing.T) {
	dir := t.TempDir()
	csvNoVocab := "concept_id,concept_name,domain_id,concept_code\n8507,MALE,Gender,M\n8532,FEMALE,Gender,F\n"
	if err := os.WriteFile(filepath.Join(dir, "Gender.csv"), []byte(csvNoVocab), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t)
	res, err := s.SeedFromDirectory(dir)
	if err != nil {
		t.Fatalf("SeedFromDirectory: %v", err)
	}
	if res.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", res.Loaded)
	}

	// Vocabulary id comes from the file name when absent from the CSV.
	c, err := s.LookupByCode("M", VocabGender)
	if err != nil {
		t.Fatalf("LookupByCode: %v", err)
	}
	if c.ConceptID != 8507 {
		t.Errorf("concept_id = %d, want 8507", c.ConceptID)
	}
}

func TestLookupByCodeAnyVocabulary(t *testing.T) {
	s := newTestService(t)
	seedConcepts(s)

	c, err := s.LookupByCode("e11.9", "")
	if err != nil {
		t.Fatalf("LookupByCode: %v", err)
	}
	if c.ConceptID != 201826 {
		t.Errorf("concept_id = %d, want 201826", c.ConceptID)
	}

	if _, err := s.LookupByCode("ZZZ", ""); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchByText(t *testing.T) {
	s := newTestService(t)
	seedConcepts(s)

	results := s.SearchByText("pressure", "Measurement", 10)
	if len(results) != 1 || results[0].ConceptCode != "8480-6" {
		t.Fatalf("results = %+v, want the LOINC pressure concept", results)
	}

	// Domain filter excludes.
	if got := s.SearchByText("pressure", "Condition", 10); len(got) != 0 {
		t.Errorf("expected no Condition match, got %d", len(got))
	}

	// Standard concepts sort first.
	s.Add(&Concept{ConceptID: 1, ConceptName: "Asthma variant", DomainID: "Condition", VocabularyID: VocabSNOMED, ConceptCode: "195967001", StandardConcept: "S"})
	results = s.SearchByText("asthma", "", 10)
	if len(results) != 2 {
		t.Fatalf("got %d asthma results, want 2", len(results))
	}
	if !results[0].IsStandard() {
		t.Error("standard concept should rank first")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestService(t)
	seedConcepts(s)
	ctx := context.Background()

	err := s.SaveApproval(ctx, &Approval{JobID: "job-1", Field: "diagnosis_code", SourceValue: "E11.9", ConceptID: 201826})
	if err != nil {
		t.Fatalf("SaveApproval: %v", err)
	}

	a, err := s.FindApproval(ctx, "job-1", "diagnosis_code", "E11.9")
	if err != nil {
		t.Fatalf("FindApproval: %v", err)
	}
	if a.ConceptID != 201826 {
		t.Errorf("ConceptID = %d, want 201826", a.ConceptID)
	}
}

func TestApprovalGlobalFallback(t *testing.T) {
	s := newTestService(t)
	seedConcepts(s)
	ctx := context.Background()

	if err := s.SaveApproval(ctx, &Approval{JobID: "", Field: "diagnosis_code", SourceValue: "I10", ConceptID: 320128}); err != nil {
		t.Fatalf("SaveApproval: %v", err)
	}

	a, err := s.FindApproval(ctx, "some-other-job", "diagnosis_code", "I10")
	if err != nil {
		t.Fatalf("FindApproval with global fallback: %v", err)
	}
	if a.ConceptID != 320128 {
		t.Errorf("ConceptID = %d, want 320128", a.ConceptID)
	}
}

func TestApprovalRejectsUnknownConcept(t *testing.T) {
	s := newTestService(t)
	err := s.SaveApproval(context.Background(), &Approval{JobID: "j", Field: "f", SourceValue: "v", ConceptID: 42})
	if err == nil {
		t.Error("expected error for unknown concept id")
	}
}
