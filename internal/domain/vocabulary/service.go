package vocabulary

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no concept or approval matches a lookup.
var ErrNotFound = errors.New("not found")

// Service loads OMOP concepts from CSV seeds and answers exact-code lookups
// and free-text searches. Concepts are indexed in memory; the store is
// read-mostly with appends under a single writer lock.
type Service struct {
	mu          sync.RWMutex
	byID        map[int64]*Concept
	byVocabCode map[string]*Concept // key: vocabulary|code

	approvals ApprovalRepository
	logger    zerolog.Logger
}

// NewService creates an empty vocabulary service.
func NewService(approvals ApprovalRepository, logger zerolog.Logger) *Service {
	return &Service{
		byID:        make(map[int64]*Concept),
		byVocabCode: make(map[string]*Concept),
		approvals:   approvals,
		logger:      logger,
	}
}

func vocabCodeKey(vocabulary, code string) string {
	return strings.ToUpper(strings.TrimSpace(vocabulary)) + "|" + strings.ToUpper(strings.TrimSpace(code))
}

// Add inserts or replaces a concept, keyed by concept_id.
func (s *Service) Add(c *Concept) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ConceptID] = c
	s.byVocabCode[vocabCodeKey(c.VocabularyID, c.ConceptCode)] = c
}

// Count returns the number of loaded concepts.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// LoadFromCSV loads concepts from an OMOP concept CSV (RFC 4180, header
// row required). Malformed rows are logged and skipped, never fatal.
// defaultVocabulary is used when the file has no vocabulary_id column.
func (s *Service) LoadFromCSV(path, defaultVocabulary string) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read vocabulary csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["concept_id"]; !ok {
		return nil, fmt.Errorf("vocabulary csv %s: missing concept_id column", filepath.Base(path))
	}

	result := &LoadResult{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			s.logger.Warn().Err(err).Int("line", line).Str("file", filepath.Base(path)).Msg("skipping malformed vocabulary row")
			result.Skipped++
			continue
		}

		c, err := conceptFromRecord(record, col, defaultVocabulary)
		if err != nil {
			s.logger.Warn().Err(err).Int("line", line).Str("file", filepath.Base(path)).Msg("skipping malformed vocabulary row")
			result.Skipped++
			continue
		}

		s.Add(c)
		result.Loaded++
	}

	s.logger.Info().
		Str("file", filepath.Base(path)).
		Int("loaded", result.Loaded).
		Int("skipped", result.Skipped).
		Msg("vocabulary loaded")
	return result, nil
}

func conceptFromRecord(record []string, col map[string]int, defaultVocabulary string) (*Concept, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	id, err := strconv.ParseInt(get("concept_id"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad concept_id %q", get("concept_id"))
	}
	name := get("concept_name")
	if name == "" {
		return nil, fmt.Errorf("concept %d: empty concept_name", id)
	}
	code := get("concept_code")
	if code == "" {
		return nil, fmt.Errorf("concept %d: empty concept_code", id)
	}

	vocab := get("vocabulary_id")
	if vocab == "" {
		vocab = defaultVocabulary
	}

	return &Concept{
		ConceptID:       id,
		ConceptName:     name,
		DomainID:        get("domain_id"),
		VocabularyID:    vocab,
		ConceptCode:     code,
		StandardConcept: get("standard_concept"),
		ConceptClassID:  get("concept_class_id"),
		ValidStartDate:  get("valid_start_date"),
		ValidEndDate:    get("valid_end_date"),
	}, nil
}

// SeedFromDirectory loads every <Vocabulary>.csv in dir, taking the default
// vocabulary id from the file name.
func (s *Service) SeedFromDirectory(dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary seed directory: %w", err)
	}

	total := &LoadResult{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		vocab := strings.TrimSuffix(entry.Name(), ".csv")
		res, err := s.LoadFromCSV(filepath.Join(dir, entry.Name()), vocab)
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", entry.Name(), err)
		}
		total.Loaded += res.Loaded
		total.Skipped += res.Skipped
	}
	return total, nil
}

// LookupByCode returns the concept for an exact (code, vocabulary) pair.
// With an empty vocabulary the code is matched across all vocabularies.
func (s *Service) LookupByCode(code, vocabulary string) (*Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if vocabulary != "" {
		if c, ok := s.byVocabCode[vocabCodeKey(vocabulary, code)]; ok {
			return c, nil
		}
		return nil, ErrNotFound
	}

	needle := strings.ToUpper(strings.TrimSpace(code))
	for _, c := range s.byID {
		if strings.ToUpper(c.ConceptCode) == needle {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// SearchByText performs a case-insensitive free-text search over concept
// names and codes, optionally filtered by domain. Standard concepts rank
// before non-standard ones, then by name.
func (s *Service) SearchByText(text, domain string, limit int) []*Concept {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}

	s.mu.RLock()
	var matches []*Concept
	for _, c := range s.byID {
		if domain != "" && !strings.EqualFold(c.DomainID, domain) {
			continue
		}
		if strings.Contains(strings.ToLower(c.ConceptName), needle) ||
			strings.Contains(strings.ToLower(c.ConceptCode), needle) {
			matches = append(matches, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].IsStandard() != matches[j].IsStandard() {
			return matches[i].IsStandard()
		}
		return matches[i].ConceptName < matches[j].ConceptName
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// ConceptsByDomain returns up to limit concepts in a domain, standard
// concepts first. An empty domain returns concepts from all domains.
func (s *Service) ConceptsByDomain(domain string, limit int) []*Concept {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	var matches []*Concept
	for _, c := range s.byID {
		if domain != "" && !strings.EqualFold(c.DomainID, domain) {
			continue
		}
		matches = append(matches, c)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].IsStandard() != matches[j].IsStandard() {
			return matches[i].IsStandard()
		}
		return matches[i].ConceptID < matches[j].ConceptID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// GetByID returns the concept with the given concept_id.
func (s *Service) GetByID(id int64) (*Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.byID[id]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

// -- Approvals --

// SaveApproval caches a reviewer's source-value to concept decision.
func (s *Service) SaveApproval(ctx context.Context, approval *Approval) error {
	if approval.Field == "" || approval.SourceValue == "" {
		return fmt.Errorf("approval requires field and sourceValue")
	}
	if _, err := s.GetByID(approval.ConceptID); err != nil {
		return fmt.Errorf("approval references unknown concept %d", approval.ConceptID)
	}
	return s.approvals.Save(ctx, approval)
}

// FindApproval looks up a cached approval, per-job first then globally.
func (s *Service) FindApproval(ctx context.Context, jobID, field, sourceValue string) (*Approval, error) {
	return s.approvals.Find(ctx, jobID, field, sourceValue)
}

// ListApprovals returns all approvals recorded for a job.
func (s *Service) ListApprovals(ctx context.Context, jobID string) ([]*Approval, error) {
	return s.approvals.ListByJob(ctx, jobID)
}

// DeleteApproval removes a cached approval.
func (s *Service) DeleteApproval(ctx context.Context, jobID, field, sourceValue string) error {
	return s.approvals.Delete(ctx, jobID, field, sourceValue)
}
