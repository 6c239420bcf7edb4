package omop

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/interop/interop/internal/domain/identity"
	"github.com/interop/interop/internal/domain/recordstore"
	"github.com/interop/interop/internal/domain/vocabulary"
)

// fhirListLimit bounds how many stored resources one normalization or
// persistence pass reads.
const fhirListLimit = 500

// Service is the OMOP engine: it turns stored FHIR resources into CDM
// rows, normalizes source codes to standard concepts, and persists rows
// idempotently.
type Service struct {
	store   recordstore.Store
	ids     *identity.Service
	vocab   *vocabulary.Service
	matcher *Matcher
	logger  zerolog.Logger
}

func NewService(store recordstore.Store, ids *identity.Service, vocab *vocabulary.Service, matcher *Matcher, logger zerolog.Logger) *Service {
	return &Service{store: store, ids: ids, vocab: vocab, matcher: matcher, logger: logger}
}

// -- Concept normalization --

// NormalizeRequest asks for concept suggestions for a batch of source
// values from one field.
type NormalizeRequest struct {
	JobID  string   `json:"jobId,omitempty"`
	Field  string   `json:"field"`
	Domain string   `json:"domain"`
	Values []string `json:"values"`
}

// NormalizeResult carries suggestions, their count, and where the source
// values came from.
type NormalizeResult struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message,omitempty"`
	Count       int                  `json:"count"`
	Source      string               `json:"source,omitempty"`
	Suggestions []*ConceptSuggestion `json:"suggestions"`
}

// NormalizeConcepts matches each source value to a concept. Cached
// reviewer approvals win over the matcher, per-job first then global.
// An explicit empty batch is a successful no-op; only the job-data path
// reports failure when stored data yields nothing.
func (s *Service) NormalizeConcepts(ctx context.Context, req NormalizeRequest) (*NormalizeResult, error) {
	if len(req.Values) == 0 {
		return &NormalizeResult{Success: true, Suggestions: []*ConceptSuggestion{}}, nil
	}

	res := &NormalizeResult{Success: true}
	for _, value := range req.Values {
		if a, err := s.vocab.FindApproval(ctx, req.JobID, req.Field, value); err == nil {
			if c, err := s.vocab.GetByID(a.ConceptID); err == nil {
				res.Suggestions = append(res.Suggestions,
					suggestionFromConcept(value, "", c, 1.0, StageApproved, "reviewer approved"))
				continue
			}
		}
		res.Suggestions = append(res.Suggestions, s.matcher.Match(ctx, value, "", req.Domain, ""))
	}
	res.Count = len(res.Suggestions)
	return res, nil
}

// NormalizeJobConcepts collects a job's source codes from stored data and
// normalizes them. Sources are consulted in priority order: the job's own
// FHIR resources, then the FHIR store overall, then the job's staging
// rows. It never fabricates values.
func (s *Service) NormalizeJobConcepts(ctx context.Context, jobID, domain, table string) (*NormalizeResult, error) {
	field, codes, err := s.collectJobCodes(ctx, jobID, table)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return &NormalizeResult{Success: false, Message: "No concepts to map"}, nil
	}
	res, err := s.NormalizeConcepts(ctx, NormalizeRequest{
		JobID:  jobID,
		Field:  field,
		Domain: domain,
		Values: codes,
	})
	if err != nil {
		return nil, err
	}
	res.Source = "real_data"
	return res, nil
}

// resourceTypesFor lists the FHIR types feeding a CDM table.
func resourceTypesFor(table string) []string {
	switch table {
	case TableMeasure:
		return []string{"Observation", "DiagnosticReport"}
	case TableCondition:
		return []string{"Condition"}
	case TableDrug:
		return []string{"MedicationRequest"}
	case TablePerson:
		return []string{"Patient"}
	case TableVisit:
		return []string{"Encounter"}
	}
	return []string{"Observation", "Condition", "MedicationRequest"}
}

func (s *Service) collectJobCodes(ctx context.Context, jobID, table string) (string, []string, error) {
	for _, scope := range []string{jobID, ""} {
		field, codes, err := s.codesFromFHIR(ctx, scope, table)
		if err != nil {
			return "", nil, err
		}
		if len(codes) > 0 {
			return field, codes, nil
		}
	}

	rows, err := s.store.ListStaging(ctx, jobID, fhirListLimit)
	if err != nil {
		return "", nil, fmt.Errorf("read staging for job %s: %w", jobID, err)
	}
	return codesFromStaging(rows)
}

func (s *Service) codesFromFHIR(ctx context.Context, jobID, table string) (string, []string, error) {
	seen := make(map[string]bool)
	var field string
	var codes []string
	for _, rt := range resourceTypesFor(table) {
		resources, err := s.store.ListFHIR(ctx, rt, jobID, fhirListLimit)
		if err != nil {
			return "", nil, fmt.Errorf("read fhir %s: %w", rt, err)
		}
		for _, resource := range resources {
			code, _, _ := primaryCoding(codeableFor(rt, resource))
			if code != "" && !seen[code] {
				seen[code] = true
				codes = append(codes, code)
				field = codeFieldFor(rt)
			}
		}
	}
	return field, codes, nil
}

func codeableFor(resourceType string, resource map[string]any) map[string]any {
	if resourceType == "MedicationRequest" {
		return getMap(resource, "medicationCodeableConcept")
	}
	return getMap(resource, "code")
}

func codeFieldFor(resourceType string) string {
	if resourceType == "MedicationRequest" {
		return "medicationCodeableConcept"
	}
	return "code"
}

// codesFromStaging pulls distinct values from the first staging column
// whose name suggests a code.
func codesFromStaging(rows []map[string]any) (string, []string, error) {
	seen := make(map[string]bool)
	var field string
	var codes []string
	for _, row := range rows {
		for col, v := range row {
			if !looksLikeCodeColumn(col) {
				continue
			}
			str, ok := v.(string)
			if !ok || str == "" || seen[str] {
				continue
			}
			if field == "" {
				field = col
			}
			if col != field {
				continue
			}
			seen[str] = true
			codes = append(codes, str)
		}
	}
	return field, codes, nil
}

func looksLikeCodeColumn(name string) bool {
	n := strings.ToLower(name)
	for _, kw := range []string{"code", "icd", "loinc", "rxnorm", "ndc", "snomed"} {
		if strings.Contains(n, kw) {
			return true
		}
	}
	return false
}

// -- Row generation and persistence --

// IngestOne converts a single FHIR resource into CDM rows and upserts
// them. fromIngestion tags rows synced from the ingestion pipeline.
func (s *Service) IngestOne(ctx context.Context, resource map[string]any, targetTable string, fromIngestion bool) ([]Row, error) {
	rows, err := s.rowsFor(ctx, resource, targetTable)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if fromIngestion {
			rows[i].Data["synced_from_fhir"] = true
		}
		if err := s.store.UpsertOMOP(ctx, rows[i].Table, rows[i].Key, rows[i].Data); err != nil {
			return rows[:i], fmt.Errorf("upsert %s row: %w", rows[i].Table, err)
		}
	}
	return rows, nil
}

// Preview generates up to limit rows for a job's stored FHIR resources
// without persisting anything.
func (s *Service) Preview(ctx context.Context, jobID, table string, limit int) ([]Row, error) {
	if limit <= 0 || limit > fhirListLimit {
		limit = 10
	}
	rows, err := s.generateForJob(ctx, jobID, table, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PersistAll generates and upserts CDM rows for every stored FHIR
// resource of a job. An empty table persists all supported tables.
func (s *Service) PersistAll(ctx context.Context, jobID, table string) (int, error) {
	rows, err := s.generateForJob(ctx, jobID, table, 0)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		if err := s.store.UpsertOMOP(ctx, row.Table, row.Key, row.Data); err != nil {
			return i, fmt.Errorf("upsert %s row: %w", row.Table, err)
		}
	}
	s.logger.Info().Str("job_id", jobID).Str("table", table).Int("rows", len(rows)).Msg("omop rows persisted")
	return len(rows), nil
}

func (s *Service) generateForJob(ctx context.Context, jobID, table string, limit int) ([]Row, error) {
	types := []string{"Patient", "Observation", "DiagnosticReport", "Condition", "MedicationRequest"}
	if table != "" {
		types = resourceTypesFor(table)
	}

	var out []Row
	for _, rt := range types {
		resources, err := s.store.ListFHIR(ctx, rt, jobID, fhirListLimit)
		if err != nil {
			return nil, fmt.Errorf("read fhir %s: %w", rt, err)
		}
		for _, resource := range resources {
			rows, err := s.rowsFor(ctx, resource, table)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
			if limit > 0 && len(out) >= limit {
				return out[:limit], nil
			}
		}
	}
	return out, nil
}

// rowsFor dispatches on resourceType. A resource whose person id cannot
// be derived yields no rows; missing clinical fields yield partial rows.
func (s *Service) rowsFor(ctx context.Context, resource map[string]any, targetTable string) ([]Row, error) {
	rt := getString(resource, "resourceType")
	table := targetTable
	if table == "" {
		table = fhirTableFor(rt)
	}
	if table == "" {
		return nil, fmt.Errorf("no CDM table for resource type %q", rt)
	}

	switch rt {
	case "Patient":
		return s.personRows(ctx, resource)
	case "Observation":
		return s.observationRows(ctx, resource)
	case "DiagnosticReport":
		return s.reportRows(ctx, resource)
	case "Condition":
		return s.conditionRows(ctx, resource)
	case "MedicationRequest":
		return s.medicationRows(ctx, resource)
	}
	return nil, fmt.Errorf("unsupported resource type %q", rt)
}

func (s *Service) personRows(ctx context.Context, patient map[string]any) ([]Row, error) {
	d := demographicsFromPatient(patient)
	if d.empty() {
		s.logger.Warn().Msg("dropping Patient without any demographic identifiers")
		return nil, nil
	}
	personID, err := s.ids.PersonIDForKey(ctx, d.personKey())
	if err != nil {
		return nil, fmt.Errorf("derive person_id: %w", err)
	}

	year, month, day := birthParts(d.BirthDate)
	data := map[string]any{
		"person_id":           personID,
		"gender_concept_id":   genderConceptID(d.Gender),
		"year_of_birth":       year,
		"month_of_birth":      month,
		"day_of_birth":        day,
		"person_source_value": d.MRN,
		"gender_source_value": d.Gender,
	}
	return []Row{{
		Table: TablePerson,
		Key:   map[string]any{"person_id": personID},
		Data:  data,
	}}, nil
}

// personIDForEvent resolves the person id for a clinical resource through
// its subject reference. Zero means underivable.
func (s *Service) personIDForEvent(ctx context.Context, resource map[string]any) int64 {
	patientID := subjectPatientID(resource)
	if patientID == "" {
		return 0
	}
	patient, err := s.store.GetFHIR(ctx, "Patient", patientID)
	if err != nil {
		s.logger.Warn().Str("patient_id", patientID).Msg("referenced Patient not in store")
		return 0
	}
	d := demographicsFromPatient(patient)
	if d.empty() {
		return 0
	}
	personID, err := s.ids.PersonIDForKey(ctx, d.personKey())
	if err != nil {
		return 0
	}
	return personID
}

func (s *Service) observationRows(ctx context.Context, obs map[string]any) ([]Row, error) {
	personID := s.personIDForEvent(ctx, obs)
	if personID == 0 {
		s.logger.Warn().Msg("dropping Observation without derivable person_id")
		return nil, nil
	}
	return []Row{s.measurementRow(ctx, obs, personID)}, nil
}

func (s *Service) measurementRow(ctx context.Context, obs map[string]any, personID int64) Row {
	code, display, vocab := primaryCoding(getMap(obs, "code"))
	conceptID := s.matchConceptID(ctx, code, display, "Measurement", vocab)

	date := datePart(getString(obs, "effectiveDateTime"))
	data := map[string]any{
		"person_id":                personID,
		"measurement_concept_id":   conceptID,
		"measurement_date":         date,
		"measurement_source_value": code,
		"source_value":             code,
		"start_date":               date,
	}
	if q := getMap(obs, "valueQuantity"); q != nil {
		if v, ok := q["value"].(float64); ok {
			data["value_as_number"] = v
		}
		if unit := getString(q, "unit"); unit != "" {
			data["unit_source_value"] = unit
		}
	}
	return Row{
		Table: TableMeasure,
		Key:   map[string]any{"person_id": personID, "source_value": code, "start_date": date},
		Data:  data,
	}
}

func (s *Service) reportRows(ctx context.Context, report map[string]any) ([]Row, error) {
	personID := s.personIDForEvent(ctx, report)
	if personID == 0 {
		s.logger.Warn().Msg("dropping DiagnosticReport without derivable person_id")
		return nil, nil
	}

	var rows []Row
	for _, entry := range getSlice(report, "result") {
		ref, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		obsID, found := strings.CutPrefix(getString(ref, "reference"), "Observation/")
		if !found {
			continue
		}
		obs, err := s.store.GetFHIR(ctx, "Observation", obsID)
		if err != nil {
			s.logger.Warn().Str("observation_id", obsID).Msg("report result not in store")
			continue
		}
		rows = append(rows, s.measurementRow(ctx, obs, personID))
	}
	return rows, nil
}

func (s *Service) conditionRows(ctx context.Context, cond map[string]any) ([]Row, error) {
	personID := s.personIDForEvent(ctx, cond)
	if personID == 0 {
		s.logger.Warn().Msg("dropping Condition without derivable person_id")
		return nil, nil
	}

	code, display, vocab := primaryCoding(getMap(cond, "code"))
	conceptID := s.matchConceptID(ctx, code, display, "Condition", vocab)

	date := datePart(getString(cond, "onsetDateTime"))
	if date == "" {
		date = datePart(getString(cond, "recordedDate"))
	}

	data := map[string]any{
		"person_id":              personID,
		"condition_concept_id":   conceptID,
		"condition_start_date":   date,
		"condition_source_value": code,
		"source_value":           code,
		"start_date":             date,
	}
	return []Row{{
		Table: TableCondition,
		Key:   map[string]any{"person_id": personID, "source_value": code, "start_date": date},
		Data:  data,
	}}, nil
}

func (s *Service) medicationRows(ctx context.Context, med map[string]any) ([]Row, error) {
	personID := s.personIDForEvent(ctx, med)
	if personID == 0 {
		s.logger.Warn().Msg("dropping MedicationRequest without derivable person_id")
		return nil, nil
	}

	code, display, vocab := primaryCoding(getMap(med, "medicationCodeableConcept"))
	conceptID := s.matchConceptID(ctx, code, display, "Drug", vocab)

	date := datePart(getString(med, "authoredOn"))
	data := map[string]any{
		"person_id":                personID,
		"drug_concept_id":          conceptID,
		"drug_exposure_start_date": date,
		"drug_source_value":        code,
		"source_value":             code,
		"start_date":               date,
	}
	return []Row{{
		Table: TableDrug,
		Key:   map[string]any{"person_id": personID, "source_value": code, "start_date": date},
		Data:  data,
	}}, nil
}

func (s *Service) matchConceptID(ctx context.Context, code, display, domain, vocab string) int64 {
	if code == "" {
		return 0
	}
	return s.matcher.Match(ctx, code, display, domain, vocab).ConceptID
}

// -- Approvals --

// SaveApproval records a reviewer's source-value to concept decision.
func (s *Service) SaveApproval(ctx context.Context, a *vocabulary.Approval) error {
	return s.vocab.SaveApproval(ctx, a)
}

// ListApprovals returns the approvals recorded for a job.
func (s *Service) ListApprovals(ctx context.Context, jobID string) ([]*vocabulary.Approval, error) {
	return s.vocab.ListApprovals(ctx, jobID)
}

// ListRows exposes persisted CDM rows for inspection.
func (s *Service) ListRows(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	return s.store.ListOMOP(ctx, table, limit)
}
