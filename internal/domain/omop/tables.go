// Package omop maps FHIR resources and raw schemas into OMOP CDM tables:
// table prediction, four-stage concept normalization, and row generation
// with idempotent persistence.
package omop

import (
	"sort"
	"strings"

	"github.com/interop/interop/internal/domain/schema"
)

// Supported CDM tables.
const (
	TablePerson    = "PERSON"
	TableVisit     = "VISIT_OCCURRENCE"
	TableCondition = "CONDITION_OCCURRENCE"
	TableMeasure   = "MEASUREMENT"
	TableDrug      = "DRUG_EXPOSURE"
)

// tableIndicators holds the field-name signals for each CDM table.
var tableIndicators = map[string][]string{
	TablePerson:    {"firstname", "lastname", "dateofbirth", "dob", "gender", "sex", "mrn", "race", "ethnicity"},
	TableVisit:     {"encounter", "visit", "admission", "admit", "discharge", "ward", "department"},
	TableCondition: {"diagnosis", "icd", "condition", "onset"},
	TableMeasure:   {"lab", "loinc", "result", "observation", "measurement", "unit", "specimen"},
	TableDrug:      {"medication", "drug", "rxnorm", "ndc", "dose", "dosage", "prescri", "refill"},
}

// TablePrediction ranks CDM tables for a source schema.
type TablePrediction struct {
	Table                   string             `json:"table"`
	Confidence              float64            `json:"confidence"`
	Alternatives            []string           `json:"alternatives"`
	Scores                  map[string]float64 `json:"scores,omitempty"`
	ManualReviewRecommended bool               `json:"manualReviewRecommended"`
}

// PredictTable picks the CDM table a source schema most likely feeds,
// with the top-3 alternatives.
func PredictTable(source schema.Schema) *TablePrediction {
	scores := make(map[string]float64, len(tableIndicators))
	for table := range tableIndicators {
		scores[table] = 0
	}
	for field := range source {
		n := strings.ToLower(strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(field))
		for table, keywords := range tableIndicators {
			for _, kw := range keywords {
				if strings.Contains(n, kw) {
					scores[table]++
					break
				}
			}
		}
	}

	ranked := make([]string, 0, len(scores))
	for t := range scores {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	pred := &TablePrediction{
		Table:        ranked[0],
		Alternatives: ranked[:3],
		Scores:       scores,
	}
	winner, runnerUp := scores[ranked[0]], scores[ranked[1]]
	if winner == 0 {
		pred.Table = TablePerson
		pred.Confidence = 0.5
		pred.ManualReviewRecommended = true
		return pred
	}
	pred.Confidence = 0.6 + 0.35*(winner-runnerUp)/winner
	if pred.Confidence > 0.95 {
		pred.Confidence = 0.95
	}
	pred.ManualReviewRecommended = pred.Confidence < 0.70
	return pred
}

// fhirTableFor maps a FHIR resource type to its default CDM table.
func fhirTableFor(resourceType string) string {
	switch resourceType {
	case "Patient":
		return TablePerson
	case "Observation", "DiagnosticReport":
		return TableMeasure
	case "Condition":
		return TableCondition
	case "MedicationRequest":
		return TableDrug
	case "Encounter":
		return TableVisit
	}
	return ""
}
