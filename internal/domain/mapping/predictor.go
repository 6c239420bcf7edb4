package mapping

import (
	"sort"
	"strings"

	"github.com/interop/interop/internal/domain/schema"
)

// Keyword weights for resource prediction.
const (
	primaryWeight   = 5
	secondaryWeight = 2
)

// resourceIndicators maps each candidate FHIR resource type to its
// primary and secondary field-name indicators. Demographic identifiers
// carry their own graded weights under Patient.
type resourceIndicators struct {
	primary   []string
	secondary []string
}

var predictorIndicators = map[string]resourceIndicators{
	"Patient": {
		primary:   []string{"firstname", "lastname", "givenname", "familyname", "dateofbirth", "dob", "gender", "sex"},
		secondary: []string{"address", "phone", "email", "maritalstatus", "race", "ethnicity", "language"},
	},
	"Observation": {
		primary:   []string{"labcode", "loinc", "resultvalue", "observationvalue", "labresult"},
		secondary: []string{"unit", "referencerange", "abnormalflag", "specimen", "resultdate"},
	},
	"Condition": {
		primary:   []string{"diagnosiscode", "icd", "conditioncode", "diagnosis"},
		secondary: []string{"onsetdate", "severity", "clinicalstatus", "resolveddate"},
	},
	"MedicationRequest": {
		primary:   []string{"medicationcode", "rxnorm", "ndc", "drugcode", "medicationname"},
		secondary: []string{"dosage", "dose", "frequency", "route", "refills", "prescriber", "quantity"},
	},
	"Procedure": {
		primary:   []string{"procedurecode", "cpt", "hcpcs", "surgery"},
		secondary: []string{"proceduredate", "bodysite", "performer", "outcome"},
	},
	"Encounter": {
		primary:   []string{"encounterid", "visitid", "admissiondate", "admitdate", "dischargedate"},
		secondary: []string{"encounterclass", "visittype", "location", "department", "ward"},
	},
	"DiagnosticReport": {
		primary:   []string{"reportid", "panelcode", "reportstatus", "diagnosticreport"},
		secondary: []string{"category", "conclusion", "issued", "panel"},
	},
}

// demographicIdentifiers contribute graded weight to the Patient score:
// an MRN is a stronger person signal than a generic id column.
var demographicIdentifiers = map[string]int{
	"mrn": 3, "medicalrecordnumber": 3, "ssn": 3,
	"patientid": 2, "memberid": 2,
	"id": 1, "identifier": 1,
}

// PredictResource picks the FHIR resource type a source schema most
// likely represents. When nothing matches, the prediction falls back to
// Patient at minimum confidence with manual review recommended.
func PredictResource(source schema.Schema) *ResourcePrediction {
	scores := make(map[string]float64, len(predictorIndicators))
	for resource := range predictorIndicators {
		scores[resource] = 0
	}

	for field := range source {
		n := strings.ReplaceAll(normalizeField(field), " ", "")
		for resource, ind := range predictorIndicators {
			for _, kw := range ind.primary {
				if strings.Contains(n, kw) {
					scores[resource] += primaryWeight
					break
				}
			}
			for _, kw := range ind.secondary {
				if strings.Contains(n, kw) {
					scores[resource] += secondaryWeight
					break
				}
			}
		}
		for kw, w := range demographicIdentifiers {
			if n == kw {
				scores["Patient"] += float64(w)
				break
			}
		}
	}

	ranked := make([]string, 0, len(scores))
	for r := range scores {
		ranked = append(ranked, r)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	winner, runnerUp := ranked[0], ranked[1]
	if scores[winner] == 0 {
		return &ResourcePrediction{
			ResourceType:            "Patient",
			Confidence:              0.60,
			Scores:                  scores,
			ManualReviewRecommended: true,
		}
	}

	margin := (scores[winner] - scores[runnerUp]) / scores[winner]
	confidence := 0.6 + 0.35*margin
	if confidence < 0.6 {
		confidence = 0.6
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return &ResourcePrediction{
		ResourceType:            winner,
		Confidence:              round2(confidence),
		Scores:                  scores,
		ManualReviewRecommended: confidence < 0.70,
	}
}

// KeyIndicators returns the source fields that matched the winning
// resource's indicator set, for display alongside the prediction.
func KeyIndicators(source schema.Schema, resourceType string) []string {
	ind, ok := predictorIndicators[resourceType]
	if !ok {
		return nil
	}
	var out []string
	for field := range source {
		n := strings.ReplaceAll(normalizeField(field), " ", "")
		matched := false
		for _, kw := range append(append([]string{}, ind.primary...), ind.secondary...) {
			if strings.Contains(n, kw) {
				matched = true
				break
			}
		}
		if !matched && resourceType == "Patient" {
			if _, ok := demographicIdentifiers[n]; ok {
				matched = true
			}
		}
		if matched {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}
