package omop

import (
	"strings"

	"github.com/interop/interop/internal/domain/identity"
	"github.com/interop/interop/internal/domain/vocabulary"
)

// Gender concept ids from the OMOP Gender vocabulary.
const (
	GenderMale    = 8507
	GenderFemale  = 8532
	GenderUnknown = 0
)

// Row is one generated CDM row with its upsert key.
type Row struct {
	Table string         `json:"table"`
	Key   map[string]any `json:"key"`
	Data  map[string]any `json:"data"`
}

func getString(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func getMap(doc map[string]any, key string) map[string]any {
	if v, ok := doc[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getSlice(doc map[string]any, key string) []any {
	if v, ok := doc[key].([]any); ok {
		return v
	}
	return nil
}

func firstMap(items []any) map[string]any {
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// patientDemographics are the fields the person key is built from.
type patientDemographics struct {
	MRN       string
	Given     string
	Family    string
	BirthDate string
	Gender    string
}

func demographicsFromPatient(patient map[string]any) patientDemographics {
	d := patientDemographics{
		BirthDate: getString(patient, "birthDate"),
		Gender:    getString(patient, "gender"),
	}
	if ident := firstMap(getSlice(patient, "identifier")); ident != nil {
		d.MRN = getString(ident, "value")
	}
	if name := firstMap(getSlice(patient, "name")); name != nil {
		d.Family = getString(name, "family")
		if given := getSlice(name, "given"); len(given) > 0 {
			if g, ok := given[0].(string); ok {
				d.Given = g
			}
		}
	}
	return d
}

func (d patientDemographics) personKey() string {
	return identity.PersonKey(d.MRN, d.Given, d.Family, d.BirthDate)
}

func (d patientDemographics) empty() bool {
	return d.MRN == "" && d.Given == "" && d.Family == "" && d.BirthDate == ""
}

func genderConceptID(gender string) int64 {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	}
	return GenderUnknown
}

// birthParts splits an ISO date into numeric year, month, day. Missing or
// malformed parts come back as zero.
func birthParts(birthDate string) (year, month, day int) {
	parse := func(s string) int {
		n := 0
		for _, r := range s {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int(r-'0')
		}
		return n
	}
	parts := strings.SplitN(birthDate, "-", 3)
	if len(parts) > 0 {
		year = parse(parts[0])
	}
	if len(parts) > 1 {
		month = parse(parts[1])
	}
	if len(parts) > 2 && len(parts[2]) >= 2 {
		day = parse(parts[2][:2])
	}
	return year, month, day
}

// datePart trims an ISO datetime to its date component.
func datePart(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}

// primaryCoding returns the first coding's code, display, and the OMOP
// vocabulary id inferred from its system URL.
func primaryCoding(codeable map[string]any) (code, display, vocab string) {
	if codeable == nil {
		return "", "", ""
	}
	display = getString(codeable, "text")
	coding := firstMap(getSlice(codeable, "coding"))
	if coding == nil {
		return "", display, ""
	}
	code = getString(coding, "code")
	if d := getString(coding, "display"); d != "" {
		display = d
	}
	return code, display, vocabularyFromSystem(getString(coding, "system"))
}

func vocabularyFromSystem(system string) string {
	s := strings.ToLower(system)
	switch {
	case strings.Contains(s, "loinc"):
		return vocabulary.VocabLOINC
	case strings.Contains(s, "icd-10"), strings.Contains(s, "icd10"):
		return vocabulary.VocabICD10
	case strings.Contains(s, "snomed"):
		return vocabulary.VocabSNOMED
	case strings.Contains(s, "rxnorm"):
		return vocabulary.VocabRxNorm
	}
	return ""
}

// subjectPatientID extracts the logical Patient id from a subject
// reference like "Patient/abc123".
func subjectPatientID(resource map[string]any) string {
	subject := getMap(resource, "subject")
	if subject == nil {
		subject = getMap(resource, "patient")
	}
	if subject == nil {
		return ""
	}
	ref := getString(subject, "reference")
	if rest, ok := strings.CutPrefix(ref, "Patient/"); ok {
		return rest
	}
	return ""
}
