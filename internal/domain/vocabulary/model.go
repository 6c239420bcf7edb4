package vocabulary

// Concept is one row of the OMOP concept vocabulary.
type Concept struct {
	ConceptID       int64  `bson:"concept_id" json:"concept_id"`
	ConceptName     string `bson:"concept_name" json:"concept_name"`
	DomainID        string `bson:"domain_id" json:"domain_id"`
	VocabularyID    string `bson:"vocabulary_id" json:"vocabulary_id"`
	ConceptCode     string `bson:"concept_code" json:"concept_code"`
	StandardConcept string `bson:"standard_concept" json:"standard_concept,omitempty"`
	ConceptClassID  string `bson:"concept_class_id" json:"concept_class_id,omitempty"`
	ValidStartDate  string `bson:"valid_start_date" json:"valid_start_date,omitempty"`
	ValidEndDate    string `bson:"valid_end_date" json:"valid_end_date,omitempty"`
}

// IsStandard reports whether the concept is a standard concept, the
// preferred normalization target.
func (c *Concept) IsStandard() bool {
	return c.StandardConcept == "S"
}

// Approval is a human-confirmed source-value to concept mapping, cached so
// subsequent normalization runs reuse the reviewer's decision. JobID may be
// empty for a global approval.
type Approval struct {
	JobID       string `bson:"job_id" json:"jobId"`
	Field       string `bson:"field" json:"field"`
	SourceValue string `bson:"source_value" json:"sourceValue"`
	ConceptID   int64  `bson:"concept_id" json:"conceptId"`
	ApprovedBy  string `bson:"approved_by" json:"approvedBy,omitempty"`
}

// LoadResult summarizes one CSV load.
type LoadResult struct {
	Loaded  int `json:"loaded"`
	Skipped int `json:"skipped"`
}

// Well-known OMOP vocabulary identifiers.
const (
	VocabICD10  = "ICD10CM"
	VocabLOINC  = "LOINC"
	VocabSNOMED = "SNOMED"
	VocabRxNorm = "RxNorm"
	VocabGender = "Gender"
)
