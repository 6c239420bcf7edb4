package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/interop/interop/internal/domain/schema"
	"github.com/interop/interop/internal/domain/transform"
	"github.com/interop/interop/internal/platform/ai"
)

// Confidence thresholds for the review workflow.
const (
	AutoApproveThreshold = 0.90
	ReviewThreshold      = 0.70
)

// Scoring weights for the final confidence blend.
const (
	weightSemantic      = 0.4
	weightClinical      = 0.3
	weightTypeCompat    = 0.2
	weightStandardBonus = 0.1
)

// Engine produces ranked field-mapping suggestions from a source and
// target schema. Three stages cooperate: lexical token overlap, embedding
// similarity, and optional LLM reasoning. When the AI backends are down
// the engine falls back to lexical-only scoring and flags the result
// degraded.
type Engine struct {
	embedder ai.Embedder
	llm      ai.LLMClient
	logger   zerolog.Logger
}

// NewEngine creates a suggestion engine.
func NewEngine(embedder ai.Embedder, llm ai.LLMClient, logger zerolog.Logger) *Engine {
	return &Engine{embedder: embedder, llm: llm, logger: logger}
}

// SuggestResult is the engine output: suggestions at or above the review
// threshold, plus a degraded flag when AI stages were unavailable.
type SuggestResult struct {
	Suggestions []Suggestion `json:"suggestions"`
	Degraded    bool         `json:"degraded"`
}

type candidate struct {
	source, target string
	lexical        float64
	scores         ScoreBreakdown
	confidence     float64
	reason         string
}

// Suggest scores every source-target field pair and returns at most one
// suggestion per source field, greedily assigned so each target field is
// used once.
func (e *Engine) Suggest(ctx context.Context, source, target schema.Schema) *SuggestResult {
	result := &SuggestResult{}
	if len(source) == 0 || len(target) == 0 {
		return result
	}

	sourceFields := sortedFields(source)
	targetFields := sortedFields(target)

	embeddings, embOK := e.embedFields(ctx, append(append([]string{}, sourceFields...), targetFields...))
	if !embOK {
		result.Degraded = true
	}

	var candidates []candidate
	for _, sf := range sourceFields {
		for _, tf := range targetFields {
			c := candidate{source: sf, target: tf}
			c.lexical = lexicalScore(sf, tf)

			if embOK {
				c.scores.Semantic = clamp01(ai.Cosine(embeddings[sf], embeddings[tf]))
			} else {
				c.scores.Semantic = c.lexical
			}
			c.scores.Clinical = clinicalScore(sf, tf)
			c.scores.TypeCompat = typeCompatScore(source[sf], target[tf])
			c.scores.StandardBonus = standardBonus(tf)
			candidates = append(candidates, c)
		}
	}

	// The LLM refines only plausible pairs; a full cross product of
	// prompts would be far too slow.
	if e.llm != nil && e.llm.Available() {
		for i := range candidates {
			c := &candidates[i]
			if blend(c.scores) < ReviewThreshold-0.1 {
				continue
			}
			e.refine(ctx, source, target, c)
		}
	} else if e.llm != nil {
		result.Degraded = true
	}

	for i := range candidates {
		c := &candidates[i]
		c.confidence = blend(c.scores)
		if c.reason == "" {
			c.reason = patternNote(c.source, c.target, source[c.source], target[c.target])
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.scores.TypeCompat != b.scores.TypeCompat {
			return a.scores.TypeCompat > b.scores.TypeCompat
		}
		if a.lexical != b.lexical {
			return a.lexical > b.lexical
		}
		return a.source < b.source
	})

	usedSource := make(map[string]bool)
	usedTarget := make(map[string]bool)
	for _, c := range candidates {
		if c.confidence < ReviewThreshold {
			break
		}
		if usedSource[c.source] || usedTarget[c.target] {
			continue
		}
		usedSource[c.source] = true
		usedTarget[c.target] = true

		result.Suggestions = append(result.Suggestions, Suggestion{
			SourceField:  c.source,
			TargetField:  c.target,
			Transform:    ruleFor(c.source, c.target, source[c.source], target[c.target]),
			Confidence:   round2(c.confidence),
			Scores:       c.scores,
			Reason:       c.reason,
			AutoApproved: c.confidence >= AutoApproveThreshold,
		})
	}

	e.logger.Debug().
		Int("source_fields", len(sourceFields)).
		Int("suggestions", len(result.Suggestions)).
		Bool("degraded", result.Degraded).
		Msg("mapping suggestions produced")
	return result
}

func (e *Engine) embedFields(ctx context.Context, fields []string) (map[string][]float32, bool) {
	if e.embedder == nil || !e.embedder.Available() {
		return nil, false
	}
	out := make(map[string][]float32, len(fields))
	for _, f := range fields {
		vec, err := e.embedder.Embed(ctx, normalizeField(f))
		if err != nil {
			e.logger.Warn().Err(err).Msg("embedding backend failed, falling back to lexical scoring")
			return nil, false
		}
		out[f] = vec
	}
	return out, true
}

type llmJudgment struct {
	Reasoning        string  `json:"reasoning"`
	ClinicalContext  string  `json:"clinicalContext"`
	TypeCompatible   bool    `json:"typeCompatible"`
	ConfidenceAdjust float64 `json:"confidenceAdjust"`
}

const refinePromptTemplate = `You are a healthcare data mapping assistant.
Judge whether the source field maps to the target field.

Source field: %q (type %s)
Target field: %q (type %s)

Respond with JSON only:
{"reasoning": "...", "clinicalContext": "...", "typeCompatible": true, "confidenceAdjust": 0.0}
confidenceAdjust must be between -0.2 and 0.2.`

// refine asks the LLM to judge one candidate pair. The adjustment
// modulates the semantic score; a type veto zeroes type compatibility.
func (e *Engine) refine(ctx context.Context, source, target schema.Schema, c *candidate) {
	prompt := fmt.Sprintf(refinePromptTemplate,
		c.source, source[c.source], c.target, target[c.target])

	raw, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn().Err(err).Str("source", c.source).Str("target", c.target).
			Msg("llm refinement failed, keeping embedding score")
		return
	}
	var j llmJudgment
	if err := json.Unmarshal([]byte(extractJSON(raw)), &j); err != nil {
		e.logger.Warn().Err(err).Msg("unparseable llm judgment")
		return
	}

	adjust := j.ConfidenceAdjust
	if adjust > 0.2 {
		adjust = 0.2
	}
	if adjust < -0.2 {
		adjust = -0.2
	}
	c.scores.Semantic = clamp01(c.scores.Semantic + adjust)
	if !j.TypeCompatible {
		c.scores.TypeCompat = 0
	}
	if j.Reasoning != "" {
		c.reason = j.Reasoning
	}
}

// extractJSON returns the first top-level JSON object in a completion.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func blend(s ScoreBreakdown) float64 {
	return clamp01(weightSemantic*s.Semantic +
		weightClinical*s.Clinical +
		weightTypeCompat*s.TypeCompat +
		weightStandardBonus*s.StandardBonus)
}

func sortedFields(s schema.Schema) []string {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// normalizeField splits camelCase and snake_case into lowercase tokens.
func normalizeField(f string) string {
	f = camelBoundary.ReplaceAllString(f, "$1 $2")
	f = strings.NewReplacer("_", " ", "-", " ", ".", " ", "[", " ", "]", " ").Replace(f)
	return strings.ToLower(strings.Join(strings.Fields(f), " "))
}

func tokens(f string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(normalizeField(f)) {
		out[t] = true
	}
	return out
}

// lexicalScore is the Jaccard overlap of the fields' name tokens.
func lexicalScore(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var inter int
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// clinicalSynonyms groups field tokens that name the same clinical
// concept across common source and target vocabularies.
var clinicalSynonyms = [][]string{
	{"dob", "birthdate", "birth", "dateofbirth"},
	{"sex", "gender"},
	{"mrn", "identifier", "medicalrecordnumber"},
	{"firstname", "givenname", "given", "fname"},
	{"lastname", "familyname", "family", "surname", "lname"},
	{"phone", "telecom", "telephone"},
	{"diagnosis", "condition", "icd"},
	{"lab", "loinc", "observation", "measurement"},
	{"medication", "drug", "rxnorm", "ndc"},
	{"encounter", "visit"},
	{"ssn", "socialsecuritynumber"},
}

func clinicalScore(a, b string) float64 {
	na := strings.ReplaceAll(normalizeField(a), " ", "")
	nb := strings.ReplaceAll(normalizeField(b), " ", "")
	if na == nb {
		return 1
	}
	for _, group := range clinicalSynonyms {
		var hitA, hitB bool
		for _, syn := range group {
			if strings.Contains(na, syn) {
				hitA = true
			}
			if strings.Contains(nb, syn) {
				hitB = true
			}
		}
		if hitA && hitB {
			return 1
		}
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.5
	}
	return 0
}

func typeCompatScore(src, tgt schema.FieldType) float64 {
	if src == tgt {
		return 1
	}
	switch {
	case src == schema.TypeDate && tgt == schema.TypeDateTime,
		src == schema.TypeDateTime && tgt == schema.TypeDate:
		return 0.9
	case src == schema.TypeInteger && tgt == schema.TypeDecimal:
		return 0.9
	case tgt == schema.TypeString || src == schema.TypeString:
		return 0.5
	}
	return 0.2
}

// standardElements are common FHIR element names; mapping onto one earns
// the standard bonus.
var standardElements = map[string]bool{
	"identifier": true, "name": true, "given": true, "family": true,
	"gender": true, "birthdate": true, "address": true, "telecom": true,
	"code": true, "value": true, "valuequantity": true, "status": true,
	"effectivedatetime": true, "onsetdatetime": true, "subject": true,
	"category": true, "issued": true,
}

func standardBonus(target string) float64 {
	head := strings.Fields(normalizeField(target))
	if len(head) == 0 {
		return 0
	}
	joined := strings.Join(head, "")
	if standardElements[joined] || standardElements[head[0]] {
		return 1
	}
	return 0
}

var hl7PathPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}(#\d+)?-\d+(\.\d+)?$`)

// ruleFor builds the default transform rule for a pair. Date-typed
// sources flowing into datetime targets get FORMAT_DATE; everything else
// is a direct copy.
func ruleFor(sourceField, targetField string, src, tgt schema.FieldType) transform.Rule {
	if src == schema.TypeDate && tgt == schema.TypeDateTime {
		return transform.Rule{
			Kind:        transform.KindFormatDate,
			SourceField: sourceField,
			TargetField: targetField,
		}
	}
	return transform.Rule{
		Kind:        transform.KindDirect,
		SourceField: sourceField,
		TargetField: targetField,
	}
}

// patternNote flags recognizable structures in the rationale without
// forcing them into the suggested rule.
func patternNote(sourceField, targetField string, src, tgt schema.FieldType) string {
	var notes []string
	if hl7PathPattern.MatchString(sourceField) {
		notes = append(notes, "HL7 segment-field-component path")
	}
	if src == schema.TypeDate && tgt == schema.TypeDateTime {
		notes = append(notes, "date reformat required")
	}
	nt := strings.ReplaceAll(normalizeField(targetField), " ", "")
	if strings.Contains(nt, "fullname") || nt == "name" {
		ns := normalizeField(sourceField)
		if strings.Contains(ns, "first") || strings.Contains(ns, "last") ||
			strings.Contains(ns, "given") || strings.Contains(ns, "family") {
			notes = append(notes, "composite name, consider CONCAT of first and last")
		}
	}
	return strings.Join(notes, "; ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
