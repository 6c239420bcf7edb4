package omop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/interop/interop/internal/domain/vocabulary"
	"github.com/interop/interop/internal/platform/ai"
)

// Match stages, in attempt order.
const (
	StageApproved  = "approved"
	StageDirect    = "direct"
	StageEmbedding = "embedding"
	StageReasoning = "reasoning"
	StageExternal  = "external"
	StageNoMatch   = "no_match"
)

const (
	embeddingTopK    = 10
	reasoningTopN    = 5
	directConfidence = 0.95
)

// ConceptSuggestion is the outcome of matching one source value against
// the vocabulary. A no_match suggestion preserves the source value with a
// zero concept id.
type ConceptSuggestion struct {
	SourceValue string  `json:"sourceValue"`
	Display     string  `json:"display,omitempty"`
	ConceptID   int64   `json:"conceptId"`
	ConceptName string  `json:"conceptName,omitempty"`
	Vocabulary  string  `json:"vocabulary,omitempty"`
	Confidence  float64 `json:"confidence"`
	Stage       string  `json:"stage"`
	Explanation string  `json:"explanation,omitempty"`
}

// Matcher resolves source codes to OMOP standard concepts through four
// stages with short-circuit: direct lookup, embedding similarity, LLM
// reasoning over the top candidates, and a secondary external model.
type Matcher struct {
	vocab    *vocabulary.Service
	embedder ai.Embedder
	llm      ai.LLMClient
	external ai.LLMClient
	logger   zerolog.Logger
}

// NewMatcher creates a concept matcher. llm and external may be nil.
func NewMatcher(vocab *vocabulary.Service, embedder ai.Embedder, llm, external ai.LLMClient, logger zerolog.Logger) *Matcher {
	return &Matcher{vocab: vocab, embedder: embedder, llm: llm, external: external, logger: logger}
}

// Match resolves one source code. vocabularyHint narrows the direct
// lookup; display is the human-readable text used by the semantic stages.
func (m *Matcher) Match(ctx context.Context, code, display, domain, vocabularyHint string) *ConceptSuggestion {
	if c, err := m.vocab.LookupByCode(code, vocabularyHint); err == nil {
		conf := directConfidence
		if c.IsStandard() {
			conf = 0.98
		}
		return suggestionFromConcept(code, display, c, conf, StageDirect, "exact code match")
	}

	text := display
	if text == "" {
		text = code
	}

	candidates := m.candidateConcepts(text, domain)
	if len(candidates) > 0 {
		ranked, ok := m.rankByEmbedding(ctx, text, candidates)
		if ok && len(ranked) > 0 {
			best := ranked[0]
			if s := m.reason(ctx, m.llm, StageReasoning, text, ranked); s != nil {
				s.SourceValue = code
				return s
			}
			if best.score >= 0.5 {
				return suggestionFromConcept(code, display, best.concept,
					round2(0.5+0.4*best.score), StageEmbedding, "closest concept name by embedding similarity")
			}
		}
		if s := m.reason(ctx, m.external, StageExternal, text, topN(candidates, reasoningTopN)); s != nil {
			s.SourceValue = code
			return s
		}
	}

	return &ConceptSuggestion{SourceValue: code, Display: display, Stage: StageNoMatch}
}

// candidateConcepts gathers the vocabulary candidates for the semantic
// stages: text-search hits first, padded with domain concepts.
func (m *Matcher) candidateConcepts(text, domain string) []*vocabulary.Concept {
	seen := make(map[int64]bool)
	var out []*vocabulary.Concept
	for _, c := range m.vocab.SearchByText(text, domain, embeddingTopK*2) {
		seen[c.ConceptID] = true
		out = append(out, c)
	}
	for _, c := range m.vocab.ConceptsByDomain(domain, embeddingTopK*2) {
		if !seen[c.ConceptID] {
			out = append(out, c)
		}
	}
	return out
}

type rankedConcept struct {
	concept *vocabulary.Concept
	score   float64
}

func (m *Matcher) rankByEmbedding(ctx context.Context, text string, candidates []*vocabulary.Concept) ([]rankedConcept, bool) {
	if m.embedder == nil || !m.embedder.Available() {
		return nil, false
	}
	qv, err := m.embedder.Embed(ctx, strings.ToLower(text))
	if err != nil {
		m.logger.Warn().Err(err).Msg("embedding stage unavailable")
		return nil, false
	}

	ranked := make([]rankedConcept, 0, len(candidates))
	for _, c := range candidates {
		cv, err := m.embedder.Embed(ctx, strings.ToLower(c.ConceptName))
		if err != nil {
			m.logger.Warn().Err(err).Msg("embedding stage unavailable")
			return nil, false
		}
		ranked = append(ranked, rankedConcept{concept: c, score: ai.Cosine(qv, cv)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > embeddingTopK {
		ranked = ranked[:embeddingTopK]
	}
	return ranked, true
}

type reasonReply struct {
	ConceptID   int64  `json:"conceptId"`
	Explanation string `json:"explanation"`
}

const reasonPromptTemplate = `You are a clinical terminology expert. Pick
the OMOP concept that best matches the source term, or conceptId 0 if
none fits.

Source term: %q

Candidates:
%s
Respond with JSON only: {"conceptId": <id>, "explanation": "..."}`

// reason asks a model to pick among the top candidates. Returns nil when
// the model is unavailable, answers garbage, or declines to pick.
func (m *Matcher) reason(ctx context.Context, llm ai.LLMClient, stage, text string, candidates []rankedConcept) *ConceptSuggestion {
	if llm == nil || !llm.Available() || len(candidates) == 0 {
		return nil
	}
	n := len(candidates)
	if n > reasoningTopN {
		n = reasoningTopN
	}
	var list strings.Builder
	for _, rc := range candidates[:n] {
		fmt.Fprintf(&list, "- %d: %s (%s %s)\n",
			rc.concept.ConceptID, rc.concept.ConceptName, rc.concept.VocabularyID, rc.concept.ConceptCode)
	}

	raw, err := llm.Complete(ctx, fmt.Sprintf(reasonPromptTemplate, text, list.String()))
	if err != nil {
		if !errors.Is(err, ai.ErrUnavailable) {
			m.logger.Warn().Err(err).Str("stage", stage).Msg("reasoning stage failed")
		}
		return nil
	}
	var reply reasonReply
	if err := json.Unmarshal([]byte(extractJSON(raw)), &reply); err != nil || reply.ConceptID == 0 {
		return nil
	}
	concept, err := m.vocab.GetByID(reply.ConceptID)
	if err != nil {
		m.logger.Warn().Int64("concept_id", reply.ConceptID).Msg("model picked unknown concept")
		return nil
	}
	return suggestionFromConcept("", text, concept, 0.85, stage, reply.Explanation)
}

func topN(candidates []*vocabulary.Concept, n int) []rankedConcept {
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]rankedConcept, len(candidates))
	for i, c := range candidates {
		out[i] = rankedConcept{concept: c}
	}
	return out
}

func suggestionFromConcept(code, display string, c *vocabulary.Concept, confidence float64, stage, explanation string) *ConceptSuggestion {
	return &ConceptSuggestion{
		SourceValue: code,
		Display:     display,
		ConceptID:   c.ConceptID,
		ConceptName: c.ConceptName,
		Vocabulary:  c.VocabularyID,
		Confidence:  confidence,
		Stage:       stage,
		Explanation: explanation,
	}
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
