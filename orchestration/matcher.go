package orchestration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowmesh/flowmesh/core"
)

// ConversationContext carries hints from the session store collaborator.
// It is never required for correctness; a missing context only removes the
// small recency boost from scoring.
type ConversationContext struct {
	ImpliedContext  map[string]interface{} `json:"implied_context,omitempty"`
	RecentWorkflows []string               `json:"recent_workflows,omitempty"`
	DomainHints     []string               `json:"domain_hints,omitempty"`
}

// MatchRequest is the (query, intent, entities, context) tuple scored
// against every catalog template
type MatchRequest struct {
	Query    string                 `json:"query"`
	Intent   string                 `json:"intent,omitempty"`
	Entities map[string]interface{} `json:"entities,omitempty"`
	Context  *ConversationContext   `json:"context,omitempty"`
}

// WorkflowMatch is the result of a successful dispatch
type WorkflowMatch struct {
	WorkflowName string            `json:"workflow_name"`
	Template     *WorkflowTemplate `json:"-"`
	Confidence   float64           `json:"confidence"`
	MatchReasons []string          `json:"match_reasons"`
}

// Suggestion is a sub-threshold candidate offered when nothing matches
type Suggestion struct {
	WorkflowName string  `json:"workflow_name"`
	Confidence   float64 `json:"confidence"`
	Description  string  `json:"description"`
}

// NoMatchError reports that no template cleared its confidence threshold.
// It carries the top ranked sub-threshold candidates plus whatever partial
// assistance remains possible without a full execution.
type NoMatchError struct {
	Query       string       `json:"query"`
	Suggestions []Suggestion `json:"suggestions"`
	PartialHelp []string     `json:"partial_help"`
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no workflow matched query %q (%d suggestions)", e.Query, len(e.Suggestions))
}

// Unwrap allows errors.Is(err, core.ErrNoMatch)
func (e *NoMatchError) Unwrap() error {
	return core.ErrNoMatch
}

// Scorer computes a confidence score for one template against a request.
// Implementations must be pure: identical inputs always yield identical
// scores, so dispatch stays deterministic and testable.
type Scorer interface {
	Score(req MatchRequest, template *WorkflowTemplate) (confidence float64, reasons []string)
}

// Scoring weights for the keyword scorer. They sum to 1.0, so a perfect
// match on every component yields confidence 1.0.
const (
	weightTriggerPhrases = 0.40
	weightIntent         = 0.25
	weightCapabilities   = 0.20
	weightEntities       = 0.10
	weightContext        = 0.05
)

// KeywordScorer scores templates by keyword overlap. It is the default
// scoring strategy; swap in another Scorer to change matching behavior
// without touching the engine.
type KeywordScorer struct{}

// NewKeywordScorer creates the default scorer
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{}
}

// Score computes the weighted sum documented on the scoring weight
// constants: trigger phrases 40%, intent/name overlap 25%, mentioned
// capabilities 20%, entity-to-parameter compatibility 10%, conversation
// recency 5%.
func (s *KeywordScorer) Score(req MatchRequest, template *WorkflowTemplate) (float64, []string) {
	queryTokens := tokenize(req.Query)
	reasons := make([]string, 0, 4)
	confidence := 0.0

	// Trigger phrase overlap: best word-overlap ratio across all phrases
	bestPhrase := ""
	bestOverlap := 0.0
	for _, phrase := range template.TriggerPhrases {
		phraseTokens := tokenize(phrase)
		if len(phraseTokens) == 0 {
			continue
		}
		hits := 0
		for pt := range phraseTokens {
			if queryTokens[pt] {
				hits++
			}
		}
		overlap := float64(hits) / float64(len(phraseTokens))
		if overlap > bestOverlap {
			bestOverlap = overlap
			bestPhrase = phrase
		}
	}
	if bestOverlap > 0 {
		confidence += weightTriggerPhrases * bestOverlap
		reasons = append(reasons, fmt.Sprintf("trigger phrase %q overlaps query", bestPhrase))
	}

	// Intent vs workflow name overlap
	if req.Intent != "" {
		intentTokens := tokenize(req.Intent)
		nameTokens := tokenize(strings.ReplaceAll(template.Name, "-", " "))
		hits := 0
		total := 0
		for tok := range nameTokens {
			total++
			if intentTokens[tok] {
				hits++
			}
		}
		if total > 0 && hits > 0 {
			confidence += weightIntent * float64(hits) / float64(total)
			reasons = append(reasons, fmt.Sprintf("intent %q overlaps workflow name", req.Intent))
		}
	}

	// Capability mentions in the query or entity values
	capHits := 0
	caps := template.CapabilityNames(true)
	for _, capName := range caps {
		capTokens := tokenize(strings.ReplaceAll(capName, "-", " "))
		matched := true
		for tok := range capTokens {
			if !queryTokens[tok] {
				matched = false
				break
			}
		}
		if matched && len(capTokens) > 0 {
			capHits++
		}
	}
	if len(caps) > 0 && capHits > 0 {
		confidence += weightCapabilities * float64(capHits) / float64(len(caps))
		reasons = append(reasons, fmt.Sprintf("%d of %d required capabilities mentioned", capHits, len(caps)))
	}

	// Entity keys compatible with the parameter schema
	if len(req.Entities) > 0 && len(template.ParameterSchema) > 0 {
		compatible := 0
		for key := range req.Entities {
			if _, ok := template.ParameterSchema[normalizeKey(key)]; ok {
				compatible++
			}
		}
		if compatible > 0 {
			confidence += weightEntities * float64(compatible) / float64(len(req.Entities))
			reasons = append(reasons, fmt.Sprintf("%d entities map to workflow parameters", compatible))
		}
	}

	// Conversation recency boost
	if req.Context != nil {
		for _, recent := range req.Context.RecentWorkflows {
			if recent == template.Name {
				confidence += weightContext
				reasons = append(reasons, "workflow ran recently in this conversation")
				break
			}
		}
	}

	return confidence, reasons
}

// Matcher scores an incoming request against every catalog entry and selects
// the best-confidence template that clears its own threshold.
type Matcher struct {
	catalog *WorkflowCatalog
	scorer  Scorer
	logger  core.Logger
}

// NewMatcher creates a matcher over the given catalog using the default
// keyword scorer
func NewMatcher(catalog *WorkflowCatalog, logger core.Logger) *Matcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Matcher{
		catalog: catalog,
		scorer:  NewKeywordScorer(),
		logger:  logger,
	}
}

// SetScorer replaces the scoring strategy
func (m *Matcher) SetScorer(scorer Scorer) {
	if scorer != nil {
		m.scorer = scorer
	}
}

// Match selects the highest-scoring template that meets its own confidence
// threshold. Ties resolve to the first-registered template; the source of
// this policy is catalog iteration order and it has no documented intent,
// so treat equal-score ordering as arbitrary rather than meaningful.
//
// When no template clears its threshold, Match returns a *NoMatchError
// carrying the top three sub-threshold candidates as suggestions.
func (m *Matcher) Match(req MatchRequest) (*WorkflowMatch, error) {
	type candidate struct {
		template   *WorkflowTemplate
		confidence float64
		reasons    []string
	}

	var best *candidate
	all := make([]candidate, 0, m.catalog.Len())

	for _, template := range m.catalog.List() {
		confidence, reasons := m.scorer.Score(req, template)
		all = append(all, candidate{template, confidence, reasons})

		if confidence < template.ConfidenceThreshold {
			continue
		}
		// Strictly-greater comparison keeps the first-registered winner
		// on ties.
		if best == nil || confidence > best.confidence {
			best = &candidate{template, confidence, reasons}
		}
	}

	if best != nil {
		m.logger.Debug("Workflow matched", map[string]interface{}{
			"operation":  "workflow_match",
			"workflow":   best.template.Name,
			"confidence": best.confidence,
			"query":      req.Query,
		})
		return &WorkflowMatch{
			WorkflowName: best.template.Name,
			Template:     best.template,
			Confidence:   best.confidence,
			MatchReasons: best.reasons,
		}, nil
	}

	// Rank sub-threshold candidates for suggestions. Sorting is stable so
	// equal scores keep registration order here too.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].confidence > all[j].confidence
	})

	suggestions := make([]Suggestion, 0, 3)
	for _, cand := range all {
		if len(suggestions) == 3 {
			break
		}
		if cand.confidence <= 0 {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			WorkflowName: cand.template.Name,
			Confidence:   cand.confidence,
			Description:  cand.template.Description,
		})
	}

	m.logger.Info("No workflow matched", map[string]interface{}{
		"operation":   "workflow_no_match",
		"query":       req.Query,
		"suggestions": len(suggestions),
	})

	return nil, &NoMatchError{
		Query:       req.Query,
		Suggestions: suggestions,
		PartialHelp: []string{
			"list registered workflows with the catalog endpoint",
			"rephrase the request using one of the suggested workflow names",
		},
	}
}

// tokenize lowercases and splits text into a word set
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		field = strings.Trim(field, ".,!?;:\"'()")
		if field != "" {
			tokens[field] = true
		}
	}
	return tokens
}

// normalizeKey maps entity keys onto the parameter naming convention
func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}
