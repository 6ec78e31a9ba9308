// Package analysis provides stateless feature extraction over code and
// command text: quality metrics, lexical rule matches, similarity
// fingerprints, and prompt categorization. Nothing in this package touches
// session state or performs I/O at analysis time.
package analysis

import (
	"strings"
)

// Complexity buckets derived from indentation depth.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// QualityMetrics summarizes the shape of a code sample.
type QualityMetrics struct {
	TotalLines    int     `json:"totalLines"`
	NonEmptyLines int     `json:"nonEmptyLines"`
	CommentLines  int     `json:"commentLines"`
	CommentRatio  float64 `json:"commentRatio"`
	MaxIndent     int     `json:"maxIndent"`
	Complexity    string  `json:"complexity"`
}

// FeatureSet is the result of extracting features from one input.
type FeatureSet struct {
	Quality      QualityMetrics `json:"qualityMetrics"`
	RuleMatches  []RuleMatch    `json:"patternMatches"`
	Fingerprints Fingerprints   `json:"-"`
	TokenCount   int            `json:"tokenCount"`
}

// Empty reports whether the input produced no features (blank input).
func (fs FeatureSet) Empty() bool {
	return fs.Quality.TotalLines == 0 && len(fs.RuleMatches) == 0 && fs.Fingerprints.Len() == 0
}

// Extractor derives features with a fixed configuration. It holds no mutable
// state and is safe for concurrent use.
type Extractor struct {
	shingleSize int
	rules       []Rule
}

// NewExtractor creates an extractor with the given shingle window and rule
// set. A nil rule set uses the default rules.
func NewExtractor(shingleSize int, rules []Rule) *Extractor {
	if shingleSize < 2 {
		shingleSize = DefaultShingleSize
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Extractor{shingleSize: shingleSize, rules: rules}
}

// Extract computes the full feature set for a code snapshot or command
// string. Empty or whitespace-only input yields a zero FeatureSet, never an
// error.
func (x *Extractor) Extract(input string) FeatureSet {
	if strings.TrimSpace(input) == "" {
		return FeatureSet{}
	}

	tokens := Tokenize(input)
	return FeatureSet{
		Quality:      MeasureQuality(input),
		RuleMatches:  MatchRules(x.rules, input),
		Fingerprints: Shingle(tokens, x.shingleSize),
		TokenCount:   len(tokens),
	}
}

// Rules returns the extractor's rule set.
func (x *Extractor) Rules() []Rule { return x.rules }

// Fingerprint computes only the similarity fingerprints for input, skipping
// the rule and quality passes. Used on hot paths that just need overlap
// comparisons.
func (x *Extractor) Fingerprint(input string) Fingerprints {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	return Shingle(Tokenize(input), x.shingleSize)
}

// MeasureQuality computes line, comment, and indentation metrics.
func MeasureQuality(input string) QualityMetrics {
	lines := strings.Split(input, "\n")

	m := QualityMetrics{TotalLines: len(lines)}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m.NonEmptyLines++
		if isCommentLine(trimmed) {
			m.CommentLines++
		}
		if indent := indentDepth(line); indent > m.MaxIndent {
			m.MaxIndent = indent
		}
	}

	if m.NonEmptyLines > 0 {
		m.CommentRatio = float64(m.CommentLines) / float64(m.NonEmptyLines)
	}

	switch {
	case m.MaxIndent < 8:
		m.Complexity = ComplexityLow
	case m.MaxIndent < 16:
		m.Complexity = ComplexityMedium
	default:
		m.Complexity = ComplexityHigh
	}

	return m
}

func isCommentLine(trimmed string) bool {
	for _, prefix := range []string{"//", "#", "/*", "*", "--"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// indentDepth counts leading whitespace columns, tabs as four.
func indentDepth(line string) int {
	depth := 0
	for _, r := range line {
		switch r {
		case ' ':
			depth++
		case '\t':
			depth += 4
		default:
			return depth
		}
	}
	return 0 // whitespace-only line
}

// PromptCategory classifies AI-assistant prompts by intent.
type PromptCategory string

const (
	PromptSolutionRequest    PromptCategory = "solution_request"
	PromptExplanationRequest PromptCategory = "explanation_request"
	PromptCodeReview         PromptCategory = "code_review"
	PromptOther              PromptCategory = "other"
)

var (
	solutionPhrases    = []string{"solve", "solution", "answer", "complete code", "write the", "give me the code", "implement for me"}
	explanationPhrases = []string{"explain", "what does", "how does", "why does", "what is", "meaning of"}
	reviewPhrases      = []string{"review", "check my", "improve", "refactor", "find the bug", "fix my"}
)

// ClassifyPrompt buckets a prompt by the kind of help requested. Solution
// requests are the strongest overuse signal, so they are checked first.
func ClassifyPrompt(text string) PromptCategory {
	lower := strings.ToLower(text)
	for _, p := range solutionPhrases {
		if strings.Contains(lower, p) {
			return PromptSolutionRequest
		}
	}
	for _, p := range explanationPhrases {
		if strings.Contains(lower, p) {
			return PromptExplanationRequest
		}
	}
	for _, p := range reviewPhrases {
		if strings.Contains(lower, p) {
			return PromptCodeReview
		}
	}
	return PromptOther
}
