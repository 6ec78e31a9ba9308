package analysis

import (
	"regexp"
	"strings"
)

// Rule is a lexical pattern for a forbidden or suspicious construct.
type Rule struct {
	ID          string
	Severity    int // 1-10
	Pattern     *regexp.Regexp
	Description string
}

// RuleMatch records one rule hit inside an input.
type RuleMatch struct {
	RuleID   string `json:"ruleId"`
	Severity int    `json:"severity"`
	Line     int    `json:"line"`
	Excerpt  string `json:"excerpt"`
}

const maxExcerpt = 120

// DefaultRules returns the built-in suspicious-construct rules. Callers may
// extend or replace the set; rule IDs surface in violations as
// pattern-match:<ruleId>.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "network-fetch-in-code",
			Severity:    5,
			Pattern:     regexp.MustCompile(`(?i)\b(urllib\.request|requests\.(get|post)|http\.Get|fetch\s*\(|axios\.)`),
			Description: "code reaches out to the network during an offline assessment",
		},
		{
			ID:          "dynamic-eval",
			Severity:    4,
			Pattern:     regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`),
			Description: "dynamic evaluation of strings",
		},
		{
			ID:          "shell-escape",
			Severity:    5,
			Pattern:     regexp.MustCompile(`(?i)\b(os\.system|subprocess\.(run|popen|call)|child_process|exec\.Command)\s*\(`),
			Description: "shelling out from solution code",
		},
		{
			ID:          "answer-bank-marker",
			Severity:    7,
			Pattern:     regexp.MustCompile(`(?i)(answer\s*bank|leetcode\s+solution|copied\s+from|source:\s*https?://)`),
			Description: "text typical of copied answer-bank material",
		},
		{
			ID:          "decode-blob",
			Severity:    3,
			Pattern:     regexp.MustCompile(`(?i)base64\.(b64decode|stddecoding|decode)`),
			Description: "decoding an embedded blob",
		},
	}
}

// MatchRules runs every rule against the input and returns all matches with
// line numbers. Inputs are scanned line by line so excerpts stay small.
func MatchRules(rules []Rule, input string) []RuleMatch {
	if input == "" {
		return nil
	}

	var matches []RuleMatch
	for lineNo, line := range strings.Split(input, "\n") {
		for i := range rules {
			if rules[i].Pattern.MatchString(line) {
				matches = append(matches, RuleMatch{
					RuleID:   rules[i].ID,
					Severity: rules[i].Severity,
					Line:     lineNo + 1,
					Excerpt:  Excerpt(line, maxExcerpt),
				})
			}
		}
	}
	return matches
}

// Excerpt trims s to at most n bytes for evidence fields, appending an
// ellipsis marker when truncated.
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
