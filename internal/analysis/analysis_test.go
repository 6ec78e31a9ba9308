package analysis

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractBlankInput(t *testing.T) {
	x := NewExtractor(DefaultShingleSize, nil)

	for _, input := range []string{"", "   ", "\n\t\n  "} {
		fs := x.Extract(input)
		if !fs.Empty() {
			t.Errorf("Extract(%q) should be empty, got %+v", input, fs)
		}
	}
}

func TestMeasureQuality(t *testing.T) {
	code := `package main

// entry point
func main() {
	if true {
		println("hi")
	}
}
`
	m := MeasureQuality(code)
	if m.TotalLines != 9 {
		t.Errorf("TotalLines = %d, want 9", m.TotalLines)
	}
	if m.NonEmptyLines != 7 {
		t.Errorf("NonEmptyLines = %d, want 7", m.NonEmptyLines)
	}
	if m.CommentLines != 1 {
		t.Errorf("CommentLines = %d, want 1", m.CommentLines)
	}
	if m.MaxIndent != 8 { // two tabs
		t.Errorf("MaxIndent = %d, want 8", m.MaxIndent)
	}
	if m.Complexity != ComplexityMedium {
		t.Errorf("Complexity = %q, want medium", m.Complexity)
	}
}

func TestComplexityBuckets(t *testing.T) {
	flat := MeasureQuality("a = 1\nb = 2")
	if flat.Complexity != ComplexityLow {
		t.Errorf("flat code complexity = %q, want low", flat.Complexity)
	}

	deep := MeasureQuality("x\n                    nested = true")
	if deep.Complexity != ComplexityHigh {
		t.Errorf("deep code complexity = %q, want high", deep.Complexity)
	}
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("def solve(nums): return MAX_VAL + nums[0]")
	want := []string{"def", "solve", "nums", "return", "max_val", "nums", "0"}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, tokens[i], want[i])
		}
	}
}

func TestShingleOverlap(t *testing.T) {
	a := Shingle(Tokenize("for i in range(n): total += nums[i]"), 5)
	b := Shingle(Tokenize("for i in range(n): total += nums[i]"), 5)
	c := Shingle(Tokenize("while queue: node = queue.pop()"), 5)

	if got := a.Overlap(b); got != 1.0 {
		t.Errorf("identical content overlap = %v, want 1.0", got)
	}
	if got := a.Overlap(c); got != 0 {
		t.Errorf("disjoint content overlap = %v, want 0", got)
	}
	if got := Fingerprints(nil).Overlap(a); got != 0 {
		t.Errorf("empty fingerprint overlap = %v, want 0", got)
	}
}

func TestShinglePartialOverlap(t *testing.T) {
	base := "def twosum(nums, target):\n seen = {}\n for i, v in enumerate(nums):\n  if target - v in seen:\n   return [seen[target-v], i]\n  seen[v] = i"
	modified := base + "\n print(result)"

	a := Shingle(Tokenize(base), 5)
	b := Shingle(Tokenize(modified), 5)

	got := a.Overlap(b)
	if got <= 0.8 || got > 1.0 {
		t.Errorf("near-identical overlap = %v, want in (0.8, 1.0]", got)
	}
}

func TestShingleShortInput(t *testing.T) {
	fps := Shingle(Tokenize("ls -la"), 5)
	if fps.Len() != 1 {
		t.Errorf("short input should hash as one shingle, got %d", fps.Len())
	}

	same := Shingle(Tokenize("ls -la"), 5)
	if fps.Overlap(same) != 1.0 {
		t.Error("identical short inputs must fully overlap")
	}
}

func TestMatchRules(t *testing.T) {
	code := "import requests\nresp = requests.get(url)\nresult = eval(expr)"

	matches := MatchRules(DefaultRules(), code)
	byRule := map[string]RuleMatch{}
	for _, m := range matches {
		byRule[m.RuleID] = m
	}

	fetch, ok := byRule["network-fetch-in-code"]
	if !ok {
		t.Fatal("expected network-fetch-in-code match")
	}
	if fetch.Line != 2 {
		t.Errorf("network fetch matched line %d, want 2", fetch.Line)
	}
	if _, ok := byRule["dynamic-eval"]; !ok {
		t.Error("expected dynamic-eval match")
	}
}

func TestMatchRulesClean(t *testing.T) {
	if matches := MatchRules(DefaultRules(), "total := a + b\nreturn total"); len(matches) != 0 {
		t.Errorf("clean code matched: %+v", matches)
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("  short  ", 120); got != "short" {
		t.Errorf("Excerpt = %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := Excerpt(string(long), 120); len(got) != 123 {
		t.Errorf("truncated excerpt length = %d, want 123", len(got))
	}
}

func TestClassifyPrompt(t *testing.T) {
	tests := []struct {
		text string
		want PromptCategory
	}{
		{"please solve this problem for me", PromptSolutionRequest},
		{"give me the code for two sum", PromptSolutionRequest},
		{"explain what this error means", PromptExplanationRequest},
		{"what does this stack trace mean", PromptExplanationRequest},
		{"can you review my approach", PromptCodeReview},
		{"find the bug in this loop", PromptCodeReview},
		{"hello", PromptOther},
	}

	for _, tc := range tests {
		if got := ClassifyPrompt(tc.text); got != tc.want {
			t.Errorf("ClassifyPrompt(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestCorpus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "answers.json")
	body := `{"answers": [
		{"id": "two-sum", "content": "def twosum(nums, target):\n seen = {}\n for i, v in enumerate(nums):\n  if target - v in seen:\n   return [seen[target-v], i]\n  seen[v] = i"},
		{"id": "fizzbuzz", "content": "for i in range(1, 101):\n print('fizzbuzz' if i%15==0 else 'fizz' if i%3==0 else 'buzz' if i%5==0 else i)"}
	]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	corpus, err := LoadCorpus(path, 5)
	if err != nil {
		t.Fatalf("LoadCorpus failed: %v", err)
	}
	if corpus.Size() != 2 {
		t.Fatalf("Size = %d, want 2", corpus.Size())
	}

	submitted := Shingle(Tokenize("def twosum(nums, target):\n seen = {}\n for i, v in enumerate(nums):\n  if target - v in seen:\n   return [seen[target-v], i]\n  seen[v] = i"), 5)
	id, score := corpus.BestOverlap(submitted)
	if id != "two-sum" {
		t.Errorf("BestOverlap id = %q, want two-sum", id)
	}
	if score != 1.0 {
		t.Errorf("BestOverlap score = %v, want 1.0", score)
	}

	original := Shingle(Tokenize("completely original implementation using a segment tree"), 5)
	if _, score := corpus.BestOverlap(original); score != 0 {
		t.Errorf("original content score = %v, want 0", score)
	}
}

func TestLoadCorpusEmptyPath(t *testing.T) {
	corpus, err := LoadCorpus("", 5)
	if err != nil {
		t.Fatalf("empty path should not error: %v", err)
	}
	if corpus.Size() != 0 {
		t.Errorf("Size = %d, want 0", corpus.Size())
	}
	if id, score := corpus.BestOverlap(Shingle(Tokenize("anything"), 5)); id != "" || score != 0 {
		t.Errorf("empty corpus BestOverlap = (%q, %v), want (\"\", 0)", id, score)
	}
}
