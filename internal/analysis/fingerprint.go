package analysis

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"unicode"
)

// DefaultShingleSize is the token window used for similarity fingerprints.
const DefaultShingleSize = 5

// Fingerprints is a set of shingle hashes representing one piece of content.
type Fingerprints map[uint64]struct{}

// Len returns the number of distinct shingles.
func (f Fingerprints) Len() int { return len(f) }

// Empty reports whether the set holds no shingles.
func (f Fingerprints) Empty() bool { return len(f) == 0 }

// Contains reports whether the set holds the given shingle hash.
func (f Fingerprints) Contains(h uint64) bool {
	_, ok := f[h]
	return ok
}

// Overlap returns the containment of f in other: the fraction of f's
// shingles also present in other, in [0,1]. An empty receiver overlaps
// nothing.
func (f Fingerprints) Overlap(other Fingerprints) float64 {
	if len(f) == 0 || len(other) == 0 {
		return 0
	}
	shared := 0
	for h := range f {
		if _, ok := other[h]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(f))
}

// Diff returns the shingles of f absent from other.
func (f Fingerprints) Diff(other Fingerprints) Fingerprints {
	out := make(Fingerprints)
	for h := range f {
		if _, ok := other[h]; !ok {
			out[h] = struct{}{}
		}
	}
	return out
}

// Merge adds all shingles from other into f.
func (f Fingerprints) Merge(other Fingerprints) {
	for h := range other {
		f[h] = struct{}{}
	}
}

// Tokenize splits input into normalized code tokens: lowercased runs of
// letters, digits, and underscores. Punctuation and whitespace separate
// tokens and are dropped.
func Tokenize(input string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range input {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

// Shingle hashes every window of `size` consecutive tokens into a
// fingerprint set. Inputs shorter than one window hash as a single shingle
// so that tiny-but-identical snippets still compare equal.
func Shingle(tokens []string, size int) Fingerprints {
	if len(tokens) == 0 {
		return nil
	}
	if size < 2 {
		size = DefaultShingleSize
	}

	fps := make(Fingerprints)
	if len(tokens) < size {
		fps[hashShingle(tokens)] = struct{}{}
		return fps
	}

	for i := 0; i+size <= len(tokens); i++ {
		fps[hashShingle(tokens[i:i+size])] = struct{}{}
	}
	return fps
}

func hashShingle(tokens []string) uint64 {
	h := fnv.New64a()
	for _, tok := range tokens {
		_, _ = h.Write([]byte(tok))
		_, _ = h.Write([]byte{0x1f}) // unit separator keeps token boundaries
	}
	return h.Sum64()
}

// Corpus holds fingerprints of known answers for plagiarism comparison.
type Corpus struct {
	entries []corpusEntry
}

type corpusEntry struct {
	ID           string
	fingerprints Fingerprints
}

type corpusFile struct {
	Answers []corpusAnswer `json:"answers"`
}

type corpusAnswer struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// LoadCorpus reads a known-answer corpus from a JSON file of the form
// {"answers": [{"id": "...", "content": "..."}]} and fingerprints each
// entry with the given shingle size. An empty path yields an empty corpus.
func LoadCorpus(path string, shingleSize int) (*Corpus, error) {
	c := &Corpus{}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load answer corpus: %w", err)
	}

	var f corpusFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse answer corpus: %w", err)
	}

	for _, a := range f.Answers {
		fps := Shingle(Tokenize(a.Content), shingleSize)
		if fps.Len() == 0 {
			continue
		}
		c.entries = append(c.entries, corpusEntry{ID: a.ID, fingerprints: fps})
	}
	return c, nil
}

// Size returns the number of corpus entries.
func (c *Corpus) Size() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// BestOverlap returns the corpus entry with the highest containment of fp
// and that containment score. A nil or empty corpus returns ("", 0).
func (c *Corpus) BestOverlap(fp Fingerprints) (string, float64) {
	if c == nil || fp.Len() == 0 {
		return "", 0
	}
	bestID, best := "", 0.0
	for _, e := range c.entries {
		if score := fp.Overlap(e.fingerprints); score > best {
			bestID, best = e.ID, score
		}
	}
	return bestID, best
}
