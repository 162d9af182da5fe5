// Package transcript corrects recognized speech against the known property
// catalog before it reaches the assistant.
//
// Speech recognition mangles proper nouns: "Marina Heights" comes back as
// "marina hights" or "maria heights". The corrector aligns transcript
// words against known property and location names using Double Metaphone
// phonetic encoding for candidate filtering and Jaro-Winkler similarity
// for ranking. Multi-word names are matched via n-gram windows, longest
// window first, so "palm view residences" wins over a partial "palm" hit.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one replacement made in a transcript.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Option is a functional option for [NewCorrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists and matching falls back to pure string
// similarity. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// entry is one known name with its tokens and phonetic codes precomputed.
type entry struct {
	name   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Corrector aligns transcript words with the known name catalog. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	entries  []entry
	maxWords int
}

// NewCorrector builds a corrector over the given known names (property
// names, compounds, locations). Blank names are ignored.
func NewCorrector(names []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		maxWords:          1,
	}
	for _, o := range opts {
		o(c)
	}

	for _, name := range names {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.entries = append(c.entries, entry{
			name:   strings.TrimSpace(name),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Correct rewrites recognized text, replacing spans that align with known
// names. The original text is returned unchanged when nothing matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(c.entries) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		// Longest window first: multi-word names take precedence over
		// partial single-word hits.
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			name, conf, ok := c.match(window)
			if !ok {
				continue
			}
			if strings.EqualFold(window, name) {
				// Already exact; emit as-is without recording a correction.
				output = append(output, strings.Fields(name)...)
			} else {
				output = append(output, strings.Fields(name)...)
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  name,
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(output, " "), corrections
}

// match finds the known name most similar to the given word or phrase.
func (c *Corrector) match(word string) (name string, confidence float64, matched bool) {
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if wordLower == "" {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	var (
		bestName     string
		bestScore    float64
		bestPhonetic bool
	)

	for _, e := range c.entries {
		phonetic := codesOverlap(inputCodes, e.codes)
		score := bestJWScore(wordTokens, e.tokens, wordLower, e.lower)

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestName, bestScore, bestPhonetic = e.name, score, true
			}
		} else if !bestPhonetic {
			if score >= c.fuzzyThreshold && score > bestScore {
				bestName, bestScore = e.name, score
			}
		}
	}

	if bestName == "" {
		return word, 0, false
	}
	return bestName, bestScore, true
}

// codesForTokens returns the union of Double Metaphone codes for the
// tokens, excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// input and a known name. Multi-token inputs are compared as full strings
// and space-stripped strings. A single-token input is additionally
// compared against each name token, so a lone "heights" can still pull in
// "Marina Heights"; multi-token windows do not get the per-token pass, or
// any window containing one name word would swallow its neighbors.
func bestJWScore(inputTokens, entryTokens []string, inputFull, entryFull string) float64 {
	score := matchr.JaroWinkler(inputFull, entryFull, false)

	if len(inputTokens) > 1 || len(entryTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(entryTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(inputTokens) == 1 {
		for _, et := range entryTokens {
			if s := matchr.JaroWinkler(inputTokens[0], et, false); s > score {
				score = s
			}
		}
	}
	return score
}
