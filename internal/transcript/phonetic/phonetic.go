// Package phonetic corrects misheard vocabulary in final transcripts.
//
// Speech-to-text engines regularly mangle product names and other words
// their language model has never seen. A [Vocabulary] holds the configured
// keywords with their Double Metaphone codes precomputed; [Matcher.Correct]
// then scans a transcript with n-gram windows and swaps any window that
// sounds like a keyword, ranked by word-aligned Jaro-Winkler similarity.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.88
	minTokenLen              = 3
)

// Correction is one substitution made by [Matcher.Correct].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
	Phonetic   bool
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a keyword with
// overlapping Double Metaphone codes needs to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for keywords that do
// not share a phonetic code with the input. Default: 0.88.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type keyword struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Vocabulary is a prepared keyword list. Build it once per configuration
// change with [NewVocabulary]; it is immutable afterwards.
type Vocabulary struct {
	keywords []keyword
	maxWords int
}

// NewVocabulary precomputes phonetic codes for words. Blank entries and
// duplicates (case-insensitive) are skipped.
func NewVocabulary(words []string) *Vocabulary {
	v := &Vocabulary{}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		tokens := strings.Fields(strings.ToLower(w))
		lower := strings.Join(tokens, " ")
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		v.keywords = append(v.keywords, keyword{
			text:   w,
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len reports the number of keywords.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keywords)
}

// Match returns the keyword that best matches phrase. Only keywords with the
// same word count as phrase are considered. An exact case-insensitive hit is
// a match with confidence 1. When matched is false, corrected equals phrase
// and confidence is 0.
func (m *Matcher) Match(phrase string, vocab *Vocabulary) (corrected string, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(phrase))
	lower := strings.Join(tokens, " ")
	if vocab.Len() == 0 || len(lower) < minTokenLen {
		return phrase, 0, false
	}
	codes := codesForTokens(tokens)

	var (
		best      string
		bestScore float64
		bestPhon  bool
	)
	for i := range vocab.keywords {
		kw := &vocab.keywords[i]
		if kw.lower == lower {
			return kw.text, 1, true
		}
		if len(kw.tokens) != len(tokens) {
			continue
		}
		score := positionalScore(tokens, kw.tokens)
		phon := codesOverlap(codes, kw.codes)
		switch {
		case phon && score >= m.phoneticThreshold:
			if !bestPhon || score > bestScore {
				best, bestScore, bestPhon = kw.text, score, true
			}
		case !phon && !bestPhon && score >= m.fuzzyThreshold && score > bestScore:
			best, bestScore = kw.text, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// Correct rewrites text. At each position every window of up to the longest
// keyword's word count is matched, and the best scoring window
// wins, the longer one on a tie. Whitespace is normalised to single spaces
// when any correction is made; otherwise text is returned unchanged.
func (m *Matcher) Correct(text string, vocab *Vocabulary) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || vocab.Len() == 0 {
		return text, nil
	}

	out := make([]string, 0, len(tokens))
	var corrections []Correction
	for i := 0; i < len(tokens); {
		var (
			bestN           int
			bestKW, bestSrc string
			bestTrail       string
			bestConf        float64
		)
		for n := min(vocab.maxWords, len(tokens)-i); n >= 1; n-- {
			word, trail := splitTrailingPunct(strings.Join(tokens[i:i+n], " "))
			if kw, conf, ok := m.Match(word, vocab); ok && conf > bestConf {
				bestN, bestKW, bestSrc, bestTrail, bestConf = n, kw, word, trail, conf
			}
		}
		if bestN == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		if bestKW != bestSrc {
			corrections = append(corrections, Correction{
				Original:   bestSrc,
				Corrected:  bestKW,
				Confidence: bestConf,
				Phonetic:   bestConf < 1,
			})
		}
		out = append(out, bestKW+bestTrail)
		i += bestN
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// splitTrailingPunct separates sentence punctuation from the end of s so
// that "kubernetties," still matches and keeps its comma.
func splitTrailingPunct(s string) (string, string) {
	end := len(s)
	for end > 0 && strings.ContainsRune(".,;:!?", rune(s[end-1])) {
		end--
	}
	return s[:end], s[end:]
}

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

// positionalScore averages the Jaro-Winkler similarity of aligned words.
func positionalScore(a, b []string) float64 {
	var sum float64
	for i := range a {
		sum += matchr.JaroWinkler(a[i], b[i], false)
	}
	return sum / float64(len(a))
}
