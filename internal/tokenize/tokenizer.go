// Package tokenize splits article text into tagged tokens and holds the
// process-wide stop-word set.
package tokenize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// Trailing postpositions stripped from Hangul words, longest first.
var defaultParticles = []string{
	"에서는", "으로는", "에게서",
	"에서", "으로", "에게", "까지", "부터", "보다", "처럼", "이나", "라는", "이라",
	"은", "는", "이", "가", "을", "를", "의", "에", "로", "와", "과", "도", "만",
}

// Tokenizer is a rule-based segmenter for mixed Korean and Latin text.
// Words are runs of letters or digits; Hangul words lose a trailing
// postposition and words ending in the predicate marker 다 are tagged as
// other.
type Tokenizer struct {
	particles []string
}

// New returns a Tokenizer with the default particle list.
func New() *Tokenizer {
	return &Tokenizer{particles: defaultParticles}
}

// Tokenize implements crawler.Tokenizer.
func (t *Tokenizer) Tokenize(text string) []crawler.Token {
	text = norm.NFC.String(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]crawler.Token, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, t.classify(w))
	}
	return tokens
}

func (t *Tokenizer) classify(word string) crawler.Token {
	if isNumber(word) {
		return crawler.Token{Text: word, Tag: crawler.TagNumber}
	}
	if !isHangul(word) {
		return crawler.Token{Text: strings.ToLower(word), Tag: crawler.TagNoun}
	}
	if strings.HasSuffix(word, "다") && utf8.RuneCountInString(word) > 1 {
		return crawler.Token{Text: word, Tag: crawler.TagOther}
	}
	return crawler.Token{Text: t.stripParticle(word), Tag: crawler.TagNoun}
}

func (t *Tokenizer) stripParticle(word string) string {
	for _, p := range t.particles {
		if !strings.HasSuffix(word, p) {
			continue
		}
		stem := strings.TrimSuffix(word, p)
		// Single-syllable stems are more often whole words than word+particle.
		if utf8.RuneCountInString(stem) >= 2 {
			return stem
		}
		return word
	}
	return word
}

func isNumber(word string) bool {
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return word != ""
}

func isHangul(word string) bool {
	for _, r := range word {
		if !unicode.Is(unicode.Hangul, r) {
			return false
		}
	}
	return word != ""
}
