// Package scoring rates how well an utterance fits the linguistic criteria of
// its expression step. Scores are advisory and never block progress.
package scoring

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"nvcstack.local/facilitator/internal/nvc"
)

const (
	baseScore = 50
	minScore  = 0
	maxScore  = 100

	shortTextLen = 10
	longTextLen  = 200
)

var (
	judgmentalTokens  = []string{"always", "never", "should", "must", "wrong", "bad", "stupid"}
	factualPhrases    = []string{"when", "i saw", "i heard", "i noticed"}
	pseudoFeelings    = []string{"i feel that", "i feel like"}
	strategyPhrases   = []string{"you to", "them to"}
	questionPhrases   = []string{"would you", "could you"}
	politenessPhrases = []string{"please"}
	demandPhrases     = []string{"must", "have to"}
)

// Score returns a deterministic quality score in [0,100] for text written for
// step. Empty text scores 0.
func Score(step nvc.StepType, text string) int {
	normalized := normalize(text)
	if normalized == "" {
		return 0
	}
	t := tokenize(normalized)

	score := baseScore
	switch step {
	case nvc.StepObservation:
		if t.hasAny(judgmentalTokens) {
			score -= 20
		}
		if t.hasAny(factualPhrases) {
			score += 20
		}
	case nvc.StepFeeling:
		if t.anyWord(nvc.IsFeeling) {
			score += 30
		}
		if t.hasAny(pseudoFeelings) {
			score -= 15
		}
	case nvc.StepNeed:
		if t.anyWord(nvc.IsNeed) {
			score += 25
		}
		if t.hasAny(strategyPhrases) {
			score -= 20
		}
	case nvc.StepRequest:
		if t.hasAny(questionPhrases) {
			score += 20
		}
		if t.hasAny(politenessPhrases) {
			score += 10
		}
		if t.hasAny(demandPhrases) {
			score -= 25
		}
	}

	length := utf8.RuneCountInString(normalized)
	if length < shortTextLen {
		score -= 10
	}
	if length > longTextLen {
		score -= 5
	}
	return clamp(score)
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(text)))
}

// tokens is the normalized text split into words, kept both as a slice and as
// a space-delimited string for phrase matching on word boundaries.
type tokens struct {
	words  []string
	joined string
}

func tokenize(normalized string) tokens {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	return tokens{
		words:  words,
		joined: " " + strings.Join(words, " ") + " ",
	}
}

func (t tokens) has(phrase string) bool {
	return strings.Contains(t.joined, " "+phrase+" ")
}

func (t tokens) hasAny(phrases []string) bool {
	for _, phrase := range phrases {
		if t.has(phrase) {
			return true
		}
	}
	return false
}

func (t tokens) anyWord(match func(string) bool) bool {
	for _, word := range t.words {
		if match(word) {
			return true
		}
	}
	return false
}

func clamp(score int) int {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
