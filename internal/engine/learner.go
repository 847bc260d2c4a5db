package engine

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/recalld/internal/ledger"
)

// LearningRule maps a keyword set to a memory category and importance.
// Rules are evaluated in order; the first match wins, so a turn matching
// several rule sets is classified by whichever rule is listed first.
type LearningRule struct {
	Category   string
	Importance float64
	Keywords   []string
}

// DefaultLearningRules returns the built-in classification rules:
// preference, then fact, then emotion. The keyword sets and importance
// weights are heuristic defaults, tunable per deployment.
func DefaultLearningRules() []LearningRule {
	return []LearningRule{
		{
			Category:   ledger.CategoryPreference,
			Importance: 0.8,
			Keywords:   []string{"like", "love", "hate", "prefer", "favorite"},
		},
		{
			Category:   ledger.CategoryFact,
			Importance: 0.7,
			Keywords:   []string{"am", "is", "are", "was", "were", "has", "have"},
		},
		{
			Category:   ledger.CategoryEmotion,
			Importance: 0.9,
			Keywords:   []string{"feel", "happy", "sad", "angry", "excited", "worried"},
		},
	}
}

// Learner classifies user utterances into memory categories using
// ordered lexical rules.
type Learner struct {
	rules []LearningRule
}

// NewLearner creates a Learner. Nil or empty rules fall back to the
// built-in defaults.
func NewLearner(rules []LearningRule) *Learner {
	if len(rules) == 0 {
		rules = DefaultLearningRules()
	}
	return &Learner{rules: rules}
}

// Classify matches the lowercased text against the rule sets in order.
// Keywords match whole words only, so "exam" never triggers the "am"
// rule. Returns false when no rule matches, meaning no memory should be
// created for the turn.
func (l *Learner) Classify(text string) (category string, importance float64, ok bool) {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		words[w] = struct{}{}
	}

	for _, rule := range l.rules {
		for _, keyword := range rule.Keywords {
			if _, found := words[keyword]; found {
				return rule.Category, rule.Importance, true
			}
		}
	}
	return "", 0, false
}
