// Package answer decides whether a learner's answer matches the canonical one.
//
// Multiple-choice answers are compared exactly. Free-text answers are tried
// against an ordered list of normalization strategies; the first strategy under
// which both sides are equal wins.
package answer

import (
	"log/slog"
	"strings"
	"unicode"
)

// QuestionType selects the comparison mode.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeFillInBlank    QuestionType = "fill_in_blank"
	TypeFreeText       QuestionType = "free_text"
)

// ParseQuestionType maps loose spellings to a QuestionType. Unknown values are free text.
func ParseQuestionType(s string) QuestionType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "multiple_choice", "multiple-choice", "mcq", "choice":
		return TypeMultipleChoice
	case "fill_in_blank", "fill-in-blank", "fillinblank", "blank":
		return TypeFillInBlank
	default:
		return TypeFreeText
	}
}

// IsMultipleChoice reports whether t uses exact comparison.
func (t QuestionType) IsMultipleChoice() bool {
	return t == TypeMultipleChoice
}

// Strategy is one way of normalizing both sides before comparing them.
type Strategy struct {
	Name      string
	Normalize func(string) string
}

// Strategy names, in evaluation order.
const (
	StrategyExact             = "exact"
	StrategyCanonical         = "canonical"
	StrategyNoWhitespace      = "no_whitespace"
	StrategyCaseInsensitive   = "case_insensitive"
	StrategyCompactedNotation = "compacted_notation"
)

// FreeTextStrategies returns the ordered strategy list used for free-text questions.
func FreeTextStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyCanonical, Normalize: canonicalize},
		{Name: StrategyNoWhitespace, Normalize: func(s string) string {
			return stripWhitespace(strings.ToLower(s))
		}},
		{Name: StrategyCaseInsensitive, Normalize: func(s string) string {
			return strings.TrimSpace(strings.ToLower(s))
		}},
		// Tolerates "O(1)" vs "O( 1 )".
		{Name: StrategyCompactedNotation, Normalize: func(s string) string {
			return stripWhitespace(strings.TrimSpace(strings.ToLower(s)))
		}},
	}
}

// Result describes the outcome of a check.
type Result struct {
	Correct  bool
	Strategy string // name of the matching strategy, empty when incorrect
}

// Evaluator compares answers. The zero value is not usable; use NewEvaluator.
type Evaluator struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewEvaluator returns an Evaluator with the default free-text strategies.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{strategies: FreeTextStrategies(), logger: logger}
}

// Check reports whether answer is equivalent to canonical.
func (e *Evaluator) Check(answer, canonical string, qt QuestionType) bool {
	return e.Evaluate(answer, canonical, qt).Correct
}

// Evaluate is Check plus the name of the strategy that matched.
func (e *Evaluator) Evaluate(answer, canonical string, qt QuestionType) Result {
	answerEmpty := strings.TrimSpace(answer) == ""
	canonicalEmpty := strings.TrimSpace(canonical) == ""
	if answerEmpty || canonicalEmpty {
		e.logger.Warn("answer check called with empty input",
			"question_type", string(qt),
			"answer_empty", answerEmpty,
			"canonical_empty", canonicalEmpty,
		)
		return Result{}
	}

	if qt.IsMultipleChoice() {
		if answer == canonical {
			return Result{Correct: true, Strategy: StrategyExact}
		}
		return Result{}
	}

	for _, s := range e.strategies {
		if s.Normalize(answer) == s.Normalize(canonical) {
			return Result{Correct: true, Strategy: s.Name}
		}
	}
	return Result{}
}

var defaultEvaluator = NewEvaluator(nil)

// CheckAnswer checks an answer with the default evaluator.
func CheckAnswer(answer, canonical string, qt QuestionType) bool {
	return defaultEvaluator.Check(answer, canonical, qt)
}

// canonicalize lowercases, trims and collapses whitespace runs, then drops
// everything except letters, digits, spaces, hyphens and parentheses.
// Spaces left around a dropped character are not collapsed again.
func canonicalize(s string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ', r == '-', r == '(', r == ')':
			return r
		default:
			return -1
		}
	}, collapsed)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
