// Package grading scores submitted answers against a question's answer key.
//
// Grading never fails: a question with a malformed key, or of an unknown type,
// earns no credit and the inconsistency is logged so one bad question cannot
// abort a battle.
package grading

import (
	"log/slog"
	"math"
	"strconv"
	"strings"

	"quiz-battle-service/internal/domain"
)

// PassingAccuracy is the matching accuracy below which no credit is given.
const PassingAccuracy = 0.60

// Grader grades submissions. A nil or zero Grader logs to slog.Default.
type Grader struct {
	logger *slog.Logger
}

func NewGrader(logger *slog.Logger) *Grader {
	return &Grader{logger: logger}
}

// Grade scores answer against q.
func (g *Grader) Grade(q domain.Question, answer domain.SubmittedAnswer) domain.Grade {
	switch q.Type {
	case domain.TypeMultipleChoice:
		key := strings.TrimSpace(q.CorrectChoice)
		if key == "" {
			g.inconsistent(q, "multiple choice question has no correct choice")
			return domain.Grade{}
		}
		return g.exact(q, key, answer.Value)
	case domain.TypeTrueFalse:
		if q.CorrectBool == nil {
			g.inconsistent(q, "true/false question has no answer")
			return domain.Grade{}
		}
		return g.exact(q, strconv.FormatBool(*q.CorrectBool), answer.Value)
	case domain.TypeFillBlank:
		return g.fillBlank(q, answer.Value)
	case domain.TypeMatching:
		return g.matching(q, answer.Pairs)
	default:
		g.inconsistent(q, "unknown question type")
		return domain.Grade{}
	}
}

func (g *Grader) exact(q domain.Question, key, submitted string) domain.Grade {
	if strings.TrimSpace(submitted) != key {
		return domain.Grade{}
	}
	return domain.Grade{IsCorrect: true, Credit: q.Difficulty.Points()}
}

func (g *Grader) fillBlank(q domain.Question, submitted string) domain.Grade {
	accepted := AcceptedAnswers(q)
	if len(accepted) == 0 {
		g.inconsistent(q, "fill in the blank question has no answer")
		return domain.Grade{}
	}
	value := strings.TrimSpace(submitted)
	if value == "" {
		return domain.Grade{}
	}
	for _, candidate := range accepted {
		if equalUnderPolicy(candidate, value, q.CaseSensitive) {
			return domain.Grade{IsCorrect: true, Credit: q.Difficulty.Points()}
		}
	}
	return domain.Grade{}
}

// AcceptedAnswers returns the trimmed, non-empty primary answer followed by the
// trimmed, non-empty alternatives of a fill in the blank question.
func AcceptedAnswers(q domain.Question) []string {
	accepted := make([]string, 0, len(q.Alternatives)+1)
	if primary := strings.TrimSpace(q.Answer); primary != "" {
		accepted = append(accepted, primary)
	}
	for _, alt := range q.Alternatives {
		if alt = strings.TrimSpace(alt); alt != "" {
			accepted = append(accepted, alt)
		}
	}
	return accepted
}

func equalUnderPolicy(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func (g *Grader) matching(q domain.Question, submitted []domain.MatchPair) domain.Grade {
	if len(q.Pairs) == 0 {
		g.inconsistent(q, "matching question has no pairs")
		return domain.Grade{}
	}

	remaining := make(map[domain.MatchPair]int, len(q.Pairs))
	for _, p := range q.Pairs {
		remaining[p]++
	}
	correct := 0
	for _, p := range submitted {
		if remaining[p] > 0 {
			remaining[p]--
			correct++
		}
	}

	accuracy := float64(correct) / float64(len(q.Pairs))
	points := q.Difficulty.Points()
	switch {
	case accuracy < PassingAccuracy:
		return domain.Grade{Accuracy: accuracy}
	case accuracy == 1 && len(submitted) == len(q.Pairs):
		return domain.Grade{IsCorrect: true, Credit: points, Accuracy: accuracy}
	default:
		credit := int(math.Round(accuracy * float64(points)))
		if credit < 1 {
			credit = 1
		}
		return domain.Grade{Credit: credit, Accuracy: accuracy, Partial: true}
	}
}

func (g *Grader) inconsistent(q domain.Question, reason string) {
	logger := slog.Default()
	if g != nil && g.logger != nil {
		logger = g.logger
	}
	logger.Warn("grading inconsistency", "question_id", q.ID, "type", string(q.Type), "reason", reason)
}
