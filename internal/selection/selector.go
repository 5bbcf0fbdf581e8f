// Package selection picks and orders the question set of a battle.
package selection

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/grading"
)

// Mode is a question selection policy.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeCasual   Mode = "casual"
	ModeAdaptive Mode = "adaptive"
)

// ParseMode returns the mode named by raw, defaulting to normal when raw is empty.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeCasual:
		return ModeCasual, nil
	case ModeAdaptive:
		return ModeAdaptive, nil
	}
	return "", fmt.Errorf("unknown selection mode %q", raw)
}

// adaptiveOrder is the bucket priority of adaptive selection.
var adaptiveOrder = []domain.Difficulty{domain.DifficultyMedium, domain.DifficultyEasy, domain.DifficultyHard}

// Selection is the ordered question list plus how many pool entries were discarded as invalid.
type Selection struct {
	Questions []domain.Question
	Rejected  int
}

// Selector orders question pools. It is safe for concurrent use.
type Selector struct {
	logger *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSelector(src rand.Source, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{logger: logger, rnd: rand.New(src)}
}

// Select discards invalid questions and returns up to n of the remaining ones
// ordered by mode. n is expected to be clamped by the caller (see ClampCount).
func (s *Selector) Select(pool []domain.Question, mode Mode, n int) Selection {
	valid, rejected := s.filterValid(pool)
	if n <= 0 {
		return Selection{Questions: []domain.Question{}, Rejected: rejected}
	}

	var out []domain.Question
	switch mode {
	case ModeCasual:
		out = s.shuffled(valid)
	case ModeAdaptive:
		out = adaptive(valid, n)
	default:
		out = valid
	}
	if len(out) > n {
		out = out[:n]
	}
	return Selection{Questions: out, Rejected: rejected}
}

func (s *Selector) filterValid(pool []domain.Question) ([]domain.Question, int) {
	valid := make([]domain.Question, 0, len(pool))
	rejected := 0
	for _, q := range pool {
		if err := Validate(q); err != nil {
			rejected++
			s.logger.Warn("discarding invalid question", "question_id", q.ID, "reason", err.Error())
			continue
		}
		valid = append(valid, q)
	}
	return valid, rejected
}

func (s *Selector) shuffled(qs []domain.Question) []domain.Question {
	out := append([]domain.Question(nil), qs...)
	s.mu.Lock()
	s.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

func adaptive(qs []domain.Question, n int) []domain.Question {
	buckets := Buckets(qs)
	out := make([]domain.Question, 0, n)
	for _, difficulty := range adaptiveOrder {
		need := n - len(out)
		if need <= 0 {
			break
		}
		bucket := buckets[difficulty]
		if len(bucket) > need {
			bucket = bucket[:need]
		}
		out = append(out, bucket...)
	}
	return out
}

// Buckets partitions qs by normalized difficulty, keeping pool order inside each bucket.
func Buckets(qs []domain.Question) map[domain.Difficulty][]domain.Question {
	buckets := make(map[domain.Difficulty][]domain.Question, 3)
	for _, q := range qs {
		d := q.Difficulty.Normalize()
		buckets[d] = append(buckets[d], q)
	}
	return buckets
}

var (
	errEmptyPrompt = errors.New("empty prompt")
	errMissingKey  = errors.New("missing answer key")
)

// Validate reports why q cannot be played, or nil when it is well formed.
func Validate(q domain.Question) error {
	if strings.TrimSpace(q.Prompt) == "" {
		return errEmptyPrompt
	}
	switch q.Type {
	case "":
		return errors.New("missing type")
	case domain.TypeMultipleChoice:
		if strings.TrimSpace(q.CorrectChoice) == "" || len(q.Choices) < 2 {
			return fmt.Errorf("%w: choices and correct choice required", errMissingKey)
		}
		for _, c := range q.Choices {
			if strings.TrimSpace(c) == strings.TrimSpace(q.CorrectChoice) {
				return nil
			}
		}
		return fmt.Errorf("%w: correct choice not among choices", errMissingKey)
	case domain.TypeTrueFalse:
		if q.CorrectBool == nil {
			return fmt.Errorf("%w: boolean answer required", errMissingKey)
		}
	case domain.TypeFillBlank:
		if len(grading.AcceptedAnswers(q)) == 0 {
			return fmt.Errorf("%w: at least one accepted answer required", errMissingKey)
		}
	case domain.TypeMatching:
		if len(q.Pairs) == 0 {
			return fmt.Errorf("%w: pairs required", errMissingKey)
		}
		for _, p := range q.Pairs {
			if strings.TrimSpace(p.Left) == "" || strings.TrimSpace(p.Right) == "" {
				return fmt.Errorf("%w: pair with an empty side", errMissingKey)
			}
		}
	default:
		return fmt.Errorf("unknown type %q", q.Type)
	}
	return nil
}

// CountValid returns how many questions of pool pass Validate.
func CountValid(pool []domain.Question) int {
	n := 0
	for _, q := range pool {
		if Validate(q) == nil {
			n++
		}
	}
	return n
}

// ClampCount bounds a requested question count to [min, available-reserve].
// When the upper bound falls below min, the upper bound wins.
func ClampCount(requested, min, available, reserve int) int {
	upper := available - reserve
	if upper < 0 {
		upper = 0
	}
	if requested < min {
		requested = min
	}
	if requested > upper {
		requested = upper
	}
	return requested
}

// AdaptiveEligible reports whether pool may be offered in adaptive mode: at
// least minPool valid questions spanning at least two difficulty levels.
func AdaptiveEligible(pool []domain.Question, minPool int) bool {
	levels := make(map[domain.Difficulty]struct{}, 3)
	valid := 0
	for _, q := range pool {
		if Validate(q) != nil {
			continue
		}
		valid++
		levels[q.Difficulty.Normalize()] = struct{}{}
	}
	return valid >= minPool && len(levels) >= 2
}
