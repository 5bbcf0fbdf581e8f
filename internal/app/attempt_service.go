package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/grading"
)

// AttemptAnswer is one answer of a solo run.
type AttemptAnswer struct {
	QuestionID string                 `json:"questionId"`
	Answer     domain.SubmittedAnswer `json:"answer"`
}

// AttemptRequest is a completed solo run as sent by the player.
type AttemptRequest struct {
	UserID    string          `json:"userId"`
	Answers   []AttemptAnswer `json:"answers"`
	TimeSpent int             `json:"timeSpent"` // seconds
}

// AttemptService grades and records solo quiz runs.
type AttemptService struct {
	quizzes QuizRepository
	store   DurableBattleStore
	grader  *grading.Grader
	rewards RewardSettings
	logger  *slog.Logger
	now     func() time.Time
}

func NewAttemptService(quizzes QuizRepository, store DurableBattleStore, rewards RewardSettings, logger *slog.Logger) *AttemptService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttemptService{
		quizzes: quizzes,
		store:   store,
		grader:  grading.NewGrader(logger),
		rewards: rewards,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit grades every answer against the quiz and stores the attempt. Points
// earned equal the score; experience is the score times the configured rate.
func (s *AttemptService) Submit(ctx context.Context, quizID string, req AttemptRequest) (domain.Attempt, error) {
	if req.UserID == "" {
		return domain.Attempt{}, domain.NewError(domain.CodeInvalidArgument, "userId is required")
	}
	if req.TimeSpent < 0 {
		return domain.Attempt{}, domain.NewError(domain.CodeInvalidArgument, "timeSpent must not be negative")
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Attempt{}, err
	}
	byID := make(map[string]int, len(quiz.Questions))
	for i, q := range quiz.Questions {
		byID[q.ID] = i
	}

	now := s.now()
	attempt := domain.Attempt{
		QuizID:         quiz.ID,
		UserID:         req.UserID,
		TotalQuestions: len(quiz.Questions),
		TimeSpent:      time.Duration(req.TimeSpent) * time.Second,
		Answers:        make([]domain.Submission, 0, len(req.Answers)),
		CreatedAt:      now,
	}
	seen := make(map[string]bool, len(req.Answers))
	for _, a := range req.Answers {
		idx, ok := byID[a.QuestionID]
		if !ok {
			return domain.Attempt{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, a.QuestionID)
		}
		if seen[a.QuestionID] {
			return domain.Attempt{}, domain.NewError(domain.CodeInvalidArgument, "question %s answered twice", a.QuestionID)
		}
		seen[a.QuestionID] = true

		grade := s.grader.Grade(quiz.Questions[idx], a.Answer)
		attempt.Score += grade.Credit
		attempt.Answers = append(attempt.Answers, domain.Submission{
			UserID:        req.UserID,
			QuestionIndex: idx,
			QuestionID:    a.QuestionID,
			Answer:        a.Answer,
			Grade:         grade,
			SubmittedAt:   now,
		})
	}
	attempt.Reward = domain.Reward{
		Points: attempt.Score,
		Exp:    attempt.Score * s.rewards.ExpPerPoint,
	}

	if err := s.store.RecordAttempt(ctx, attempt); err != nil {
		return domain.Attempt{}, fmt.Errorf("record attempt: %w", err)
	}
	s.logger.Info("attempt recorded", "quiz_id", quiz.ID, "user_id", req.UserID, "score", attempt.Score)
	return attempt, nil
}
