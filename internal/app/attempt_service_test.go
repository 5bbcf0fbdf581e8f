package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/infra/memory"
)

func newAttemptService() (*app.AttemptService, *memory.BattleStore) {
	store := memory.NewBattleStore()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}), time.Minute)
	return app.NewAttemptService(quizzes, store, app.DefaultSettings().Rewards, nil), store
}

func TestAttemptScoresAndRewards(t *testing.T) {
	svc, store := newAttemptService()

	attempt, err := svc.Submit(context.Background(), "quiz-1", app.AttemptRequest{
		UserID: "u1",
		Answers: []app.AttemptAnswer{
			{QuestionID: "q1", Answer: domain.SubmittedAnswer{Value: "4"}},
			{QuestionID: "q2", Answer: domain.SubmittedAnswer{Value: "false"}},
			{QuestionID: "q3", Answer: domain.SubmittedAnswer{Value: "PARIS"}},
		},
		TimeSpent: 42,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if attempt.Score != 6 || attempt.TotalQuestions != 3 {
		t.Fatalf("expected score 6 of 3 questions, got %+v", attempt)
	}
	if attempt.Reward.Points != 6 || attempt.Reward.Exp != 12 {
		t.Fatalf("expected 6 points and 12 exp, got %+v", attempt.Reward)
	}
	if attempt.TimeSpent != 42*time.Second {
		t.Fatalf("unexpected time spent %v", attempt.TimeSpent)
	}
	if stored := store.Attempts("u1"); len(stored) != 1 || stored[0].Score != 6 {
		t.Fatalf("expected attempt persisted, got %+v", stored)
	}
}

func TestAttemptRejectsUnknownQuestion(t *testing.T) {
	svc, store := newAttemptService()

	_, err := svc.Submit(context.Background(), "quiz-1", app.AttemptRequest{
		UserID:  "u1",
		Answers: []app.AttemptAnswer{{QuestionID: "nope"}},
	})
	if !errors.Is(err, domain.ErrQuestionNotFound) || !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
	if len(store.Attempts("u1")) != 0 {
		t.Fatalf("expected nothing persisted")
	}

	_, err = svc.Submit(context.Background(), "quiz-1", app.AttemptRequest{
		UserID: "u1",
		Answers: []app.AttemptAnswer{
			{QuestionID: "q1", Answer: domain.SubmittedAnswer{Value: "4"}},
			{QuestionID: "q1", Answer: domain.SubmittedAnswer{Value: "4"}},
		},
	})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected duplicate answers rejected, got %v", err)
	}
}
