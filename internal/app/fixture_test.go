package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/infra/memory"
)

type fixture struct {
	svc      *app.BattleService
	durable  *memory.BattleStore
	presence *memory.PresenceStore
	loader   *memory.StaticQuizLoader
	settings app.Settings

	mu  sync.Mutex
	now time.Time
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	settings app.Settings
	wrap     func(app.DurableBattleStore) app.DurableBattleStore
}

func withSettings(fn func(*app.Settings)) fixtureOption {
	return func(c *fixtureConfig) { fn(&c.settings) }
}

func withDurable(wrap func(app.DurableBattleStore) app.DurableBattleStore) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

func testSettings() app.Settings {
	s := app.DefaultSettings()
	s.QuestionCount = 3
	s.SyncMaxRetries = 2
	s.SyncBackoff = time.Millisecond
	s.ResultGrace = time.Millisecond
	s.ResultRetryDelay = time.Millisecond
	s.ResultTimeout = time.Second
	return s
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{settings: testSettings()}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{
		durable:  memory.NewBattleStore(),
		presence: memory.NewPresenceStore(),
		loader:   memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}),
		settings: cfg.settings,
		now:      time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC),
	}
	var durable app.DurableBattleStore = f.durable
	if cfg.wrap != nil {
		durable = cfg.wrap(f.durable)
	}
	quizzes := memory.NewQuizRepository(f.loader, 0)
	f.svc = app.NewBattleService(durable, f.presence, quizzes, cfg.settings, nil).WithClock(f.clock)
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// lobby creates a battle hosted by "host" and joins the other users.
func (f *fixture) lobby(t *testing.T, users ...string) string {
	t.Helper()
	ctx := context.Background()
	battle, err := f.svc.Create(ctx, app.CreateRequest{QuizID: "quiz-1", HostID: "host", DisplayName: "Host"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, u := range users {
		if _, _, err := f.svc.Join(ctx, battle.JoinCode, app.JoinRequest{UserID: u, DisplayName: "Player " + u}); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
	return battle.JoinCode
}

// started returns the code of an in-progress battle between host and users.
func (f *fixture) started(t *testing.T, users ...string) string {
	t.Helper()
	ctx := context.Background()
	code := f.lobby(t, users...)
	for _, u := range append([]string{"host"}, users...) {
		if _, err := f.svc.SetReady(ctx, code, u, true); err != nil {
			t.Fatalf("ready %s: %v", u, err)
		}
	}
	if _, err := f.svc.Start(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return code
}

func (f *fixture) answer(t *testing.T, code, user string, index int, value string) domain.AnswerResult {
	t.Helper()
	res, err := f.svc.SubmitAnswer(context.Background(), code, user, index, domain.SubmittedAnswer{Value: value})
	if err != nil {
		t.Fatalf("submit %s #%d: %v", user, index, err)
	}
	return res
}

// correct answers to sampleQuiz in order; worth 1, 3 and 5 points.
var correct = []string{"4", "true", "Paris"}

func (f *fixture) answerAll(t *testing.T, code, user string) {
	t.Helper()
	for i, v := range correct {
		f.answer(t, code, user, i, v)
	}
}

func sampleQuiz() domain.Quiz {
	yes := true
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Mixed bag",
		Questions: []domain.Question{
			{ID: "q1", Type: domain.TypeMultipleChoice, Prompt: "2 + 2?", Difficulty: domain.DifficultyEasy, Choices: []string{"3", "4"}, CorrectChoice: "4"},
			{ID: "q2", Type: domain.TypeTrueFalse, Prompt: "Water is wet", Difficulty: domain.DifficultyMedium, CorrectBool: &yes},
			{ID: "q3", Type: domain.TypeFillBlank, Prompt: "Capital of France", Difficulty: domain.DifficultyHard, Answer: "Paris"},
		},
	}
}

// countingStore counts result writes and can inject failures.
type countingStore struct {
	app.DurableBattleStore

	mu         sync.Mutex
	applyCalls int
	writes     int
	applyErrs  []error
	startErr   error
}

func (s *countingStore) ApplyResult(ctx context.Context, result domain.BattleResult) (bool, error) {
	s.mu.Lock()
	s.applyCalls++
	if len(s.applyErrs) > 0 {
		err := s.applyErrs[0]
		if len(s.applyErrs) > 1 {
			s.applyErrs = s.applyErrs[1:]
		}
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
	}
	s.mu.Unlock()

	applied, err := s.DurableBattleStore.ApplyResult(ctx, result)
	if applied {
		s.mu.Lock()
		s.writes++
		s.mu.Unlock()
	}
	return applied, err
}

func (s *countingStore) StartBattle(ctx context.Context, joinCode, hostID string, minPlayers, totalQuestions int, startedAt time.Time) error {
	s.mu.Lock()
	err := s.startErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.DurableBattleStore.StartBattle(ctx, joinCode, hostID, minPlayers, totalQuestions, startedAt)
}

func (s *countingStore) counts() (calls, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCalls, s.writes
}
