package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/infra/postgres"
	pgmigrations "quiz-battle-service/internal/infra/postgres/migrations"
	infraredis "quiz-battle-service/internal/infra/redis"
)

type stack struct {
	db       *bun.DB
	durable  *postgres.BattleStore
	battles  *app.BattleService
	attempts *app.AttemptService
}

func newStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	t.Cleanup(pgCleanup)
	redisURL, redisCleanup := startRedis(t, ctx)
	t.Cleanup(redisCleanup)

	db := openDB(pgURL)
	t.Cleanup(func() { db.Close() })
	migrateDB(t, ctx, db)
	seedQuiz(t, ctx, db, sampleQuiz())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	t.Cleanup(pool.Close)

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	settings := app.DefaultSettings()
	settings.QuestionCount = 2
	settings.SyncBackoff = 10 * time.Millisecond
	settings.ResultGrace = 10 * time.Millisecond
	settings.ResultRetryDelay = 10 * time.Millisecond

	quizRepo := infraredis.NewQuizRepository(redisClient, postgres.NewQuizLoader(pool), 5*time.Minute)
	durable := postgres.NewBattleStore(db)
	presence := infraredis.NewPresenceStore(redisClient, 5*time.Minute, nil)
	battles := app.NewBattleService(durable, presence, quizRepo, settings, nil)
	t.Cleanup(battles.Close)

	return &stack{
		db:       db,
		durable:  durable,
		battles:  battles,
		attempts: app.NewAttemptService(quizRepo, durable, settings.Rewards, nil),
	}
}

func TestBattleEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ctx)

	battle, err := s.battles.Create(ctx, app.CreateRequest{QuizID: "quiz-1", HostID: "u1", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := battle.JoinCode
	if _, _, err := s.battles.Join(ctx, code, app.JoinRequest{UserID: "u2", DisplayName: "Bob"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, err := s.battles.SetReady(ctx, code, u, true); err != nil {
			t.Fatalf("ready %s: %v", u, err)
		}
	}
	if _, err := s.battles.Start(ctx, code, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	questions, err := s.battles.Questions(ctx, code)
	if err != nil || len(questions) != 2 {
		t.Fatalf("questions: %v %v", questions, err)
	}
	key := map[string]string{"q1": "4", "q2": "true"}
	for i, q := range questions {
		if _, err := s.battles.SubmitAnswer(ctx, code, "u2", i, domain.SubmittedAnswer{Value: key[q.ID]}); err != nil {
			t.Fatalf("u2 answer: %v", err)
		}
		if _, err := s.battles.SubmitAnswer(ctx, code, "u1", i, domain.SubmittedAnswer{Value: "wrong"}); err != nil {
			t.Fatalf("u1 answer: %v", err)
		}
	}

	stored, err := s.durable.GetBattle(ctx, code)
	if err != nil {
		t.Fatalf("get battle: %v", err)
	}
	if stored.Status != domain.StatusCompleted || !stored.ResultsSynced || len(stored.Winners) != 1 || stored.Winners[0] != "u2" {
		t.Fatalf("expected bob to win a synced battle, got %+v", stored)
	}
	participants, err := s.durable.ListParticipants(ctx, code)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	for _, p := range participants {
		if p.UserID == "u2" && (p.Score != 4 || !p.IsWinner || p.Points != 100) {
			t.Fatalf("unexpected winner row %+v", p)
		}
	}

	view, err := s.battles.Results(ctx, code, "u1")
	if err != nil || view.Degraded {
		t.Fatalf("expected durable results, got %+v %v", view, err)
	}

	// the code is free again once the battle is over
	if inUse, err := s.durable.CodeInUse(ctx, code); err != nil || inUse {
		t.Fatalf("expected code released, got %v %v", inUse, err)
	}
}

func TestBattleStoreGuards(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ctx)
	now := time.Now().UTC().Truncate(time.Millisecond)

	battle := domain.Battle{ID: "b-1", JoinCode: "424242", QuizID: "quiz-1", HostID: "host", Status: domain.StatusWaiting, CreatedAt: now}
	if err := s.durable.CreateBattle(ctx, battle, domain.Participant{UserID: "host", DisplayName: "Host", JoinedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := battle
	dup.ID = "b-2"
	if err := s.durable.CreateBattle(ctx, dup, domain.Participant{UserID: "other", DisplayName: "Other", JoinedAt: now}); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected active code to be rejected, got %v", err)
	}

	if err := s.durable.StartBattle(ctx, "424242", "host", 2, 2, now); !domain.IsCode(err, domain.CodeNotEnoughPlayers) {
		t.Fatalf("expected NOT_ENOUGH_PLAYERS, got %v", err)
	}
	if _, err := s.durable.AddParticipant(ctx, "424242", domain.Participant{UserID: "u1", DisplayName: "One", JoinedAt: now}, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.durable.AddParticipant(ctx, "424242", domain.Participant{UserID: "u2", DisplayName: "Two", JoinedAt: now}, 2); !domain.IsCode(err, domain.CodeTooManyPlayers) {
		t.Fatalf("expected TOO_MANY_PLAYERS, got %v", err)
	}
	if err := s.durable.StartBattle(ctx, "424242", "u1", 2, 2, now); !domain.IsCode(err, domain.CodeNotHost) {
		t.Fatalf("expected NOT_HOST, got %v", err)
	}
	if err := s.durable.StartBattle(ctx, "424242", "host", 2, 2, now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.durable.UpdateScore(ctx, "424242", "u1", 3); err != nil {
		t.Fatalf("score: %v", err)
	}

	result := domain.BattleResult{
		JoinCode:    "424242",
		Winners:     []string{"u1"},
		CompletedAt: now,
		Standings: []domain.Standing{
			{UserID: "u1", Score: 3, IsWinner: true, Points: 100, Exp: 50},
			{UserID: "host", Score: 0},
		},
	}
	if applied, err := s.durable.ApplyResult(ctx, result); err != nil || !applied {
		t.Fatalf("apply: %v %v", applied, err)
	}
	if applied, err := s.durable.ApplyResult(ctx, result); err != nil || applied {
		t.Fatalf("expected second apply to be a no-op, got %v %v", applied, err)
	}
	if err := s.durable.CancelBattle(ctx, "424242"); !domain.IsCode(err, domain.CodeInvalidStatus) {
		t.Fatalf("expected completed battle to refuse cancel, got %v", err)
	}

	// a finished code may be reused; lookups see the newest battle
	reused := battle
	reused.ID = "b-3"
	reused.CreatedAt = now.Add(time.Minute)
	if err := s.durable.CreateBattle(ctx, reused, domain.Participant{UserID: "host", DisplayName: "Host", JoinedAt: now}); err != nil {
		t.Fatalf("reuse code: %v", err)
	}
	latest, err := s.durable.GetBattle(ctx, "424242")
	if err != nil || latest.ID != "b-3" || latest.Status != domain.StatusWaiting {
		t.Fatalf("expected the reused battle, got %+v %v", latest, err)
	}
}

func TestSoloAttemptIsRecorded(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ctx)

	attempt, err := s.attempts.Submit(ctx, "quiz-1", app.AttemptRequest{
		UserID:    "solo",
		TimeSpent: 30,
		Answers: []app.AttemptAnswer{
			{QuestionID: "q1", Answer: domain.SubmittedAnswer{Value: "4"}},
			{QuestionID: "q2", Answer: domain.SubmittedAnswer{Value: "true"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if attempt.Score != 4 {
		t.Fatalf("expected score 4, got %d", attempt.Score)
	}

	var stored struct {
		Score       int   `bun:"score"`
		TimeSpentMS int64 `bun:"time_spent_ms"`
	}
	if err := s.db.NewSelect().Table("quiz_attempts").Column("score", "time_spent_ms").Where("user_id = ?", "solo").Scan(ctx, &stored); err != nil {
		t.Fatalf("select attempt: %v", err)
	}
	if stored.Score != 4 || stored.TimeSpentMS != 30000 {
		t.Fatalf("unexpected stored attempt %+v", stored)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func openDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func migrateDB(t *testing.T, ctx context.Context, db *bun.DB) {
	t.Helper()
	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func seedQuiz(t *testing.T, ctx context.Context, db *bun.DB, quiz domain.Quiz) {
	t.Helper()
	data, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshal quiz: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO quizzes (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, quiz.ID, string(data)); err != nil {
		t.Fatalf("insert quiz: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	yes := true
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Warm up",
		Questions: []domain.Question{
			{ID: "q1", Type: domain.TypeMultipleChoice, Prompt: "What is 2 + 2?", Difficulty: domain.DifficultyEasy, Choices: []string{"3", "4", "5"}, CorrectChoice: "4"},
			{ID: "q2", Type: domain.TypeTrueFalse, Prompt: "Water is wet", CorrectBool: &yes},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
