package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/config"
	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/infra/memory"
	"quiz-battle-service/internal/infra/postgres"
	redisstore "quiz-battle-service/internal/infra/redis"
	transport "quiz-battle-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battle server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	checks := map[string]transport.Checker{}

	// --- Postgres ---
	var (
		durable app.DurableBattleStore = memory.NewBattleStore()
		loader  memory.QuizLoader      = memory.NewStaticQuizLoader(sampleQuizzes())
	)
	if cfg.Postgres.URL != "" {
		db := openBun(cfg.Postgres.URL)
		defer db.Close()
		if err := runMigrations(ctx, db, logger); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pool.Close()

		durable = postgres.NewBattleStore(db)
		loader = postgres.NewQuizLoader(pool)
		checks["postgres"] = dbChecker{db}
		logger.Info("connected to postgres")
	} else {
		logger.Warn("postgres not configured, battles are kept in memory")
	}

	// --- Redis ---
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var (
		quizRepo app.QuizRepository = memory.NewQuizRepository(loader, quizTTL)
		presence app.PresenceStore  = memory.NewPresenceStore()
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}

		quizRepo = redisstore.NewQuizRepository(rdb, loader, quizTTL)
		presence = redisstore.NewPresenceStore(rdb, config.TTLDuration(cfg.Redis.TTL, 2*time.Hour), logger)
		checks["redis"] = redisChecker{rdb}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	settings := cfg.Settings()
	battles := app.NewBattleService(durable, presence, quizRepo, settings, logger)
	defer battles.Close()
	attempts := app.NewAttemptService(quizRepo, durable, settings.Rewards, logger)
	reaper := app.NewReaper(battles, config.TTLDuration(cfg.Battle.ReaperInterval, 5*time.Second), logger)

	router := transport.NewRouter(transport.NewHandler(battles, attempts, logger), logger, checks)
	srv := transport.NewServer(":"+finalPort, router, logger)

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting battle server", "port", finalPort)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		return reaper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down battle server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

type dbChecker struct{ db *bun.DB }

func (d dbChecker) Check(ctx context.Context) error { return d.db.PingContext(ctx) }

type redisChecker struct{ client *redis.Client }

func (r redisChecker) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// sampleQuizzes seeds the in-memory loader when no database is configured.
func sampleQuizzes() map[string]domain.Quiz {
	yes := true
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm up",
			Questions: []domain.Question{
				{ID: "q1", Type: domain.TypeMultipleChoice, Prompt: "What is 2 + 2?", Difficulty: domain.DifficultyEasy, Choices: []string{"3", "4", "5"}, CorrectChoice: "4"},
				{ID: "q2", Type: domain.TypeTrueFalse, Prompt: "The Pacific is the largest ocean.", CorrectBool: &yes},
				{ID: "q3", Type: domain.TypeFillBlank, Prompt: "The capital of France is ___.", Difficulty: domain.DifficultyHard, Answer: "Paris"},
				{ID: "q4", Type: domain.TypeMatching, Prompt: "Match the country to its capital.", Pairs: []domain.MatchPair{
					{Left: "Japan", Right: "Tokyo"},
					{Left: "Kenya", Right: "Nairobi"},
					{Left: "Peru", Right: "Lima"},
				}},
			},
		},
	}
}
