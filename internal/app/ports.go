package app

import (
	"context"
	"time"

	"quiz-battle-service/internal/domain"
)

// DurableBattleStore is the system of record for battles, participants and
// final scores (Postgres in production, memory in tests).
type DurableBattleStore interface {
	CreateBattle(ctx context.Context, battle domain.Battle, host domain.Participant) error
	GetBattle(ctx context.Context, joinCode string) (domain.Battle, error)
	// CodeInUse reports whether an active battle holds joinCode.
	CodeInUse(ctx context.Context, joinCode string) (bool, error)
	// AddParticipant admits p to a waiting battle. Rejoining returns the existing row.
	AddParticipant(ctx context.Context, joinCode string, p domain.Participant, maxPlayers int) (domain.Participant, error)
	RemoveParticipant(ctx context.Context, joinCode, userID string) error
	ForfeitParticipant(ctx context.Context, joinCode, userID string) error
	// UpdateScore writes the caller's own score while the battle is in progress.
	UpdateScore(ctx context.Context, joinCode, userID string, score int) error
	// StartBattle moves a waiting battle to in_progress after checking the host
	// and the participant count.
	StartBattle(ctx context.Context, joinCode, hostID string, minPlayers, totalQuestions int, startedAt time.Time) error
	CancelBattle(ctx context.Context, joinCode string) error
	// ApplyResult completes the battle with final standings. It reports false
	// when the result had already been applied.
	ApplyResult(ctx context.Context, result domain.BattleResult) (bool, error)
	ListParticipants(ctx context.Context, joinCode string) ([]domain.Participant, error)
	RecordAttempt(ctx context.Context, attempt domain.Attempt) error
}

// PresenceStore is the low-latency store of live battle state. Every mutation
// notifies subscribers of the battle with a fresh snapshot.
type PresenceStore interface {
	PutBattle(ctx context.Context, battle domain.LiveBattle) error
	GetBattle(ctx context.Context, joinCode string) (domain.LiveBattle, error)
	UpdateBattle(ctx context.Context, joinCode string, fn func(*domain.LiveBattle) error) (domain.LiveBattle, error)
	DeleteBattle(ctx context.Context, joinCode string) error
	ActiveBattles(ctx context.Context) ([]string, error)

	PutPresence(ctx context.Context, joinCode string, p domain.Presence) error
	UpdatePresence(ctx context.Context, joinCode, userID string, fn func(*domain.Presence) error) (domain.Presence, error)
	RemovePresence(ctx context.Context, joinCode, userID string) error
	ListPresence(ctx context.Context, joinCode string) ([]domain.Presence, error)

	PutQuestions(ctx context.Context, joinCode string, questions []domain.Question) error
	Questions(ctx context.Context, joinCode string) ([]domain.Question, error)

	PutSubmission(ctx context.Context, joinCode string, sub domain.Submission) error
	Submissions(ctx context.Context, joinCode, userID string) ([]domain.Submission, error)

	AddViewers(ctx context.Context, joinCode string, delta int64) (int64, error)

	// Subscribe delivers the current snapshot followed by one per change. The
	// caller must invoke the returned cancel function to avoid leaks.
	Subscribe(ctx context.Context, joinCode string) (<-chan domain.LiveSnapshot, func(), error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Settings tunes battle rules.
type Settings struct {
	MinPlayers      int
	MaxPlayers      int
	QuestionCount   int
	MinSelectable   int
	Reserve         int
	AdaptiveMinPool int
	LobbyTTL        time.Duration
	TimeLimit       time.Duration
	AutoStart       bool

	SyncMaxRetries   uint64
	SyncBackoff      time.Duration
	ResultGrace      time.Duration
	ResultRetryDelay time.Duration
	ResultTimeout    time.Duration
	ReconnectGrace   time.Duration

	Rewards RewardSettings
}

// RewardSettings decides what winners and solo players earn.
type RewardSettings struct {
	WinnerPoints int
	WinnerExp    int
	ExpPerPoint  int
}

// DefaultSettings returns the rules used when configuration leaves them unset.
func DefaultSettings() Settings {
	return Settings{
		MinPlayers:       2,
		MaxPlayers:       8,
		QuestionCount:    10,
		MinSelectable:    1,
		Reserve:          0,
		AdaptiveMinPool:  6,
		LobbyTTL:         60 * time.Second,
		TimeLimit:        10 * time.Minute,
		SyncMaxRetries:   3,
		SyncBackoff:      200 * time.Millisecond,
		ResultGrace:      2 * time.Second,
		ResultRetryDelay: 500 * time.Millisecond,
		ResultTimeout:    3 * time.Second,
		ReconnectGrace:   5 * time.Second,
		Rewards: RewardSettings{
			WinnerPoints: 100,
			WinnerExp:    50,
			ExpPerPoint:  2,
		},
	}
}
