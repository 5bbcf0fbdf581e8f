package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"quiz-battle-service/internal/domain"
)

var activeStatuses = []string{string(domain.StatusWaiting), string(domain.StatusInProgress)}

type battleModel struct {
	bun.BaseModel `bun:"table:battles,alias:b"`

	ID             string     `bun:"id,pk"`
	JoinCode       string     `bun:"join_code,notnull"`
	QuizID         string     `bun:"quiz_id,notnull"`
	QuizTitle      string     `bun:"quiz_title,notnull"`
	HostID         string     `bun:"host_id,notnull"`
	Status         string     `bun:"status,notnull"`
	TotalQuestions int        `bun:"total_questions,notnull"`
	Mode           string     `bun:"mode,notnull"`
	CreatedAt      time.Time  `bun:"created_at,notnull"`
	StartedAt      *time.Time `bun:"started_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
	Tied           bool       `bun:"tied,notnull"`
	Winners        []string   `bun:"winners,array"`
	ResultsSynced  bool       `bun:"results_synced,notnull"`
}

type participantModel struct {
	bun.BaseModel `bun:"table:battle_participants,alias:p"`

	BattleID    string    `bun:"battle_id,pk"`
	UserID      string    `bun:"user_id,pk"`
	DisplayName string    `bun:"display_name,notnull"`
	Avatar      string    `bun:"avatar,notnull"`
	Score       int       `bun:"score,notnull"`
	IsHost      bool      `bun:"is_host,notnull"`
	IsWinner    bool      `bun:"is_winner,notnull"`
	Forfeited   bool      `bun:"forfeited,notnull"`
	Points      int       `bun:"points,notnull"`
	Exp         int       `bun:"exp,notnull"`
	JoinedAt    time.Time `bun:"joined_at,notnull"`
}

type attemptModel struct {
	bun.BaseModel `bun:"table:quiz_attempts,alias:a"`

	ID             int64               `bun:"id,pk,autoincrement"`
	QuizID         string              `bun:"quiz_id,notnull"`
	UserID         string              `bun:"user_id,notnull"`
	Score          int                 `bun:"score,notnull"`
	TotalQuestions int                 `bun:"total_questions,notnull"`
	TimeSpentMS    int64               `bun:"time_spent_ms,notnull"`
	Answers        []domain.Submission `bun:"answers,type:jsonb"`
	Points         int                 `bun:"points_earned,notnull"`
	Exp            int                 `bun:"exp_earned,notnull"`
	CreatedAt      time.Time           `bun:"created_at,notnull"`
}

// BattleStore is the Postgres system of record for battles, participants and
// solo attempts. Transitions that read then write run in a transaction holding
// a row lock on the battle.
type BattleStore struct {
	db *bun.DB
}

func NewBattleStore(db *bun.DB) *BattleStore {
	return &BattleStore{db: db}
}

func (s *BattleStore) CreateBattle(ctx context.Context, battle domain.Battle, host domain.Participant) error {
	host.IsHost = true
	bm := toBattleModel(battle)
	pm := toParticipantModel(battle.ID, host)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&bm).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(&pm).Exec(ctx)
		return err
	})
	if isIntegrityViolation(err) {
		return domain.NewError(domain.CodeInvalidArgument, "join code %s is in use", battle.JoinCode)
	}
	if err != nil {
		return fmt.Errorf("create battle: %w", err)
	}
	return nil
}

func (s *BattleStore) GetBattle(ctx context.Context, joinCode string) (domain.Battle, error) {
	bm, err := latestBattle(ctx, s.db, joinCode, false)
	if err != nil {
		return domain.Battle{}, err
	}
	return bm.toDomain(), nil
}

func (s *BattleStore) CodeInUse(ctx context.Context, joinCode string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*battleModel)(nil)).
		Where("join_code = ?", joinCode).
		Where("status IN (?)", bun.In(activeStatuses)).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("code in use: %w", err)
	}
	return exists, nil
}

func (s *BattleStore) AddParticipant(ctx context.Context, joinCode string, p domain.Participant, maxPlayers int) (domain.Participant, error) {
	var out domain.Participant
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		bm, err := latestBattle(ctx, tx, joinCode, true)
		if err != nil {
			return err
		}
		status := domain.BattleStatus(bm.Status)

		var existing participantModel
		err = tx.NewSelect().Model(&existing).
			Where("battle_id = ? AND user_id = ?", bm.ID, p.UserID).
			Scan(ctx)
		switch {
		case err == nil && status.Active():
			out = existing.toDomain()
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if status != domain.StatusWaiting {
			return domain.NewError(domain.CodeInvalidStatus, "battle is %s", status)
		}

		count, err := tx.NewSelect().Model((*participantModel)(nil)).
			Where("battle_id = ?", bm.ID).
			Count(ctx)
		if err != nil {
			return err
		}
		if maxPlayers > 0 && count >= maxPlayers {
			return domain.NewError(domain.CodeTooManyPlayers, "battle is full (%d players)", maxPlayers)
		}

		p.IsHost = false
		pm := toParticipantModel(bm.ID, p)
		if _, err := tx.NewInsert().Model(&pm).Exec(ctx); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Participant{}, wrap("add participant", err)
	}
	return out, nil
}

func (s *BattleStore) RemoveParticipant(ctx context.Context, joinCode, userID string) error {
	bm, err := latestBattle(ctx, s.db, joinCode, false)
	if err != nil {
		return err
	}
	res, err := s.db.NewDelete().Model((*participantModel)(nil)).
		Where("battle_id = ? AND user_id = ?", bm.ID, userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return requireRow(res)
}

func (s *BattleStore) ForfeitParticipant(ctx context.Context, joinCode, userID string) error {
	bm, err := latestBattle(ctx, s.db, joinCode, false)
	if err != nil {
		return err
	}
	res, err := s.db.NewUpdate().Model((*participantModel)(nil)).
		Set("forfeited = TRUE").
		Where("battle_id = ? AND user_id = ?", bm.ID, userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("forfeit participant: %w", err)
	}
	return requireRow(res)
}

func (s *BattleStore) UpdateScore(ctx context.Context, joinCode, userID string, score int) error {
	bm, err := latestBattle(ctx, s.db, joinCode, false)
	if err != nil {
		return err
	}
	if domain.BattleStatus(bm.Status) != domain.StatusInProgress {
		return domain.NewError(domain.CodeInvalidStatus, "battle is %s", bm.Status)
	}
	res, err := s.db.NewUpdate().Model((*participantModel)(nil)).
		Set("score = ?", score).
		Where("battle_id = ? AND user_id = ?", bm.ID, userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update score: %w", err)
	}
	return requireRow(res)
}

func (s *BattleStore) StartBattle(ctx context.Context, joinCode, hostID string, minPlayers, totalQuestions int, startedAt time.Time) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		bm, err := latestBattle(ctx, tx, joinCode, true)
		if err != nil {
			return err
		}
		if domain.BattleStatus(bm.Status) != domain.StatusWaiting {
			return domain.NewError(domain.CodeInvalidStatus, "battle is %s", bm.Status)
		}
		if bm.HostID != hostID {
			return domain.NewError(domain.CodeNotHost, "only the host can start the battle")
		}
		count, err := tx.NewSelect().Model((*participantModel)(nil)).
			Where("battle_id = ?", bm.ID).
			Count(ctx)
		if err != nil {
			return err
		}
		if count < minPlayers {
			return domain.NewError(domain.CodeNotEnoughPlayers, "need %d more players", minPlayers-count)
		}
		bm.Status = string(domain.StatusInProgress)
		bm.TotalQuestions = totalQuestions
		bm.StartedAt = &startedAt
		_, err = tx.NewUpdate().Model(bm).
			Column("status", "total_questions", "started_at").
			WherePK().
			Exec(ctx)
		return err
	})
	return wrap("start battle", err)
}

func (s *BattleStore) CancelBattle(ctx context.Context, joinCode string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		bm, err := latestBattle(ctx, tx, joinCode, true)
		if err != nil {
			return err
		}
		switch domain.BattleStatus(bm.Status) {
		case domain.StatusCancelled:
			return nil
		case domain.StatusCompleted:
			return domain.NewError(domain.CodeInvalidStatus, "battle is completed")
		}
		bm.Status = string(domain.StatusCancelled)
		_, err = tx.NewUpdate().Model(bm).Column("status").WherePK().Exec(ctx)
		return err
	})
	return wrap("cancel battle", err)
}

func (s *BattleStore) ApplyResult(ctx context.Context, result domain.BattleResult) (bool, error) {
	applied := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		bm, err := latestBattle(ctx, tx, result.JoinCode, true)
		if err != nil {
			return err
		}
		status := domain.BattleStatus(bm.Status)
		if status == domain.StatusCompleted && bm.ResultsSynced {
			return nil
		}
		if status != domain.StatusInProgress {
			return domain.NewError(domain.CodeInvalidStatus, "battle is %s", status)
		}

		completedAt := result.CompletedAt
		bm.Status = string(domain.StatusCompleted)
		bm.CompletedAt = &completedAt
		bm.Tied = result.Tied
		bm.Winners = append([]string{}, result.Winners...)
		bm.ResultsSynced = true
		if _, err := tx.NewUpdate().Model(bm).
			Column("status", "completed_at", "tied", "winners", "results_synced").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}

		for _, st := range result.Standings {
			if _, err := tx.NewUpdate().Model((*participantModel)(nil)).
				Set("score = ?", st.Score).
				Set("is_winner = ?", st.IsWinner).
				Set("forfeited = ?", st.Forfeited).
				Set("points = ?", st.Points).
				Set("exp = ?", st.Exp).
				Where("battle_id = ? AND user_id = ?", bm.ID, st.UserID).
				Exec(ctx); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrap("apply result", err)
	}
	return applied, nil
}

func (s *BattleStore) ListParticipants(ctx context.Context, joinCode string) ([]domain.Participant, error) {
	bm, err := latestBattle(ctx, s.db, joinCode, false)
	if err != nil {
		return nil, err
	}
	var rows []participantModel
	if err := s.db.NewSelect().Model(&rows).
		Where("battle_id = ?", bm.ID).
		Order("joined_at ASC", "user_id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *BattleStore) RecordAttempt(ctx context.Context, attempt domain.Attempt) error {
	am := attemptModel{
		QuizID:         attempt.QuizID,
		UserID:         attempt.UserID,
		Score:          attempt.Score,
		TotalQuestions: attempt.TotalQuestions,
		TimeSpentMS:    attempt.TimeSpent.Milliseconds(),
		Answers:        attempt.Answers,
		Points:         attempt.Reward.Points,
		Exp:            attempt.Reward.Exp,
		CreatedAt:      attempt.CreatedAt,
	}
	if _, err := s.db.NewInsert().Model(&am).Exec(ctx); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// latestBattle loads the most recent battle that used joinCode. Codes are
// unique only among active battles, so older finished rows may share it.
func latestBattle(ctx context.Context, db bun.IDB, joinCode string, forUpdate bool) (*battleModel, error) {
	bm := new(battleModel)
	q := db.NewSelect().Model(bm).
		Where("join_code = ?", joinCode).
		Order("created_at DESC").
		Limit(1)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBattleNotFound
		}
		return nil, fmt.Errorf("load battle %s: %w", joinCode, err)
	}
	return bm, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrParticipantNotFound
	}
	return nil
}

// wrap keeps coded errors and store sentinels recognizable to callers.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *domain.Error
	if errors.As(err, &coded) || errors.Is(err, domain.ErrBattleNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isIntegrityViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.IntegrityViolation()
}

func toBattleModel(b domain.Battle) battleModel {
	return battleModel{
		ID:             b.ID,
		JoinCode:       b.JoinCode,
		QuizID:         b.QuizID,
		QuizTitle:      b.QuizTitle,
		HostID:         b.HostID,
		Status:         string(b.Status),
		TotalQuestions: b.TotalQuestions,
		Mode:           b.Mode,
		CreatedAt:      b.CreatedAt,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		Tied:           b.Tied,
		Winners:        append([]string{}, b.Winners...),
		ResultsSynced:  b.ResultsSynced,
	}
}

func (m battleModel) toDomain() domain.Battle {
	return domain.Battle{
		ID:             m.ID,
		JoinCode:       m.JoinCode,
		QuizID:         m.QuizID,
		QuizTitle:      m.QuizTitle,
		HostID:         m.HostID,
		Status:         domain.BattleStatus(m.Status),
		TotalQuestions: m.TotalQuestions,
		Mode:           m.Mode,
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		Tied:           m.Tied,
		Winners:        append([]string{}, m.Winners...),
		ResultsSynced:  m.ResultsSynced,
	}
}

func toParticipantModel(battleID string, p domain.Participant) participantModel {
	return participantModel{
		BattleID:    battleID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		Score:       p.Score,
		IsHost:      p.IsHost,
		IsWinner:    p.IsWinner,
		Forfeited:   p.Forfeited,
		Points:      p.Points,
		Exp:         p.Exp,
		JoinedAt:    p.JoinedAt,
	}
}

func (m participantModel) toDomain() domain.Participant {
	return domain.Participant{
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Avatar:      m.Avatar,
		Score:       m.Score,
		IsHost:      m.IsHost,
		IsWinner:    m.IsWinner,
		Forfeited:   m.Forfeited,
		Points:      m.Points,
		Exp:         m.Exp,
		JoinedAt:    m.JoinedAt,
	}
}
