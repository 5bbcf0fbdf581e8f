package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quiz-battle-service/internal/domain"
)

// Synchronizer copies the final live scores of a completed battle into the
// durable store exactly once. Only the host side invokes it.
type Synchronizer struct {
	durable  DurableBattleStore
	presence PresenceStore
	rewards  RewardSettings
	retries  uint64
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSynchronizer(durable DurableBattleStore, presence PresenceStore, settings Settings, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		durable:  durable,
		presence: presence,
		rewards:  settings.Rewards,
		retries:  settings.SyncMaxRetries,
		interval: settings.SyncBackoff,
		logger:   logger,
		now:      time.Now,
	}
}

// Sync writes the battle result into the durable store. Repeating it on an
// already synced battle returns the stored result without writing.
func (s *Synchronizer) Sync(ctx context.Context, joinCode string) (domain.BattleResult, error) {
	battle, err := s.durable.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.BattleResult{}, fmt.Errorf("load battle %s: %w", joinCode, err)
	}
	if battle.Status == domain.StatusCompleted && battle.ResultsSynced {
		return s.stored(ctx, battle)
	}

	presence, err := s.scores(ctx, joinCode)
	if err != nil {
		return domain.BattleResult{}, err
	}
	result := ComputeOutcome(joinCode, presence, s.rewards, s.now())

	var applied bool
	op := func() error {
		ok, err := s.durable.ApplyResult(ctx, result)
		if err != nil {
			var coded *domain.Error
			if errors.As(err, &coded) && coded.Code != domain.CodeUnknown {
				return backoff.Permanent(err)
			}
			s.logger.Warn("battle sync attempt failed", "join_code", joinCode, "err", err)
			return err
		}
		applied = ok
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.interval
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx)); err != nil {
		var coded *domain.Error
		if errors.As(err, &coded) {
			return result, err
		}
		return result, domain.WrapError(domain.CodeUnknown, err, "sync battle result")
	}

	if !applied {
		battle, err := s.durable.GetBattle(ctx, joinCode)
		if err != nil {
			return result, fmt.Errorf("reload battle %s: %w", joinCode, err)
		}
		return s.stored(ctx, battle)
	}
	s.logger.Info("battle result synced", "join_code", joinCode, "winners", result.Winners, "tied", result.Tied)
	return result, nil
}

// scores returns the live per-player scores, rebuilding them from the durable
// participant rows when the ephemeral copy is gone.
func (s *Synchronizer) scores(ctx context.Context, joinCode string) ([]domain.Presence, error) {
	presence, err := s.presence.ListPresence(ctx, joinCode)
	if err == nil && len(presence) > 0 {
		return presence, nil
	}
	if err != nil {
		s.logger.Warn("live scores unavailable, using durable rows", "join_code", joinCode, "err", err)
	}
	participants, err := s.durable.ListParticipants(ctx, joinCode)
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", joinCode, err)
	}
	return presenceFromParticipants(participants), nil
}

func (s *Synchronizer) stored(ctx context.Context, battle domain.Battle) (domain.BattleResult, error) {
	participants, err := s.durable.ListParticipants(ctx, battle.JoinCode)
	if err != nil {
		return domain.BattleResult{}, fmt.Errorf("list participants %s: %w", battle.JoinCode, err)
	}
	return resultFromDurable(battle, participants), nil
}

func presenceFromParticipants(participants []domain.Participant) []domain.Presence {
	out := make([]domain.Presence, 0, len(participants))
	for _, p := range participants {
		out = append(out, domain.Presence{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Avatar:      p.Avatar,
			JoinedAt:    p.JoinedAt,
			Score:       p.Score,
			Forfeited:   p.Forfeited,
		})
	}
	return out
}

func resultFromDurable(battle domain.Battle, participants []domain.Participant) domain.BattleResult {
	result := domain.BattleResult{
		JoinCode: battle.JoinCode,
		Tied:     battle.Tied,
		Winners:  append([]string{}, battle.Winners...),
	}
	if battle.CompletedAt != nil {
		result.CompletedAt = *battle.CompletedAt
	}
	for _, p := range participants {
		result.Standings = append(result.Standings, domain.Standing{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
			IsWinner:    p.IsWinner,
			Forfeited:   p.Forfeited,
			Points:      p.Points,
			Exp:         p.Exp,
		})
	}
	return result
}

var errNotSynced = errors.New("battle result not synced yet")

// ResultReader serves the results screen from the durable store, falling back
// to the result it is handed when the store cannot answer.
type ResultReader struct {
	durable    DurableBattleStore
	grace      time.Duration
	retryDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewResultReader(durable DurableBattleStore, settings Settings, logger *slog.Logger) *ResultReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultReader{
		durable:    durable,
		grace:      settings.ResultGrace,
		retryDelay: settings.ResultRetryDelay,
		timeout:    settings.ResultTimeout,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Read returns the store-confirmed result of a battle. Non-host readers first
// wait out the grace period so the host's sync can land. After one retry the
// fallback is returned flagged as degraded.
func (r *ResultReader) Read(ctx context.Context, joinCode string, isHost bool, fallback domain.BattleResult) (domain.ResultView, error) {
	if !isHost {
		if err := r.sleep(ctx, r.grace); err != nil {
			return domain.ResultView{}, err
		}
	}

	view, err := r.fetch(ctx, joinCode)
	if err == nil {
		return view, nil
	}
	r.logger.Info("result read failed, retrying", "join_code", joinCode, "err", err)
	if err := r.sleep(ctx, r.retryDelay); err != nil {
		return domain.ResultView{}, err
	}
	view, err = r.fetch(ctx, joinCode)
	if err == nil {
		return view, nil
	}

	if len(fallback.Standings) == 0 {
		return domain.ResultView{}, domain.WrapError(domain.CodeUnknown, err, "battle results unavailable")
	}
	r.logger.Warn("serving fallback battle result", "join_code", joinCode, "source", "fallback", "err", err)
	return viewFromResult(fallback), nil
}

func (r *ResultReader) fetch(ctx context.Context, joinCode string) (domain.ResultView, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	battle, err := r.durable.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.ResultView{}, err
	}
	if battle.Status != domain.StatusCompleted || !battle.ResultsSynced {
		return domain.ResultView{}, errNotSynced
	}
	participants, err := r.durable.ListParticipants(ctx, joinCode)
	if err != nil {
		return domain.ResultView{}, err
	}
	return domain.ResultView{Battle: battle, Participants: participants}, nil
}

func viewFromResult(result domain.BattleResult) domain.ResultView {
	view := domain.ResultView{
		Battle: domain.Battle{
			JoinCode: result.JoinCode,
			Status:   domain.StatusCompleted,
			Tied:     result.Tied,
			Winners:  result.Winners,
		},
		Degraded: true,
	}
	if !result.CompletedAt.IsZero() {
		at := result.CompletedAt
		view.Battle.CompletedAt = &at
	}
	for _, s := range result.Standings {
		view.Participants = append(view.Participants, domain.Participant{
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
			Score:       s.Score,
			IsWinner:    s.IsWinner,
			Forfeited:   s.Forfeited,
			Points:      s.Points,
			Exp:         s.Exp,
		})
	}
	return view
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
