package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-battle-service/internal/domain"
)

// BattleStore is an in-memory implementation of app.DurableBattleStore.
type BattleStore struct {
	mu       sync.RWMutex
	battles  map[string]*battleRecord
	attempts []domain.Attempt
}

type battleRecord struct {
	battle       domain.Battle
	participants map[string]domain.Participant
}

func NewBattleStore() *BattleStore {
	return &BattleStore{battles: make(map[string]*battleRecord)}
}

func (s *BattleStore) CreateBattle(_ context.Context, battle domain.Battle, host domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.battles[battle.JoinCode]; ok && rec.battle.Status.Active() {
		return domain.NewError(domain.CodeInvalidArgument, "join code %s is in use", battle.JoinCode)
	}
	host.IsHost = true
	s.battles[battle.JoinCode] = &battleRecord{
		battle:       battle,
		participants: map[string]domain.Participant{host.UserID: host},
	}
	return nil
}

func (s *BattleStore) GetBattle(_ context.Context, joinCode string) (domain.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.battles[joinCode]
	if !ok {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	return copyBattle(rec.battle), nil
}

func (s *BattleStore) CodeInUse(_ context.Context, joinCode string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.battles[joinCode]
	return ok && rec.battle.Status.Active(), nil
}

func (s *BattleStore) AddParticipant(_ context.Context, joinCode string, p domain.Participant, maxPlayers int) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.battles[joinCode]
	if !ok {
		return domain.Participant{}, domain.ErrBattleNotFound
	}
	if existing, ok := rec.participants[p.UserID]; ok && rec.battle.Status.Active() {
		return existing, nil
	}
	if rec.battle.Status != domain.StatusWaiting {
		return domain.Participant{}, domain.NewError(domain.CodeInvalidStatus, "battle is %s", rec.battle.Status)
	}
	if maxPlayers > 0 && len(rec.participants) >= maxPlayers {
		return domain.Participant{}, domain.NewError(domain.CodeTooManyPlayers, "battle is full (%d players)", maxPlayers)
	}
	p.IsHost = false
	rec.participants[p.UserID] = p
	return p, nil
}

func (s *BattleStore) RemoveParticipant(_ context.Context, joinCode, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(joinCode, userID)
	if err != nil {
		return err
	}
	delete(rec.participants, userID)
	return nil
}

func (s *BattleStore) ForfeitParticipant(_ context.Context, joinCode, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(joinCode, userID)
	if err != nil {
		return err
	}
	p := rec.participants[userID]
	p.Forfeited = true
	rec.participants[userID] = p
	return nil
}

func (s *BattleStore) UpdateScore(_ context.Context, joinCode, userID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(joinCode, userID)
	if err != nil {
		return err
	}
	if rec.battle.Status != domain.StatusInProgress {
		return domain.NewError(domain.CodeInvalidStatus, "battle is %s", rec.battle.Status)
	}
	p := rec.participants[userID]
	p.Score = score
	rec.participants[userID] = p
	return nil
}

func (s *BattleStore) StartBattle(_ context.Context, joinCode, hostID string, minPlayers, totalQuestions int, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.battles[joinCode]
	if !ok {
		return domain.ErrBattleNotFound
	}
	if rec.battle.Status != domain.StatusWaiting {
		return domain.NewError(domain.CodeInvalidStatus, "battle is %s", rec.battle.Status)
	}
	if rec.battle.HostID != hostID {
		return domain.NewError(domain.CodeNotHost, "only the host can start the battle")
	}
	if len(rec.participants) < minPlayers {
		return domain.NewError(domain.CodeNotEnoughPlayers, "need %d more players", minPlayers-len(rec.participants))
	}
	rec.battle.Status = domain.StatusInProgress
	rec.battle.TotalQuestions = totalQuestions
	rec.battle.StartedAt = &startedAt
	return nil
}

func (s *BattleStore) CancelBattle(_ context.Context, joinCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.battles[joinCode]
	if !ok {
		return domain.ErrBattleNotFound
	}
	switch rec.battle.Status {
	case domain.StatusCancelled:
		return nil
	case domain.StatusCompleted:
		return domain.NewError(domain.CodeInvalidStatus, "battle is completed")
	}
	rec.battle.Status = domain.StatusCancelled
	return nil
}

func (s *BattleStore) ApplyResult(_ context.Context, result domain.BattleResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.battles[result.JoinCode]
	if !ok {
		return false, domain.ErrBattleNotFound
	}
	if rec.battle.Status == domain.StatusCompleted && rec.battle.ResultsSynced {
		return false, nil
	}
	if rec.battle.Status != domain.StatusInProgress {
		return false, domain.NewError(domain.CodeInvalidStatus, "battle is %s", rec.battle.Status)
	}

	completedAt := result.CompletedAt
	rec.battle.Status = domain.StatusCompleted
	rec.battle.CompletedAt = &completedAt
	rec.battle.Tied = result.Tied
	rec.battle.Winners = append([]string{}, result.Winners...)
	rec.battle.ResultsSynced = true
	for _, st := range result.Standings {
		p, ok := rec.participants[st.UserID]
		if !ok {
			continue
		}
		p.Score = st.Score
		p.IsWinner = st.IsWinner
		p.Forfeited = st.Forfeited
		p.Points = st.Points
		p.Exp = st.Exp
		rec.participants[st.UserID] = p
	}
	return true, nil
}

func (s *BattleStore) ListParticipants(_ context.Context, joinCode string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.battles[joinCode]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}
	out := make([]domain.Participant, 0, len(rec.participants))
	for _, p := range rec.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *BattleStore) RecordAttempt(_ context.Context, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

// Attempts returns the recorded attempts of a user.
func (s *BattleStore) Attempts(userID string) []domain.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Attempt
	for _, a := range s.attempts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

func (s *BattleStore) recordLocked(joinCode, userID string) (*battleRecord, error) {
	rec, ok := s.battles[joinCode]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}
	if _, ok := rec.participants[userID]; !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return rec, nil
}

func copyBattle(b domain.Battle) domain.Battle {
	b.Winners = append([]string{}, b.Winners...)
	return b
}
