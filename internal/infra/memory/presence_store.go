package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"quiz-battle-service/internal/domain"
)

// PresenceStore is an in-memory implementation of app.PresenceStore.
type PresenceStore struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// room holds the live state of one battle.
type room struct {
	battle      domain.LiveBattle
	presence    map[string]domain.Presence
	questions   []domain.Question
	submissions map[string]map[int]domain.Submission
	viewers     int64
	subscribers map[chan domain.LiveSnapshot]struct{}
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{rooms: make(map[string]*room)}
}

func (s *PresenceStore) PutBattle(_ context.Context, battle domain.LiveBattle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[battle.JoinCode]
	if !ok || r.battle.ID != battle.ID {
		if ok {
			r.closeSubscribersLocked()
		}
		r = &room{
			presence:    make(map[string]domain.Presence),
			submissions: make(map[string]map[int]domain.Submission),
			subscribers: make(map[chan domain.LiveSnapshot]struct{}),
		}
		s.rooms[battle.JoinCode] = r
	}
	r.battle = battle
	r.broadcastLocked()
	return nil
}

func (s *PresenceStore) GetBattle(_ context.Context, joinCode string) (domain.LiveBattle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return domain.LiveBattle{}, domain.ErrBattleNotFound
	}
	return r.battle, nil
}

func (s *PresenceStore) UpdateBattle(_ context.Context, joinCode string, fn func(*domain.LiveBattle) error) (domain.LiveBattle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return domain.LiveBattle{}, domain.ErrBattleNotFound
	}
	next := r.battle
	if err := fn(&next); err != nil {
		return domain.LiveBattle{}, err
	}
	r.battle = next
	r.broadcastLocked()
	return next, nil
}

func (s *PresenceStore) DeleteBattle(_ context.Context, joinCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[joinCode]; ok {
		r.closeSubscribersLocked()
		delete(s.rooms, joinCode)
	}
	return nil
}

func (s *PresenceStore) ActiveBattles(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]string, 0, len(s.rooms))
	for code, r := range s.rooms {
		if r.battle.Status.Active() {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *PresenceStore) PutPresence(_ context.Context, joinCode string, p domain.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return domain.ErrBattleNotFound
	}
	r.presence[p.UserID] = p
	r.broadcastLocked()
	return nil
}

func (s *PresenceStore) UpdatePresence(_ context.Context, joinCode, userID string, fn func(*domain.Presence) error) (domain.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return domain.Presence{}, domain.ErrBattleNotFound
	}
	p, ok := r.presence[userID]
	if !ok {
		return domain.Presence{}, domain.ErrParticipantNotFound
	}
	if err := fn(&p); err != nil {
		return domain.Presence{}, err
	}
	r.presence[userID] = p
	r.broadcastLocked()
	return p, nil
}

func (s *PresenceStore) RemovePresence(_ context.Context, joinCode, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return nil
	}
	if _, ok := r.presence[userID]; ok {
		delete(r.presence, userID)
		r.broadcastLocked()
	}
	return nil
}

func (s *PresenceStore) ListPresence(_ context.Context, joinCode string) ([]domain.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}
	return r.presenceLocked(), nil
}

func (s *PresenceStore) PutQuestions(_ context.Context, joinCode string, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return domain.ErrBattleNotFound
	}
	r.questions = append([]domain.Question(nil), questions...)
	return nil
}

func (s *PresenceStore) Questions(_ context.Context, joinCode string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}
	return append([]domain.Question(nil), r.questions...), nil
}

func (s *PresenceStore) PutSubmission(_ context.Context, joinCode string, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return domain.ErrBattleNotFound
	}
	subs, ok := r.submissions[sub.UserID]
	if !ok {
		subs = make(map[int]domain.Submission)
		r.submissions[sub.UserID] = subs
	}
	subs[sub.QuestionIndex] = sub
	return nil
}

func (s *PresenceStore) Submissions(_ context.Context, joinCode, userID string) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return nil, domain.ErrBattleNotFound
	}
	out := make([]domain.Submission, 0, len(r.submissions[userID]))
	for _, sub := range r.submissions[userID] {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out, nil
}

func (s *PresenceStore) AddViewers(_ context.Context, joinCode string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[joinCode]
	if !ok {
		return 0, domain.ErrBattleNotFound
	}
	if delta == 0 {
		return r.viewers, nil
	}
	r.viewers += delta
	if r.viewers < 0 {
		r.viewers = 0
	}
	r.broadcastLocked()
	return r.viewers, nil
}

// Subscribe returns a channel that receives a snapshot after every change.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *PresenceStore) Subscribe(_ context.Context, joinCode string) (<-chan domain.LiveSnapshot, func(), error) {
	ch := make(chan domain.LiveSnapshot, 8)

	s.mu.Lock()
	r, ok := s.rooms[joinCode]
	if !ok {
		s.mu.Unlock()
		return nil, nil, domain.ErrBattleNotFound
	}
	r.subscribers[ch] = struct{}{}
	ch <- r.snapshotLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := r.subscribers[ch]; ok {
			delete(r.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (r *room) presenceLocked() []domain.Presence {
	out := make([]domain.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	sortPresence(out)
	return out
}

func (r *room) snapshotLocked() domain.LiveSnapshot {
	return domain.LiveSnapshot{Battle: r.battle, Presence: r.presenceLocked(), Viewers: r.viewers}
}

func (r *room) broadcastLocked() {
	snap := r.snapshotLocked()
	for ch := range r.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot; a slow client only needs the latest
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (r *room) closeSubscribersLocked() {
	for ch := range r.subscribers {
		delete(r.subscribers, ch)
		close(ch)
	}
}

func sortPresence(ps []domain.Presence) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return strings.Compare(ps[i].UserID, ps[j].UserID) < 0
	})
}
