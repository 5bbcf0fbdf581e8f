package app

import (
	"context"
	"errors"
	"time"

	"quiz-battle-service/internal/domain"
)

const disconnectTimeout = 10 * time.Second

type connKey struct {
	joinCode string
	userID   string
}

type pendingLeave struct {
	timer *time.Timer
}

// Attach records a live connection of a participant and cancels a leave
// scheduled by an earlier disconnect.
func (s *BattleService) Attach(joinCode, userID string) {
	k := connKey{joinCode: joinCode, userID: userID}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[k]++
	s.cancelLeaveLocked(k)
}

// Detach drops a connection of a participant. Once the last one is gone the
// participant leaves after the reconnect grace period unless they rejoin or
// reconnect first: removed from a lobby, forfeited mid-battle.
func (s *BattleService) Detach(joinCode, userID string) {
	k := connKey{joinCode: joinCode, userID: userID}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conns[k] > 1 {
		s.conns[k]--
		return
	}
	delete(s.conns, k)
	s.cancelLeaveLocked(k)
	if s.closed {
		return
	}
	p := &pendingLeave{}
	s.leaving[k] = p
	p.timer = time.AfterFunc(s.settings.ReconnectGrace, func() { s.leaveDisconnected(k, p) })
}

func (s *BattleService) cancelLeave(k connKey) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.cancelLeaveLocked(k)
}

func (s *BattleService) cancelLeaveLocked(k connKey) {
	if p, ok := s.leaving[k]; ok {
		p.timer.Stop()
		delete(s.leaving, k)
	}
}

func (s *BattleService) leaveDisconnected(k connKey, p *pendingLeave) {
	s.connMu.Lock()
	if s.leaving[k] != p {
		s.connMu.Unlock()
		return
	}
	delete(s.leaving, k)
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	live, err := s.presence.GetBattle(ctx, k.joinCode)
	if err != nil || !live.Status.Active() {
		return
	}
	err = s.Leave(ctx, k.joinCode, k.userID)
	if err != nil && !errors.Is(err, domain.ErrParticipantNotFound) && !errors.Is(err, domain.ErrBattleNotFound) {
		s.logger.Warn("leave after disconnect failed", "join_code", k.joinCode, "user_id", k.userID, "err", err)
		return
	}
	s.logger.Info("disconnected participant removed", "join_code", k.joinCode, "user_id", k.userID, "status", live.Status)
}
