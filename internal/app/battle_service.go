package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/grading"
	"quiz-battle-service/internal/lobby"
	"quiz-battle-service/internal/random"
	"quiz-battle-service/internal/selection"
)

const joinCodeAttempts = 20

// BattleService drives battles through waiting -> in_progress -> completed
// across the durable and the presence store.
type BattleService struct {
	durable  DurableBattleStore
	presence PresenceStore
	quizzes  QuizRepository
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	grader   *grading.Grader
	selector *selection.Selector
	sync     *Synchronizer
	results  *ResultReader

	codeMu sync.Mutex
	codes  *rand.Rand

	lobbyMu sync.Mutex
	lobbies map[string]*lobby.Simulator

	connMu  sync.Mutex
	conns   map[connKey]int
	leaving map[connKey]*pendingLeave
	closed  bool
}

func NewBattleService(durable DurableBattleStore, presence PresenceStore, quizzes QuizRepository, settings Settings, logger *slog.Logger) *BattleService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BattleService{
		durable:  durable,
		presence: presence,
		quizzes:  quizzes,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		grader:   grading.NewGrader(logger),
		selector: selection.NewSelector(random.NewSource(), logger),
		sync:     NewSynchronizer(durable, presence, settings, logger),
		results:  NewResultReader(durable, settings, logger),
		codes:    rand.New(random.NewSource()),
		lobbies:  make(map[string]*lobby.Simulator),
		conns:    make(map[connKey]int),
		leaving:  make(map[connKey]*pendingLeave),
	}
}

// WithClock replaces the time source; used by tests for deterministic deadlines.
func (s *BattleService) WithClock(now func() time.Time) *BattleService {
	s.now = now
	s.sync.now = now
	return s
}

// WithSelector replaces the question selector; used by tests for a fixed shuffle seed.
func (s *BattleService) WithSelector(selector *selection.Selector) *BattleService {
	s.selector = selector
	return s
}

// CreateRequest is the host's request to open a battle lobby.
type CreateRequest struct {
	QuizID        string `json:"quizId"`
	HostID        string `json:"hostId"`
	DisplayName   string `json:"displayName"`
	Avatar        string `json:"avatar"`
	Mode          string `json:"mode"`
	QuestionCount int    `json:"questionCount"`
}

// JoinRequest identifies a joining participant.
type JoinRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// Create opens a waiting battle in the durable store and mirrors it, with the
// host as first presence record, into the presence store.
func (s *BattleService) Create(ctx context.Context, req CreateRequest) (domain.Battle, error) {
	if req.QuizID == "" || req.HostID == "" || strings.TrimSpace(req.DisplayName) == "" {
		return domain.Battle{}, domain.NewError(domain.CodeInvalidArgument, "quizId, hostId and displayName are required")
	}
	mode, err := selection.ParseMode(req.Mode)
	if err != nil {
		return domain.Battle{}, domain.WrapError(domain.CodeInvalidArgument, err, "invalid mode")
	}

	quiz, err := s.quizzes.GetQuiz(ctx, req.QuizID)
	if err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			return domain.Battle{}, domain.WrapError(domain.CodeNotFound, err, "quiz does not exist")
		}
		return domain.Battle{}, fmt.Errorf("load quiz %s: %w", req.QuizID, err)
	}
	available := selection.CountValid(quiz.Questions)
	if available == 0 {
		return domain.Battle{}, domain.NewError(domain.CodeNoQuestions, "quiz has no playable questions")
	}
	if mode == selection.ModeAdaptive && !selection.AdaptiveEligible(quiz.Questions, s.settings.AdaptiveMinPool) {
		return domain.Battle{}, domain.NewError(domain.CodeInvalidArgument,
			"adaptive mode needs at least %d questions across two difficulty levels", s.settings.AdaptiveMinPool)
	}
	requested := req.QuestionCount
	if requested <= 0 {
		requested = s.settings.QuestionCount
	}
	count := selection.ClampCount(requested, s.settings.MinSelectable, available, s.settings.Reserve)
	if count <= 0 {
		return domain.Battle{}, domain.NewError(domain.CodeNoQuestions, "quiz has too few playable questions")
	}

	code, err := s.newJoinCode(ctx)
	if err != nil {
		return domain.Battle{}, err
	}
	now := s.now()
	battle := domain.Battle{
		ID:             uuid.NewString(),
		JoinCode:       code,
		QuizID:         quiz.ID,
		QuizTitle:      quiz.Title,
		HostID:         req.HostID,
		Status:         domain.StatusWaiting,
		TotalQuestions: count,
		Mode:           string(mode),
		CreatedAt:      now,
		Winners:        []string{},
	}
	host := domain.Participant{
		UserID:      req.HostID,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
		IsHost:      true,
		JoinedAt:    now,
	}
	if err := s.durable.CreateBattle(ctx, battle, host); err != nil {
		return domain.Battle{}, fmt.Errorf("create battle: %w", err)
	}

	live := domain.LiveBattle{
		ID:             battle.ID,
		JoinCode:       code,
		QuizID:         battle.QuizID,
		QuizTitle:      battle.QuizTitle,
		HostID:         battle.HostID,
		Status:         domain.StatusWaiting,
		TotalQuestions: count,
		Mode:           battle.Mode,
		CreatedAt:      now,
	}
	if err := s.mirror(ctx, live, host); err != nil {
		if cerr := s.durable.CancelBattle(ctx, code); cerr != nil {
			s.logger.Error("cancel unmirrored battle", "join_code", code, "err", cerr)
		}
		return domain.Battle{}, domain.WrapError(domain.CodeUnknown, err, "mirror battle into presence store")
	}

	s.lobbyFor(code).Add(host.UserID)
	s.logger.Info("battle created", "join_code", code, "quiz_id", quiz.ID, "host_id", req.HostID, "questions", count, "mode", mode)
	return battle, nil
}

func (s *BattleService) mirror(ctx context.Context, live domain.LiveBattle, host domain.Participant) error {
	if err := s.presence.PutBattle(ctx, live); err != nil {
		return err
	}
	return s.presence.PutPresence(ctx, live.JoinCode, domain.Presence{
		UserID:      host.UserID,
		DisplayName: host.DisplayName,
		Avatar:      host.Avatar,
		JoinedAt:    host.JoinedAt,
	})
}

func (s *BattleService) newJoinCode(ctx context.Context) (string, error) {
	for i := 0; i < joinCodeAttempts; i++ {
		s.codeMu.Lock()
		code := fmt.Sprintf("%06d", s.codes.Intn(1000000))
		s.codeMu.Unlock()

		inUse, err := s.durable.CodeInUse(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check join code: %w", err)
		}
		if !inUse {
			return code, nil
		}
	}
	return "", domain.NewError(domain.CodeUnknown, "could not allocate a join code")
}

// Join admits a participant to a waiting battle. Joining again refreshes the
// caller's presence record, which is how a dropped client reconnects.
func (s *BattleService) Join(ctx context.Context, joinCode string, req JoinRequest) (domain.Battle, domain.Participant, error) {
	if req.UserID == "" || strings.TrimSpace(req.DisplayName) == "" {
		return domain.Battle{}, domain.Participant{}, domain.NewError(domain.CodeInvalidArgument, "userId and displayName are required")
	}
	participant, err := s.durable.AddParticipant(ctx, joinCode, domain.Participant{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
		JoinedAt:    s.now(),
	}, s.settings.MaxPlayers)
	if err != nil {
		return domain.Battle{}, domain.Participant{}, err
	}
	battle, err := s.durable.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.Battle{}, domain.Participant{}, err
	}

	_, err = s.presence.UpdatePresence(ctx, joinCode, req.UserID, func(p *domain.Presence) error {
		p.DisplayName = participant.DisplayName
		p.Avatar = participant.Avatar
		p.Ready = false
		return nil
	})
	if errors.Is(err, domain.ErrParticipantNotFound) {
		err = s.presence.PutPresence(ctx, joinCode, domain.Presence{
			UserID:      participant.UserID,
			DisplayName: participant.DisplayName,
			Avatar:      participant.Avatar,
			JoinedAt:    participant.JoinedAt,
		})
	}
	if err != nil {
		return domain.Battle{}, domain.Participant{}, domain.WrapError(domain.CodeUnknown, err, "write presence")
	}

	s.cancelLeave(connKey{joinCode: joinCode, userID: participant.UserID})
	if battle.Status == domain.StatusWaiting {
		s.lobbyFor(joinCode).Add(participant.UserID)
	}
	s.logger.Info("participant joined", "join_code", joinCode, "user_id", participant.UserID)
	return battle, participant, nil
}

// SetReady toggles the caller's readiness. Only the presence store is written.
func (s *BattleService) SetReady(ctx context.Context, joinCode, userID string, ready bool) (ReadinessSummary, error) {
	live, err := s.presence.GetBattle(ctx, joinCode)
	if err != nil {
		return ReadinessSummary{}, err
	}
	if live.Status != domain.StatusWaiting {
		return ReadinessSummary{}, domain.NewError(domain.CodeInvalidStatus, "battle is %s", live.Status)
	}
	if _, err := s.presence.UpdatePresence(ctx, joinCode, userID, func(p *domain.Presence) error {
		p.Ready = ready
		return nil
	}); err != nil {
		return ReadinessSummary{}, err
	}

	presence, err := s.presence.ListPresence(ctx, joinCode)
	if err != nil {
		return ReadinessSummary{}, err
	}
	summary := Readiness(presence)
	if s.settings.AutoStart && summary.AllReady && summary.Total >= s.settings.MinPlayers {
		if _, err := s.Start(ctx, joinCode, live.HostID); err != nil {
			s.logger.Warn("auto start failed", "join_code", joinCode, "code", domain.GetCode(err), "err", err)
		}
	}
	return summary, nil
}

// Start moves a fully ready lobby into play. The selected questions and the
// live status are written first; if the durable store then rejects the start,
// the live status is rolled back and the error is marked half_applied.
func (s *BattleService) Start(ctx context.Context, joinCode, hostID string) (domain.LiveBattle, error) {
	battle, err := s.durable.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.LiveBattle{}, err
	}
	if battle.Status != domain.StatusWaiting {
		return domain.LiveBattle{}, domain.NewError(domain.CodeInvalidStatus, "battle is %s", battle.Status)
	}
	if battle.HostID != hostID {
		return domain.LiveBattle{}, domain.NewError(domain.CodeNotHost, "only the host can start the battle")
	}

	quiz, err := s.quizzes.GetQuiz(ctx, battle.QuizID)
	if errors.Is(err, domain.ErrQuizNotFound) {
		s.teardown(ctx, joinCode, "quiz deleted")
		return domain.LiveBattle{}, domain.NewError(domain.CodeQuizDeleted, "the quiz was deleted")
	}
	if err != nil {
		return domain.LiveBattle{}, domain.WrapError(domain.CodeUnknown, err, "load quiz")
	}
	if len(quiz.Questions) == 0 {
		return domain.LiveBattle{}, domain.NewError(domain.CodeNoQuestions, "the quiz has no questions")
	}

	presence, err := s.presence.ListPresence(ctx, joinCode)
	if err != nil {
		return domain.LiveBattle{}, domain.WrapError(domain.CodeUnknown, err, "list presence")
	}
	if missing := s.settings.MinPlayers - len(presence); missing > 0 {
		return domain.LiveBattle{}, domain.NewError(domain.CodeNotEnoughPlayers, "need %d more %s", missing, plural(missing, "player", "players")).
			With("missing", strconv.Itoa(missing))
	}
	if summary := Readiness(presence); !summary.AllReady {
		waiting := len(summary.Waiting)
		return domain.LiveBattle{}, domain.NewError(domain.CodeNotEnoughPlayers, "waiting for %d %s to get ready", waiting, plural(waiting, "player", "players")).
			With("waiting", strings.Join(summary.Waiting, ","))
	}

	picked := s.selector.Select(quiz.Questions, selection.Mode(battle.Mode), battle.TotalQuestions)
	if picked.Rejected > 0 {
		s.logger.Warn("quiz contains invalid questions", "join_code", joinCode, "quiz_id", quiz.ID, "rejected", picked.Rejected)
	}
	if len(picked.Questions) == 0 {
		return domain.LiveBattle{}, domain.NewError(domain.CodeNoQuestions, "the quiz has no playable questions")
	}
	if err := s.presence.PutQuestions(ctx, joinCode, picked.Questions); err != nil {
		return domain.LiveBattle{}, domain.WrapError(domain.CodeUnknown, err, "publish questions")
	}

	now := s.now()
	deadline := now.Add(s.settings.TimeLimit)
	live, err := s.presence.UpdateBattle(ctx, joinCode, func(b *domain.LiveBattle) error {
		if b.Status != domain.StatusWaiting {
			return domain.NewError(domain.CodeInvalidStatus, "battle is %s", b.Status)
		}
		b.Status = domain.StatusInProgress
		b.TotalQuestions = len(picked.Questions)
		b.StartedAt = &now
		b.Deadline = &deadline
		return nil
	})
	if err != nil {
		return domain.LiveBattle{}, err
	}

	if err := s.durable.StartBattle(ctx, joinCode, hostID, s.settings.MinPlayers, len(picked.Questions), now); err != nil {
		if _, rerr := s.presence.UpdateBattle(ctx, joinCode, func(b *domain.LiveBattle) error {
			b.Status = domain.StatusWaiting
			b.StartedAt = nil
			b.Deadline = nil
			return nil
		}); rerr != nil {
			s.logger.Error("roll back live start", "join_code", joinCode, "err", rerr)
		}
		var coded *domain.Error
		if !errors.As(err, &coded) {
			coded = domain.WrapError(domain.CodeUnknown, err, "start battle")
		}
		return domain.LiveBattle{}, coded.With("half_applied", "true")
	}

	s.stopLobby(joinCode)
	s.logger.Info("battle started", "join_code", joinCode, "questions", len(picked.Questions), "players", len(presence))
	return live, nil
}

// SubmitAnswer grades the caller's answer to question index and records it.
// A question stays open for resubmission until the caller answers a later one.
func (s *BattleService) SubmitAnswer(ctx context.Context, joinCode, userID string, index int, answer domain.SubmittedAnswer) (domain.AnswerResult, error) {
	live, err := s.presence.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if live.Status != domain.StatusInProgress {
		return domain.AnswerResult{}, domain.NewError(domain.CodeInvalidStatus, "battle is %s", live.Status)
	}
	if live.Deadline != nil && s.now().After(*live.Deadline) {
		return domain.AnswerResult{}, domain.NewError(domain.CodeInvalidStatus, "time is up")
	}
	questions, err := s.presence.Questions(ctx, joinCode)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if index < 0 || index >= len(questions) {
		return domain.AnswerResult{}, domain.NewError(domain.CodeInvalidArgument, "question %d out of range", index)
	}

	if _, err := s.presence.UpdatePresence(ctx, joinCode, userID, func(p *domain.Presence) error {
		return checkOpen(p, index)
	}); err != nil {
		return domain.AnswerResult{}, err
	}

	question := questions[index]
	grade := s.grader.Grade(question, answer)
	if err := s.presence.PutSubmission(ctx, joinCode, domain.Submission{
		UserID:        userID,
		QuestionIndex: index,
		QuestionID:    question.ID,
		Answer:        answer,
		Grade:         grade,
		SubmittedAt:   s.now(),
	}); err != nil {
		return domain.AnswerResult{}, domain.WrapError(domain.CodeUnknown, err, "record submission")
	}

	subs, err := s.presence.Submissions(ctx, joinCode, userID)
	if err != nil {
		return domain.AnswerResult{}, domain.WrapError(domain.CodeUnknown, err, "load submissions")
	}
	score := 0
	for _, sub := range subs {
		score += sub.Grade.Credit
	}
	// Complete may have frozen the battle while the answer was graded.
	if live, err = s.presence.GetBattle(ctx, joinCode); err != nil {
		return domain.AnswerResult{}, err
	}
	if live.Status != domain.StatusInProgress {
		return domain.AnswerResult{}, domain.NewError(domain.CodeInvalidStatus, "battle is %s", live.Status)
	}
	updated, err := s.presence.UpdatePresence(ctx, joinCode, userID, func(p *domain.Presence) error {
		if err := checkOpen(p, index); err != nil {
			return err
		}
		p.Current = index
		p.Answered = len(subs)
		p.Score = score
		return nil
	})
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if err := s.durable.UpdateScore(ctx, joinCode, userID, score); err != nil {
		s.logger.Warn("durable score update failed", "join_code", joinCode, "user_id", userID, "err", err)
	}

	result := domain.AnswerResult{
		QuestionIndex: index,
		Grade:         grade,
		TotalScore:    score,
		Finished:      updated.Answered >= len(questions),
	}
	if result.Finished {
		s.completeIfDone(ctx, joinCode, len(questions))
	}
	return result, nil
}

func checkOpen(p *domain.Presence, index int) error {
	if p.Forfeited {
		return domain.NewError(domain.CodeInvalidStatus, "participant forfeited")
	}
	if index < p.Current {
		return domain.NewError(domain.CodeInvalidStatus, "question %d is no longer current", index)
	}
	return nil
}

func (s *BattleService) completeIfDone(ctx context.Context, joinCode string, total int) {
	presence, err := s.presence.ListPresence(ctx, joinCode)
	if err != nil || !allFinished(presence, total) {
		return
	}
	if _, err := s.Complete(ctx, joinCode); err != nil {
		s.logger.Warn("completing finished battle failed", "join_code", joinCode, "err", err)
	}
}

// Complete freezes submissions and hands the battle to the synchronizer. When
// the sync fails the locally computed result is returned with the error so the
// caller can still show something.
func (s *BattleService) Complete(ctx context.Context, joinCode string) (domain.BattleResult, error) {
	_, err := s.presence.UpdateBattle(ctx, joinCode, func(b *domain.LiveBattle) error {
		switch b.Status {
		case domain.StatusInProgress:
			b.Status = domain.StatusCompleted
			return nil
		case domain.StatusCompleted:
			return nil
		default:
			return domain.NewError(domain.CodeInvalidStatus, "battle is %s", b.Status)
		}
	})
	if err != nil && !errors.Is(err, domain.ErrBattleNotFound) {
		return domain.BattleResult{}, err
	}

	result, err := s.sync.Sync(ctx, joinCode)
	if err != nil {
		s.logger.Error("battle sync failed", "join_code", joinCode, "code", domain.GetCode(err), "err", err)
		return s.fallbackResult(ctx, joinCode), err
	}
	return result, nil
}

// End completes a battle early at the host's request.
func (s *BattleService) End(ctx context.Context, joinCode, hostID string) (domain.BattleResult, error) {
	live, err := s.presence.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.BattleResult{}, err
	}
	if live.HostID != hostID {
		return domain.BattleResult{}, domain.NewError(domain.CodeNotHost, "only the host can end the battle")
	}
	return s.Complete(ctx, joinCode)
}

// Leave removes the caller from a waiting battle, or records a forfeit once the
// battle is in progress. A host leaving the lobby cancels the battle.
func (s *BattleService) Leave(ctx context.Context, joinCode, userID string) error {
	live, err := s.presence.GetBattle(ctx, joinCode)
	if err != nil {
		return err
	}

	switch live.Status {
	case domain.StatusWaiting:
		if userID == live.HostID {
			return s.Cancel(ctx, joinCode, userID)
		}
		if err := s.durable.RemoveParticipant(ctx, joinCode, userID); err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
			return err
		}
		if err := s.presence.RemovePresence(ctx, joinCode, userID); err != nil {
			s.logger.Warn("remove presence failed", "join_code", joinCode, "user_id", userID, "err", err)
		}
		s.lobbyFor(joinCode).Remove(userID)
	case domain.StatusInProgress:
		if err := s.forfeit(ctx, joinCode, userID); err != nil {
			return err
		}
		s.completeIfDone(ctx, joinCode, live.TotalQuestions)
	default:
		if err := s.presence.RemovePresence(ctx, joinCode, userID); err != nil && !errors.Is(err, domain.ErrBattleNotFound) {
			s.logger.Warn("remove presence failed", "join_code", joinCode, "user_id", userID, "err", err)
		}
	}
	s.logger.Info("participant left", "join_code", joinCode, "user_id", userID, "status", live.Status)
	return nil
}

func (s *BattleService) forfeit(ctx context.Context, joinCode, userID string) error {
	if _, err := s.presence.UpdatePresence(ctx, joinCode, userID, func(p *domain.Presence) error {
		p.Forfeited = true
		return nil
	}); err != nil {
		return err
	}
	if err := s.durable.ForfeitParticipant(ctx, joinCode, userID); err != nil {
		s.logger.Warn("durable forfeit failed", "join_code", joinCode, "user_id", userID, "err", err)
	}
	return nil
}

// Cancel abandons a waiting or in-progress battle on the host's request.
func (s *BattleService) Cancel(ctx context.Context, joinCode, hostID string) error {
	battle, err := s.durable.GetBattle(ctx, joinCode)
	if err != nil {
		return err
	}
	if battle.HostID != hostID {
		return domain.NewError(domain.CodeNotHost, "only the host can cancel the battle")
	}
	if !battle.Status.Active() {
		return domain.NewError(domain.CodeInvalidStatus, "battle is %s", battle.Status)
	}
	s.teardown(ctx, joinCode, "host cancelled")
	return nil
}

// teardown cancels the durable record and drops the live copy.
func (s *BattleService) teardown(ctx context.Context, joinCode, reason string) {
	if err := s.durable.CancelBattle(ctx, joinCode); err != nil {
		s.logger.Warn("cancel durable battle failed", "join_code", joinCode, "err", err)
	}
	if _, err := s.presence.UpdateBattle(ctx, joinCode, func(b *domain.LiveBattle) error {
		b.Status = domain.StatusCancelled
		return nil
	}); err != nil && !errors.Is(err, domain.ErrBattleNotFound) {
		s.logger.Warn("mark live battle cancelled failed", "join_code", joinCode, "err", err)
	}
	if err := s.presence.DeleteBattle(ctx, joinCode); err != nil {
		s.logger.Warn("delete live battle failed", "join_code", joinCode, "err", err)
	}
	s.stopLobby(joinCode)
	s.logger.Info("battle cancelled", "join_code", joinCode, "reason", reason)
}

// Snapshot returns the live view of a battle.
func (s *BattleService) Snapshot(ctx context.Context, joinCode string) (domain.LiveSnapshot, error) {
	live, err := s.presence.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.LiveSnapshot{}, err
	}
	presence, err := s.presence.ListPresence(ctx, joinCode)
	if err != nil {
		return domain.LiveSnapshot{}, err
	}
	viewers, err := s.presence.AddViewers(ctx, joinCode, 0)
	if err != nil {
		return domain.LiveSnapshot{}, err
	}
	return domain.LiveSnapshot{Battle: live, Presence: presence, Viewers: viewers}, nil
}

// Subscribe streams live snapshots of a battle.
func (s *BattleService) Subscribe(ctx context.Context, joinCode string) (<-chan domain.LiveSnapshot, func(), error) {
	return s.presence.Subscribe(ctx, joinCode)
}

// Questions returns the selected question list of a started battle.
func (s *BattleService) Questions(ctx context.Context, joinCode string) ([]domain.Question, error) {
	return s.presence.Questions(ctx, joinCode)
}

// AddViewer adjusts the informational viewer counter.
func (s *BattleService) AddViewer(ctx context.Context, joinCode string, delta int64) (int64, error) {
	return s.presence.AddViewers(ctx, joinCode, delta)
}

// Results serves the results screen. The host reads immediately, everyone else
// after the grace period; a live-derived result is the degraded fallback.
func (s *BattleService) Results(ctx context.Context, joinCode, userID string) (domain.ResultView, error) {
	battle, err := s.durable.GetBattle(ctx, joinCode)
	isHost := err == nil && battle.HostID == userID
	return s.results.Read(ctx, joinCode, isHost, s.fallbackResult(ctx, joinCode))
}

func (s *BattleService) fallbackResult(ctx context.Context, joinCode string) domain.BattleResult {
	presence, err := s.presence.ListPresence(ctx, joinCode)
	if err != nil || len(presence) == 0 {
		return domain.BattleResult{JoinCode: joinCode}
	}
	return ComputeOutcome(joinCode, presence, s.settings.Rewards, s.now())
}

// Lobby returns the avatar simulator of a waiting battle, rebuilding its
// avatars from presence when this process has not seen the joins.
func (s *BattleService) Lobby(ctx context.Context, joinCode string) (*lobby.Simulator, error) {
	live, err := s.presence.GetBattle(ctx, joinCode)
	if err != nil {
		return nil, err
	}
	if live.Status != domain.StatusWaiting {
		return nil, domain.NewError(domain.CodeInvalidStatus, "battle is %s", live.Status)
	}
	sim := s.lobbyFor(joinCode)
	if presence, err := s.presence.ListPresence(ctx, joinCode); err == nil {
		for _, p := range presence {
			sim.Add(p.UserID)
		}
	}
	return sim, nil
}

func (s *BattleService) lobbyFor(joinCode string) *lobby.Simulator {
	s.lobbyMu.Lock()
	defer s.lobbyMu.Unlock()
	if sim, ok := s.lobbies[joinCode]; ok {
		return sim
	}
	sim := lobby.NewSimulator(lobby.DefaultArena(), random.NewSource(), s.logger.With("join_code", joinCode))
	sim.Run(context.Background())
	s.lobbies[joinCode] = sim
	return sim
}

func (s *BattleService) stopLobby(joinCode string) {
	s.lobbyMu.Lock()
	sim, ok := s.lobbies[joinCode]
	delete(s.lobbies, joinCode)
	s.lobbyMu.Unlock()
	if ok {
		sim.Stop()
	}
}

// Close stops every lobby simulator and drops scheduled disconnect leaves.
func (s *BattleService) Close() {
	s.connMu.Lock()
	s.closed = true
	for k, p := range s.leaving {
		p.timer.Stop()
		delete(s.leaving, k)
	}
	s.connMu.Unlock()

	s.lobbyMu.Lock()
	sims := s.lobbies
	s.lobbies = make(map[string]*lobby.Simulator)
	s.lobbyMu.Unlock()
	for _, sim := range sims {
		sim.Stop()
	}
}

// Sweep enforces time limits: host-only lobbies older than the lobby TTL are
// cancelled, battles past their deadline are completed with silent
// participants marked as forfeited, and lobby simulators left without a live
// battle are stopped.
func (s *BattleService) Sweep(ctx context.Context) error {
	codes, err := s.presence.ActiveBattles(ctx)
	if err != nil {
		return fmt.Errorf("list active battles: %w", err)
	}
	now := s.now()
	for _, code := range codes {
		live, err := s.presence.GetBattle(ctx, code)
		if err != nil {
			continue
		}
		presence, err := s.presence.ListPresence(ctx, code)
		if err != nil {
			continue
		}
		switch live.Status {
		case domain.StatusWaiting:
			if len(presence) <= 1 && now.Sub(live.CreatedAt) > s.settings.LobbyTTL {
				s.teardown(ctx, code, "lobby expired")
			}
		case domain.StatusInProgress:
			if live.Deadline == nil || !now.After(*live.Deadline) {
				continue
			}
			for _, p := range presence {
				if p.Answered == 0 && !p.Forfeited {
					if err := s.forfeit(ctx, code, p.UserID); err != nil {
						s.logger.Warn("forfeit silent participant failed", "join_code", code, "user_id", p.UserID, "err", err)
					}
				}
			}
			if _, err := s.Complete(ctx, code); err != nil {
				s.logger.Warn("completing expired battle failed", "join_code", code, "err", err)
			}
		}
	}
	s.sweepOrphanedLobbies(ctx, codes)
	return nil
}

// sweepOrphanedLobbies stops simulators whose live battle expired or moved on.
// A lobby whose live copy is gone has its durable row cancelled so the join
// code is released.
func (s *BattleService) sweepOrphanedLobbies(ctx context.Context, active []string) {
	alive := make(map[string]bool, len(active))
	for _, code := range active {
		alive[code] = true
	}
	var orphans []string
	s.lobbyMu.Lock()
	for code := range s.lobbies {
		if !alive[code] {
			orphans = append(orphans, code)
		}
	}
	s.lobbyMu.Unlock()

	for _, code := range orphans {
		live, err := s.presence.GetBattle(ctx, code)
		switch {
		case errors.Is(err, domain.ErrBattleNotFound):
			s.teardown(ctx, code, "live state expired")
		case err != nil:
			s.logger.Warn("check orphaned lobby failed", "join_code", code, "err", err)
		case live.Status != domain.StatusWaiting:
			s.stopLobby(code)
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
