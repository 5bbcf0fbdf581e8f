package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/infra/memory"
)

func newPresenceStore(t *testing.T) (*PresenceStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewPresenceStore(newClient(mr), time.Hour, nil), mr
}

func TestPresenceStoreKeysAndExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newPresenceStore(t)

	if err := store.PutPresence(ctx, "123456", domain.Presence{UserID: "u1"}); !errors.Is(err, domain.ErrBattleNotFound) {
		t.Fatalf("expected ErrBattleNotFound before the battle exists, got %v", err)
	}
	if err := store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "123456", Status: domain.StatusWaiting}); err != nil {
		t.Fatalf("put battle: %v", err)
	}
	if err := store.PutPresence(ctx, "123456", domain.Presence{UserID: "u1", DisplayName: "One"}); err != nil {
		t.Fatalf("put presence: %v", err)
	}

	if !mr.Exists("battle:123456") || !mr.Exists("battle:123456:presence") {
		t.Fatalf("expected battle and presence keys")
	}
	if ok, _ := mr.SIsMember("battles:active", "123456"); !ok {
		t.Fatalf("expected code in the active set")
	}
	if ttl := mr.TTL("battle:123456:presence"); ttl != time.Hour {
		t.Fatalf("expected presence ttl of an hour, got %v", ttl)
	}

	live, err := store.UpdateBattle(ctx, "123456", func(b *domain.LiveBattle) error {
		b.Status = domain.StatusCompleted
		return nil
	})
	if err != nil || live.Status != domain.StatusCompleted {
		t.Fatalf("update battle: %+v %v", live, err)
	}
	if codes, _ := store.ActiveBattles(ctx); len(codes) != 0 {
		t.Fatalf("expected completed battle to leave the active set, got %v", codes)
	}

	if err := store.DeleteBattle(ctx, "123456"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("battle:123456") || mr.Exists("battle:123456:presence") {
		t.Fatalf("expected keys removed")
	}
}

func TestPresenceStoreUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store, _ := newPresenceStore(t)
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "111111", Status: domain.StatusWaiting})
	_ = store.PutPresence(ctx, "111111", domain.Presence{UserID: "u1"})

	if _, err := store.UpdatePresence(ctx, "111111", "ghost", func(*domain.Presence) error { return nil }); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
	rejected := domain.NewError(domain.CodeInvalidStatus, "closed")
	if _, err := store.UpdatePresence(ctx, "111111", "u1", func(p *domain.Presence) error {
		p.Score = 99
		return rejected
	}); !domain.IsCode(err, domain.CodeInvalidStatus) {
		t.Fatalf("expected callback error, got %v", err)
	}
	presence, _ := store.ListPresence(ctx, "111111")
	if len(presence) != 1 || presence[0].Score != 0 {
		t.Fatalf("expected rejected update discarded, got %+v", presence)
	}
}

func TestPresenceStoreSubmissionsAndViewers(t *testing.T) {
	ctx := context.Background()
	store, _ := newPresenceStore(t)
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "222222", Status: domain.StatusInProgress})

	_ = store.PutSubmission(ctx, "222222", domain.Submission{UserID: "u1", QuestionIndex: 2, Grade: domain.Grade{Credit: 5}})
	_ = store.PutSubmission(ctx, "222222", domain.Submission{UserID: "u1", QuestionIndex: 0, Grade: domain.Grade{Credit: 1}})
	_ = store.PutSubmission(ctx, "222222", domain.Submission{UserID: "u10", QuestionIndex: 0, Grade: domain.Grade{Credit: 3}})
	_ = store.PutSubmission(ctx, "222222", domain.Submission{UserID: "u1", QuestionIndex: 2, Grade: domain.Grade{Credit: 0}})

	subs, err := store.Submissions(ctx, "222222", "u1")
	if err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if len(subs) != 2 || subs[0].QuestionIndex != 0 || subs[1].Grade.Credit != 0 {
		t.Fatalf("expected u1's two submissions with the overwrite, got %+v", subs)
	}

	if n, _ := store.AddViewers(ctx, "222222", 2); n != 2 {
		t.Fatalf("expected 2 viewers, got %d", n)
	}
	if n, _ := store.AddViewers(ctx, "222222", -3); n != 0 {
		t.Fatalf("expected viewers floored at zero, got %d", n)
	}
	if n, _ := store.AddViewers(ctx, "222222", 0); n != 0 {
		t.Fatalf("expected stored viewer count 0, got %d", n)
	}
}

func TestPresenceStoreReusedCodeStartsClean(t *testing.T) {
	ctx := context.Background()
	store, _ := newPresenceStore(t)
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "old", JoinCode: "333333", Status: domain.StatusCompleted})
	_ = store.PutPresence(ctx, "333333", domain.Presence{UserID: "u1", Score: 9})

	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "new", JoinCode: "333333", Status: domain.StatusWaiting})
	presence, _ := store.ListPresence(ctx, "333333")
	if len(presence) != 0 {
		t.Fatalf("expected stale presence dropped, got %+v", presence)
	}
}

func TestPresenceStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	store, _ := newPresenceStore(t)
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "444444", Status: domain.StatusWaiting})

	ch, cancel, err := store.Subscribe(ctx, "444444")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if initial := <-ch; initial.Battle.ID != "b1" {
		t.Fatalf("expected initial snapshot, got %+v", initial)
	}

	_ = store.PutPresence(ctx, "444444", domain.Presence{UserID: "u1"})
	deadline := time.After(2 * time.Second)
wait:
	for {
		select {
		case snap := <-ch:
			if len(snap.Presence) == 1 {
				break wait
			}
		case <-deadline:
			t.Fatalf("expected snapshot with the new presence")
		}
	}

	_ = store.DeleteBattle(ctx, "444444")
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("expected channel closed after delete")
		}
	}
}

// The battle flow runs unchanged when live state sits in Redis.
func TestBattleServiceOverRedis(t *testing.T) {
	ctx := context.Background()
	presence, _ := newPresenceStore(t)
	durable := memory.NewBattleStore()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}), time.Minute)

	settings := app.DefaultSettings()
	settings.QuestionCount = 2
	settings.ResultGrace = time.Millisecond
	svc := app.NewBattleService(durable, presence, quizzes, settings, nil)
	defer svc.Close()

	battle, err := svc.Create(ctx, app.CreateRequest{QuizID: "quiz-1", HostID: "host", DisplayName: "Host"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := battle.JoinCode
	if _, _, err := svc.Join(ctx, code, app.JoinRequest{UserID: "u1", DisplayName: "One"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, u := range []string{"host", "u1"} {
		if _, err := svc.SetReady(ctx, code, u, true); err != nil {
			t.Fatalf("ready: %v", err)
		}
	}
	if _, err := svc.Start(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}

	answers := []string{"4", "true"}
	for i, v := range answers {
		if _, err := svc.SubmitAnswer(ctx, code, "host", i, domain.SubmittedAnswer{Value: v}); err != nil {
			t.Fatalf("host answer %d: %v", i, err)
		}
	}
	for i := range answers {
		if _, err := svc.SubmitAnswer(ctx, code, "u1", i, domain.SubmittedAnswer{Value: "wrong"}); err != nil {
			t.Fatalf("u1 answer %d: %v", i, err)
		}
	}

	stored, _ := durable.GetBattle(ctx, code)
	if stored.Status != domain.StatusCompleted || len(stored.Winners) != 1 || stored.Winners[0] != "host" {
		t.Fatalf("expected host to win, got %+v", stored)
	}
	view, err := svc.Results(ctx, code, "u1")
	if err != nil || view.Degraded {
		t.Fatalf("expected synced results, got %+v %v", view, err)
	}
}
