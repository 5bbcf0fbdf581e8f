package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-battle-service/internal/domain"
)

func TestPresenceStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewPresenceStore()

	if _, err := store.GetBattle(ctx, "123456"); !errors.Is(err, domain.ErrBattleNotFound) {
		t.Fatalf("expected ErrBattleNotFound, got %v", err)
	}
	if err := store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "123456", Status: domain.StatusWaiting}); err != nil {
		t.Fatalf("put battle: %v", err)
	}

	base := time.Unix(1_700_000_000, 0)
	_ = store.PutPresence(ctx, "123456", domain.Presence{UserID: "u2", JoinedAt: base.Add(time.Second)})
	_ = store.PutPresence(ctx, "123456", domain.Presence{UserID: "u1", JoinedAt: base})

	presence, err := store.ListPresence(ctx, "123456")
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(presence) != 2 || presence[0].UserID != "u1" {
		t.Fatalf("expected presence ordered by join time, got %+v", presence)
	}

	if _, err := store.UpdatePresence(ctx, "123456", "ghost", func(*domain.Presence) error { return nil }); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
	boom := errors.New("boom")
	if _, err := store.UpdatePresence(ctx, "123456", "u1", func(p *domain.Presence) error {
		p.Ready = true
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	presence, _ = store.ListPresence(ctx, "123456")
	if presence[0].Ready {
		t.Fatalf("failed update must not be stored")
	}

	codes, _ := store.ActiveBattles(ctx)
	if len(codes) != 1 || codes[0] != "123456" {
		t.Fatalf("expected one active battle, got %v", codes)
	}
	if err := store.DeleteBattle(ctx, "123456"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	codes, _ = store.ActiveBattles(ctx)
	if len(codes) != 0 {
		t.Fatalf("expected no active battles, got %v", codes)
	}
}

func TestPresenceStoreSubmissionsOverwritePerIndex(t *testing.T) {
	ctx := context.Background()
	store := NewPresenceStore()
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "111111", Status: domain.StatusInProgress})

	_ = store.PutSubmission(ctx, "111111", domain.Submission{UserID: "u1", QuestionIndex: 1, Grade: domain.Grade{Credit: 3}})
	_ = store.PutSubmission(ctx, "111111", domain.Submission{UserID: "u1", QuestionIndex: 0, Grade: domain.Grade{Credit: 1}})
	_ = store.PutSubmission(ctx, "111111", domain.Submission{UserID: "u1", QuestionIndex: 1, Grade: domain.Grade{Credit: 5}})
	_ = store.PutSubmission(ctx, "111111", domain.Submission{UserID: "u2", QuestionIndex: 0, Grade: domain.Grade{Credit: 1}})

	subs, err := store.Submissions(ctx, "111111", "u1")
	if err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if len(subs) != 2 || subs[0].QuestionIndex != 0 || subs[1].Grade.Credit != 5 {
		t.Fatalf("expected two ordered submissions with the overwrite applied, got %+v", subs)
	}
}

func TestPresenceStoreSubscribeReceivesUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewPresenceStore()
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "222222", Status: domain.StatusWaiting})

	ch, cancel, err := store.Subscribe(ctx, "222222")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	<-ch // initial snapshot

	_ = store.PutPresence(ctx, "222222", domain.Presence{UserID: "u1"})
	snap := <-ch
	if len(snap.Presence) != 1 || snap.Presence[0].UserID != "u1" {
		t.Fatalf("expected presence update, got %+v", snap)
	}

	if n, _ := store.AddViewers(ctx, "222222", 1); n != 1 {
		t.Fatalf("expected one viewer, got %d", n)
	}
	if snap := <-ch; snap.Viewers != 1 {
		t.Fatalf("expected viewer count in snapshot, got %+v", snap)
	}
	if n, _ := store.AddViewers(ctx, "222222", -5); n != 0 {
		t.Fatalf("expected viewer count floored at zero, got %d", n)
	}

	_ = store.DeleteBattle(ctx, "222222")
	for range ch {
	}
}

func TestPresenceStoreSlowSubscriberGetsLatest(t *testing.T) {
	ctx := context.Background()
	store := NewPresenceStore()
	_ = store.PutBattle(ctx, domain.LiveBattle{ID: "b1", JoinCode: "333333", Status: domain.StatusWaiting})
	_ = store.PutPresence(ctx, "333333", domain.Presence{UserID: "u1"})

	ch, cancel, _ := store.Subscribe(ctx, "333333")
	defer cancel()
	for i := 0; i < 50; i++ {
		_, _ = store.UpdatePresence(ctx, "333333", "u1", func(p *domain.Presence) error {
			p.Score++
			return nil
		})
	}

	var last domain.LiveSnapshot
	for len(ch) > 0 {
		last = <-ch
	}
	if last.Presence[0].Score != 50 {
		t.Fatalf("expected the latest snapshot to survive, got score %d", last.Presence[0].Score)
	}
}
