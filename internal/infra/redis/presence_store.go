package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-battle-service/internal/domain"
)

const (
	maxTxRetries = 10
	defaultTTL   = 2 * time.Hour

	eventUpdate  = "update"
	eventDeleted = "deleted"
)

// PresenceStore keeps live battle state in Redis. Layout per join code:
//
//	battle:{code}             JSON live battle
//	battle:{code}:presence    HASH userID -> JSON presence
//	battle:{code}:questions   JSON question list
//	battle:{code}:answers     HASH userID|index -> JSON submission
//	battle:{code}:viewers     counter
//	battle:{code}:events      pub/sub channel, one message per change
//	battles:active            SET of waiting and in-progress codes
//
// Every key expires ttl after the last write so abandoned battles clean up.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewPresenceStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *PresenceStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &PresenceStore{client: client, ttl: ttl, logger: logger}
}

func battleKey(code string) string    { return "battle:" + code }
func presenceKey(code string) string  { return "battle:" + code + ":presence" }
func questionsKey(code string) string { return "battle:" + code + ":questions" }
func answersKey(code string) string   { return "battle:" + code + ":answers" }
func viewersKey(code string) string   { return "battle:" + code + ":viewers" }
func eventsChannel(code string) string {
	return "battle:" + code + ":events"
}

const activeKey = "battles:active"

func answerField(userID string, index int) string {
	return userID + "|" + strconv.Itoa(index)
}

func (s *PresenceStore) PutBattle(ctx context.Context, battle domain.LiveBattle) error {
	raw, err := json.Marshal(battle)
	if err != nil {
		return fmt.Errorf("encode battle: %w", err)
	}
	code := battle.JoinCode
	prev, err := s.GetBattle(ctx, code)
	if err != nil && !errors.Is(err, domain.ErrBattleNotFound) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev.ID != battle.ID {
			// a join code freed by a finished battle is being reused
			pipe.Del(ctx, presenceKey(code), questionsKey(code), answersKey(code), viewersKey(code))
		}
		pipe.Set(ctx, battleKey(code), raw, s.ttl)
		s.trackActive(ctx, pipe, battle)
		pipe.Publish(ctx, eventsChannel(code), eventUpdate)
		return nil
	})
	return err
}

func (s *PresenceStore) trackActive(ctx context.Context, pipe redis.Pipeliner, battle domain.LiveBattle) {
	if battle.Status.Active() {
		pipe.SAdd(ctx, activeKey, battle.JoinCode)
	} else {
		pipe.SRem(ctx, activeKey, battle.JoinCode)
	}
}

func (s *PresenceStore) GetBattle(ctx context.Context, joinCode string) (domain.LiveBattle, error) {
	return getBattle(ctx, s.client, joinCode)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getBattle(ctx context.Context, c stringGetter, joinCode string) (domain.LiveBattle, error) {
	raw, err := c.Get(ctx, battleKey(joinCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LiveBattle{}, domain.ErrBattleNotFound
	}
	if err != nil {
		return domain.LiveBattle{}, fmt.Errorf("get battle %s: %w", joinCode, err)
	}
	var battle domain.LiveBattle
	if err := json.Unmarshal(raw, &battle); err != nil {
		return domain.LiveBattle{}, fmt.Errorf("decode battle %s: %w", joinCode, err)
	}
	return battle, nil
}

func (s *PresenceStore) UpdateBattle(ctx context.Context, joinCode string, fn func(*domain.LiveBattle) error) (domain.LiveBattle, error) {
	var out domain.LiveBattle
	err := s.watch(ctx, func(tx *redis.Tx) error {
		battle, err := getBattle(ctx, tx, joinCode)
		if err != nil {
			return err
		}
		if err := fn(&battle); err != nil {
			return err
		}
		raw, err := json.Marshal(battle)
		if err != nil {
			return fmt.Errorf("encode battle: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, battleKey(joinCode), raw, s.ttl)
			s.trackActive(ctx, pipe, battle)
			pipe.Publish(ctx, eventsChannel(joinCode), eventUpdate)
			return nil
		})
		out = battle
		return err
	}, battleKey(joinCode))
	if err != nil {
		return domain.LiveBattle{}, err
	}
	return out, nil
}

func (s *PresenceStore) DeleteBattle(ctx context.Context, joinCode string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, battleKey(joinCode), presenceKey(joinCode), questionsKey(joinCode), answersKey(joinCode), viewersKey(joinCode))
		pipe.SRem(ctx, activeKey, joinCode)
		pipe.Publish(ctx, eventsChannel(joinCode), eventDeleted)
		return nil
	})
	return err
}

func (s *PresenceStore) ActiveBattles(ctx context.Context) ([]string, error) {
	codes, err := s.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active battles: %w", err)
	}
	// the set outlives expired battles; prune what is gone
	live := codes[:0]
	for _, code := range codes {
		n, err := s.client.Exists(ctx, battleKey(code)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.client.SRem(ctx, activeKey, code)
			continue
		}
		live = append(live, code)
	}
	sort.Strings(live)
	return live, nil
}

func (s *PresenceStore) PutPresence(ctx context.Context, joinCode string, p domain.Presence) error {
	if err := s.requireBattle(ctx, joinCode); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, presenceKey(joinCode), p.UserID, raw)
		pipe.Expire(ctx, presenceKey(joinCode), s.ttl)
		pipe.Publish(ctx, eventsChannel(joinCode), eventUpdate)
		return nil
	})
	return err
}

func (s *PresenceStore) UpdatePresence(ctx context.Context, joinCode, userID string, fn func(*domain.Presence) error) (domain.Presence, error) {
	if err := s.requireBattle(ctx, joinCode); err != nil {
		return domain.Presence{}, err
	}
	var out domain.Presence
	err := s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, presenceKey(joinCode), userID).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrParticipantNotFound
		}
		if err != nil {
			return fmt.Errorf("get presence: %w", err)
		}
		var p domain.Presence
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode presence: %w", err)
		}
		if err := fn(&p); err != nil {
			return err
		}
		next, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode presence: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, presenceKey(joinCode), userID, next)
			pipe.Expire(ctx, presenceKey(joinCode), s.ttl)
			pipe.Publish(ctx, eventsChannel(joinCode), eventUpdate)
			return nil
		})
		out = p
		return err
	}, presenceKey(joinCode))
	if err != nil {
		return domain.Presence{}, err
	}
	return out, nil
}

func (s *PresenceStore) RemovePresence(ctx context.Context, joinCode, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, presenceKey(joinCode), userID)
		pipe.Publish(ctx, eventsChannel(joinCode), eventUpdate)
		return nil
	})
	return err
}

func (s *PresenceStore) ListPresence(ctx context.Context, joinCode string) ([]domain.Presence, error) {
	if err := s.requireBattle(ctx, joinCode); err != nil {
		return nil, err
	}
	return s.listPresence(ctx, joinCode)
}

func (s *PresenceStore) listPresence(ctx context.Context, joinCode string) ([]domain.Presence, error) {
	all, err := s.client.HGetAll(ctx, presenceKey(joinCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]domain.Presence, 0, len(all))
	for _, raw := range all {
		var p domain.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
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

func (s *PresenceStore) PutQuestions(ctx context.Context, joinCode string, questions []domain.Question) error {
	if err := s.requireBattle(ctx, joinCode); err != nil {
		return err
	}
	raw, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	return s.client.Set(ctx, questionsKey(joinCode), raw, s.ttl).Err()
}

func (s *PresenceStore) Questions(ctx context.Context, joinCode string) ([]domain.Question, error) {
	raw, err := s.client.Get(ctx, questionsKey(joinCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		if err := s.requireBattle(ctx, joinCode); err != nil {
			return nil, err
		}
		return []domain.Question{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	return questions, nil
}

func (s *PresenceStore) PutSubmission(ctx context.Context, joinCode string, sub domain.Submission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, answersKey(joinCode), answerField(sub.UserID, sub.QuestionIndex), raw)
		pipe.Expire(ctx, answersKey(joinCode), s.ttl)
		return nil
	})
	return err
}

func (s *PresenceStore) Submissions(ctx context.Context, joinCode, userID string) ([]domain.Submission, error) {
	all, err := s.client.HGetAll(ctx, answersKey(joinCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	prefix := userID + "|"
	out := make([]domain.Submission, 0)
	for field, raw := range all {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var sub domain.Submission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out, nil
}

func (s *PresenceStore) AddViewers(ctx context.Context, joinCode string, delta int64) (int64, error) {
	if err := s.requireBattle(ctx, joinCode); err != nil {
		return 0, err
	}
	if delta == 0 {
		n, err := s.client.Get(ctx, viewersKey(joinCode)).Int64()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return n, err
	}
	n, err := s.client.IncrBy(ctx, viewersKey(joinCode), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("update viewers: %w", err)
	}
	if n < 0 {
		n = 0
		s.client.Set(ctx, viewersKey(joinCode), 0, s.ttl)
	} else {
		s.client.Expire(ctx, viewersKey(joinCode), s.ttl)
	}
	s.client.Publish(ctx, eventsChannel(joinCode), eventUpdate)
	return n, nil
}

// Subscribe delivers the current snapshot and a fresh one after every change
// published on the battle's channel, from any instance. The channel closes
// when the battle is deleted or cancel is called.
func (s *PresenceStore) Subscribe(ctx context.Context, joinCode string) (<-chan domain.LiveSnapshot, func(), error) {
	initial, err := s.snapshot(ctx, joinCode)
	if err != nil {
		return nil, nil, err
	}

	pubsub := s.client.Subscribe(ctx, eventsChannel(joinCode))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", joinCode, err)
	}

	out := make(chan domain.LiveSnapshot, 8)
	out <- initial
	done := make(chan struct{})
	msgs := pubsub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok || msg.Payload == eventDeleted {
					return
				}
				snap, err := s.snapshot(context.Background(), joinCode)
				if errors.Is(err, domain.ErrBattleNotFound) {
					return
				}
				if err != nil {
					s.logger.Warn("reload battle snapshot failed", "join_code", joinCode, "err", err)
					continue
				}
				publishLatest(out, snap)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

func publishLatest(ch chan domain.LiveSnapshot, snap domain.LiveSnapshot) {
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

func (s *PresenceStore) snapshot(ctx context.Context, joinCode string) (domain.LiveSnapshot, error) {
	battle, err := s.GetBattle(ctx, joinCode)
	if err != nil {
		return domain.LiveSnapshot{}, err
	}
	presence, err := s.listPresence(ctx, joinCode)
	if err != nil {
		return domain.LiveSnapshot{}, err
	}
	viewers, err := s.client.Get(ctx, viewersKey(joinCode)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.LiveSnapshot{}, fmt.Errorf("get viewers: %w", err)
	}
	return domain.LiveSnapshot{Battle: battle, Presence: presence, Viewers: viewers}, nil
}

func (s *PresenceStore) requireBattle(ctx context.Context, joinCode string) error {
	n, err := s.client.Exists(ctx, battleKey(joinCode)).Result()
	if err != nil {
		return fmt.Errorf("check battle %s: %w", joinCode, err)
	}
	if n == 0 {
		return domain.ErrBattleNotFound
	}
	return nil
}

// watch runs fn in an optimistic transaction over keys, retrying when a
// concurrent writer touched them first.
func (s *PresenceStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.NewError(domain.CodeUnknown, "transaction on %v kept conflicting", keys)
}
