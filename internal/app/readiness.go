package app

import (
	"sort"
	"time"

	"quiz-battle-service/internal/domain"
)

// ReadinessSummary aggregates a presence snapshot.
type ReadinessSummary struct {
	Total    int      `json:"total"`
	Ready    int      `json:"ready"`
	AllReady bool     `json:"allReady"`
	Waiting  []string `json:"waiting"`
}

// Readiness reduces a full presence snapshot. It is recomputed from scratch on
// every call so a missed update can never leave a stale count behind.
func Readiness(presence []domain.Presence) ReadinessSummary {
	summary := ReadinessSummary{Waiting: []string{}}
	for _, p := range presence {
		if p.Forfeited {
			continue
		}
		summary.Total++
		if p.Ready {
			summary.Ready++
		} else {
			summary.Waiting = append(summary.Waiting, p.UserID)
		}
	}
	sort.Strings(summary.Waiting)
	summary.AllReady = summary.Total > 0 && summary.Ready == summary.Total
	return summary
}

// allFinished reports whether every non-forfeited participant has answered all
// total questions. A battle where everyone forfeited is finished too.
func allFinished(presence []domain.Presence, total int) bool {
	for _, p := range presence {
		if !p.Forfeited && p.Answered < total {
			return false
		}
	}
	return len(presence) > 0
}

// PresenceDiff lists what changed between two presence snapshots.
type PresenceDiff struct {
	Joined       []string `json:"joined,omitempty"`
	Left         []string `json:"left,omitempty"`
	ReadyChanged []string `json:"readyChanged,omitempty"`
	ScoreChanged []string `json:"scoreChanged,omitempty"`
	Forfeited    []string `json:"forfeited,omitempty"`
}

// Empty reports whether the diff carries no change.
func (d PresenceDiff) Empty() bool {
	return len(d.Joined)+len(d.Left)+len(d.ReadyChanged)+len(d.ScoreChanged)+len(d.Forfeited) == 0
}

// DiffPresence compares two snapshots by user id. Results are sorted.
func DiffPresence(prev, next []domain.Presence) PresenceDiff {
	before := make(map[string]domain.Presence, len(prev))
	for _, p := range prev {
		before[p.UserID] = p
	}
	var diff PresenceDiff
	for _, p := range next {
		old, ok := before[p.UserID]
		if !ok {
			diff.Joined = append(diff.Joined, p.UserID)
			continue
		}
		delete(before, p.UserID)
		if old.Ready != p.Ready {
			diff.ReadyChanged = append(diff.ReadyChanged, p.UserID)
		}
		if old.Score != p.Score {
			diff.ScoreChanged = append(diff.ScoreChanged, p.UserID)
		}
		if !old.Forfeited && p.Forfeited {
			diff.Forfeited = append(diff.Forfeited, p.UserID)
		}
	}
	for id := range before {
		diff.Left = append(diff.Left, id)
	}
	for _, s := range [][]string{diff.Joined, diff.Left, diff.ReadyChanged, diff.ScoreChanged, diff.Forfeited} {
		sort.Strings(s)
	}
	return diff
}

// ComputeOutcome ranks a presence snapshot. The highest score wins; everyone
// sharing it is a winner and the battle is tied. A forfeited player keeps the
// score accumulated before leaving and is ranked on it. Only winners receive
// rewards.
func ComputeOutcome(joinCode string, presence []domain.Presence, rewards RewardSettings, at time.Time) domain.BattleResult {
	best := -1
	for _, p := range presence {
		if p.Score > best {
			best = p.Score
		}
	}

	result := domain.BattleResult{JoinCode: joinCode, Winners: []string{}, CompletedAt: at}
	for _, p := range presence {
		standing := domain.Standing{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
			Forfeited:   p.Forfeited,
		}
		if p.Score == best {
			standing.IsWinner = true
			standing.Points = rewards.WinnerPoints
			standing.Exp = rewards.WinnerExp
			result.Winners = append(result.Winners, p.UserID)
		}
		result.Standings = append(result.Standings, standing)
	}
	sort.Strings(result.Winners)
	sort.Slice(result.Standings, func(i, j int) bool {
		a, b := result.Standings[i], result.Standings[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.DisplayName < b.DisplayName
	})
	result.Tied = len(result.Winners) > 1
	return result
}
