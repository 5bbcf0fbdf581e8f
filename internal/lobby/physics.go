// Package lobby simulates the drifting player avatars shown while a battle
// waits to start. The state is cosmetic: nothing here affects battle outcome.
package lobby

import (
	"math"
	"math/rand"
	"time"
)

const (
	// TickInterval is the fixed simulation step.
	TickInterval = 30 * time.Millisecond

	CollisionDamping = 0.85
	WallDamping      = 0.92

	// overlapPush is applied to half the overlap when separating two avatars.
	overlapPush = 1.05
	// relaxPasses bounds how many de-overlap sweeps run per tick.
	relaxPasses = 8

	spawnAttempts = 50
	spawnMargin   = 2.0
	spawnSpeed    = 0.6
)

// Vec is a 2-D vector in arena units.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec) Add(o Vec) Vec { return Vec{v.X + o.X, v.Y + o.Y} }
func (v Vec) Sub(o Vec) Vec { return Vec{v.X - o.X, v.Y - o.Y} }
func (v Vec) Scale(f float64) Vec { return Vec{v.X * f, v.Y * f} }
func (v Vec) Dot(o Vec) float64 { return v.X*o.X + v.Y*o.Y }
func (v Vec) Len() float64 { return math.Hypot(v.X, v.Y) }
func (v Vec) Dist(o Vec) float64 { return v.Sub(o).Len() }

// Arena is the normalized 0-100 square, minus margins reserved for UI chrome.
type Arena struct {
	Size         float64 `json:"size"`
	TopMargin    float64 `json:"topMargin"`
	BottomMargin float64 `json:"bottomMargin"`
	Radius       float64 `json:"radius"`
}

// DefaultArena is the arena used by battle lobbies.
func DefaultArena() Arena {
	return Arena{Size: 100, TopMargin: 12, BottomMargin: 18, Radius: 4}
}

func (a Arena) MinX() float64 { return a.Radius }
func (a Arena) MaxX() float64 { return a.Size - a.Radius }
func (a Arena) MinY() float64 { return a.TopMargin + a.Radius }
func (a Arena) MaxY() float64 { return a.Size - a.BottomMargin - a.Radius }

// Contains reports whether p lies inside the legal interior.
func (a Arena) Contains(p Vec) bool {
	return p.X >= a.MinX() && p.X <= a.MaxX() && p.Y >= a.MinY() && p.Y <= a.MaxY()
}

// Clamp moves p into the legal interior. NaN coordinates snap to the centre.
func (a Arena) Clamp(p Vec) Vec {
	return Vec{clamp(p.X, a.MinX(), a.MaxX()), clamp(p.Y, a.MinY(), a.MaxY())}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return (lo + hi) / 2
	}
	return math.Max(lo, math.Min(hi, v))
}

// Avatar is one player's lobby token. Vel is a per-tick delta.
type Avatar struct {
	ID  string `json:"id"`
	Pos Vec    `json:"pos"`
	Vel Vec    `json:"vel"`
}

// State is a full simulation frame.
type State struct {
	Arena   Arena    `json:"arena"`
	Avatars []Avatar `json:"avatars"`
	Tick    int64    `json:"tick"`
}

func (s State) clone() State {
	out := s
	out.Avatars = append([]Avatar(nil), s.Avatars...)
	return out
}

// Tick advances s by dt ticks and returns the new frame; s is not modified.
func Tick(s State, dt float64) State {
	next := s.clone()
	next.Tick++

	resolveCollisions(next.Arena, next.Avatars)

	for i := range next.Avatars {
		av := &next.Avatars[i]
		av.Pos = av.Pos.Add(av.Vel.Scale(dt))
		bounceWalls(next.Arena, av)
	}

	for i := range next.Avatars {
		next.Avatars[i].Pos = next.Arena.Clamp(next.Avatars[i].Pos)
		if math.IsNaN(next.Avatars[i].Vel.X) || math.IsNaN(next.Avatars[i].Vel.Y) {
			next.Avatars[i].Vel = Vec{}
		}
	}
	return next
}

// resolveCollisions applies closing-velocity impulses once per colliding pair,
// then separates overlapping pairs until none remain or the pass budget runs out.
func resolveCollisions(arena Arena, avatars []Avatar) {
	minDist := 2 * arena.Radius
	for i := 0; i < len(avatars); i++ {
		for j := i + 1; j < len(avatars); j++ {
			a, b := &avatars[i], &avatars[j]
			dist := a.Pos.Dist(b.Pos)
			if !(dist < minDist) {
				continue
			}
			n := normal(a.Pos, b.Pos, dist)
			closing := b.Vel.Sub(a.Vel).Dot(n)
			if closing < 0 {
				impulse := n.Scale(-closing * CollisionDamping)
				a.Vel = a.Vel.Sub(impulse)
				b.Vel = b.Vel.Add(impulse)
			}
		}
	}

	for pass := 0; pass < relaxPasses; pass++ {
		moved := false
		for i := 0; i < len(avatars); i++ {
			for j := i + 1; j < len(avatars); j++ {
				a, b := &avatars[i], &avatars[j]
				dist := a.Pos.Dist(b.Pos)
				if !(dist < minDist) {
					continue
				}
				n := normal(a.Pos, b.Pos, dist)
				push := n.Scale((minDist - dist) / 2 * overlapPush)
				a.Pos = a.Pos.Sub(push)
				b.Pos = b.Pos.Add(push)
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

// normal is the unit vector from a to b; coincident centres separate along x.
func normal(a, b Vec, dist float64) Vec {
	if dist == 0 || math.IsNaN(dist) {
		return Vec{X: 1}
	}
	return b.Sub(a).Scale(1 / dist)
}

func bounceWalls(arena Arena, av *Avatar) {
	switch {
	case av.Pos.X < arena.MinX():
		av.Vel.X = math.Abs(av.Vel.X) * WallDamping
	case av.Pos.X > arena.MaxX():
		av.Vel.X = -math.Abs(av.Vel.X) * WallDamping
	}
	switch {
	case av.Pos.Y < arena.MinY():
		av.Vel.Y = math.Abs(av.Vel.Y) * WallDamping
	case av.Pos.Y > arena.MaxY():
		av.Vel.Y = -math.Abs(av.Vel.Y) * WallDamping
	}
	av.Pos = arena.Clamp(av.Pos)
}

// Spawn returns s with a new avatar placed at a random point no closer than
// 2*radius+margin to any existing avatar. After the attempt budget the last
// candidate is used.
func Spawn(s State, id string, rng *rand.Rand) State {
	next := s.clone()
	arena := next.Arena
	minGap := 2*arena.Radius + spawnMargin

	var pos Vec
	for attempt := 0; attempt < spawnAttempts; attempt++ {
		pos = Vec{
			X: arena.MinX() + rng.Float64()*(arena.MaxX()-arena.MinX()),
			Y: arena.MinY() + rng.Float64()*(arena.MaxY()-arena.MinY()),
		}
		if clearOf(next.Avatars, pos, minGap) {
			break
		}
	}
	vel := Vec{X: (rng.Float64()*2 - 1) * spawnSpeed, Y: (rng.Float64()*2 - 1) * spawnSpeed}
	next.Avatars = append(next.Avatars, Avatar{ID: id, Pos: pos, Vel: vel})
	return next
}

func clearOf(avatars []Avatar, p Vec, gap float64) bool {
	for _, av := range avatars {
		if av.Pos.Dist(p) < gap {
			return false
		}
	}
	return true
}

// Remove returns s without the avatar id.
func Remove(s State, id string) State {
	next := s
	next.Avatars = make([]Avatar, 0, len(s.Avatars))
	for _, av := range s.Avatars {
		if av.ID != id {
			next.Avatars = append(next.Avatars, av)
		}
	}
	return next
}
