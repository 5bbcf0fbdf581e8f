package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Simulator runs the tick loop of one lobby and fans frames out to subscribers.
// A failure inside the loop is logged and stops only the simulator.
type Simulator struct {
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	rng         *rand.Rand
	subscribers map[chan State]struct{}
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSimulator(arena Arena, src rand.Source, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		logger:      logger,
		state:       State{Arena: arena},
		rng:         rand.New(src),
		subscribers: make(map[chan State]struct{}),
		done:        make(chan struct{}),
	}
}

// Run starts the tick loop; it returns immediately. The loop ends when ctx is
// cancelled or Stop is called.
func (s *Simulator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("lobby simulator crashed", "panic", fmt.Sprint(r))
			}
		}()

		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.step(1)
			}
		}
	}()
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.state.Avatars) == 0 {
		return
	}
	s.state = Tick(s.state, dt)
	s.broadcastLocked()
}

// Add spawns an avatar for id unless it is already present.
func (s *Simulator) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, av := range s.state.Avatars {
		if av.ID == id {
			return
		}
	}
	s.state = Spawn(s.state, id, s.rng)
	s.broadcastLocked()
}

// Remove drops the avatar for id.
func (s *Simulator) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Remove(s.state, id)
	s.broadcastLocked()
}

// Snapshot returns the current frame.
func (s *Simulator) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe returns a channel of frames. The caller must invoke cancel.
func (s *Simulator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 4)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	ch <- s.state.clone()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Stop ends the loop and closes every subscription. The state is discarded.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.state.Avatars = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}
}

func (s *Simulator) broadcastLocked() {
	frame := s.state.clone()
	for ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
			// drop the stale frame so a slow reader never blocks the loop
			select {
			case <-ch:
			default:
			}
			ch <- frame
		}
	}
}
