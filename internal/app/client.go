package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"quiz-battle-service/internal/domain"
)

// ErrClientClosed is returned for actions queued on a client that has stopped.
var ErrClientClosed = errors.New("client closed")

const clientQueueSize = 32

// View is the screen a client currently shows.
type View string

const (
	ViewLobby   View = "lobby"
	ViewBattle  View = "battle"
	ViewResults View = "results"
	ViewClosed  View = "closed"
)

func viewFor(status domain.BattleStatus) View {
	switch status {
	case domain.StatusWaiting:
		return ViewLobby
	case domain.StatusInProgress:
		return ViewBattle
	case domain.StatusCompleted:
		return ViewResults
	default:
		return ViewClosed
	}
}

// ClientState is everything one connected participant knows about its battle.
type ClientState struct {
	UserID   string              `json:"userId"`
	JoinCode string              `json:"joinCode"`
	View     View                `json:"view"`
	Snapshot domain.LiveSnapshot `json:"snapshot"`
}

// Apply merges a newer snapshot and reports what changed.
func (st *ClientState) Apply(snap domain.LiveSnapshot) PresenceDiff {
	diff := DiffPresence(st.Snapshot.Presence, snap.Presence)
	st.Snapshot = snap
	st.View = viewFor(snap.Battle.Status)
	return diff
}

// Action is one step a client asks the battle to perform.
type Action func(ctx context.Context) error

type queuedAction struct {
	act    Action
	result chan error
}

// Client executes the actions of one connection strictly in the order they were
// queued. Snapshots from other participants are merged through Merge without
// waiting for queued actions.
type Client struct {
	logger *slog.Logger
	queue  chan queuedAction
	done   chan struct{}

	mu    sync.Mutex
	state ClientState
}

func NewClient(userID, joinCode string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger: logger,
		queue:  make(chan queuedAction, clientQueueSize),
		done:   make(chan struct{}),
		state:  ClientState{UserID: userID, JoinCode: joinCode, View: ViewLobby},
	}
}

// Run starts the action loop; it returns immediately. Actions still queued when
// ctx ends fail with ErrClientClosed.
func (c *Client) Run(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				c.drain()
				return
			case q := <-c.queue:
				q.result <- q.act(ctx)
			}
		}
	}()
}

func (c *Client) drain() {
	for {
		select {
		case q := <-c.queue:
			q.result <- ErrClientClosed
		default:
			return
		}
	}
}

// Enqueue schedules act behind every previously queued action. The returned
// channel yields the action's error once it has run.
func (c *Client) Enqueue(ctx context.Context, act Action) <-chan error {
	q := queuedAction{act: act, result: make(chan error, 1)}
	select {
	case <-c.done:
		q.result <- ErrClientClosed
	case <-ctx.Done():
		q.result <- ctx.Err()
	case c.queue <- q:
	}
	return q.result
}

// Do queues act and waits for it to run.
func (c *Client) Do(ctx context.Context, act Action) error {
	result := c.Enqueue(ctx, act)
	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClientClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merge applies a snapshot to the client state.
func (c *Client) Merge(snap domain.LiveSnapshot) PresenceDiff {
	c.mu.Lock()
	defer c.mu.Unlock()
	diff := c.state.Apply(snap)
	if !diff.Empty() {
		c.logger.Debug("presence changed", "join_code", c.state.JoinCode, "joined", diff.Joined, "left", diff.Left)
	}
	return diff
}

// State returns a copy of the client state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
