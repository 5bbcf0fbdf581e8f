package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	outboxSize = 16
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Index  int                    `json:"index"`
	Answer domain.SubmittedAnswer `json:"answer"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type snapshotPayload struct {
	View     app.View            `json:"view"`
	Snapshot domain.LiveSnapshot `json:"snapshot"`
	Diff     app.PresenceDiff    `json:"diff"`
}

// outbox serializes writes to one connection.
type outbox struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	send    chan outboundMessage
	closing chan struct{}
	once    sync.Once
}

func newOutbox(conn *websocket.Conn, logger *slog.Logger) *outbox {
	return &outbox{
		conn:    conn,
		logger:  logger,
		send:    make(chan outboundMessage, outboxSize),
		closing: make(chan struct{}),
	}
}

func (o *outbox) push(typ string, payload any) {
	select {
	case o.send <- outboundMessage{Type: typ, Payload: payload}:
	case <-o.closing:
	}
}

// offer drops the message when the client is behind.
func (o *outbox) offer(typ string, payload any) {
	select {
	case o.send <- outboundMessage{Type: typ, Payload: payload}:
	default:
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.closing) })
}

func (o *outbox) writeLoop() {
	for {
		select {
		case msg := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteJSON(msg); err != nil {
				o.logger.Debug("ws write failed", "err", err)
				// unblocks the read loop
				_ = o.conn.Close()
				return
			}
		case <-o.closing:
			return
		}
	}
}

// ServeWS upgrades the request and binds the connection to a battle. Players
// pass userId and name and are joined (or rejoined); role=viewer connections
// only watch and count toward the viewer total. A player whose last connection
// drops leaves the battle once the reconnect grace period runs out.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	q := r.URL.Query()
	userID := q.Get("userId")
	viewer := q.Get("role") == "viewer"
	if userID == "" || (!viewer && q.Get("name") == "") {
		http.Error(w, "missing userId or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := h.logger.With("join_code", code, "user_id", userID)

	if viewer {
		if _, err := h.battles.AddViewer(ctx, code, 1); err != nil {
			_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload(err)})
			return
		}
		defer func() {
			if _, err := h.battles.AddViewer(context.Background(), code, -1); err != nil {
				logger.Debug("viewer decrement failed", "err", err)
			}
		}()
	} else {
		if _, _, err := h.battles.Join(ctx, code, app.JoinRequest{
			UserID:      userID,
			DisplayName: q.Get("name"),
			Avatar:      q.Get("avatar"),
		}); err != nil {
			_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload(err)})
			return
		}
		h.battles.Attach(code, userID)
		defer h.battles.Detach(code, userID)
	}

	updates, unsubscribe, err := h.battles.Subscribe(ctx, code)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload(err)})
		return
	}
	defer unsubscribe()

	client := app.NewClient(userID, code, logger)
	client.Run(ctx)

	out := newOutbox(conn, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out.writeLoop()
	}()

	h.streamLobby(ctx, code, out, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					out.push("closed", nil)
					return
				}
				prev := client.State().View
				diff := client.Merge(snap)
				next := client.State().View
				out.push("snapshot", snapshotPayload{View: next, Snapshot: snap, Diff: diff})
				if next != prev {
					h.onViewChange(ctx, client, next, out, &wg)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		act, err := h.action(code, userID, viewer, inbound, out)
		if err != nil {
			out.push("error", errorPayload(err))
			continue
		}
		h.enqueue(ctx, client, act, out, &wg)
	}

	out.close()
	cancel()
	wg.Wait()
}

// streamLobby forwards avatar frames while the battle is still waiting. The
// stream ends when the battle starts and the simulator is discarded.
func (h *Handler) streamLobby(ctx context.Context, code string, out *outbox, wg *sync.WaitGroup) {
	sim, err := h.battles.Lobby(ctx, code)
	if err != nil {
		return
	}
	frames, stop := sim.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				out.offer("lobby", frame)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Handler) onViewChange(ctx context.Context, client *app.Client, view app.View, out *outbox, wg *sync.WaitGroup) {
	state := client.State()
	switch view {
	case app.ViewBattle:
		h.enqueue(ctx, client, func(ctx context.Context) error {
			questions, err := h.battles.Questions(ctx, state.JoinCode)
			if err != nil {
				return err
			}
			out.push("questions", publicQuestions(questions))
			return nil
		}, out, wg)
	case app.ViewResults:
		h.enqueue(ctx, client, func(ctx context.Context) error {
			view, err := h.battles.Results(ctx, state.JoinCode, state.UserID)
			if err != nil {
				return err
			}
			out.push("results", view)
			return nil
		}, out, wg)
	}
}

func (h *Handler) enqueue(ctx context.Context, client *app.Client, act app.Action, out *outbox, wg *sync.WaitGroup) {
	result := client.Enqueue(ctx, act)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case err := <-result:
			if err != nil && !errors.Is(err, app.ErrClientClosed) && !errors.Is(err, context.Canceled) {
				out.push("error", errorPayload(err))
			}
		case <-ctx.Done():
		}
	}()
}

func (h *Handler) action(code, userID string, viewer bool, in inboundMessage, out *outbox) (app.Action, error) {
	if viewer {
		return nil, domain.NewError(domain.CodeNotParticipant, "viewers cannot act")
	}
	switch in.Type {
	case "ready", "unready":
		ready := in.Type == "ready"
		return func(ctx context.Context) error {
			summary, err := h.battles.SetReady(ctx, code, userID, ready)
			if err != nil {
				return err
			}
			out.push("readiness", summary)
			return nil
		}, nil
	case "start":
		return func(ctx context.Context) error {
			_, err := h.battles.Start(ctx, code, userID)
			return err
		}, nil
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return nil, domain.NewError(domain.CodeInvalidArgument, "invalid answer payload")
		}
		return func(ctx context.Context) error {
			res, err := h.battles.SubmitAnswer(ctx, code, userID, payload.Index, payload.Answer)
			if err != nil {
				return err
			}
			out.push("answerResult", res)
			return nil
		}, nil
	case "complete":
		return func(ctx context.Context) error {
			_, err := h.battles.End(ctx, code, userID)
			return err
		}, nil
	case "leave":
		return func(ctx context.Context) error {
			if err := h.battles.Leave(ctx, code, userID); err != nil {
				return err
			}
			out.push("left", nil)
			return nil
		}, nil
	case "cancel":
		return func(ctx context.Context) error {
			return h.battles.Cancel(ctx, code, userID)
		}, nil
	default:
		return nil, domain.NewError(domain.CodeInvalidArgument, "unsupported message type %q", in.Type)
	}
}
