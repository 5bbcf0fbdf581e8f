package http

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
)

// Handler exposes battles and solo attempts over REST and websockets. Callers
// identify themselves with a userId; authentication happens upstream.
type Handler struct {
	battles  *app.BattleService
	attempts *app.AttemptService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(battles *app.BattleService, attempts *app.AttemptService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		battles:  battles,
		attempts: attempts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes registers the battle and attempt endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/battles", h.create)
	r.Route("/battles/{code}", func(r chi.Router) {
		r.Get("/", h.snapshot)
		r.Get("/questions", h.questions)
		r.Get("/results", h.results)
		r.Get("/ws", h.ServeWS)
		r.Post("/join", h.join)
		r.Post("/ready", h.ready)
		r.Post("/start", h.start)
		r.Post("/answers", h.answer)
		r.Post("/complete", h.complete)
		r.Post("/leave", h.leave)
		r.Post("/cancel", h.cancel)
	})
	r.Post("/quizzes/{quizID}/attempts", h.submitAttempt)
}

type userRequest struct {
	UserID string `json:"userId"`
}

type readyRequest struct {
	UserID string `json:"userId"`
	Ready  bool   `json:"ready"`
}

type answerRequest struct {
	UserID string                 `json:"userId"`
	Index  int                    `json:"index"`
	Answer domain.SubmittedAnswer `json:"answer"`
}

type joinResponse struct {
	Battle      domain.Battle      `json:"battle"`
	Participant domain.Participant `json:"participant"`
}

// publicQuestion is a question without its answer key.
type publicQuestion struct {
	Index      int                 `json:"index"`
	ID         string              `json:"id"`
	Type       domain.QuestionType `json:"type"`
	Prompt     string              `json:"prompt"`
	Difficulty domain.Difficulty   `json:"difficulty"`
	Choices    []string            `json:"choices,omitempty"`
	Left       []string            `json:"left,omitempty"`
	Right      []string            `json:"right,omitempty"`
}

func publicQuestions(questions []domain.Question) []publicQuestion {
	out := make([]publicQuestion, 0, len(questions))
	for i, q := range questions {
		pq := publicQuestion{
			Index:      i,
			ID:         q.ID,
			Type:       q.Type,
			Prompt:     q.Prompt,
			Difficulty: q.Difficulty.Normalize(),
			Choices:    q.Choices,
		}
		if q.Type == domain.TypeTrueFalse {
			pq.Choices = []string{"true", "false"}
		}
		for _, p := range q.Pairs {
			pq.Left = append(pq.Left, p.Left)
			pq.Right = append(pq.Right, p.Right)
		}
		sort.Strings(pq.Right)
		out = append(out, pq)
	}
	return out
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req app.CreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	battle, err := h.battles.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, battle)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.battles.Snapshot(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) questions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.battles.Questions(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicQuestions(questions))
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	view, err := h.battles.Results(r.Context(), chi.URLParam(r, "code"), r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req app.JoinRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	battle, participant, err := h.battles.Join(r.Context(), chi.URLParam(r, "code"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Battle: battle, Participant: participant})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	var req readyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.battles.SetReady(r.Context(), chi.URLParam(r, "code"), req.UserID, req.Ready)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	live, err := h.battles.Start(r.Context(), chi.URLParam(r, "code"), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.battles.SubmitAnswer(r.Context(), chi.URLParam(r, "code"), req.UserID, req.Index, req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.battles.End(r.Context(), chi.URLParam(r, "code"), req.UserID)
	if err != nil {
		body := errorPayload(err)
		// a failed sync still carries the locally computed result
		writeJSON(w, statusFor(body.Code), map[string]any{"error": body, "result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.battles.Leave(r.Context(), chi.URLParam(r, "code"), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.battles.Cancel(r.Context(), chi.URLParam(r, "code"), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitAttempt(w http.ResponseWriter, r *http.Request) {
	var req app.AttemptRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	attempt, err := h.attempts.Submit(r.Context(), chi.URLParam(r, "quizID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}
