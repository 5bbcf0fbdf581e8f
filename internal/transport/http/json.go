package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"quiz-battle-service/internal/domain"
)

type errorBody struct {
	Code      domain.Code       `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewError(domain.CodeInvalidArgument, "invalid request body")
	}
	return nil
}

func errorPayload(err error) errorBody {
	code := domain.GetCode(err)
	body := errorBody{Code: code, Retryable: code.Retryable()}
	var coded *domain.Error
	switch {
	case errors.As(err, &coded):
		body.Message = coded.Message
		body.Metadata = coded.Metadata
	case code != domain.CodeUnknown:
		body.Message = err.Error()
	default:
		body.Message = "internal error"
	}
	return body
}

// statusFor maps a battle error code to the status the REST layer answers with.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotHost, domain.CodeNotParticipant:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeQuizDeleted:
		return http.StatusGone
	case domain.CodeNoQuestions, domain.CodeNotEnoughPlayers, domain.CodeTooManyPlayers, domain.CodeInvalidStatus:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorPayload(err)
	writeJSON(w, statusFor(body.Code), map[string]errorBody{"error": body})
}
