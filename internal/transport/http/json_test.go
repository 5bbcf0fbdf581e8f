package http

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"quiz-battle-service/internal/domain"
)

func TestStatusForCodes(t *testing.T) {
	cases := map[domain.Code]int{
		domain.CodeInvalidArgument:  http.StatusBadRequest,
		domain.CodeNotHost:          http.StatusForbidden,
		domain.CodeNotParticipant:   http.StatusForbidden,
		domain.CodeNotFound:         http.StatusNotFound,
		domain.CodeQuizDeleted:      http.StatusGone,
		domain.CodeNoQuestions:      http.StatusConflict,
		domain.CodeNotEnoughPlayers: http.StatusConflict,
		domain.CodeTooManyPlayers:   http.StatusConflict,
		domain.CodeInvalidStatus:    http.StatusConflict,
		domain.CodeUnknown:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestErrorPayloadHidesUncodedErrors(t *testing.T) {
	body := errorPayload(errors.New("dial tcp: refused"))
	if body.Code != domain.CodeUnknown || body.Message != "internal error" || !body.Retryable {
		t.Fatalf("expected opaque retryable unknown error, got %+v", body)
	}
	body = errorPayload(fmt.Errorf("load: %w", domain.ErrBattleNotFound))
	if body.Code != domain.CodeNotFound || statusFor(body.Code) != http.StatusNotFound {
		t.Fatalf("expected not found mapping, got %+v", body)
	}
}
