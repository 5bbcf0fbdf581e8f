package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBattleNotFound is returned when no battle holds the given join code.
	ErrBattleNotFound = errors.New("battle not found")
	// ErrParticipantNotFound is returned when the user is not part of the battle.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrQuizNotFound is returned when quiz content cannot be located.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound is returned when an answer references a question the quiz lacks.
	ErrQuestionNotFound = errors.New("question not found")
)

// Code is a machine-readable battle error code.
type Code string

const (
	CodeQuizDeleted      Code = "QUIZ_DELETED"
	CodeNoQuestions      Code = "NO_QUESTIONS"
	CodeNotEnoughPlayers Code = "NOT_ENOUGH_PLAYERS"
	CodeTooManyPlayers   Code = "TOO_MANY_PLAYERS"
	CodeInvalidStatus    Code = "INVALID_STATUS"
	CodeNotHost          Code = "NOT_HOST"
	CodeUnknown          Code = "UNKNOWN_ERROR"

	// transport-level codes
	CodeNotFound        Code = "NOT_FOUND"
	CodeNotParticipant  Code = "NOT_PARTICIPANT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Retryable reports whether a caller may wait and try the same operation again.
func (c Code) Retryable() bool {
	return c == CodeNotEnoughPlayers || c == CodeUnknown
}

// Error is a coded failure of a battle transition.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying failure.
func WrapError(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// With returns a copy of e carrying an extra metadata entry.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// GetCode extracts the code of err, or CodeUnknown for uncoded errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrBattleNotFound), errors.Is(err, ErrQuizNotFound):
		return CodeNotFound
	case errors.Is(err, ErrParticipantNotFound):
		return CodeNotParticipant
	case errors.Is(err, ErrQuestionNotFound):
		return CodeInvalidArgument
	}
	return CodeUnknown
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}
