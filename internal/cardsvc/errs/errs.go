// Package errs holds the error taxonomy shared by every caller of the card
// lifecycle. Codes are stable: bot and web layers render messages from them.
package errs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeInvalidState       Code = "invalid_state"
	CodeSupplyExhausted    Code = "supply_exhausted"
	CodeUnauthorized       Code = "unauthorized"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeInternal           Code = "internal_error"
)

// Retryable is true only for transient storage failures.
func (c Code) Retryable() bool {
	return c == CodeStorageUnavailable
}

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) error {
	return New(CodeValidation, format, args...)
}

func NotFound(kind, id string) error {
	return New(CodeNotFound, "%s %s not found", kind, id)
}

func InvalidState(format string, args ...interface{}) error {
	return New(CodeInvalidState, format, args...)
}

func SupplyExhausted(cardID string, max int) error {
	return New(CodeSupplyExhausted, "card %s reached its max supply of %d", cardID, max)
}

func Unauthorized(actor int64, action string, cause error) error {
	e := New(CodeUnauthorized, "actor %d may not %s", actor, action)
	e.Err = cause
	return e
}

// Storage marks err as a transient store failure. Errors that already carry a
// code are returned unchanged.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(err, CodeStorageUnavailable, "%s", op)
}

// CodeOf returns the code carried by err. Context errors count as storage
// failures since the transaction was rolled back.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeStorageUnavailable
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Message is the caller-facing text of err without the code prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return "something went wrong"
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeSupplyExhausted:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
