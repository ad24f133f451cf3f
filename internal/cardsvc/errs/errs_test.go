package errs

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"validation", Validation("name is required"), CodeValidation},
		{"wrapped not found", errors.Wrap(NotFound("card", "c1"), "lookup"), CodeNotFound},
		{"supply", SupplyExhausted("c1", 3), CodeSupplyExhausted},
		{"plain error", errors.New("boom"), CodeInternal},
		{"deadline", context.DeadlineExceeded, CodeStorageUnavailable},
		{"storage", Storage(errors.New("conn reset"), "insert card"), CodeStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestStorageKeepsExistingCode(t *testing.T) {
	err := Storage(InvalidState("card is approved"), "approve")
	assert.True(t, Is(err, CodeInvalidState))
	assert.Nil(t, Storage(nil, "noop"))
}

func TestUnauthorizedUnwrapsCause(t *testing.T) {
	cause := errors.New("authz timeout")
	err := Unauthorized(7, "approve", cause)
	assert.True(t, Is(err, CodeUnauthorized))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "actor 7 may not approve", Message(err))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(CodeSupplyExhausted))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeUnauthorized))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(CodeStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternal))
	assert.True(t, CodeStorageUnavailable.Retryable())
	assert.False(t, CodeSupplyExhausted.Retryable())
}
