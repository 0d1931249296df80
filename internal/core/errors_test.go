package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayError_Error(t *testing.T) {
	err := NewConfigError("empty threshold map", nil)
	assert.Equal(t, "config_error: empty threshold map", err.Error())
}

func TestGatewayError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("invalid regex at threshold 2")
	err := NewConfigError("bad pattern", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestGatewayError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  *GatewayError
		want int
	}{
		{"config defaults to 500", NewConfigError("boom", nil), http.StatusInternalServerError},
		{"flagged input defaults to 500", NewFlaggedInputError(), http.StatusInternalServerError},
		{"integrity is 409", NewIntegrityError("duplicate uuid", nil), http.StatusConflict},
		{"invalid request is 400", NewInvalidRequestError("content is required", nil), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatusCode())
		})
	}
}

func TestGatewayError_ToJSON(t *testing.T) {
	err := NewIntegrityError("duplicate uuid", nil)
	body := err.ToJSON()

	inner, ok := body["error"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, ErrorTypeIntegrity, inner["type"])
	assert.Equal(t, "duplicate uuid", inner["message"])
}

func TestIsFlagged(t *testing.T) {
	assert.True(t, IsFlagged(NewFlaggedInputError()))
	assert.True(t, IsFlagged(NewFlaggedOutputError()))
	assert.False(t, IsFlagged(NewConfigError("nope", nil)))
	assert.False(t, IsFlagged(errors.New("plain")))

	// Wrapped flag errors are still recognized.
	wrapped := fmt.Errorf("executing pipes: %w", NewFlaggedOutputError())
	assert.True(t, IsFlagged(wrapped))
}

func TestIsType(t *testing.T) {
	assert.True(t, IsType(NewModuleRuntimeError("keyword", errors.New("boom")), ErrorTypeModuleRuntime))
	assert.False(t, IsType(NewModuleRuntimeError("keyword", errors.New("boom")), ErrorTypeConfig))
}
