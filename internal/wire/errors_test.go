package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, ErrInvalidRequest},
		{http.StatusUnauthorized, ErrAuthentication},
		{http.StatusForbidden, ErrPermission},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimit},
		{StatusOverloaded, ErrOverloaded},
		{http.StatusConflict, ErrInvalidRequest},
		{http.StatusUnprocessableEntity, ErrInvalidRequest},
		{http.StatusInternalServerError, ErrAPI},
		{http.StatusBadGateway, ErrAPI},
		{http.StatusServiceUnavailable, ErrAPI},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.status))
		})
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := NewErrorEnvelope(ErrRateLimit, "slow down")

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, string(raw))
}

func TestAPIErrorRetryable(t *testing.T) {
	assert.False(t, NewAPIError(http.StatusTooManyRequests, "x").Retryable())
	assert.False(t, NewAPIError(http.StatusBadRequest, "x").Retryable())
	assert.True(t, NewAPIError(http.StatusInternalServerError, "x").Retryable())
	assert.True(t, NewAPIError(http.StatusBadGateway, "x").Retryable())
}

func TestAsAPIError(t *testing.T) {
	orig := NewAPIError(http.StatusNotFound, "no such model")
	wrapped := fmt.Errorf("dispatch failed: %w", orig)

	got := AsAPIError(wrapped)
	assert.Same(t, orig, got)

	plain := AsAPIError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, plain.StatusCode)
	assert.Equal(t, ErrAPI, plain.Kind)
	assert.Equal(t, "boom", plain.Message)
}

func TestAPIErrorMessageHelpers(t *testing.T) {
	inv := InvalidRequest("max_tokens must be positive, got %d", -1)
	assert.Equal(t, http.StatusBadRequest, inv.StatusCode)
	assert.Equal(t, ErrInvalidRequest, inv.Kind)
	assert.Contains(t, inv.Message, "got -1")

	up := Upstream("connect: %s", "refused")
	assert.Equal(t, http.StatusBadGateway, up.StatusCode)
	assert.True(t, up.Retryable())

	internal := Internal("translation failed")
	assert.Equal(t, http.StatusInternalServerError, internal.StatusCode)
	assert.Equal(t, ErrAPI, internal.Kind)
}
