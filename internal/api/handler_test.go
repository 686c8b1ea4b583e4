//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-vms/internal/container"
	"github.com/ashureev/shsh-vms/internal/domain"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("inspect x: %w", container.ErrInstanceNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: stale", domain.ErrInvalidState), http.StatusConflict},
		{domain.ErrQuotaExceeded, http.StatusForbidden},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrInsufficientCredits, http.StatusPaymentRequired},
		{domain.ErrPortsExhausted, http.StatusServiceUnavailable},
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodGet, "/api/vms", nil), errors.New("sql: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestDecodeJSON(t *testing.T) {
	var v createVMRequest

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), r, &v))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","bogus":1}`))
	assert.ErrorIs(t, decodeJSON(httptest.NewRecorder(), r, &v), domain.ErrInvalidRequest)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	assert.ErrorIs(t, decodeJSON(httptest.NewRecorder(), r, &v), domain.ErrInvalidRequest)
}
