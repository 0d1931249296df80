package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securag/policygate/internal/executor"
)

func authedGateway(t *testing.T, masterKey string) *Server {
	t.Helper()
	exec := executor.New(nil, nil, false)
	return New(NewHandler(exec, nil, nil, false), &Config{MasterKey: masterKey})
}

func TestAuthMiddleware_RejectsMissingKey(t *testing.T) {
	srv := authedGateway(t, "sekrit")

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-input", `{"content": "x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_RejectsWrongKey(t *testing.T) {
	srv := authedGateway(t, "sekrit")

	req := httptest.NewRequest(http.MethodPost, "/api/transform-input", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_RejectsNonBearerScheme(t *testing.T) {
	srv := authedGateway(t, "sekrit")

	req := httptest.NewRequest(http.MethodPost, "/api/transform-input", nil)
	req.Header.Set("Authorization", "Basic c2Vrcml0")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_AcceptsValidKey(t *testing.T) {
	srv := authedGateway(t, "sekrit")

	req := httptest.NewRequest(http.MethodPost, "/api/transform-input", strings.NewReader(`{"content": "hello"}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_HealthStaysPublic(t *testing.T) {
	srv := authedGateway(t, "sekrit")

	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
