package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securag/policygate/config"
	"github.com/securag/policygate/internal/auditstore"
	"github.com/securag/policygate/internal/executor"
	"github.com/securag/policygate/internal/llmclient"
)

// stubResponder scripts the LLM collaborator.
type stubResponder struct {
	response string
	err      error
	lastCall struct {
		prompt, systemPrompt string
		history              []llmclient.Message
	}
}

func (s *stubResponder) Respond(_ context.Context, prompt, systemPrompt string, history []llmclient.Message) (string, error) {
	s.lastCall.prompt = prompt
	s.lastCall.systemPrompt = systemPrompt
	s.lastCall.history = history
	return s.response, s.err
}

// testGateway wires a real executor (flagging on "top secret"), a real
// SQLite audit store, and a stub LLM into a servable gateway.
func testGateway(t *testing.T, writeLogs bool, llm Responder) *Server {
	t.Helper()

	exec, err := executor.Build(config.FiltersConfig{
		RaiseOnFlag: true,
		InputPipes: []config.PipeConfig{{
			Name: "input-screen", Type: "sequential", StopOnFlag: true, Audit: true,
			Modules: []config.ModuleConfig{{
				Name: "keyword-policy", Type: "keyword", Audit: true,
				Keyword: config.KeywordSettings{Thresholds: map[int][]string{1: {"top secret"}}},
			}},
		}},
		OutputPipes: []config.PipeConfig{{
			Name: "output-screen", Type: "sequential", StopOnFlag: true, Audit: true,
			Modules: []config.ModuleConfig{{
				Name: "output-keyword-policy", Type: "keyword", Audit: true,
				Keyword: config.KeywordSettings{Thresholds: map[int][]string{1: {"classified"}}},
			}},
		}},
	}, nil, 0)
	require.NoError(t, err)

	var store auditstore.Store
	if writeLogs {
		store, err = auditstore.New(context.Background(), auditstore.Config{
			URI:   filepath.Join(t.TempDir(), "audit.db"),
			Table: "audit_log",
		})
		require.NoError(t, err)
		require.NoError(t, store.ValidateSchema(context.Background()))
		t.Cleanup(func() { _ = store.Close() })
	}

	return New(NewHandler(exec, store, llm, writeLogs), nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTransformInput_Success(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-input",
		`{"content": "a perfectly ordinary question"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Success", body["detail"])
	assert.Equal(t, false, body["flagged"])
	assert.Equal(t, "a perfectly ordinary question", body["transformed_content"])
	assert.NotEmpty(t, body["audit_logs"])
}

func TestTransformInput_FlaggedReturns200(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-input",
		`{"content": "the top secret report"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Flagged", body["detail"])
	assert.Equal(t, true, body["flagged"])
	assert.Contains(t, body["transformed_content"], "keyword policy")
}

func TestTransformInput_ContentRequired(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-input", `{"message_id": "m1"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "content is required", decode(t, rec)["error"])
}

func TestTransformInput_MessageIDGate(t *testing.T) {
	// The 400 fires only when all three hold: writes enabled, caller asked
	// for a log, and message_id is missing.
	t.Run("writes enabled and write_log requested", func(t *testing.T) {
		srv := testGateway(t, true, nil)
		rec := doJSON(t, srv, http.MethodPost, "/api/transform-input",
			`{"content": "x", "write_log": true}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode(t, rec)["error"], "message_id is required")
	})

	t.Run("writes disabled", func(t *testing.T) {
		srv := testGateway(t, false, nil)
		rec := doJSON(t, srv, http.MethodPost, "/api/transform-input",
			`{"content": "x", "write_log": true}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("write_log not requested", func(t *testing.T) {
		srv := testGateway(t, true, nil)
		rec := doJSON(t, srv, http.MethodPost, "/api/transform-input", `{"content": "x"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTransformInput_PersistsAndReadsBackAuditTrail(t *testing.T) {
	srv := testGateway(t, true, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-input",
		`{"content": "top secret report", "message_id": "m1", "write_log": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["flagged"])

	rec = doJSON(t, srv, http.MethodGet, "/api/audit/m1/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.NotEmpty(t, items)
	assert.Equal(t, "input-screen", items[0]["name"])

	modules := items[0]["modules"].([]any)
	moduleLog := modules[0].(map[string]any)["log"].(map[string]any)
	assert.Equal(t, "top secret report", moduleLog["input"])
	assert.NotEmpty(t, moduleLog["triggered"])
}

func TestAuditDelete_Idempotent(t *testing.T) {
	srv := testGateway(t, true, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-input",
		`{"content": "top secret report", "message_id": "m1", "write_log": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/audit/m1/delete/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode(t, rec)["deleted"].(float64)
	assert.Greater(t, first, 0.0)

	rec = doJSON(t, srv, http.MethodDelete, "/api/audit/m1/delete/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decode(t, rec)["deleted"])

	rec = doJSON(t, srv, http.MethodGet, "/api/audit/m1/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Empty(t, items)
}

func TestAuditEndpoints_ForbiddenWhenWritesDisabled(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodGet, "/api/audit/m1/", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/audit/m1/delete/", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransformOutput_Flagged(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/transform-output",
		`{"content": "this is classified material"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["flagged"])
}

func TestAIResponse(t *testing.T) {
	llm := &stubResponder{response: "the model says hi"}
	srv := testGateway(t, false, llm)

	rec := doJSON(t, srv, http.MethodPost, "/api/ai-response",
		`{"prompt": "say hi", "system_prompt": "be brief", "conversation_history": [{"role": "user", "content": "earlier"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Success", body["detail"])
	assert.Equal(t, "the model says hi", body["ai_response"])
	assert.Equal(t, "say hi", llm.lastCall.prompt)
	assert.Equal(t, "be brief", llm.lastCall.systemPrompt)
	require.Len(t, llm.lastCall.history, 1)
}

func TestAIResponse_PromptRequired(t *testing.T) {
	srv := testGateway(t, false, &stubResponder{})

	rec := doJSON(t, srv, http.MethodPost, "/api/ai-response", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAIResponse_BackendErrorIs500WithoutDetail(t *testing.T) {
	srv := testGateway(t, false, &stubResponder{err: errors.New("connection refused to 10.0.0.5")})

	rec := doJSON(t, srv, http.MethodPost, "/api/ai-response", `{"prompt": "hi"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "An error occurred", decode(t, rec)["detail"])
	assert.NotContains(t, rec.Body.String(), "10.0.0.5", "error bodies must not leak internals")
}

func TestHealth(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv := testGateway(t, false, nil)

	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
