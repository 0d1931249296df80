package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/securag/policygate/internal/auditstore"
	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/executor"
	"github.com/securag/policygate/internal/llmclient"
)

// Responder is the LLM collaborator surface the gateway needs.
type Responder interface {
	Respond(ctx context.Context, prompt, systemPrompt string, history []llmclient.Message) (string, error)
}

// Handler implements the gateway's HTTP endpoints. The configured executor
// is a template: every request runs a Clone so transient filter state never
// crosses requests.
type Handler struct {
	exec      *executor.Executor
	store     auditstore.Store
	llm       Responder
	writeLogs bool
}

// NewHandler builds the endpoint handler. store may be nil when writes are
// disabled; llm may be nil when no LLM backend is configured.
func NewHandler(exec *executor.Executor, store auditstore.Store, llm Responder, writeLogs bool) *Handler {
	return &Handler{
		exec:      exec,
		store:     store,
		llm:       llm,
		writeLogs: writeLogs && store != nil,
	}
}

type transformRequest struct {
	Content   *string `json:"content"`
	MessageID string  `json:"message_id"`
	WriteLog  bool    `json:"write_log"`
}

type transformResponse struct {
	Detail             string           `json:"detail"`
	Flagged            bool             `json:"flagged"`
	TransformedContent string           `json:"transformed_content"`
	AuditLogs          []map[string]any `json:"audit_logs"`
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// TransformInput handles POST /api/transform-input
func (h *Handler) TransformInput(c echo.Context) error {
	return h.transform(c, transformInputDirection)
}

// TransformOutput handles POST /api/transform-output
func (h *Handler) TransformOutput(c echo.Context) error {
	return h.transform(c, transformOutputDirection)
}

type transformDirection struct {
	execute         func(*executor.Executor, context.Context, string) (string, error)
	flagErrType     core.ErrorType
	flagged         func(*executor.Executor) bool
	flaggedResponse func(*executor.Executor) string
}

var transformInputDirection = transformDirection{
	execute: func(e *executor.Executor, ctx context.Context, text string) (string, error) {
		return e.ExecuteInputs(ctx, text)
	},
	flagErrType:     core.ErrorTypeFlaggedInput,
	flagged:         (*executor.Executor).InputFlagged,
	flaggedResponse: (*executor.Executor).InputFlaggedResponse,
}

var transformOutputDirection = transformDirection{
	execute: func(e *executor.Executor, ctx context.Context, text string) (string, error) {
		return e.ExecuteOutputs(ctx, text)
	},
	flagErrType:     core.ErrorTypeFlaggedOutput,
	flagged:         (*executor.Executor).OutputFlagged,
	flaggedResponse: (*executor.Executor).OutputFlaggedResponse,
}

func (h *Handler) transform(c echo.Context, dir transformDirection) error {
	var req transformRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}

	if req.Content == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}
	if req.MessageID == "" && h.writeLogs && req.WriteLog {
		return c.JSON(http.StatusBadRequest,
			map[string]string{"error": "message_id is required when SECURAG_SERVER_WRITE_LOGS is true"})
	}

	// Request-scoped clone: concurrent requests never share filter state.
	exec := h.exec.Clone()
	ctx := c.Request().Context()

	transformed, err := dir.execute(exec, ctx, *req.Content)
	auditLogs := exec.Logs()
	persistLogs := req.WriteLog && h.writeLogs && req.MessageID != ""

	if err != nil {
		if !core.IsType(err, dir.flagErrType) {
			slog.Error("transform failed", "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "An error occurred"})
		}
		if persistLogs {
			if insertErr := h.persistAudit(ctx, req.MessageID, auditLogs); insertErr != nil {
				return h.auditInsertError(c, insertErr)
			}
		}
		return c.JSON(http.StatusOK, transformResponse{
			Detail:             "Flagged",
			Flagged:            true,
			TransformedContent: dir.flaggedResponse(exec),
			AuditLogs:          auditLogs,
		})
	}

	if persistLogs {
		if insertErr := h.persistAudit(ctx, req.MessageID, auditLogs); insertErr != nil {
			return h.auditInsertError(c, insertErr)
		}
	}

	if dir.flagged(exec) {
		return c.JSON(http.StatusOK, transformResponse{
			Detail:             "Flagged",
			Flagged:            true,
			TransformedContent: dir.flaggedResponse(exec),
			AuditLogs:          auditLogs,
		})
	}

	return c.JSON(http.StatusOK, transformResponse{
		Detail:             "Success",
		Flagged:            false,
		TransformedContent: transformed,
		AuditLogs:          auditLogs,
	})
}

func (h *Handler) persistAudit(ctx context.Context, messageID string, logs []map[string]any) error {
	contents := make([]any, 0, len(logs))
	for _, l := range logs {
		contents = append(contents, l)
	}
	_, err := h.store.Insert(ctx, messageID, contents)
	return err
}

func (h *Handler) auditInsertError(c echo.Context, err error) error {
	var ge *core.GatewayError
	if errors.As(err, &ge) && ge.Type == core.ErrorTypeIntegrity {
		return c.JSON(http.StatusConflict, ge.ToJSON())
	}
	slog.Error("audit insert failed", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "An error occurred"})
}

type aiRequest struct {
	Prompt              string              `json:"prompt"`
	SystemPrompt        string              `json:"system_prompt"`
	ConversationHistory []llmclient.Message `json:"conversation_history"`
}

// AIResponse handles POST /api/ai-response
func (h *Handler) AIResponse(c echo.Context) error {
	var req aiRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	if req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}
	if h.llm == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "An error occurred"})
	}

	resp, err := h.llm.Respond(c.Request().Context(), req.Prompt, req.SystemPrompt, req.ConversationHistory)
	if err != nil {
		slog.Error("ai response failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "An error occurred"})
	}

	return c.JSON(http.StatusOK, map[string]any{"detail": "Success", "ai_response": resp})
}

const auditDisabledMessage = "Auditing disabled on this gateway. All auditing related operations are forbidden."

// RetrieveAudits handles GET /api/audit/:message_id/
func (h *Handler) RetrieveAudits(c echo.Context) error {
	if !h.writeLogs {
		return c.JSON(http.StatusForbidden, map[string]string{"message": auditDisabledMessage})
	}

	items, err := h.store.SelectByMessageID(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		slog.Error("audit select failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "An error occurred"})
	}
	return c.JSON(http.StatusOK, items)
}

// DeleteAudits handles DELETE /api/audit/:message_id/delete/
func (h *Handler) DeleteAudits(c echo.Context) error {
	if !h.writeLogs {
		return c.JSON(http.StatusForbidden, map[string]string{"message": auditDisabledMessage})
	}

	deleted, err := h.store.DeleteByMessageID(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		slog.Error("audit delete failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "An error occurred"})
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}
