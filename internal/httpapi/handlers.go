package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taod/internal/approval"
	"github.com/fyrsmithlabs/taod/internal/engine"
)

// Handler routes approval decisions and execution queries to the gate and
// engine.
type Handler struct {
	gate   *approval.Gate
	engine *engine.Engine
	logger *zap.Logger
}

// NewHandler creates a handler over the gate and engine.
func NewHandler(gate *approval.Gate, eng *engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gate: gate, engine: eng, logger: logger}
}

// RegisterRoutes registers approval and execution routes on the router.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/approvals/decision", h.handleDecision)
	e.GET("/approvals", h.handleListAll)
	e.GET("/approvals/pending", h.handleListPending)
	e.GET("/approvals/:id", h.handleGetApproval)
	e.DELETE("/approvals/:id", h.handleCancelApproval)

	e.GET("/executions", h.handleListExecutions)
	e.GET("/executions/:id", h.handleGetExecution)
	e.POST("/executions/:id/cancel", h.handleCancelExecution)
}

// decisionRequest is the expected payload for approval decisions.
type decisionRequest struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
}

func (h *Handler) handleDecision(c echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
	}
	if req.RequestID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "request_id is required"})
	}

	if !h.gate.Resolve(req.RequestID, req.Approved, req.Comment) {
		// Unknown or already settled: stale resolutions are no-ops.
		return c.JSON(http.StatusNotFound, map[string]string{"error": "request not found or already settled"})
	}

	h.logger.Info("approval decision delivered",
		zap.String("request_id", req.RequestID),
		zap.Bool("approved", req.Approved))

	return c.JSON(http.StatusOK, map[string]any{
		"status":     "settled",
		"request_id": req.RequestID,
		"approved":   req.Approved,
	})
}

func (h *Handler) handleListAll(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gate.All())
}

func (h *Handler) handleListPending(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gate.Pending())
}

func (h *Handler) handleGetApproval(c echo.Context) error {
	req, ok := h.gate.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "request not found"})
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) handleCancelApproval(c echo.Context) error {
	id := c.Param("id")
	if !h.gate.Cancel(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "request not found or already settled"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled", "request_id": id})
}

func (h *Handler) handleListExecutions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.ListActive())
}

func (h *Handler) handleGetExecution(c echo.Context) error {
	state, ok := h.engine.GetState(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}
	return c.JSON(http.StatusOK, state)
}

func (h *Handler) handleCancelExecution(c echo.Context) error {
	id := c.Param("id")
	if !h.engine.Cancel(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found or already finished"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancellation requested", "execution_id": id})
}
