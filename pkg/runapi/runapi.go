// Package runapi exposes the two run-lifecycle operations that have no
// pipeline-originated transport of their own: submitting a new run
// (spec.md §4.6) and requesting that one stop early (spec.md §9's "User-stop
// looks up and signals that handle"). Every other external surface
// (pkg/webhook, pkg/stream) is pipeline- or client-driven; these two are
// driven by the upstream system that owns the user's "idea" conversation.
//
// Authentication of the caller is out of scope here (spec.md §1: "the core
// sees an already-resolved user id"): handlers read the user id an upstream
// middleware is expected to have already resolved into the gin context,
// the same contract pkg/stream uses.
package runapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/launcher"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// Handler wires the launcher into an HTTP surface.
type Handler struct {
	launcher *launcher.Launcher
	logger   *slog.Logger
}

// New builds a Handler.
func New(l *launcher.Launcher) *Handler {
	return &Handler{launcher: l, logger: slog.With("component", "runapi")}
}

// RegisterRoutes mounts the submission and stop endpoints. userIDKey is the
// gin context key an upstream auth middleware populates with the resolved
// caller id, matching pkg/stream's contract.
func (h *Handler) RegisterRoutes(router *gin.Engine, userIDKey string) {
	router.POST("/runs", h.handleSubmit(userIDKey))
	router.POST("/runs/:run_id/stop", h.handleStop)
}

// submitRequest is the wire shape for spec.md §4.6's submit(...) call.
type submitRequest struct {
	IdeaVersionID        int64    `json:"idea_version_id" binding:"required"`
	RequesterDisplayName string   `json:"requester_display_name" binding:"required"`
	GPUPreferences       []string `json:"gpu_preferences" binding:"required,min=1"`
	ConversationID       string   `json:"conversation_id" binding:"required"`
	ParentRunID          *string  `json:"parent_run_id,omitempty"`
}

func (h *Handler) handleSubmit(userIDKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := c.Get(userIDKey)
		callerID, _ := userID.(string)
		if callerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no resolved caller id"})
			return
		}

		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		runID, err := h.launcher.Submit(c.Request.Context(), launcher.SubmitRequest{
			IdeaVersionID:        req.IdeaVersionID,
			UserID:               callerID,
			RequesterDisplayName: req.RequesterDisplayName,
			GPUPreferences:       req.GPUPreferences,
			ConversationID:       req.ConversationID,
			ParentRunID:          req.ParentRunID,
		})
		if err != nil {
			if errors.Is(err, runstore.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "idea version not found"})
				return
			}
			h.logger.Error("submitting run failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "submitting run failed"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
	}
}

// handleStop implements the user-stop cancellation path: signal the
// provisioning task's cancellation handle if one is still registered. A run
// whose pod has already been created (or whose provisioning already
// finished) is unaffected here — its eventual termination runs through the
// normal run-finished / gpu-shortage / heartbeat-stale triggers instead.
func (h *Handler) handleStop(c *gin.Context) {
	runID := c.Param("run_id")
	if h.launcher.CancelProvisioning(runID) {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "run is not in a cancellable provisioning state"})
}
