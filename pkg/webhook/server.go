// Package webhook implements the inbound telemetry ingress from spec.md
// §4.7/§6: one bearer-token-authenticated endpoint per pipeline event,
// each persisting through pkg/runstore and then publishing a semantically
// equivalent event to pkg/eventbus, mirroring the teacher's
// pkg/api.Server construction and routing style (adapted from Echo v5 to
// gin, the only web framework the teacher's own go.mod declares).
package webhook

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/billing"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/gpuretry"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/notify"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/objectstore"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// Waker lets the webhook ingress nudge the termination worker's poll loop
// the moment a job is enqueued, instead of waiting out POLL_INTERVAL
// (spec.md §4.9 step 1: "a wake signal posted by the ingress").
type Waker interface {
	Wake()
}

// Server holds every dependency the webhook handlers need.
type Server struct {
	store     *runstore.Store
	bus       *eventbus.Bus
	objects   objectstore.Store
	billing   *billing.Guard
	notifier  notify.Notifier
	gpuretry  *gpuretry.Policy
	waker     Waker
	logger    *slog.Logger
}

// New builds a webhook Server. guard, notifier, policy, and waker may be
// nil; handlers that depend on them degrade gracefully (billing/notify are
// already nil-safe; a nil policy fails gpu-shortage ingest with a
// database-kind error rather than panicking; a nil waker just leaves the
// termination worker to find the job on its next poll tick).
func New(store *runstore.Store, bus *eventbus.Bus, objects objectstore.Store, guard *billing.Guard, notifier notify.Notifier, policy *gpuretry.Policy, waker Waker) *Server {
	return &Server{
		store:    store,
		bus:      bus,
		objects:  objects,
		billing:  guard,
		notifier: notifier,
		gpuretry: policy,
		waker:    waker,
		logger:   slog.With("component", "webhook"),
	}
}

// wakeTerminationWorker is a no-op when no Waker was wired.
func (s *Server) wakeTerminationWorker() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// RegisterRoutes mounts every endpoint from spec.md §6 onto router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.Use(securityHeaders())

	rp := router.Group("/rp/:run_id")
	rp.Use(s.errorHandling(), s.requireWebhookAuth())

	rp.POST("/run-started", s.handleRunStarted)
	rp.POST("/heartbeat", s.handleHeartbeat)
	rp.POST("/initialization-progress", s.handleInitializationProgress)
	rp.POST("/run-finished", s.handleRunFinished)
	rp.POST("/gpu-shortage", s.handleGPUShortage)
	rp.POST("/hw-stats", s.handleHWStats)

	rp.POST("/stage-progress", s.handleStageProgress)
	rp.POST("/substage-completed", s.handleSubstageCompleted)
	rp.POST("/substage-summary", s.handleSubstageSummary)
	rp.POST("/paper-generation-progress", s.handlePaperGenerationProgress)
	rp.POST("/tree-viz-stored", s.handleTreeVizStored)
	rp.POST("/stage-skip-window", s.handleStageSkipWindow)
	rp.POST("/run-log", s.handleRunLog)
	rp.POST("/best-node-selection", s.handleBestNodeSelection)
	rp.POST("/running-code", s.handleRunningCode)
	rp.POST("/run-completed", s.handleRunCompleted)
	rp.POST("/artifact-uploaded", s.handleArtifactUploaded)
	rp.POST("/review-completed", s.handleReviewCompleted)
	rp.POST("/figure-reviews", s.handleFigureReviews)
	rp.POST("/token-usage", s.handleTokenUsage)
	rp.POST("/codex-event", s.handleCodexEvent)

	rp.POST("/presigned-upload-url", s.handlePresignedUploadURL)
	rp.GET("/artifact-exists", s.handleArtifactExists)
	rp.POST("/multipart-upload-init", s.handleMultipartInit)
	rp.POST("/multipart-upload-complete", s.handleMultipartComplete)
	rp.POST("/multipart-upload-abort", s.handleMultipartAbort)
	rp.GET("/parent-run-files", s.handleParentRunFiles)
	rp.GET("/list-datasets", s.handleListDatasets)
	rp.POST("/dataset-upload-url", s.handleDatasetUploadURL)
}

// publish persists nothing itself; it is a thin wrapper so every handler
// publishes in the same shape (spec.md §4.7: "persistence is always
// followed by a bus publish of a semantically equivalent stream event").
// A full subscriber queue only drops that subscriber — it never fails the
// webhook request (spec.md §5: "the live event bus is advisory").
func (s *Server) publish(runID, eventType string, data map[string]any) {
	s.bus.Publish(runID, eventbus.Event{"type": eventType, "data": data})
}
