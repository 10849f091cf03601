package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// parseTimeOrNow parses an RFC3339 timestamp sent by the pipeline,
// falling back to the current time for a malformed or empty value rather
// than rejecting telemetry over a clock-formatting detail.
func parseTimeOrNow(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}

func (s *Server) handleStageProgress(c *gin.Context) {
	var req stageProgressRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	p := models.StageProgress{
		RunID: id, Stage: req.Event.Stage, Iteration: req.Event.Iteration,
		MaxIterations: req.Event.MaxIterations, Progress: req.Event.Progress,
		TotalNodes: req.Event.TotalNodes, BuggyNodes: req.Event.BuggyNodes,
		GoodNodes: req.Event.GoodNodes, BestMetric: req.Event.BestMetric, IsSeedNode: req.Event.IsSeedNode,
	}
	if err := s.store.Projections.InsertStageProgress(c.Request.Context(), p); err != nil {
		s.abortWithError(c, databaseError("inserting stage progress", err))
		return
	}
	s.publish(id, "stage_progress", map[string]any{
		"stage": p.Stage, "iteration": p.Iteration, "max_iterations": p.MaxIterations,
		"progress": p.Progress, "total_nodes": p.TotalNodes, "buggy_nodes": p.BuggyNodes,
		"good_nodes": p.GoodNodes, "best_metric": p.BestMetric, "is_seed_node": p.IsSeedNode,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSubstageCompleted(c *gin.Context) {
	var req substageCompletedRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	p := models.SubstageCompleted{
		RunID: id, Stage: req.Event.Stage, MainStageNumber: req.Event.MainStageNumber,
		Reason: req.Event.Reason, Summary: req.Event.Summary,
	}
	if err := s.store.Projections.InsertSubstageCompleted(c.Request.Context(), p); err != nil {
		s.abortWithError(c, databaseError("inserting substage completed", err))
		return
	}
	s.publish(id, "substage_completed", map[string]any{
		"stage": p.Stage, "main_stage_number": p.MainStageNumber, "reason": p.Reason, "summary": p.Summary,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSubstageSummary(c *gin.Context) {
	var req substageSummaryRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	p := models.SubstageSummary{RunID: id, Stage: req.Event.Stage, Summary: req.Event.Summary}
	if err := s.store.Projections.InsertSubstageSummary(c.Request.Context(), p); err != nil {
		s.abortWithError(c, databaseError("inserting substage summary", err))
		return
	}
	s.publish(id, "substage_summary", map[string]any{"stage": p.Stage, "summary": p.Summary})
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePaperGenerationProgress(c *gin.Context) {
	var req paperGenerationProgressRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	p := models.PaperGenerationProgress{
		RunID: id, Step: req.Event.Step, Substep: req.Event.Substep,
		Progress: req.Event.Progress, StepProgress: req.Event.StepProgress, Details: req.Event.Details,
	}
	if err := s.store.Projections.InsertPaperGenerationProgress(c.Request.Context(), p); err != nil {
		s.abortWithError(c, databaseError("inserting paper generation progress", err))
		return
	}
	s.publish(id, "paper_generation_progress", map[string]any{
		"step": p.Step, "substep": p.Substep, "progress": p.Progress,
		"step_progress": p.StepProgress, "details": p.Details,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTreeVizStored(c *gin.Context) {
	var req treeVizStoredRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	v := models.TreeViz{RunID: id, StageID: req.Event.StageID, Viz: req.Event.Viz, Version: req.Event.Version}
	if err := s.store.Projections.UpsertTreeViz(c.Request.Context(), v); err != nil {
		s.abortWithError(c, databaseError("upserting tree viz", err))
		return
	}
	s.publish(id, "tree_viz_stored", map[string]any{"stage_id": v.StageID, "viz": v.Viz, "version": v.Version})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStageSkipWindow(c *gin.Context) {
	var req stageSkipWindowRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	w := models.StageSkipWindow{RunID: id, Stage: req.Event.Stage, State: req.Event.State, Reason: req.Event.Reason}
	if req.Event.Timestamp != nil {
		w.OccurredAt = parseTimeOrNow(*req.Event.Timestamp)
	}
	if err := s.store.Projections.UpsertStageSkipWindow(c.Request.Context(), w); err != nil {
		s.abortWithError(c, databaseError("upserting stage skip window", err))
		return
	}
	s.publish(id, "stage_skip_window", map[string]any{"stage": w.Stage, "state": w.State, "reason": w.Reason})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRunLog(c *gin.Context) {
	var req runLogRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	l := models.RunLog{RunID: id, Level: req.Event.Level, Message: req.Event.Message}
	if err := s.store.Projections.InsertRunLog(c.Request.Context(), l); err != nil {
		s.abortWithError(c, databaseError("inserting run log", err))
		return
	}
	s.publish(id, "run_log", map[string]any{"level": l.Level, "message": l.Message})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleBestNodeSelection(c *gin.Context) {
	var req bestNodeSelectionRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	sel := models.BestNodeSelection{
		RunID: id, Stage: req.Event.Stage, NodeIndex: req.Event.NodeIndex,
		Metric: req.Event.Metric, Details: req.Event.Details,
	}
	if err := s.store.Projections.InsertBestNodeSelection(c.Request.Context(), sel); err != nil {
		s.abortWithError(c, databaseError("inserting best node selection", err))
		return
	}
	s.publish(id, "best_node_selection", map[string]any{
		"stage": sel.Stage, "node_index": sel.NodeIndex, "metric": sel.Metric, "details": sel.Details,
	})
	c.Status(http.StatusNoContent)
}

// handleRunningCode and handleRunCompleted both upsert the same
// code_execution row keyed by execution_id (spec.md §4.7's idempotence
// requirement): whichever event arrives last determines the stored
// status.
func (s *Server) handleRunningCode(c *gin.Context) {
	var req runningCodeRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	ce := models.CodeExecution{
		RunID: id, ExecutionID: req.Event.ExecutionID, StageName: req.Event.StageName,
		RunType: req.Event.RunType, ExecutionType: req.Event.ExecutionType, Code: req.Event.Code,
		NodeIndex: req.Event.NodeIndex, Status: "running", StartedAt: parseTimeOrNow(req.Event.StartedAt),
	}
	if err := s.store.Projections.UpsertCodeExecution(c.Request.Context(), ce); err != nil {
		s.abortWithError(c, databaseError("upserting running-code execution", err))
		return
	}
	s.publish(id, "running_code", map[string]any{
		"execution_id": ce.ExecutionID, "stage_name": ce.StageName, "status": ce.Status,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRunCompleted(c *gin.Context) {
	var req runCompletedRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	completedAt := parseTimeOrNow(req.Event.CompletedAt)
	ce := models.CodeExecution{
		RunID: id, ExecutionID: req.Event.ExecutionID, StageName: req.Event.StageName,
		RunType: req.Event.RunType, ExecutionType: req.Event.ExecutionType, Code: "",
		NodeIndex: req.Event.NodeIndex, Status: req.Event.Status,
		CompletedAt: &completedAt, ExecTime: req.Event.ExecTime,
	}
	if err := s.store.Projections.UpsertCodeExecution(c.Request.Context(), ce); err != nil {
		s.abortWithError(c, databaseError("upserting run-completed execution", err))
		return
	}
	s.publish(id, "run_completed", map[string]any{
		"execution_id": ce.ExecutionID, "stage_name": ce.StageName, "status": ce.Status, "exec_time": ce.ExecTime,
	})
	c.Status(http.StatusNoContent)
}

// artifactKey builds the deterministic s3_key spec.md §6 defines:
// research-pipeline/{run_id}/{artifact_type}/{filename}.
func artifactKey(runID, artifactType, filename string) string {
	return fmt.Sprintf("research-pipeline/%s/%s/%s", runID, artifactType, filename)
}

func (s *Server) handleArtifactUploaded(c *gin.Context) {
	var req artifactUploadedRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	key := artifactKey(id, req.Event.ArtifactType, req.Event.Filename)
	a := models.RunArtifact{
		RunID: id, S3Key: key, ArtifactType: req.Event.ArtifactType, Filename: req.Event.Filename,
		FileSize: req.Event.FileSize, FileType: req.Event.FileType, CreatedAt: parseTimeOrNow(req.Event.CreatedAt),
	}
	if err := s.store.Projections.UpsertArtifact(c.Request.Context(), a); err != nil {
		s.abortWithError(c, databaseError("upserting artifact", err))
		return
	}
	s.publish(id, "artifact_uploaded", map[string]any{
		"s3_key": key, "artifact_type": a.ArtifactType, "filename": a.Filename, "file_size": a.FileSize,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReviewCompleted(c *gin.Context) {
	var req reviewCompletedRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	rev := models.LlmReview{RunID: id, Scores: req.Scores, Strings: req.Strings, Lists: req.Lists}
	reviewID, err := s.store.Projections.InsertLLMReview(c.Request.Context(), rev)
	if err != nil {
		s.abortWithError(c, databaseError("inserting llm review", err))
		return
	}
	s.publish(id, "review_completed", map[string]any{"id": reviewID})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFigureReviews(c *gin.Context) {
	var req figureReviewsRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	reviews := make([]models.VlmFigureReview, 0, len(req.Event.Reviews))
	for _, r := range req.Event.Reviews {
		reviews = append(reviews, models.VlmFigureReview{
			RunID: id, FigureName: r.FigureName, ImgDescription: r.ImgDescription,
			ImgReview: r.ImgReview, CaptionReview: r.CaptionReview, FigrefsReview: r.FigrefsReview,
			SourcePath: r.SourcePath,
		})
	}
	if err := s.store.Projections.InsertFigureReviews(c.Request.Context(), reviews); err != nil {
		s.abortWithError(c, databaseError("inserting figure reviews", err))
		return
	}
	s.publish(id, "figure_reviews", map[string]any{"count": len(reviews)})
	c.Status(http.StatusNoContent)
}

// handleTokenUsage resolves conversation_id from the run itself (already
// stamped at launch time) rather than re-querying the idea system, then
// meters the usage against the pricing table.
func (s *Server) handleTokenUsage(c *gin.Context) {
	var req tokenUsageRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	ctx := c.Request.Context()

	run, err := s.store.Runs.GetRun(ctx, id)
	if err != nil {
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}

	provider, model := splitProviderModel(req.Event.Model)
	u := models.TokenUsage{
		ConversationID: run.ConversationID, RunID: &id, Provider: provider, Model: model,
		InputTokens: req.Event.InputTokens, CachedInputTokens: req.Event.CachedInputTokens,
		OutputTokens: req.Event.OutputTokens,
	}
	if err := s.store.TokenUsage.InsertTokenUsage(ctx, u); err != nil {
		s.abortWithError(c, databaseError("inserting token usage", err))
		return
	}

	if s.billing != nil {
		if err := s.billing.ChargeForLLMUsage(ctx, run.UserID, run.ConversationID, provider, model,
			req.Event.InputTokens, req.Event.CachedInputTokens, req.Event.OutputTokens,
			"research pipeline LLM usage", &id); err != nil {
			s.logger.Warn("charging for llm usage failed", "run_id", id, "error", err)
		}
	}
	s.publish(id, "token_usage", map[string]any{"provider": provider, "model": model})
	c.Status(http.StatusNoContent)
}

// splitProviderModel parses the "provider:model-id" wire format; a value
// with no colon is treated as a bare model name with an empty provider.
func splitProviderModel(s string) (provider, model string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return "", s
}
