package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/notify"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// handleRunStarted implements spec.md §4.7's run-started contract:
// transition pending->running, stamp started_running_at, extend the
// startup deadline, and reset heartbeat bookkeeping. A redelivery against
// a run that already left pending (already running, or terminal) is a
// no-op 204: CanTransitionTo only ever rejects pending->running here
// because the run got there already.
func (s *Server) handleRunStarted(c *gin.Context) {
	id := runID(c)
	ctx := c.Request.Context()

	running := models.RunStatusRunning
	now := time.Now()
	deadline := now.Add(5 * time.Minute)
	zero := 0
	patch := models.RunPatch{
		Status:            &running,
		StartedRunningAt:  &now,
		StartDeadlineAt:   &deadline,
		HeartbeatFailures: &zero,
	}

	if err := s.store.Runs.UpdateRun(ctx, id, patch); err != nil {
		if redundantTransition(err) {
			c.Status(http.StatusNoContent)
			return
		}
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}
	if err := s.store.Runs.AppendEvent(ctx, id, "status_changed", map[string]any{"to_status": string(running)}, now); err != nil {
		s.logger.Warn("appending run-started event failed", "run_id", id, "error", err)
	}
	s.publish(id, "status_changed", map[string]any{"to_status": string(running)})
	c.Status(http.StatusNoContent)
}

// handleHeartbeat is deliberately lax per spec.md §7: an unknown run_id
// still returns 204 with a warning log, since the auth middleware already
// requires a valid run. A run that is otherwise unreachable never blocks
// the pipeline's heartbeat loop.
func (s *Server) handleHeartbeat(c *gin.Context) {
	id := runID(c)
	now := time.Now()
	zero := 0
	err := s.store.Runs.UpdateRun(c.Request.Context(), id, models.RunPatch{
		LastHeartbeatAt:   &now,
		HeartbeatFailures: &zero,
	})
	if errors.Is(err, runstore.ErrRunNotFound) {
		s.logger.Warn("heartbeat for unknown run", "run_id", id)
	} else if err != nil {
		s.logger.Warn("heartbeat update failed", "run_id", id, "error", err)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInitializationProgress(c *gin.Context) {
	var req initializationProgressRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	if err := s.store.Runs.UpdateRun(c.Request.Context(), id, models.RunPatch{InitializationStatus: &req.Message}); err != nil {
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}
	s.publish(id, "initialization_progress", map[string]any{"message": req.Message})
	c.Status(http.StatusNoContent)
}

// handleRunFinished transitions the run to its terminal status and
// enqueues a termination job with trigger pipeline_event_finish.
func (s *Server) handleRunFinished(c *gin.Context) {
	var req runFinishedRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	ctx := c.Request.Context()

	status := models.RunStatusCompleted
	if !req.Success {
		status = models.RunStatusFailed
	}
	errMsg := req.Message
	patch := models.RunPatch{Status: &status}
	if errMsg != nil {
		patch.ErrorMessage = errMsg
	}

	if err := s.store.Runs.UpdateRun(ctx, id, patch); err != nil {
		if redundantTransition(err) {
			c.Status(http.StatusNoContent)
			return
		}
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}
	if err := s.store.Terminations.EnqueueTermination(ctx, id, "pipeline_event_finish"); err != nil {
		s.abortWithError(c, databaseError("enqueueing termination", err))
		return
	}
	s.wakeTerminationWorker()
	if err := s.store.Runs.AppendEvent(ctx, id, "status_changed", map[string]any{"to_status": string(status)}, time.Now()); err != nil {
		s.logger.Warn("appending run-finished event failed", "run_id", id, "error", err)
	}
	s.publish(id, "status_changed", map[string]any{"to_status": string(status), "success": req.Success, "message": req.Message})
	c.Status(http.StatusNoContent)
}

// handleGPUShortage invokes the retry policy (spec.md §4.10). A decline
// transitions the run to failed and enqueues termination; a successful
// retry leaves the original run non-terminal and records the retry link.
func (s *Server) handleGPUShortage(c *gin.Context) {
	var req gpuShortageRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)
	ctx := c.Request.Context()

	if err := s.store.Runs.AppendEvent(ctx, id, "gpu_shortage", map[string]any{
		"required_gpus": req.RequiredGPUs, "available_gpus": req.AvailableGPUs, "message": req.Message,
	}, time.Now()); err != nil {
		s.logger.Warn("appending gpu_shortage event failed", "run_id", id, "error", err)
	}

	if s.gpuretry == nil {
		s.abortWithError(c, databaseError("gpu-shortage retry policy not configured", nil))
		return
	}

	run, err := s.store.Runs.GetRun(ctx, id)
	if err != nil {
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}

	decision, err := s.gpuretry.Decide(ctx, run)
	if err != nil {
		s.abortWithError(c, databaseError("gpu-shortage retry failed", err))
		return
	}

	if decision.Retried || !decision.Exhausted {
		c.Status(http.StatusNoContent)
		return
	}

	failed := models.RunStatusFailed
	msg := fmt.Sprintf("gpu shortage (after %d restart attempt(s))", run.RestartCount)
	if err := s.store.Runs.UpdateRun(ctx, id, models.RunPatch{Status: &failed, ErrorMessage: &msg}); err != nil {
		if redundantTransition(err) {
			c.Status(http.StatusNoContent)
			return
		}
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}
	if err := s.store.Terminations.EnqueueTermination(ctx, id, "gpu_shortage"); err != nil {
		s.abortWithError(c, databaseError("enqueueing termination", err))
		return
	}
	s.wakeTerminationWorker()
	s.publish(id, "status_changed", map[string]any{"to_status": string(failed), "error_message": msg})
	c.Status(http.StatusNoContent)
}

const lowFreeDiskThresholdBytes = 50 * 1024 * 1024 * 1024

// handleHWStats records a disk-usage event and, per spec.md §4.7, warns
// and notifies out-of-band whenever any partition has less than 50 GiB
// free, mirroring original_source's record_disk_usage_event.
func (s *Server) handleHWStats(c *gin.Context) {
	var req hwStatsRequest
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

	var partitionsPayload []map[string]any
	var low []string
	for _, p := range req.Partitions {
		capacity := partitionCapacityBytes(run, p.Partition)
		var freeBytes int64
		if capacity != nil {
			freeBytes = *capacity - p.UsedBytes
			if freeBytes < 0 {
				freeBytes = 0
			}
		}
		partitionsPayload = append(partitionsPayload, map[string]any{
			"partition": p.Partition, "used_bytes": p.UsedBytes, "free_bytes": freeBytes,
		})
		if capacity != nil && freeBytes < lowFreeDiskThresholdBytes {
			low = append(low, fmt.Sprintf("%s=%.1f GiB free", p.Partition, float64(freeBytes)/(1024*1024*1024)))
		}
	}

	if err := s.store.Runs.AppendEvent(ctx, id, "hw_stats", map[string]any{"partitions": partitionsPayload}, time.Now()); err != nil {
		s.logger.Warn("appending hw_stats event failed", "run_id", id, "error", err)
	}
	s.publish(id, "hw_stats", map[string]any{"partitions": partitionsPayload})

	if len(low) > 0 {
		msg := fmt.Sprintf("low disk space detected for run %s", id)
		s.logger.Warn(msg, "run_id", id, "partitions", low)
		if s.notifier != nil {
			_ = s.notifier.Notify(ctx, notify.SeverityWarning, "Low disk space", msg, map[string]any{"run_id": id, "partitions": low})
		}
	}
	c.Status(http.StatusNoContent)
}

// partitionCapacityBytes mirrors resolve_partition_capacity_bytes: "/" is
// the container disk, the workspace volume mount is the volume disk;
// anything else has no known capacity.
func partitionCapacityBytes(run *models.Run, partition string) *int64 {
	normalized := partition
	if normalized != "/" {
		for len(normalized) > 1 && normalized[len(normalized)-1] == '/' {
			normalized = normalized[:len(normalized)-1]
		}
	}
	var gb int
	switch normalized {
	case "/":
		gb = run.ContainerDiskGB
	case "/workspace":
		gb = run.VolumeDiskGB
	default:
		return nil
	}
	bytes := int64(gb) * 1024 * 1024 * 1024
	return &bytes
}
