// Package gpuretry implements the GPU-shortage retry policy from
// spec.md §4.10, grounded directly in
// original_source/server/app/api/research_pipeline/gpu_retry.py:
// build_retry_gpu_preferences and retry_run_after_gpu_shortage.
package gpuretry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/launcher"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// MaxGPURetries bounds the number of retry launches a single run chain
// may spawn (spec.md §4.10: "e.g., 3").
const MaxGPURetries = 3

const dedupTTL = time.Hour

// Decision reports what Decide did for a given gpu-shortage ingest.
type Decision struct {
	Retried    bool
	RetryRunID string
	Exhausted  bool
}

// Policy resolves GPU-shortage retries: which GPU types to retry on, and
// whether the failing run's retry budget is exhausted.
type Policy struct {
	runs              runstore.RunRepo
	ideas             runstore.IdeaRepo
	launcher          *launcher.Launcher
	dedup             *redis.Client
	supportedGPUTypes []string
	logger            *slog.Logger
}

// New builds a Policy. supportedGPUTypes is the operator-configured list
// of GPU types the pod provider currently offers.
func New(runs runstore.RunRepo, ideas runstore.IdeaRepo, l *launcher.Launcher, dedup *redis.Client, supportedGPUTypes []string) *Policy {
	return &Policy{
		runs:              runs,
		ideas:             ideas,
		launcher:          l,
		dedup:             dedup,
		supportedGPUTypes: supportedGPUTypes,
		logger:            slog.With("component", "gpu-retry"),
	}
}

// Decide resolves a gpu-shortage delivery for run. spec.md §9's resolved
// Open Question: effective attempt count is one retry launch per
// gpu-shortage webhook delivery, never more — the provider's internal
// cycling through gpu_preferences[] inside CreatePod is invisible to this
// counter.
func (p *Policy) Decide(ctx context.Context, run *models.Run) (Decision, error) {
	attempt := run.RestartCount + 1
	if attempt > MaxGPURetries {
		return Decision{Exhausted: true}, nil
	}

	dedupKey := fmt.Sprintf("gpu-retry:%s:%d", run.RunID, attempt)
	claimed, err := p.dedup.SetNX(ctx, dedupKey, "1", dedupTTL).Result()
	if err != nil {
		p.logger.Warn("gpu-retry dedup check failed, proceeding without dedup", "run_id", run.RunID, "error", err)
	} else if !claimed {
		p.logger.Debug("gpu-retry dedup hit, skipping duplicate delivery", "run_id", run.RunID, "attempt", attempt)
		return Decision{}, nil
	}

	idea, err := p.ideas.GetIdeaSnapshot(ctx, run.IdeaVersionID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading idea snapshot for gpu-retry of run %s: %w", run.RunID, err)
	}
	displayName, err := p.ideas.ResolveOwnerDisplayName(ctx, run.UserID)
	if err != nil {
		p.logger.Warn("resolving owner display name failed, continuing without it", "run_id", run.RunID, "error", err)
	}

	gpuPreferences := buildRetryGPUPreferences(run.GPUType, p.supportedGPUTypes)

	retryRunID, err := p.launcher.Submit(ctx, launcher.SubmitRequest{
		IdeaVersionID:        idea.IdeaVersionID,
		UserID:               run.UserID,
		RequesterDisplayName: displayName,
		GPUPreferences:       gpuPreferences,
		ConversationID:       run.ConversationID,
		ParentRunID:          run.ParentRunID,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("launching gpu-retry run for %s: %w", run.RunID, err)
	}

	if err := p.runs.AppendEvent(ctx, run.RunID, "gpu_shortage_retry", map[string]any{
		"retry_run_id": retryRunID,
		"reason":       "gpu_shortage",
	}, time.Now()); err != nil {
		p.logger.Warn("appending gpu_shortage_retry event failed", "run_id", run.RunID, "error", err)
	}

	newAttempt := attempt
	if err := p.runs.UpdateRun(ctx, run.RunID, models.RunPatch{RestartCount: &newAttempt}); err != nil {
		p.logger.Warn("updating restart_count after gpu-retry failed", "run_id", run.RunID, "error", err)
	}

	return Decision{Retried: true, RetryRunID: retryRunID}, nil
}

// buildRetryGPUPreferences mirrors build_retry_gpu_preferences: reuse the
// run's original GPU type first if it is still supported; if it was
// removed from the supported list, try it once before falling back to the
// full supported list; if there was no prior GPU type at all, use the
// supported list as-is.
func buildRetryGPUPreferences(failedRunGPUType *string, supported []string) []string {
	if failedRunGPUType == nil || *failedRunGPUType == "" {
		return supported
	}
	for _, t := range supported {
		if t == *failedRunGPUType {
			return []string{*failedRunGPUType}
		}
	}
	return append([]string{*failedRunGPUType}, supported...)
}
