// Package launcher implements the run submission workflow of spec.md
// §4.6: allocate a run_id and webhook credential, persist a pending Run,
// then provision the pod in a supervised background task while returning
// the run_id synchronously to the caller.
package launcher

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/billing"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/notify"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/podprovider"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

const (
	podImage             = "ae-runlifecycle/research-pipeline:latest"
	runCreationCredits   = 1.0
	containerDiskDefault = 40
	volumeDiskDefault    = 200
)

// Launcher submits runs and supervises their provisioning tasks.
type Launcher struct {
	runs         runstore.RunRepo
	ideas        runstore.IdeaRepo
	provider     podprovider.Provider
	billing      *billing.Guard
	notifier     notify.Notifier
	tasks        *TaskPool
	startupGrace time.Duration
	webhookBase  string
	logger       *slog.Logger
}

// New builds a Launcher.
func New(runs runstore.RunRepo, ideas runstore.IdeaRepo, provider podprovider.Provider, guard *billing.Guard, notifier notify.Notifier, startupGrace time.Duration, webhookBase string) *Launcher {
	return &Launcher{
		runs:         runs,
		ideas:        ideas,
		provider:     provider,
		billing:      guard,
		notifier:     notifier,
		tasks:        NewTaskPool(),
		startupGrace: startupGrace,
		webhookBase:  webhookBase,
		logger:       slog.With("component", "launcher"),
	}
}

// SubmitRequest carries everything Submit needs from the caller.
type SubmitRequest struct {
	IdeaVersionID        int64
	UserID               string
	RequesterDisplayName string
	GPUPreferences       []string
	ConversationID       string
	ParentRunID          *string
}

// Submit allocates a run, persists it pending, spawns the provisioning
// task, and returns the new run_id synchronously.
func (l *Launcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if l.billing != nil {
		if err := l.billing.EnforceMinimum(ctx, req.UserID, runCreationCredits, "run_create"); err != nil {
			return "", err
		}
	}

	runID := uuid.New().String()
	token, tokenHash, err := generateWebhookCredential()
	if err != nil {
		return "", fmt.Errorf("generating webhook credential: %w", err)
	}

	deadline := time.Now().Add(l.startupGrace)
	run := &models.Run{
		RunID:                runID,
		IdeaVersionID:        req.IdeaVersionID,
		UserID:               req.UserID,
		ConversationID:       req.ConversationID,
		ParentRunID:          req.ParentRunID,
		ContainerDiskGB:      containerDiskDefault,
		VolumeDiskGB:         volumeDiskDefault,
		WebhookTokenHash:     tokenHash,
		RequesterDisplayName: req.RequesterDisplayName,
		StartDeadlineAt:      &deadline,
	}
	if err := l.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	l.tasks.Register(runID, cancel)
	go l.provision(taskCtx, runID, token, req)

	return runID, nil
}

// CancelProvisioning signals the provisioning task for runID to observe a
// user-stop request.
func (l *Launcher) CancelProvisioning(runID string) bool {
	return l.tasks.Cancel(runID)
}

func (l *Launcher) provision(ctx context.Context, runID, webhookToken string, req SubmitRequest) {
	defer l.tasks.Unregister(runID)
	log := l.logger.With("run_id", runID)

	idea, err := l.ideas.GetIdeaSnapshot(ctx, req.IdeaVersionID)
	if err != nil {
		l.failLaunch(ctx, runID, fmt.Sprintf("loading idea snapshot: %v", err))
		return
	}

	if ctx.Err() != nil {
		l.markUserStop(ctx, runID, "")
		return
	}

	startupScript := buildStartupScript(runID, l.webhookBase, webhookToken, idea)
	podEnv := map[string]string{
		"RUN_ID":                 runID,
		"TELEMETRY_WEBHOOK_URL":  fmt.Sprintf("%s/rp/%s", l.webhookBase, runID),
		"TELEMETRY_WEBHOOK_TOKEN": webhookToken,
	}

	pod, err := l.provider.CreatePod(ctx, podNameFor(runID), podImage, req.GPUPreferences, podEnv, startupScript)
	if err != nil {
		log.Error("pod creation failed", "error", err)
		l.failLaunch(ctx, runID, "launch_error")
		return
	}

	if ctx.Err() != nil {
		l.markUserStop(ctx, runID, pod.PodID)
		return
	}

	if err := l.runs.SetPodIdentity(ctx, runID, pod.PodID, pod.PodName, pod.GPUType, pod.CostPerHour); err != nil {
		log.Error("recording pod identity failed", "error", err)
		return
	}
	if err := l.runs.AppendEvent(ctx, runID, "pod_info_updated", map[string]any{
		"pod_id": pod.PodID, "pod_name": pod.PodName, "gpu_type": pod.GPUType,
	}, time.Now()); err != nil {
		log.Warn("appending pod_info_updated event failed", "error", err)
	}

	if ctx.Err() != nil {
		l.markUserStop(ctx, runID, pod.PodID)
	}
}

func (l *Launcher) failLaunch(ctx context.Context, runID, reason string) {
	failed := models.RunStatusFailed
	_ = l.runs.UpdateRun(ctx, runID, models.RunPatch{Status: &failed, ErrorMessage: &reason})
	_ = l.runs.AppendEvent(ctx, runID, "status_changed", map[string]any{"reason": reason}, time.Now())
}

func (l *Launcher) markUserStop(ctx context.Context, runID, podID string) {
	// ctx is already cancelled by the user stop; the cleanup still has to run.
	ctx = context.WithoutCancel(ctx)
	if podID != "" {
		if err := l.provider.DeletePod(ctx, podID); err != nil && err != podprovider.ErrPodNotFound {
			l.logger.Warn("deleting pod during user-stop failed", "run_id", runID, "pod_id", podID, "error", err)
		}
	}
	l.failLaunch(ctx, runID, "user_stop")
}

func podNameFor(runID string) string {
	return "rp-" + runID
}

func generateWebhookCredential() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:]), nil
}

// buildStartupScript bakes run_id, webhook_url, webhook_token (plaintext,
// ephemeral), and the base64-encoded idea payload into the pod's startup
// command.
func buildStartupScript(runID, webhookBase, webhookToken string, idea *runstore.IdeaSnapshot) string {
	ideaPayload := base64.StdEncoding.EncodeToString([]byte(idea.Markdown))
	return fmt.Sprintf(
		"export RUN_ID=%s WEBHOOK_URL=%s/rp/%s WEBHOOK_TOKEN=%s IDEA_PAYLOAD_B64=%s && exec /workspace/entrypoint.sh",
		runID, webhookBase, runID, webhookToken, ideaPayload,
	)
}
