package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// RunRepo is the durable CRUD surface over the runs table (spec.md §4.1).
// It is one of the repository interfaces the REDESIGN FLAGS in spec.md §9
// call for in place of a single mixin-composed god object.
type RunRepo interface {
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	SetPodIdentity(ctx context.Context, runID, podID, podName, gpuType string, costPerHour float64) error
	UpdateRun(ctx context.Context, runID string, patch models.RunPatch) error
	AppendEvent(ctx context.Context, runID, eventType string, metadata map[string]any, occurredAt time.Time) error
	ListEvents(ctx context.Context, runID string) ([]models.RunEvent, error)
	GetWebhookTokenHash(ctx context.Context, runID string) (string, error)
	MarkStalePending(ctx context.Context, runID string) error
	ListExpiredStartDeadlines(ctx context.Context, now time.Time) ([]string, error)
	ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]string, error)
}

type pgRunRepo struct {
	db Queryer
}

// NewRunRepo builds a RunRepo backed by the given Queryer.
func NewRunRepo(db Queryer) RunRepo {
	return &pgRunRepo{db: db}
}

func (r *pgRunRepo) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, idea_version_id, user_id, conversation_id, parent_run_id,
			status, initialization_status, container_disk_gb, volume_disk_gb,
			webhook_token_hash, restart_count, heartbeat_failures, cost_per_hour,
			requester_display_name, start_deadline_at
		) VALUES ($1,$2,$3,$4,$5,'pending','',$6,$7,$8,0,0,0,$9,$10)
	`,
		run.RunID, run.IdeaVersionID, run.UserID, run.ConversationID, run.ParentRunID,
		run.ContainerDiskGB, run.VolumeDiskGB, run.WebhookTokenHash,
		run.RequesterDisplayName, run.StartDeadlineAt,
	)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.RunID, err)
	}
	return nil
}

const runColumns = `
	run_id, idea_version_id, user_id, conversation_id, parent_run_id, status,
	initialization_status, pod_id, pod_name, gpu_type, cost_per_hour, public_ip,
	ssh_port, pod_host_id, container_disk_gb, volume_disk_gb, webhook_token_hash,
	restart_count, error_message, last_heartbeat_at, heartbeat_failures,
	start_deadline_at, started_running_at, last_billed_at, requester_display_name,
	created_at, updated_at
`

func scanRun(row *sql.Row) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.RunID, &run.IdeaVersionID, &run.UserID, &run.ConversationID, &run.ParentRunID, &run.Status,
		&run.InitializationStatus, &run.PodID, &run.PodName, &run.GPUType, &run.CostPerHour, &run.PublicIP,
		&run.SSHPort, &run.PodHostID, &run.ContainerDiskGB, &run.VolumeDiskGB, &run.WebhookTokenHash,
		&run.RestartCount, &run.ErrorMessage, &run.LastHeartbeatAt, &run.HeartbeatFailures,
		&run.StartDeadlineAt, &run.StartedRunningAt, &run.LastBilledAt, &run.RequesterDisplayName,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *pgRunRepo) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// SetPodIdentity is idempotent on first success: it only ever moves
// pod_id from NULL to a value, per spec.md §4.1/§4.2.
func (r *pgRunRepo) SetPodIdentity(ctx context.Context, runID, podID, podName, gpuType string, costPerHour float64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET pod_id = $2, pod_name = $3, gpu_type = $4, cost_per_hour = $5, updated_at = now()
		WHERE run_id = $1 AND pod_id IS NULL
	`, runID, podID, podName, gpuType, costPerHour)
	if err != nil {
		return fmt.Errorf("setting pod identity for run %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the run doesn't exist, or pod identity was already set:
		// both are acceptable no-ops for idempotent retries.
		return nil
	}
	return nil
}

// UpdateRun applies a whitelisted patch. A requested status move that
// would leave a terminal status is rejected with ErrInvalidTransition
// rather than silently ignored. webhook_token_hash is not a RunPatch field,
// so it is never written here.
func (r *pgRunRepo) UpdateRun(ctx context.Context, runID string, patch models.RunPatch) error {
	current, err := r.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if patch.Status != nil && !current.CanTransitionTo(*patch.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *patch.Status)
	}

	sets := []string{"updated_at = now()"}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.InitializationStatus != nil {
		add("initialization_status", *patch.InitializationStatus)
	}
	if patch.PodID != nil {
		add("pod_id", *patch.PodID)
	}
	if patch.PodName != nil {
		add("pod_name", *patch.PodName)
	}
	if patch.GPUType != nil {
		add("gpu_type", *patch.GPUType)
	}
	if patch.CostPerHour != nil {
		add("cost_per_hour", *patch.CostPerHour)
	}
	if patch.PublicIP != nil {
		add("public_ip", *patch.PublicIP)
	}
	if patch.SSHPort != nil {
		add("ssh_port", *patch.SSHPort)
	}
	if patch.PodHostID != nil {
		add("pod_host_id", *patch.PodHostID)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.LastHeartbeatAt != nil {
		add("last_heartbeat_at", *patch.LastHeartbeatAt)
	}
	if patch.HeartbeatFailures != nil {
		add("heartbeat_failures", *patch.HeartbeatFailures)
	}
	if patch.StartDeadlineAt != nil {
		add("start_deadline_at", *patch.StartDeadlineAt)
	}
	if patch.LastBilledAt != nil {
		add("last_billed_at", *patch.LastBilledAt)
	}
	if patch.RestartCount != nil {
		add("restart_count", *patch.RestartCount)
	}
	if patch.StartedRunningAt != nil {
		// started_running_at is set exactly once: only when currently NULL.
		args = append(args, *patch.StartedRunningAt)
		sets = append(sets, fmt.Sprintf("started_running_at = COALESCE(started_running_at, $%d)", len(args)+1))
	}

	if len(sets) == 1 {
		return nil // nothing to patch
	}

	query := fmt.Sprintf(
		"UPDATE runs SET %s WHERE run_id = $1 AND status NOT IN ('completed','failed','cancelled')",
		joinSets(sets),
	)
	full := append([]any{runID}, args...)
	res, err := r.db.ExecContext(ctx, query, full...)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 && current.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is terminal", ErrInvalidTransition, runID)
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func (r *pgRunRepo) AppendEvent(ctx context.Context, runID, eventType string, metadata map[string]any, occurredAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, event_type, metadata, occurred_at) VALUES ($1,$2,$3,$4)
	`, runID, eventType, jsonMap(metadata), occurredAt)
	if err != nil {
		return fmt.Errorf("appending event %s for run %s: %w", eventType, runID, err)
	}
	return nil
}

func (r *pgRunRepo) ListEvents(ctx context.Context, runID string) ([]models.RunEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, event_type, metadata, occurred_at FROM run_events
		WHERE run_id = $1 ORDER BY occurred_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []models.RunEvent
	for rows.Next() {
		var e models.RunEvent
		var meta jsonMap
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &meta, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Metadata = meta
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRunRepo) GetWebhookTokenHash(ctx context.Context, runID string) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT webhook_token_hash FROM runs WHERE run_id = $1`, runID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading webhook token hash for run %s: %w", runID, err)
	}
	return hash, nil
}

// MarkStalePending flips a run whose start_deadline_at has passed without
// run-started to failed with reason heartbeat_stale's sibling,
// launch_error's sibling: startup_deadline_expired.
func (r *pgRunRepo) MarkStalePending(ctx context.Context, runID string) error {
	msg := "startup_deadline_expired"
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = 'failed', error_message = $2, updated_at = now()
		WHERE run_id = $1 AND status = 'pending'
	`, runID, msg)
	if err != nil {
		return fmt.Errorf("marking run %s stale: %w", runID, err)
	}
	return nil
}

func (r *pgRunRepo) ListExpiredStartDeadlines(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE status = 'pending' AND start_deadline_at IS NOT NULL AND start_deadline_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired start deadlines: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgRunRepo) ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE status IN ('pending','running')
		  AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale heartbeats: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
