package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// TerminationRepo is the lease-protected queue backing the termination
// worker in spec.md §4.9. At most one termination row exists per run.
type TerminationRepo interface {
	EnqueueTermination(ctx context.Context, runID, trigger string) error
	ClaimNextTermination(ctx context.Context, owner string, leaseFor, stuckFor time.Duration) (*models.Termination, error)
	GetTermination(ctx context.Context, runID string) (*models.Termination, error)
	MarkArtifactsUploaded(ctx context.Context, runID string, owner string) error
	MarkPodTerminated(ctx context.Context, runID string, owner string) error
	MarkTerminated(ctx context.Context, runID string, owner string) error
	MarkFailed(ctx context.Context, runID, owner, reason string) error
	RescheduleTermination(ctx context.Context, runID, owner, reason string, delay time.Duration) error
}

type pgTerminationRepo struct {
	db Queryer
}

// NewTerminationRepo builds a TerminationRepo backed by the given Queryer.
func NewTerminationRepo(db Queryer) TerminationRepo {
	return &pgTerminationRepo{db: db}
}

// EnqueueTermination inserts a requested termination row, or is a no-op if
// one already exists for this run (a run is terminated at most once).
func (r *pgTerminationRepo) EnqueueTermination(ctx context.Context, runID, trigger string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_terminations (run_id, status, trigger, attempts, scheduled_at)
		VALUES ($1, 'requested', $2, 0, now())
		ON CONFLICT (run_id) DO NOTHING
	`, runID, trigger)
	if err != nil {
		return fmt.Errorf("enqueueing termination for run %s: %w", runID, err)
	}
	return nil
}

const terminationColumns = `
	run_id, status, trigger, attempts, artifacts_uploaded_at, pod_terminated_at,
	last_error, lease_owner, lease_expires_at, scheduled_at, updated_at
`

func scanTermination(row *sql.Row) (*models.Termination, error) {
	var t models.Termination
	err := row.Scan(
		&t.RunID, &t.Status, &t.Trigger, &t.Attempts, &t.ArtifactsUploadedAt, &t.PodTerminatedAt,
		&t.LastError, &t.LeaseOwner, &t.LeaseExpiresAt, &t.ScheduledAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTerminationNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *pgTerminationRepo) GetTermination(ctx context.Context, runID string) (*models.Termination, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+terminationColumns+` FROM run_terminations WHERE run_id = $1`, runID)
	return scanTermination(row)
}

// ClaimNextTermination atomically claims the oldest claimable job:
// requested jobs, or in_progress jobs whose lease expired more than
// stuckFor ago (spec.md §4.1's claim predicate: lease_expires_at < now -
// stuck_seconds, giving a worker whose lease just lapsed a grace window
// before a second worker steals its job), under MaxTerminationAttempts.
// It mirrors the FOR UPDATE SKIP LOCKED claim pattern from spec.md §4.9.
func (r *pgTerminationRepo) ClaimNextTermination(ctx context.Context, owner string, leaseFor, stuckFor time.Duration) (*models.Termination, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE run_terminations
		SET status = 'in_progress', lease_owner = $1, lease_expires_at = now() + make_interval(secs => $2),
			attempts = attempts + 1, updated_at = now()
		WHERE run_id = (
			SELECT run_id FROM run_terminations
			WHERE attempts < $3
			  AND (
			  	(status = 'requested')
			  	OR (status = 'in_progress' AND lease_expires_at < now() - make_interval(secs => $4))
			  )
			ORDER BY scheduled_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+terminationColumns,
		owner, leaseFor.Seconds(), models.MaxTerminationAttempts, stuckFor.Seconds(),
	)
	t, err := scanTermination(row)
	if errors.Is(err, ErrTerminationNotFound) {
		return nil, nil // nothing claimable right now, not an error
	}
	if err != nil {
		return nil, fmt.Errorf("claiming termination: %w", err)
	}
	return t, nil
}

func (r *pgTerminationRepo) MarkArtifactsUploaded(ctx context.Context, runID string, owner string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_terminations SET artifacts_uploaded_at = now(), updated_at = now()
		WHERE run_id = $1 AND lease_owner = $2
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("marking artifacts uploaded for run %s: %w", runID, err)
	}
	return checkLeaseHeld(res, runID, owner)
}

func (r *pgTerminationRepo) MarkPodTerminated(ctx context.Context, runID string, owner string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_terminations SET pod_terminated_at = now(), updated_at = now()
		WHERE run_id = $1 AND lease_owner = $2
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("marking pod terminated for run %s: %w", runID, err)
	}
	return checkLeaseHeld(res, runID, owner)
}

func (r *pgTerminationRepo) MarkTerminated(ctx context.Context, runID string, owner string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_terminations
		SET status = 'terminated', lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE run_id = $1 AND lease_owner = $2
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("marking run %s terminated: %w", runID, err)
	}
	return checkLeaseHeld(res, runID, owner)
}

func (r *pgTerminationRepo) MarkFailed(ctx context.Context, runID, owner, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_terminations
		SET status = 'failed', last_error = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE run_id = $1 AND lease_owner = $2
	`, runID, owner, reason)
	if err != nil {
		return fmt.Errorf("marking run %s termination failed: %w", runID, err)
	}
	return checkLeaseHeld(res, runID, owner)
}

// RescheduleTermination releases the lease and puts the job back to
// requested, to be retried again after delay. The attempts counter is left
// untouched: it was already incremented at claim time.
func (r *pgTerminationRepo) RescheduleTermination(ctx context.Context, runID, owner, reason string, delay time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_terminations
		SET status = 'requested', last_error = $3, lease_owner = NULL,
			lease_expires_at = NULL, scheduled_at = now() + make_interval(secs => $4), updated_at = now()
		WHERE run_id = $1 AND lease_owner = $2
	`, runID, owner, reason, delay.Seconds())
	if err != nil {
		return fmt.Errorf("rescheduling termination for run %s: %w", runID, err)
	}
	return checkLeaseHeld(res, runID, owner)
}

func checkLeaseHeld(res sql.Result, runID, owner string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("termination lease for run %s is not held by %s", runID, owner)
	}
	return nil
}
