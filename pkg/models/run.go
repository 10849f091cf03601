// Package models holds the data-model types shared across the run
// lifecycle subsystem: runs, their telemetry projections, and the
// termination queue.
package models

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

// Run statuses. Transitions are monotonic except pending->running->terminal;
// terminal statuses are sticky (see Run.CanTransitionTo).
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status is a sticky terminal state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is a single submitted research workload.
type Run struct {
	RunID                  string
	IdeaVersionID           int64
	UserID                  string
	ConversationID          string
	ParentRunID             *string
	Status                  RunStatus
	InitializationStatus    string
	PodID                   *string
	PodName                 *string
	GPUType                 *string
	CostPerHour             float64
	PublicIP                *string
	SSHPort                 *int
	PodHostID               *string
	ContainerDiskGB         int
	VolumeDiskGB            int
	WebhookTokenHash        string
	RestartCount            int
	ErrorMessage            *string
	LastHeartbeatAt         *time.Time
	HeartbeatFailures       int
	StartDeadlineAt         *time.Time
	StartedRunningAt        *time.Time
	LastBilledAt            *time.Time
	RequesterDisplayName    string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CanTransitionTo reports whether moving from the run's current status to
// `to` is permitted by the monotonic status invariant in spec.md §3: a
// terminal status never moves back to pending/running, and pending only
// ever moves forward to running or a terminal status.
func (r *Run) CanTransitionTo(to RunStatus) bool {
	if r.Status.IsTerminal() {
		return false
	}
	switch r.Status {
	case RunStatusPending:
		return to == RunStatusRunning || to.IsTerminal()
	case RunStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// RunPatch is the whitelist of fields `update_run` may modify. Nil fields
// are left untouched. webhook_token_hash has no field here, so it cannot be
// patched; a Status move is checked by UpdateRun against CanTransitionTo.
type RunPatch struct {
	Status                *RunStatus
	InitializationStatus  *string
	PodID                 *string
	PodName               *string
	GPUType               *string
	CostPerHour           *float64
	PublicIP              *string
	SSHPort               *int
	PodHostID             *string
	ErrorMessage          *string
	LastHeartbeatAt       *time.Time
	HeartbeatFailures     *int
	StartDeadlineAt       *time.Time
	StartedRunningAt      *time.Time
	LastBilledAt          *time.Time
	RestartCount          *int
}

// RunEvent is one row of the append-only audit log.
type RunEvent struct {
	ID         int64
	RunID      string
	EventType  string
	Metadata   map[string]any
	OccurredAt time.Time
}
