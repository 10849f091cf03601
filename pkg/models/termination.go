package models

import "time"

// TerminationStatus is the lifecycle state of a Termination job.
type TerminationStatus string

// Termination statuses.
const (
	TerminationStatusRequested  TerminationStatus = "requested"
	TerminationStatusInProgress TerminationStatus = "in_progress"
	TerminationStatusTerminated TerminationStatus = "terminated"
	TerminationStatusFailed     TerminationStatus = "failed"
)

// MaxTerminationAttempts bounds the termination worker's retry budget
// (spec.md §3, §4.9).
const MaxTerminationAttempts = 3

// Termination is the lease-protected, at-most-one-per-run cleanup job
// tracking artifact upload + pod deletion.
type Termination struct {
	RunID               string
	Status              TerminationStatus
	Trigger             string
	Attempts            int
	ArtifactsUploadedAt *time.Time
	PodTerminatedAt     *time.Time
	LastError           *string
	LeaseOwner          *string
	LeaseExpiresAt      *time.Time
	ScheduledAt         time.Time
	UpdatedAt           time.Time
}

// ArtifactsUploaded reports whether the artifact-upload phase already
// completed for this job.
func (t *Termination) ArtifactsUploaded() bool {
	return t.ArtifactsUploadedAt != nil
}
