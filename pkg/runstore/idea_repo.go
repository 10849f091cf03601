package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrIdeaVersionNotFound is returned when an idea_version_id has no
// matching row in the external idea system.
var ErrIdeaVersionNotFound = errors.New("runstore: idea version not found")

// IdeaSnapshot is the transient title/markdown pair the launcher reads to
// build a pod's startup script (spec.md §4.2). It is never persisted onto
// Run: the idea system is the system of record, out of scope here.
type IdeaSnapshot struct {
	IdeaVersionID int64
	Title         string
	Markdown      string
}

// IdeaRepo is the read-only boundary onto the external idea system. It is
// deliberately thin: this control plane only ever needs a title/markdown
// snapshot at launch time and an owner display name for notifications.
type IdeaRepo interface {
	GetIdeaSnapshot(ctx context.Context, ideaVersionID int64) (*IdeaSnapshot, error)
	ResolveOwnerDisplayName(ctx context.Context, userID string) (string, error)
}

type pgIdeaRepo struct {
	db Queryer
}

// NewIdeaRepo builds an IdeaRepo backed by the given Queryer. It assumes
// the idea system's tables live in the same database; if they move to a
// separate service, only this file needs to change.
func NewIdeaRepo(db Queryer) IdeaRepo {
	return &pgIdeaRepo{db: db}
}

func (r *pgIdeaRepo) GetIdeaSnapshot(ctx context.Context, ideaVersionID int64) (*IdeaSnapshot, error) {
	var s IdeaSnapshot
	s.IdeaVersionID = ideaVersionID
	err := r.db.QueryRowContext(ctx, `
		SELECT title, markdown FROM idea_versions WHERE id = $1
	`, ideaVersionID).Scan(&s.Title, &s.Markdown)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdeaVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading idea snapshot %d: %w", ideaVersionID, err)
	}
	return &s, nil
}

// ResolveOwnerDisplayName mirrors resolve_run_owner_first_name from the
// original gpu_retry.py: a best-effort lookup used only for human-facing
// notifications, never for authorization decisions.
func (r *pgIdeaRepo) ResolveOwnerDisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving display name for user %s: %w", userID, err)
	}
	return name, nil
}
