// Package runstore is the persistence layer for the run lifecycle control
// plane: one repository interface per aggregate (spec.md §9 REDESIGN
// FLAGS), each accepting the narrow Queryer interface so tests can swap in
// github.com/DATA-DOG/go-sqlmock instead of a live Postgres instance.
package runstore

// Store bundles every repository behind a single construction point, the
// way cmd/runlifecycle/main.go wires dependencies into the rest of the
// service.
type Store struct {
	Runs        RunRepo
	Terminations TerminationRepo
	Projections ProjectionRepo
	TokenUsage  TokenUsageRepo
	Ideas       IdeaRepo
}

// NewStore builds a Store with all repositories backed by the same
// Queryer (typically a *database.Client's *sql.DB).
func NewStore(db Queryer) *Store {
	runs := NewRunRepo(db)
	terms := NewTerminationRepo(db)
	return &Store{
		Runs:         runs,
		Terminations: terms,
		Projections:  NewProjectionRepo(db, runs, terms),
		TokenUsage:   NewTokenUsageRepo(db),
		Ideas:        NewIdeaRepo(db),
	}
}
