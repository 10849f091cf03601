package runstore

import (
	"context"
	"fmt"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// TokenUsageRepo persists LLM token accounting and pod hardware billing
// rows, both written exactly once per occurrence (spec.md §4.6, §4.9).
type TokenUsageRepo interface {
	InsertTokenUsage(ctx context.Context, u models.TokenUsage) error
	InsertPodBillingRecord(ctx context.Context, b models.PodBillingRecord) error
}

type pgTokenUsageRepo struct {
	db Queryer
}

// NewTokenUsageRepo builds a TokenUsageRepo backed by the given Queryer.
func NewTokenUsageRepo(db Queryer) TokenUsageRepo {
	return &pgTokenUsageRepo{db: db}
}

func (r *pgTokenUsageRepo) InsertTokenUsage(ctx context.Context, u models.TokenUsage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_usage (
			conversation_id, run_id, provider, model, input_tokens, cached_input_tokens, output_tokens, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, u.ConversationID, u.RunID, u.Provider, u.Model, u.InputTokens, u.CachedInputTokens, u.OutputTokens,
		occurredAtOrNow(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting token usage for conversation %s: %w", u.ConversationID, err)
	}
	return nil
}

// InsertPodBillingRecord writes the once-per-pod hardware billing summary.
// A second call for the same run is rejected by the unique index on
// run_id rather than silently overwriting the first record.
func (r *pgTokenUsageRepo) InsertPodBillingRecord(ctx context.Context, b models.PodBillingRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pod_billing_records (run_id, amount_usd, time_billed_ms, records, context, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, b.RunID, b.AmountUSD, b.TimeBilledMS, jsonList(b.Records), jsonMap(b.Context), occurredAtOrNow(b.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting pod billing record for run %s: %w", b.RunID, err)
	}
	return nil
}
