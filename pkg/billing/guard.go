// Package billing implements the admission and charging guard from
// spec.md §4.5: a minimum-credits check at entry points, fixed-cost
// debits, and LLM-usage metering against a pricing table. Negative
// balances are permitted; admission is enforced only at defined entry
// points, never retroactively.
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// ErrInsufficientCredits is returned by EnforceMinimum when the user's
// balance is below the required amount.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// balanceCacheTTL bounds how stale a cached balance read may be; a debit
// always invalidates the cache for that user immediately afterward.
const balanceCacheTTL = 30 * time.Second

// PricingEntry is one (provider, model) row of the pricing table, priced
// in USD per 1M tokens.
type PricingEntry struct {
	InputPerMillion       float64 // USD per 1,000,000 input tokens
	CachedInputPerMillion float64 // USD per 1,000,000 cached input tokens
	OutputPerMillion      float64 // USD per 1,000,000 output tokens
}

// PricingTable maps "provider:model" to its pricing entry.
type PricingTable map[string]PricingEntry

// Lookup finds the pricing entry for a provider/model pair.
func (t PricingTable) Lookup(provider, model string) (PricingEntry, bool) {
	entry, ok := t[provider+":"+model]
	return entry, ok
}

// Guard enforces credit admission and records charges.
type Guard struct {
	db      runstore.Queryer
	cache   *redis.Client
	pricing PricingTable
	logger  *slog.Logger
}

// New builds a Guard. cache may be nil, in which case every balance read
// goes straight to the database.
func New(db runstore.Queryer, cache *redis.Client, pricing PricingTable) *Guard {
	return &Guard{db: db, cache: cache, pricing: pricing, logger: slog.With("component", "billing")}
}

func (g *Guard) getBalance(ctx context.Context, userID string) (float64, error) {
	if g.cache != nil {
		if cached, err := g.cache.Get(ctx, cacheKey(userID)).Result(); err == nil {
			var bal float64
			if jsonErr := json.Unmarshal([]byte(cached), &bal); jsonErr == nil {
				return bal, nil
			}
		}
	}

	var bal float64
	err := g.db.QueryRowContext(ctx, `SELECT balance_credits FROM user_balances WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		bal = 0
	} else if err != nil {
		return 0, fmt.Errorf("loading balance for user %s: %w", userID, err)
	}

	if g.cache != nil {
		if buf, err := json.Marshal(bal); err == nil {
			g.cache.Set(ctx, cacheKey(userID), buf, balanceCacheTTL)
		}
	}
	return bal, nil
}

func (g *Guard) invalidateCache(ctx context.Context, userID string) {
	if g.cache != nil {
		g.cache.Del(ctx, cacheKey(userID))
	}
}

func cacheKey(userID string) string {
	return "billing:balance:" + userID
}

// EnforceMinimum raises ErrInsufficientCredits if the user's balance is
// below requiredCredits. Called at run-creation time and at chat/import
// time (spec.md §4.5); it never mutates state.
func (g *Guard) EnforceMinimum(ctx context.Context, userID string, requiredCredits float64, action string) error {
	bal, err := g.getBalance(ctx, userID)
	if err != nil {
		return err
	}
	if bal < requiredCredits {
		return fmt.Errorf("%w: user %s has %.4f, needs %.4f for %s", ErrInsufficientCredits, userID, bal, requiredCredits, action)
	}
	return nil
}

// ChargeFixed debits a fixed amount and records an audit row. Debits never
// fail on insufficient balance: negative balances are permitted by
// policy.
func (g *Guard) ChargeFixed(ctx context.Context, userID string, amount float64, action, description string, metadata map[string]any) error {
	return g.debit(ctx, userID, "", amount, action, description, metadata)
}

// ChargeForLLMUsage looks up (provider, model) in the pricing table and
// debits the cost, pricing cached input tokens separately from
// uncached input tokens. Missing pricing logs a warning and skips the
// debit rather than failing the caller.
func (g *Guard) ChargeForLLMUsage(ctx context.Context, userID, conversationID, provider, model string, inputTokens, cachedInputTokens, outputTokens int64, description string, runID *string) error {
	entry, ok := g.pricing.Lookup(provider, model)
	if !ok {
		g.logger.Warn("no pricing entry for model, skipping debit",
			"provider", provider, "model", model, "conversation_id", conversationID)
		return nil
	}

	uncachedInput := inputTokens - cachedInputTokens
	if uncachedInput < 0 {
		uncachedInput = 0
	}
	const tokensPerUnit = 1_000_000
	cost := float64(uncachedInput)/tokensPerUnit*entry.InputPerMillion +
		float64(cachedInputTokens)/tokensPerUnit*entry.CachedInputPerMillion +
		float64(outputTokens)/tokensPerUnit*entry.OutputPerMillion

	metadata := map[string]any{
		"conversation_id":     conversationID,
		"provider":            provider,
		"model":               model,
		"input_tokens":        inputTokens,
		"cached_input_tokens": cachedInputTokens,
		"output_tokens":       outputTokens,
	}

	runRef := ""
	if runID != nil {
		runRef = *runID
	}
	return g.debit(ctx, userID, runRef, cost, "llm_usage", description, metadata)
}

func (g *Guard) debit(ctx context.Context, userID, runID string, amount float64, action, description string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling billing metadata: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance_credits, updated_at)
		VALUES ($1, -$2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			balance_credits = user_balances.balance_credits - $2, updated_at = now()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("debiting user %s: %w", userID, err)
	}

	var runRef any
	if runID != "" {
		runRef = runID
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO billing_audit (user_id, run_id, action, amount, description, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, userID, runRef, action, amount, description, metaJSON)
	if err != nil {
		return fmt.Errorf("recording billing audit row for user %s: %w", userID, err)
	}

	g.invalidateCache(ctx, userID)
	return nil
}
