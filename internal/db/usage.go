package db

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// ErrDuplicateUsage is returned when a usage record with the same
// idempotency key was already committed.
var ErrDuplicateUsage = fmt.Errorf("usage record already committed")

// SaveUsageRecord inserts one committed budget charge. A unique-violation on
// the idempotency key maps to ErrDuplicateUsage so retried commits are
// detected rather than double-charged.
func (c *Client) SaveUsageRecord(ctx context.Context, rec *UsageRecord) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO usage_records
		   (id, organization_id, execution_id, idempotency_key, model,
		    input_tokens, output_tokens, cost_cents)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.OrganizationID, rec.ExecutionID, rec.IdempotencyKey,
		rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostCents)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateUsage
		}
		return fmt.Errorf("save usage record %s: %w", rec.ID, err)
	}
	return nil
}

// MonthSpendFromUsage sums committed usage for the organization since the
// given reset point. Used to reconcile the CAS counter against the ledger.
func (c *Client) MonthSpendFromUsage(ctx context.Context, orgID string) (float64, error) {
	var total float64
	err := c.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(u.cost_cents), 0)
		 FROM usage_records u
		 JOIN organizations o ON o.id = u.organization_id
		 WHERE u.organization_id = $1 AND u.created_at >= o.budget_reset_at`,
		orgID)
	if err != nil {
		return 0, fmt.Errorf("sum usage for %s: %w", orgID, err)
	}
	return total, nil
}
