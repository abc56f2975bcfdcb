package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// GetOrganization fetches one organization budget row.
func (c *Client) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := c.db.GetContext(ctx, &org,
		`SELECT id, name, monthly_budget_cents, current_month_spend_cents,
		        budget_reset_at, created_at, updated_at
		 FROM organizations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", id, err)
	}
	return &org, nil
}

// UpsertOrganization inserts or updates an organization row.
func (c *Client) UpsertOrganization(ctx context.Context, org *Organization) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, monthly_budget_cents, current_month_spend_cents, budget_reset_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   monthly_budget_cents = EXCLUDED.monthly_budget_cents,
		   updated_at = NOW()`,
		org.ID, org.Name, org.MonthlyBudgetCents, org.CurrentMonthSpendCents, org.BudgetResetAt)
	if err != nil {
		return fmt.Errorf("upsert organization %s: %w", org.ID, err)
	}
	return nil
}

// CompareAndSetSpend updates current_month_spend_cents guarded by the
// previously observed value. Returns false without error when another writer
// won the race; callers re-read and retry.
func (c *Client) CompareAndSetSpend(ctx context.Context, orgID string, oldSpend, newSpend int64) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE organizations
		 SET current_month_spend_cents = $1, updated_at = NOW()
		 WHERE id = $2 AND current_month_spend_cents = $3`,
		newSpend, orgID, oldSpend)
	if err != nil {
		return false, fmt.Errorf("cas spend for %s: %w", orgID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas spend rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetStaleBudgets zeroes current spend and stamps budget_reset_at with the
// first instant of the current UTC month for every organization whose reset
// marker predates it. Returns the number of rows reset. Manual invocation
// only; there is no scheduler behind this.
func (c *Client) ResetStaleBudgets(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	res, err := c.db.ExecContext(ctx,
		`UPDATE organizations
		 SET current_month_spend_cents = 0, budget_reset_at = $1, updated_at = NOW()
		 WHERE budget_reset_at < $1`,
		monthStart)
	if err != nil {
		return 0, fmt.Errorf("reset stale budgets: %w", err)
	}
	return res.RowsAffected()
}
