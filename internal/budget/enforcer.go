package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/pricing"
)

var (
	// ErrExhausted is returned by Reserve when the organization has no
	// budget left for the requested amount.
	ErrExhausted = errors.New("budget exhausted")

	// ErrUnknownOrganization is returned when the organization row is missing.
	ErrUnknownOrganization = errors.New("unknown organization")
)

// Remaining is an organization's available budget. Unlimited organizations
// (nil monthly budget) report Unlimited=true and callers must not gate on
// Cents.
type Remaining struct {
	Cents     int64
	Unlimited bool
}

// Exhausted reports whether the remaining balance is below the exhaustion
// floor. Unlimited budgets are never exhausted.
func (r Remaining) Exhausted() bool {
	return !r.Unlimited && r.Cents < constants.BudgetExhaustedCents
}

// Reservation is the handle returned by a successful Reserve. It must be
// balanced by exactly one Commit or Release.
type Reservation struct {
	ID             string
	OrganizationID string
	Cents          int64
	Remaining      Remaining
}

// Enforcer implements per-organization budget accounting: estimate,
// reserve, refund, commit, exhaustion checks, and the backpressure ladder.
type Enforcer struct {
	store  *db.Client
	logger *zap.Logger
	bp     config.BackpressureConfig

	// Per-(user,org) limiters guarding expensive calls.
	limiters  map[string]*rate.Limiter
	limiterMu sync.Mutex
	limit     rate.Limit
	burst     int
}

// NewEnforcer creates a budget enforcer backed by the database client.
func NewEnforcer(store *db.Client, bp config.BackpressureConfig, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		store:    store,
		logger:   logger,
		bp:       bp,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Second),
		burst:    5,
	}
}

// EstimateCost estimates the cost in whole cents for a category, using the
// category's default token counts when the caller passes zero.
func (e *Enforcer) EstimateCost(category models.TaskCategory, inputTokens, outputTokens int) int64 {
	return pricing.EstimateCategoryCost(category, inputTokens, outputTokens)
}

// GetRemaining returns the organization's remaining balance.
func (e *Enforcer) GetRemaining(ctx context.Context, orgID string) (Remaining, error) {
	org, err := e.store.GetOrganization(ctx, orgID)
	if errors.Is(err, db.ErrNotFound) {
		return Remaining{}, fmt.Errorf("%w: %s", ErrUnknownOrganization, orgID)
	}
	if err != nil {
		return Remaining{}, err
	}
	return remainingOf(org), nil
}

func remainingOf(org *db.Organization) Remaining {
	if org.MonthlyBudgetCents == nil {
		return Remaining{Unlimited: true}
	}
	left := *org.MonthlyBudgetCents - org.CurrentMonthSpendCents
	if left < 0 {
		left = 0
	}
	return Remaining{Cents: left}
}

// Reserve charges cents against the organization's spend counter with an
// optimistic compare-and-set, retrying once on a write conflict. The
// reservation must later be balanced by Commit (actual spend) or Release
// (full refund).
func (e *Enforcer) Reserve(ctx context.Context, orgID string, cents int64) (*Reservation, error) {
	if cents < 0 {
		return nil, fmt.Errorf("reserve amount must be non-negative, got %d", cents)
	}

	for attempt := 0; attempt < 2; attempt++ {
		org, err := e.store.GetOrganization(ctx, orgID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOrganization, orgID)
		}
		if err != nil {
			return nil, err
		}

		rem := remainingOf(org)
		if !rem.Unlimited && (rem.Exhausted() || cents > rem.Cents) {
			metrics.BudgetReservations.WithLabelValues("rejected").Inc()
			metrics.BudgetExhaustions.Inc()
			return nil, fmt.Errorf("%w: requested %d cents, %d remaining", ErrExhausted, cents, rem.Cents)
		}

		ok, err := e.store.CompareAndSetSpend(ctx, orgID,
			org.CurrentMonthSpendCents, org.CurrentMonthSpendCents+cents)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // another writer moved the counter; re-read and retry once
		}

		after := rem
		if !rem.Unlimited {
			after.Cents = rem.Cents - cents
		}
		metrics.BudgetReservations.WithLabelValues("allowed").Inc()
		return &Reservation{
			ID:             uuid.NewString(),
			OrganizationID: orgID,
			Cents:          cents,
			Remaining:      after,
		}, nil
	}

	metrics.BudgetReservations.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("reserve for %s: write conflict after retry", orgID)
}

// Release refunds a reservation in full (cancellation before execution).
func (e *Enforcer) Release(ctx context.Context, res *Reservation) error {
	return e.adjustSpend(ctx, res.OrganizationID, -res.Cents)
}

// Commit settles a reservation against the actual cost: the spend counter is
// adjusted by (actual - reserved) so the net effect of the whole sequence
// equals the actual spend, and a usage record is written with an idempotency
// key derived from the reservation. A duplicate commit is a no-op.
func (e *Enforcer) Commit(ctx context.Context, res *Reservation, executionID, model string, inputTokens, outputTokens int, actualCents float64) error {
	delta := int64(actualCents+0.5) - res.Cents
	if delta != 0 {
		if err := e.adjustSpend(ctx, res.OrganizationID, delta); err != nil {
			return err
		}
	}

	var execID *string
	if executionID != "" {
		execID = &executionID
	}
	err := e.store.SaveUsageRecord(ctx, &db.UsageRecord{
		ID:             uuid.NewString(),
		OrganizationID: res.OrganizationID,
		ExecutionID:    execID,
		IdempotencyKey: res.ID + ":commit",
		Model:          model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CostCents:      actualCents,
	})
	if errors.Is(err, db.ErrDuplicateUsage) {
		e.logger.Warn("Duplicate budget commit ignored",
			zap.String("reservation_id", res.ID),
			zap.String("organization_id", res.OrganizationID),
		)
		return nil
	}
	return err
}

// adjustSpend applies a signed delta to current spend with CAS + one retry.
// The counter never goes below zero.
func (e *Enforcer) adjustSpend(ctx context.Context, orgID string, delta int64) error {
	for attempt := 0; attempt < 2; attempt++ {
		org, err := e.store.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		next := org.CurrentMonthSpendCents + delta
		if next < 0 {
			next = 0
		}
		ok, err := e.store.CompareAndSetSpend(ctx, orgID, org.CurrentMonthSpendCents, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("adjust spend for %s: write conflict after retry", orgID)
}

// ResetMonthlyBudgets zeroes stale spend counters. Manual invocation only.
func (e *Enforcer) ResetMonthlyBudgets(ctx context.Context) (int64, error) {
	n, err := e.store.ResetStaleBudgets(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("Monthly budgets reset", zap.Int64("organizations", n))
	}
	return n, nil
}

// BackpressureDelay returns how long a caller should pause before an
// expensive call given the organization's usage ratio. Zero when
// backpressure is disabled, unlimited, or usage is below the first band.
func (e *Enforcer) BackpressureDelay(ctx context.Context, orgID string) time.Duration {
	if !e.bp.Enabled {
		return 0
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil || org.MonthlyBudgetCents == nil || *org.MonthlyBudgetCents <= 0 {
		return 0
	}

	ratio := float64(org.CurrentMonthSpendCents) / float64(*org.MonthlyBudgetCents)
	max := e.bp.MaxDelay
	switch {
	case ratio >= e.bp.BandSevere:
		return max
	case ratio >= e.bp.BandHigh:
		return max / 2
	case ratio >= e.bp.BandMedium:
		return max / 10
	default:
		return 0
	}
}

// AllowCall rate-limits expensive calls per (user, organization).
func (e *Enforcer) AllowCall(userID, orgID string) bool {
	key := userID + ":" + orgID

	e.limiterMu.Lock()
	lim, ok := e.limiters[key]
	if !ok {
		lim = rate.NewLimiter(e.limit, e.burst)
		e.limiters[key] = lim
	}
	e.limiterMu.Unlock()

	return lim.Allow()
}
