package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// Organization is the per-tenant budget row. A nil MonthlyBudgetCents means
// the organization is unlimited.
type Organization struct {
	ID                     string    `db:"id"`
	Name                   string    `db:"name"`
	MonthlyBudgetCents     *int64    `db:"monthly_budget_cents"`
	CurrentMonthSpendCents int64     `db:"current_month_spend_cents"`
	BudgetResetAt          time.Time `db:"budget_reset_at"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

// ProviderConnection is a per-organization credential record. Config holds
// the encrypted token payload; the connections package owns the crypto.
type ProviderConnection struct {
	ID              string     `db:"id"`
	OrganizationID  string     `db:"organization_id"`
	Provider        string     `db:"provider"`
	EncryptedConfig []byte     `db:"encrypted_config"`
	ExpiresAt       *time.Time `db:"expires_at"`
	Enabled         bool       `db:"enabled"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Execution is one append-only agent/orchestration execution record.
// Spawn-tree linkage lives in Metadata plus the explicit parent/root columns.
type Execution struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"`
	UserID         string     `db:"user_id"`
	SessionID      string     `db:"session_id"`
	Category       string     `db:"category"`
	Skills         JSONB      `db:"skills"`
	Status         string     `db:"status"`
	DurationMs     *int64     `db:"duration_ms"`
	InputData      string     `db:"input_data"`
	OutputData     *string    `db:"output_data"`
	ErrorMessage   *string    `db:"error_message"`
	ParentID       *string    `db:"parent_execution_id"`
	RootID         *string    `db:"root_execution_id"`
	Depth          int        `db:"depth"`
	AgentType      *string    `db:"agent_type"`
	Metadata       JSONB      `db:"metadata"`
	CreatedAt      time.Time  `db:"created_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// WorkflowRun persists a declarative workflow run, including the JSON
// snapshot that pause/resume rehydrates from.
type WorkflowRun struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"`
	WorkflowName   string     `db:"workflow_name"`
	Status         string     `db:"status"`
	Snapshot       JSONB      `db:"snapshot"`
	ApprovalID     *string    `db:"approval_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// UsageRecord is one committed budget charge. IdempotencyKey deduplicates
// retried commits for the same execution.
type UsageRecord struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"organization_id"`
	ExecutionID    *string   `db:"execution_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Model          string    `db:"model"`
	InputTokens    int       `db:"input_tokens"`
	OutputTokens   int       `db:"output_tokens"`
	CostCents      float64   `db:"cost_cents"`
	CreatedAt      time.Time `db:"created_at"`
}

// ApprovalRequest is one pending human-approval gate.
type ApprovalRequest struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"`
	RequesterID    string     `db:"requester_id"`
	ApproverID     string     `db:"approver_id"`
	ApprovalType   string     `db:"approval_type"`
	Description    string     `db:"description"`
	Payload        JSONB      `db:"payload"`
	Status         string     `db:"status"` // pending, approved, rejected
	CreatedAt      time.Time  `db:"created_at"`
	ResolvedAt     *time.Time `db:"resolved_at"`
}
