package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveExecution inserts one execution record.
func (c *Client) SaveExecution(ctx context.Context, exec *Execution) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO executions
		   (id, organization_id, user_id, session_id, category, skills, status,
		    duration_ms, input_data, output_data, error_message,
		    parent_execution_id, root_execution_id, depth, agent_type, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		exec.ID, exec.OrganizationID, exec.UserID, exec.SessionID,
		exec.Category, exec.Skills, exec.Status, exec.DurationMs,
		exec.InputData, exec.OutputData, exec.ErrorMessage,
		exec.ParentID, exec.RootID, exec.Depth, exec.AgentType, exec.Metadata)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

// UpdateExecution finalizes an execution record after completion.
func (c *Client) UpdateExecution(ctx context.Context, exec *Execution) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = $1, duration_ms = $2, output_data = $3, error_message = $4,
		     metadata = $5, completed_at = NOW()
		 WHERE id = $6`,
		exec.Status, exec.DurationMs, exec.OutputData, exec.ErrorMessage,
		exec.Metadata, exec.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution fetches one execution record.
func (c *Client) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	err := c.db.GetContext(ctx, &exec,
		`SELECT id, organization_id, user_id, session_id, category, skills,
		        status, duration_ms, input_data, output_data, error_message,
		        parent_execution_id, root_execution_id, depth, agent_type,
		        metadata, created_at, completed_at
		 FROM executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutionsByRoot returns the spawn tree under one root execution,
// oldest first.
func (c *Client) ListExecutionsByRoot(ctx context.Context, rootID string) ([]Execution, error) {
	var execs []Execution
	err := c.db.SelectContext(ctx, &execs,
		`SELECT id, organization_id, user_id, session_id, category, skills,
		        status, duration_ms, input_data, output_data, error_message,
		        parent_execution_id, root_execution_id, depth, agent_type,
		        metadata, created_at, completed_at
		 FROM executions
		 WHERE root_execution_id = $1 OR id = $1
		 ORDER BY created_at ASC`, rootID)
	if err != nil {
		return nil, fmt.Errorf("list executions for root %s: %w", rootID, err)
	}
	return execs, nil
}
