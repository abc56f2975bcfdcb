package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveWorkflowRun inserts or updates a workflow run and its snapshot.
func (c *Client) SaveWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO workflow_runs
		   (id, organization_id, workflow_name, status, snapshot, approval_id)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   snapshot = EXCLUDED.snapshot,
		   approval_id = EXCLUDED.approval_id,
		   updated_at = NOW(),
		   completed_at = CASE WHEN EXCLUDED.status IN ('completed','failed')
		                       THEN NOW() ELSE workflow_runs.completed_at END`,
		run.ID, run.OrganizationID, run.WorkflowName, run.Status,
		run.Snapshot, run.ApprovalID)
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", run.ID, err)
	}
	return nil
}

// GetWorkflowRun fetches one workflow run for resume.
func (c *Client) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var run WorkflowRun
	err := c.db.GetContext(ctx, &run,
		`SELECT id, organization_id, workflow_name, status, snapshot,
		        approval_id, created_at, updated_at, completed_at
		 FROM workflow_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run %s: %w", id, err)
	}
	return &run, nil
}

// SaveApprovalRequest inserts one approval request.
func (c *Client) SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO approval_requests
		   (id, organization_id, requester_id, approver_id, approval_type,
		    description, payload, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.ID, req.OrganizationID, req.RequesterID, req.ApproverID,
		req.ApprovalType, req.Description, req.Payload, req.Status)
	if err != nil {
		return fmt.Errorf("save approval request %s: %w", req.ID, err)
	}
	return nil
}

// ResolveApprovalRequest records the outcome of an approval request.
func (c *Client) ResolveApprovalRequest(ctx context.Context, id, status string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = $1, resolved_at = NOW()
		 WHERE id = $2 AND status = 'pending'`,
		status, id)
	if err != nil {
		return fmt.Errorf("resolve approval request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
