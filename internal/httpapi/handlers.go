package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/orchestrator"
	"github.com/weaverhq/weaver/internal/workflow"
)

// handleRequest submits a user request through the full pipeline.
// POST /v1/requests
func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	result, err := a.service.HandleRequest(r.Context(), req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("Request handling failed",
			zap.String("organization_id", req.OrganizationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "request handling failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// workflowRunRequest is the payload for starting a workflow run.
type workflowRunRequest struct {
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
}

// handleWorkflowRun starts a named workflow.
// POST /v1/workflows/{name}/runs
func (a *API) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req workflowRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	result, err := a.engine.Execute(r.Context(), name, &workflow.Context{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Variables:      req.Variables,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		a.logger.Error("Workflow start failed", zap.String("workflow", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "workflow start failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// approvalDecisionRequest is the payload for approval decisions.
type approvalDecisionRequest struct {
	RunID      string `json:"run_id"`
	ApprovalID string `json:"approval_id"`
	Outcome    string `json:"outcome"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// handleApprovalDecision records a human decision and resumes the paused
// workflow run.
// POST /v1/approvals/decision
func (a *API) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	var req approvalDecisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RunID == "" || req.ApprovalID == "" {
		writeError(w, http.StatusBadRequest, "run_id and approval_id are required")
		return
	}

	if err := a.approvals.Resolve(r.Context(), req.ApprovalID, "workflow", req.Outcome); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "approval not found or already resolved")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	result, err := a.engine.Resume(r.Context(), req.RunID, req.Outcome)
	if err != nil {
		if errors.Is(err, workflow.ErrNotWaiting) || errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		a.logger.Error("Workflow resume failed", zap.String("run_id", req.RunID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "workflow resume failed")
		return
	}

	a.logger.Info("Approval decision applied",
		zap.String("run_id", req.RunID),
		zap.String("approval_id", req.ApprovalID),
		zap.String("outcome", req.Outcome),
		zap.String("approved_by", req.ApprovedBy))
	writeJSON(w, http.StatusOK, result)
}
