package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/metrics"
)

// Outcomes an approver can record.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

var ErrInvalidOutcome = errors.New("approval: outcome must be approved or rejected")

// Store is the persistence surface; db.Client satisfies it.
type Store interface {
	SaveApprovalRequest(ctx context.Context, req *db.ApprovalRequest) error
	ResolveApprovalRequest(ctx context.Context, id, status string) error
}

// Service creates and resolves human-approval gates.
type Service struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// CreateApprovalRequest records a pending gate and returns its id.
func (s *Service) CreateApprovalRequest(ctx context.Context, orgID, requesterID, approverID, approvalType, description string, payload map[string]interface{}) (string, error) {
	if approverID == "" {
		return "", fmt.Errorf("approval: approver required")
	}
	id := uuid.NewString()
	req := &db.ApprovalRequest{
		ID:             id,
		OrganizationID: orgID,
		RequesterID:    requesterID,
		ApproverID:     approverID,
		ApprovalType:   approvalType,
		Description:    description,
		Payload:        db.JSONB(payload),
		Status:         "pending",
	}
	if err := s.store.SaveApprovalRequest(ctx, req); err != nil {
		return "", err
	}
	metrics.ApprovalsRequested.WithLabelValues(approvalType).Inc()
	s.logger.Info("Approval request created",
		zap.String("approval_id", id),
		zap.String("organization_id", orgID),
		zap.String("approver_id", approverID),
		zap.String("type", approvalType))
	return id, nil
}

// Resolve records the approver's outcome. Only pending requests resolve;
// a second resolution returns db.ErrNotFound.
func (s *Service) Resolve(ctx context.Context, id, approvalType, outcome string) error {
	if outcome != OutcomeApproved && outcome != OutcomeRejected {
		return ErrInvalidOutcome
	}
	if err := s.store.ResolveApprovalRequest(ctx, id, outcome); err != nil {
		return err
	}
	metrics.ApprovalsResolved.WithLabelValues(approvalType, outcome).Inc()
	return nil
}
