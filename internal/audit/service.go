// Package audit records every governed action and owns the approval-request
// lifecycle. Audit writes are best effort: a storage failure is logged and
// swallowed so the business action never fails because auditing failed.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/metrics"
)

// ApprovalTTL is how long an approval request stays decidable.
const ApprovalTTL = 24 * time.Hour

// Store is the persistence surface the audit service needs.
type Store interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error))
	CreateApproval(ctx context.Context, req *db.ApprovalRequest) error
	GetApproval(ctx context.Context, id uuid.UUID) (*db.ApprovalRequest, error)
	DecideApproval(ctx context.Context, id uuid.UUID, status, decidedBy, reason string, decidedAt time.Time) error
	ExpireApprovals(ctx context.Context, now time.Time) (int64, error)
	ListPendingApprovals(ctx context.Context, tenantID string) ([]db.ApprovalRequest, error)
	ListAuditLogs(ctx context.Context, filter db.AuditLogFilter) ([]db.AuditLog, error)
}

// Entry describes one action attempt to record.
type Entry struct {
	TenantID        string
	UserID          string
	RunID           string
	Action          string
	GovernanceClass string
	Platform        string
	Tool            string
	Params          map[string]interface{}
	Success         bool
	ErrorMessage    string
}

// ApprovalInput describes a gated action awaiting sign-off.
type ApprovalInput struct {
	TenantID  string
	UserID    string
	RunID     string
	Platform  string
	Tool      string
	Params    map[string]interface{}
	Reason    string
	Approvers []string
}

// Service writes audit records and manages approvals.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an audit service over the given store.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Record queues one audit row and returns its id. Failures are logged and
// swallowed.
func (s *Service) Record(ctx context.Context, entry Entry) uuid.UUID {
	record := &db.AuditLog{
		ID:              uuid.New(),
		TenantID:        entry.TenantID,
		UserID:          entry.UserID,
		RunID:           entry.RunID,
		Action:          entry.Action,
		GovernanceClass: entry.GovernanceClass,
		Platform:        entry.Platform,
		Tool:            entry.Tool,
		Params:          Sanitize(entry.Params),
		Success:         entry.Success,
		CreatedAt:       s.now().UTC(),
	}
	if entry.ErrorMessage != "" {
		msg := entry.ErrorMessage
		record.ErrorMessage = &msg
	}

	s.store.QueueWrite(db.WriteTypeAuditLog, record, func(err error) {
		if err != nil {
			metrics.AuditWriteFailures.Inc()
			s.logger.Error("Audit write failed",
				zap.String("run_id", entry.RunID),
				zap.String("action", entry.Action),
				zap.Error(err),
			)
		}
	})
	return record.ID
}

// RecordStep queues one per-step execution row. Failures are logged and
// swallowed.
func (s *Service) RecordStep(ctx context.Context, step *db.ExecutionStep) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	s.store.QueueWrite(db.WriteTypeExecutionStep, step, func(err error) {
		if err != nil {
			metrics.AuditWriteFailures.Inc()
			s.logger.Error("Execution step write failed",
				zap.String("run_id", step.RunID),
				zap.String("step_id", step.StepID),
				zap.Error(err),
			)
		}
	})
}

// RequestApproval creates a PENDING approval request with a 24 hour expiry.
// Unlike audit rows this write is synchronous, the caller needs the id.
func (s *Service) RequestApproval(ctx context.Context, input ApprovalInput) (*db.ApprovalRequest, error) {
	req := &db.ApprovalRequest{
		ID:        uuid.New(),
		TenantID:  input.TenantID,
		UserID:    input.UserID,
		RunID:     input.RunID,
		Platform:  input.Platform,
		Tool:      input.Tool,
		Params:    Sanitize(input.Params),
		Reason:    input.Reason,
		Approvers: input.Approvers,
		Status:    db.ApprovalPending,
		CreatedAt: s.now().UTC(),
		ExpiresAt: s.now().UTC().Add(ApprovalTTL),
	}
	if err := s.store.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	metrics.ApprovalsCreated.Inc()
	s.logger.Info("Approval request created",
		zap.String("approval_id", req.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("tool", req.Platform+"."+req.Tool),
	)
	return req, nil
}

// Decide transitions a pending approval to APPROVED or REJECTED. A second
// decision on an already-terminal request returns db.ErrAlreadyDecided, and
// an expired request can no longer be approved.
func (s *Service) Decide(ctx context.Context, id uuid.UUID, approved bool, decidedBy, reason string) (*db.ApprovalRequest, error) {
	now := s.now().UTC()
	if _, err := s.store.ExpireApprovals(ctx, now); err != nil {
		s.logger.Warn("Expiry sweep failed", zap.Error(err))
	}

	status := db.ApprovalRejected
	if approved {
		status = db.ApprovalApproved
	}
	if err := s.store.DecideApproval(ctx, id, status, decidedBy, reason, now); err != nil {
		return nil, err
	}
	metrics.ApprovalsDecided.WithLabelValues(status).Inc()
	return s.store.GetApproval(ctx, id)
}

// Approval fetches one approval request.
func (s *Service) Approval(ctx context.Context, id uuid.UUID) (*db.ApprovalRequest, error) {
	return s.store.GetApproval(ctx, id)
}

// ListPending sweeps expired requests, then returns the tenant's pending
// approvals oldest first.
func (s *Service) ListPending(ctx context.Context, tenantID string) ([]db.ApprovalRequest, error) {
	if n, err := s.store.ExpireApprovals(ctx, s.now().UTC()); err != nil {
		s.logger.Warn("Expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		metrics.ApprovalsDecided.WithLabelValues(db.ApprovalExpired).Add(float64(n))
	}
	return s.store.ListPendingApprovals(ctx, tenantID)
}

// History returns audit rows matching the filter.
func (s *Service) History(ctx context.Context, filter db.AuditLogFilter) ([]db.AuditLog, error) {
	return s.store.ListAuditLogs(ctx, filter)
}
