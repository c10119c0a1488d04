package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyDecided is returned when deciding an approval that is no
	// longer pending.
	ErrAlreadyDecided = errors.New("approval already decided")
)

// SaveAuditLog inserts one audit record.
func (c *Client) SaveAuditLog(ctx context.Context, log *AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	query := c.db.Rebind(`
		INSERT INTO audit_logs (id, tenant_id, user_id, run_id, action, governance_class, platform, tool, params, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := c.db.ExecContext(ctx, query,
		log.ID, log.TenantID, log.UserID, log.RunID, log.Action, log.GovernanceClass,
		log.Platform, log.Tool, log.Params, log.Success, log.ErrorMessage, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns audit records for a tenant, newest first.
func (c *Client) ListAuditLogs(ctx context.Context, filter AuditLogFilter) ([]AuditLog, error) {
	query := `SELECT id, tenant_id, user_id, run_id, action, governance_class, platform, tool, params, success, error_message, created_at
		FROM audit_logs WHERE tenant_id = ?`
	args := []interface{}{filter.TenantID}

	if filter.UserID != nil {
		query += " AND user_id = ?"
		args = append(args, *filter.UserID)
	}
	if filter.RunID != nil {
		query += " AND run_id = ?"
		args = append(args, *filter.RunID)
	}
	if filter.Action != nil {
		query += " AND action = ?"
		args = append(args, *filter.Action)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	var logs []AuditLog
	if err := c.db.SelectContext(ctx, &logs, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, nil
}

// SaveExecutionStep inserts one per-step execution record.
func (c *Client) SaveExecutionStep(ctx context.Context, step *ExecutionStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	query := c.db.Rebind(`
		INSERT INTO execution_steps (id, run_id, step_id, platform, tool, success, error_message, duration_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := c.db.ExecContext(ctx, query,
		step.ID, step.RunID, step.StepID, step.Platform, step.Tool,
		step.Success, step.ErrorMessage, step.DurationMs, step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution step: %w", err)
	}
	return nil
}

// CreateApproval inserts a pending approval request.
func (c *Client) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = ApprovalPending
	}
	query := c.db.Rebind(`
		INSERT INTO approval_requests (id, tenant_id, user_id, run_id, platform, tool, params, reason, approvers, status, decision_reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := c.db.ExecContext(ctx, query,
		req.ID, req.TenantID, req.UserID, req.RunID, req.Platform, req.Tool,
		req.Params, req.Reason, req.Approvers, req.Status, req.DecisionReason, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// GetApproval fetches one approval by ID.
func (c *Client) GetApproval(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error) {
	query := c.db.Rebind(`SELECT id, tenant_id, user_id, run_id, platform, tool, params, reason, approvers, status, decided_by, decision_reason, decided_at, created_at, expires_at
		FROM approval_requests WHERE id = ?`)
	var req ApprovalRequest
	if err := c.db.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &req, nil
}

// DecideApproval transitions a pending approval to the given status. The
// guard on the current status makes re-decisions a no-op that surfaces
// ErrAlreadyDecided.
func (c *Client) DecideApproval(ctx context.Context, id uuid.UUID, status, decidedBy, reason string, decidedAt time.Time) error {
	query := c.db.Rebind(`UPDATE approval_requests
		SET status = ?, decided_by = ?, decision_reason = ?, decided_at = ?
		WHERE id = ? AND status = ?`)
	res, err := c.db.ExecContext(ctx, query, status, decidedBy, reason, decidedAt, id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide approval rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := c.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyDecided
	}
	return nil
}

// ExpireApprovals marks pending approvals past their expiry as EXPIRED and
// returns how many were swept.
func (c *Client) ExpireApprovals(ctx context.Context, now time.Time) (int64, error) {
	query := c.db.Rebind(`UPDATE approval_requests
		SET status = ?, decided_at = ?
		WHERE status = ? AND expires_at < ?`)
	res, err := c.db.ExecContext(ctx, query, ApprovalExpired, now, ApprovalPending, now)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

// ListPendingApprovals returns pending approvals for a tenant, oldest first.
func (c *Client) ListPendingApprovals(ctx context.Context, tenantID string) ([]ApprovalRequest, error) {
	query := c.db.Rebind(`SELECT id, tenant_id, user_id, run_id, platform, tool, params, reason, approvers, status, decided_by, decision_reason, decided_at, created_at, expires_at
		FROM approval_requests WHERE tenant_id = ? AND status = ? ORDER BY created_at ASC`)
	var reqs []ApprovalRequest
	if err := c.db.SelectContext(ctx, &reqs, query, tenantID, ApprovalPending); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return reqs, nil
}

// ListEntities returns catalog entities for a tenant, optionally restricted
// to one platform and one entity type.
func (c *Client) ListEntities(ctx context.Context, tenantID, platform, entityType string) ([]CatalogEntity, error) {
	query := `SELECT id, tenant_id, platform, entity_type, name, external_id, synonyms, attributes, created_at
		FROM catalog_entities WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if platform != "" {
		query += " AND platform = ?"
		args = append(args, platform)
	}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY name ASC"

	var entities []CatalogEntity
	if err := c.db.SelectContext(ctx, &entities, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return entities, nil
}

// UpsertEntity inserts a catalog entity.
func (c *Client) UpsertEntity(ctx context.Context, entity *CatalogEntity) error {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	query := c.db.Rebind(`
		INSERT INTO catalog_entities (id, tenant_id, platform, entity_type, name, external_id, synonyms, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := c.db.ExecContext(ctx, query,
		entity.ID, entity.TenantID, entity.Platform, entity.EntityType, entity.Name,
		entity.ExternalID, entity.Synonyms, entity.Attributes, entity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert catalog entity: %w", err)
	}
	return nil
}

// ListGlossary returns all glossary terms for a tenant.
func (c *Client) ListGlossary(ctx context.Context, tenantID string) ([]GlossaryTerm, error) {
	query := c.db.Rebind(`SELECT id, tenant_id, term, canonical_term, platform, is_exact_match, created_at
		FROM glossary_terms WHERE tenant_id = ? ORDER BY term ASC`)
	var terms []GlossaryTerm
	if err := c.db.SelectContext(ctx, &terms, query, tenantID); err != nil {
		return nil, fmt.Errorf("list glossary: %w", err)
	}
	return terms, nil
}

// UpsertGlossaryTerm inserts a glossary term.
func (c *Client) UpsertGlossaryTerm(ctx context.Context, term *GlossaryTerm) error {
	if term.ID == uuid.Nil {
		term.ID = uuid.New()
	}
	if term.CreatedAt.IsZero() {
		term.CreatedAt = time.Now().UTC()
	}
	query := c.db.Rebind(`
		INSERT INTO glossary_terms (id, tenant_id, term, canonical_term, platform, is_exact_match, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := c.db.ExecContext(ctx, query,
		term.ID, term.TenantID, term.Term, term.CanonicalTerm, term.Platform, term.IsExactMatch, term.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert glossary term: %w", err)
	}
	return nil
}
