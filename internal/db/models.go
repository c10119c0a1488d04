package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a jsonb column (TEXT under SQLite).
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
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("cannot scan %T into JSONB", value)
		}
	}
	return json.Unmarshal(bytes, j)
}

// StringList is a JSON-encoded string slice column.
type StringList []string

// Value implements the driver.Valuer interface.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("cannot scan %T into StringList", value)
		}
	}
	return json.Unmarshal(bytes, l)
}

// Approval statuses.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalExpired  = "EXPIRED"
)

// AuditLog records one governed action, best effort.
type AuditLog struct {
	ID              uuid.UUID `db:"id"`
	TenantID        string    `db:"tenant_id"`
	UserID          string    `db:"user_id"`
	RunID           string    `db:"run_id"`
	Action          string    `db:"action"`
	GovernanceClass string    `db:"governance_class"`
	Platform        string    `db:"platform"`
	Tool            string    `db:"tool"`
	Params          JSONB     `db:"params"`
	Success         bool      `db:"success"`
	ErrorMessage    *string   `db:"error_message"`
	CreatedAt       time.Time `db:"created_at"`
}

// ExecutionStep records one workflow step of a run.
type ExecutionStep struct {
	ID           uuid.UUID  `db:"id"`
	RunID        string     `db:"run_id"`
	StepID       string     `db:"step_id"`
	Platform     string     `db:"platform"`
	Tool         string     `db:"tool"`
	Success      bool       `db:"success"`
	ErrorMessage *string    `db:"error_message"`
	DurationMs   int64      `db:"duration_ms"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

// ApprovalRequest tracks a MONEY_MOVE (or escalated) action awaiting decision.
type ApprovalRequest struct {
	ID             uuid.UUID  `db:"id"`
	TenantID       string     `db:"tenant_id"`
	UserID         string     `db:"user_id"`
	RunID          string     `db:"run_id"`
	Platform       string     `db:"platform"`
	Tool           string     `db:"tool"`
	Params         JSONB      `db:"params"`
	Reason         string     `db:"reason"`
	Approvers      StringList `db:"approvers"`
	Status         string     `db:"status"`
	DecidedBy      *string    `db:"decided_by"`
	DecisionReason string     `db:"decision_reason"`
	DecidedAt      *time.Time `db:"decided_at"`
	CreatedAt      time.Time  `db:"created_at"`
	ExpiresAt      time.Time  `db:"expires_at"`
}

// CatalogEntity is one tenant-scoped entry of the entity catalog.
type CatalogEntity struct {
	ID         uuid.UUID  `db:"id"`
	TenantID   string     `db:"tenant_id"`
	Platform   string     `db:"platform"`
	EntityType string     `db:"entity_type"`
	Name       string     `db:"name"`
	ExternalID string     `db:"external_id"`
	Synonyms   StringList `db:"synonyms"`
	Attributes JSONB      `db:"attributes"`
	CreatedAt  time.Time  `db:"created_at"`
}

// GlossaryTerm maps a tenant business term to its canonical concept.
type GlossaryTerm struct {
	ID            uuid.UUID `db:"id"`
	TenantID      string    `db:"tenant_id"`
	Term          string    `db:"term"`
	CanonicalTerm string    `db:"canonical_term"`
	Platform      string    `db:"platform"`
	IsExactMatch  bool      `db:"is_exact_match"`
	CreatedAt     time.Time `db:"created_at"`
}

// AuditLogFilter provides filtering options for audit queries.
type AuditLogFilter struct {
	TenantID string
	UserID   *string
	RunID    *string
	Action   *string
	Limit    int
	Offset   int
}
