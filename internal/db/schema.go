package db

import (
	"context"
	"fmt"
	"strings"
)

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    action TEXT NOT NULL,
    governance_class TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL DEFAULT '',
    params JSONB NOT NULL DEFAULT '{}',
    success BOOLEAN NOT NULL DEFAULT TRUE,
    error_message TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_created ON audit_logs (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_run ON audit_logs (run_id);

CREATE TABLE IF NOT EXISTS execution_steps (
    id UUID PRIMARY KEY,
    run_id TEXT NOT NULL,
    step_id TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL DEFAULT '',
    success BOOLEAN NOT NULL DEFAULT TRUE,
    error_message TEXT,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_execution_steps_run ON execution_steps (run_id);

CREATE TABLE IF NOT EXISTS approval_requests (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    tool TEXT NOT NULL,
    params JSONB NOT NULL DEFAULT '{}',
    reason TEXT NOT NULL DEFAULT '',
    approvers JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'PENDING',
    decided_by TEXT,
    decision_reason TEXT NOT NULL DEFAULT '',
    decided_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_tenant_status ON approval_requests (tenant_id, status);

CREATE TABLE IF NOT EXISTS catalog_entities (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    synonyms JSONB NOT NULL DEFAULT '[]',
    attributes JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_catalog_entities_tenant_type ON catalog_entities (tenant_id, entity_type);

CREATE TABLE IF NOT EXISTS glossary_terms (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    term TEXT NOT NULL,
    canonical_term TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    is_exact_match BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_glossary_terms_tenant ON glossary_terms (tenant_id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    action TEXT NOT NULL,
    governance_class TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL DEFAULT '',
    params TEXT NOT NULL DEFAULT '{}',
    success INTEGER NOT NULL DEFAULT 1,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_created ON audit_logs (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_run ON audit_logs (run_id);

CREATE TABLE IF NOT EXISTS execution_steps (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    step_id TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 1,
    error_message TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_execution_steps_run ON execution_steps (run_id);

CREATE TABLE IF NOT EXISTS approval_requests (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    tool TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    reason TEXT NOT NULL DEFAULT '',
    approvers TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'PENDING',
    decided_by TEXT,
    decision_reason TEXT NOT NULL DEFAULT '',
    decided_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_tenant_status ON approval_requests (tenant_id, status);

CREATE TABLE IF NOT EXISTS catalog_entities (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    synonyms TEXT NOT NULL DEFAULT '[]',
    attributes TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_entities_tenant_type ON catalog_entities (tenant_id, entity_type);

CREATE TABLE IF NOT EXISTS glossary_terms (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    term TEXT NOT NULL,
    canonical_term TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    is_exact_match INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_glossary_terms_tenant ON glossary_terms (tenant_id);
`

// Migrate applies the schema for the configured driver. Statements are
// idempotent so repeated calls are safe.
func (c *Client) Migrate(ctx context.Context) error {
	schema := schemaPostgres
	if c.config.Driver == "sqlite3" {
		schema = schemaSQLite
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
