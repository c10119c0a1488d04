// Package orchestrator coordinates the request pipeline: classify the
// query, resolve entity mentions, select and gate a workflow, execute it,
// and stream ordered progress back to the caller.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/audit"
	"github.com/meridianhq/meridian/internal/connectors"
	"github.com/meridianhq/meridian/internal/executor"
	"github.com/meridianhq/meridian/internal/intent"
	"github.com/meridianhq/meridian/internal/policy"
	"github.com/meridianhq/meridian/internal/resolver"
	"github.com/meridianhq/meridian/internal/streaming"
	"github.com/meridianhq/meridian/internal/workflow"
)

// Stage names one state of the request pipeline.
type Stage string

const (
	StageClassify Stage = "CLASSIFY"
	StageResolve  Stage = "RESOLVE_ENTITIES"
	StageSelect   Stage = "SELECT_WORKFLOW"
	StagePolicy   Stage = "POLICY_CHECK"
	StageExecute  Stage = "EXECUTE"
	StageAudit    Stage = "AUDIT"
	StageRespond  Stage = "RESPOND"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusOK                   Status = "ok"
	StatusClarificationNeeded  Status = "clarification_needed"
	StatusDisambiguationNeeded Status = "disambiguation_needed"
	StatusUnsupported          Status = "unsupported"
	StatusDenied               Status = "denied"
	StatusRateLimited          Status = "rate_limited"
	StatusApprovalPending      Status = "approval_pending"
	StatusFailed               Status = "failed"
)

// DirectCall names an explicit tool invocation that skips classification
// and workflow selection. Policy and audit still apply.
type DirectCall struct {
	Platform string
	Tool     string
	Params   map[string]any
}

// Request is one inbound orchestration request.
type Request struct {
	TenantID string
	UserID   string
	Query    string
	Params   map[string]any
	Direct   *DirectCall
}

// Ambiguity describes a mention the resolver could not settle.
type Ambiguity struct {
	Term         string
	Best         string
	Alternatives []resolver.Alternative
}

// Response is the final result of a run.
type Response struct {
	RunID       string
	Status      Status
	Intent      string
	Confidence  float64
	Entities    []resolver.Entity
	Ambiguity   *Ambiguity
	Workflow    string
	Output      any
	Steps       map[string]any
	ApprovalID  *uuid.UUID
	RetryAfter  time.Duration
	Message     string
	Elapsed     time.Duration
}

// Progress is one ordered event on a run's channel. The terminal event has
// Final set and carries the Response; the channel closes right after it.
type Progress struct {
	Stage     Stage
	Message   string
	Seq       uint64
	Final     bool
	Response  *Response
	Timestamp time.Time
}

// CredentialSource supplies per-tenant connector credentials at execution
// time. Implementations must never log decrypted material.
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID, platform string) (connectors.Credentials, error)
}

// Classifier maps free text to an intent.
type Classifier interface {
	Classify(ctx context.Context, query string) (intent.Result, error)
}

// EntityResolver maps one mention to a canonical tenant entity.
type EntityResolver interface {
	Resolve(ctx context.Context, term string, scope resolver.Scope) (*resolver.Entity, error)
}

// WorkflowSource selects a workflow definition for an intent.
type WorkflowSource interface {
	SelectForIntent(intent string) (workflow.Entry, bool)
}

// Executor runs a selected workflow definition.
type Executor interface {
	Execute(ctx context.Context, def *workflow.Definition, run executor.Run) (*executor.Result, error)
}

// Orchestrator wires the pipeline stages together. All collaborators are
// injected; there is no global state.
type Orchestrator struct {
	classifier  Classifier
	resolver    EntityResolver
	workflows   WorkflowSource
	policy      *policy.Engine
	executor    Executor
	audits      *audit.Service
	connectors  *connectors.Registry
	credentials CredentialSource
	stream      *streaming.Manager
	logger      *zap.Logger

	confidenceThreshold float64
	progressBuffer      int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCredentialSource supplies tenant credentials to connectors.
func WithCredentialSource(src CredentialSource) Option {
	return func(o *Orchestrator) { o.credentials = src }
}

// WithStreaming republishes progress to a streaming manager.
func WithStreaming(m *streaming.Manager) Option {
	return func(o *Orchestrator) { o.stream = m }
}

// WithConfidenceThreshold overrides the minimum classification confidence.
func WithConfidenceThreshold(threshold float64) Option {
	return func(o *Orchestrator) {
		if threshold > 0 {
			o.confidenceThreshold = threshold
		}
	}
}

func New(
	classifier Classifier,
	entityResolver EntityResolver,
	workflows WorkflowSource,
	policyEngine *policy.Engine,
	exec Executor,
	audits *audit.Service,
	registry *connectors.Registry,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		classifier:          classifier,
		resolver:            entityResolver,
		workflows:           workflows,
		policy:              policyEngine,
		executor:            exec,
		audits:              audits,
		connectors:          registry,
		logger:              logger,
		confidenceThreshold: 0.7,
		progressBuffer:      16,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ErrEmptyRequest rejects a request with neither a query nor a direct call.
var ErrEmptyRequest = errors.New("request has no query and no direct call")
