package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhq/meridian/internal/audit"
	"github.com/meridianhq/meridian/internal/connectors"
	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/executor"
	"github.com/meridianhq/meridian/internal/intent"
	"github.com/meridianhq/meridian/internal/policy"
	"github.com/meridianhq/meridian/internal/resolver"
	"github.com/meridianhq/meridian/internal/workflow"
)

type fakeClassifier struct {
	result intent.Result
}

func (f *fakeClassifier) Classify(context.Context, string) (intent.Result, error) {
	return f.result, nil
}

type fakeResolver struct {
	entities map[string]*resolver.Entity
}

func (f *fakeResolver) Resolve(_ context.Context, term string, _ resolver.Scope) (*resolver.Entity, error) {
	if e, ok := f.entities[term]; ok {
		return e, nil
	}
	return nil, resolver.ErrNotFound
}

type fakeWorkflows struct {
	byIntent map[string]*workflow.Definition
}

func (f *fakeWorkflows) SelectForIntent(name string) (workflow.Entry, bool) {
	def, ok := f.byIntent[name]
	if !ok {
		return workflow.Entry{}, false
	}
	return workflow.Entry{Key: def.Name, Definition: def}, true
}

// memStore satisfies audit.Store in memory.
type memStore struct {
	mu        sync.Mutex
	logs      []db.AuditLog
	approvals map[uuid.UUID]*db.ApprovalRequest
	steps     []db.ExecutionStep
}

func newMemStore() *memStore {
	return &memStore{approvals: make(map[uuid.UUID]*db.ApprovalRequest)}
}

func (s *memStore) QueueWrite(writeType db.WriteType, data interface{}, callback func(error)) {
	s.mu.Lock()
	switch writeType {
	case db.WriteTypeAuditLog:
		s.logs = append(s.logs, *data.(*db.AuditLog))
	case db.WriteTypeExecutionStep:
		s.steps = append(s.steps, *data.(*db.ExecutionStep))
	}
	s.mu.Unlock()
	if callback != nil {
		callback(nil)
	}
}

func (s *memStore) CreateApproval(_ context.Context, req *db.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *req
	s.approvals[req.ID] = &copied
	return nil
}

func (s *memStore) GetApproval(_ context.Context, id uuid.UUID) (*db.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *req
	return &copied, nil
}

func (s *memStore) DecideApproval(_ context.Context, id uuid.UUID, status, decidedBy, reason string, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return db.ErrNotFound
	}
	if req.Status != db.ApprovalPending {
		return db.ErrAlreadyDecided
	}
	req.Status = status
	req.DecidedBy = &decidedBy
	req.DecisionReason = reason
	req.DecidedAt = &decidedAt
	return nil
}

func (s *memStore) ExpireApprovals(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, req := range s.approvals {
		if req.Status == db.ApprovalPending && req.ExpiresAt.Before(now) {
			req.Status = db.ApprovalExpired
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListPendingApprovals(_ context.Context, tenantID string) ([]db.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ApprovalRequest
	for _, req := range s.approvals {
		if req.TenantID == tenantID && req.Status == db.ApprovalPending {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (s *memStore) ListAuditLogs(_ context.Context, filter db.AuditLogFilter) ([]db.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.AuditLog(nil), s.logs...), nil
}

type trackingExecutor struct {
	inner    *executor.Executor
	mu       sync.Mutex
	invoked  int
	lastDef  *workflow.Definition
	lastRun  executor.Run
}

func (t *trackingExecutor) Execute(ctx context.Context, def *workflow.Definition, run executor.Run) (*executor.Result, error) {
	t.mu.Lock()
	t.invoked++
	t.lastDef = def
	t.lastRun = run
	t.mu.Unlock()
	return t.inner.Execute(ctx, def, run)
}

type env struct {
	orch     *Orchestrator
	store    *memStore
	exec     *trackingExecutor
	billing  *connectors.Mock
	policies policy.Config
}

func invoiceWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:   "invoice_overview",
		Intent: "LIST_INVOICES",
		Inputs: []workflow.InputSpec{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "int", Default: 10},
		},
		Steps: []workflow.Step{
			{ID: "invoices", Platform: "billing", Tool: "list_invoices",
				Params: map[string]any{"limit": "{{inputs.limit}}"}},
		},
		Output: &workflow.OutputSpec{
			Format:  workflow.FormatTable,
			Columns: []string{"id", "amount"},
		},
	}
}

func newEnv(t *testing.T, classified intent.Result, def *workflow.Definition, mutate func(*policy.Config)) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)

	billing := connectors.NewMock("billing").Respond("list_invoices", "READ", []any{
		map[string]any{"id": "in_1", "amount": 100.0, "extra": "x"},
	}).Respond("send_payment", "MONEY_MOVE", map[string]any{"ok": true})
	registry := connectors.NewRegistry(logger)
	require.NoError(t, registry.Register("billing", billing.Factory()))

	cfg := policy.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := policy.NewEngine(cfg, logger)
	require.NoError(t, err)

	store := newMemStore()
	audits := audit.NewService(store, logger)
	exec := &trackingExecutor{inner: executor.New(registry, audits, logger)}

	workflows := &fakeWorkflows{byIntent: map[string]*workflow.Definition{}}
	if def != nil {
		workflows.byIntent[def.Intent] = def
	}

	orch := New(
		&fakeClassifier{result: classified},
		&fakeResolver{entities: map[string]*resolver.Entity{
			"Globex": {OriginalTerm: "globex", CanonicalName: "Globex Corp", EntityType: "account", Confidence: 1.0, MatchType: resolver.MatchExact},
		}},
		workflows,
		engine,
		exec,
		audits,
		registry,
		logger,
	)
	return &env{orch: orch, store: store, exec: exec, billing: billing, policies: cfg}
}

func drain(t *testing.T, ch <-chan Progress) ([]Progress, *Response) {
	t.Helper()
	var events []Progress
	for evt := range ch {
		events = append(events, evt)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Final, "last event must be terminal")
	require.NotNil(t, last.Response)
	return events, last.Response
}

func TestRunEndToEndTableOutput(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: "LIST_INVOICES", Confidence: 0.95, Source: "rule"}, invoiceWorkflow(), nil)

	ch, err := e.orch.Run(context.Background(), Request{
		TenantID: "acme", UserID: "u1", Query: `show invoices for "Globex"`,
	})
	require.NoError(t, err)
	events, resp := drain(t, ch)

	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "LIST_INVOICES", resp.Intent)
	require.Equal(t, "invoice_overview", resp.Workflow)
	require.Len(t, resp.Entities, 1)
	require.Equal(t, "Globex Corp", resp.Entities[0].CanonicalName)

	output, ok := resp.Output.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "table", output["format"])
	rows := output["rows"].([]map[string]any)
	require.Equal(t, []map[string]any{{"id": "in_1", "amount": 100.0}}, rows)

	// Declared default flowed through interpolation to the connector.
	require.Equal(t, 10, e.billing.Calls()[0].Params["limit"])

	// Events are ordered by Seq and walk the pipeline stages.
	for i, evt := range events {
		require.Equal(t, uint64(i), evt.Seq)
	}
	require.Equal(t, StageClassify, events[0].Stage)
	require.Equal(t, StageRespond, events[len(events)-1].Stage)

	// The run was audited as a success.
	require.Len(t, e.store.logs, 1)
	require.True(t, e.store.logs[0].Success)
	require.Equal(t, "invoice_overview", e.store.logs[0].Action)
}

func TestRunLowConfidenceExitsBeforeExecution(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: "LIST_INVOICES", Confidence: 0.5, Source: "embedding"}, invoiceWorkflow(), nil)

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "do the thing"})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	require.Equal(t, StatusClarificationNeeded, resp.Status)
	require.Equal(t, 0, e.exec.invoked, "executor must never run on a low-confidence classification")
	require.Empty(t, e.billing.Calls())
}

func TestRunUnknownIntentAsksForClarification(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: intent.IntentUnknown, Confidence: 0, Source: "unknown"}, invoiceWorkflow(), nil)

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "gibberish"})
	require.NoError(t, err)
	_, resp := drain(t, ch)
	require.Equal(t, StatusClarificationNeeded, resp.Status)
}

func TestRunAmbiguousEntityAsksForDisambiguation(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: "LIST_INVOICES", Confidence: 0.9}, invoiceWorkflow(), nil)
	e.orch.resolver = &fakeResolver{entities: map[string]*resolver.Entity{
		"Initech": {
			OriginalTerm:  "initech",
			CanonicalName: "Initech LLC",
			EntityType:    "account",
			Confidence:    0.8,
			MatchType:     resolver.MatchFuzzy,
			Alternatives:  []resolver.Alternative{{CanonicalName: "Initech Global", Confidence: 0.8}},
		},
	}}

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: `invoices for "Initech"`})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	require.Equal(t, StatusDisambiguationNeeded, resp.Status)
	require.NotNil(t, resp.Ambiguity)
	require.Equal(t, "Initech", resp.Ambiguity.Term)
	require.Len(t, resp.Ambiguity.Alternatives, 1)
	require.Equal(t, 0, e.exec.invoked)
}

func TestRunUnsupportedIntent(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: "CANCEL_SUBSCRIPTION", Confidence: 0.9}, invoiceWorkflow(), nil)

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "cancel my subscription"})
	require.NoError(t, err)
	_, resp := drain(t, ch)
	require.Equal(t, StatusUnsupported, resp.Status)
	require.Equal(t, 0, e.exec.invoked)
}

func TestRunMissingRequiredInputFails(t *testing.T) {
	def := invoiceWorkflow()
	def.Inputs = append(def.Inputs, workflow.InputSpec{Name: "region", Required: true})
	e := newEnv(t, intent.Result{Intent: "LIST_INVOICES", Confidence: 0.9}, def, nil)

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "show invoices"})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	require.Equal(t, StatusFailed, resp.Status)
	require.Contains(t, resp.Message, "missing required inputs: region")
	require.Equal(t, 0, e.exec.invoked)
}

func TestRunMoneyMoveRequiresApproval(t *testing.T) {
	def := &workflow.Definition{
		Name:   "wire_payment",
		Intent: "SEND_PAYMENT",
		Steps: []workflow.Step{
			{ID: "pay", Platform: "billing", Tool: "send_payment",
				Params: map[string]any{"amount": 500}},
		},
	}
	e := newEnv(t, intent.Result{Intent: "SEND_PAYMENT", Confidence: 0.9}, def, nil)

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "wire 500 to vendor"})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	require.Equal(t, StatusApprovalPending, resp.Status)
	require.NotNil(t, resp.ApprovalID)
	require.Empty(t, e.billing.CallsFor("send_payment"), "no tool call before approval")

	// The approval is poll-able and pending.
	approval, err := e.store.GetApproval(context.Background(), *resp.ApprovalID)
	require.NoError(t, err)
	require.Equal(t, db.ApprovalPending, approval.Status)
	require.NotEmpty(t, approval.Approvers)

	// The denial was audited.
	require.Len(t, e.store.logs, 1)
	require.Equal(t, "policy_check", e.store.logs[0].Action)
	require.False(t, e.store.logs[0].Success)
}

func TestRunRateLimited(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: "LIST_INVOICES", Confidence: 0.9}, invoiceWorkflow(), func(cfg *policy.Config) {
		cfg.Limits = map[string]int{policy.ClassRead: 1}
	})

	run := func() *Response {
		ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "show invoices"})
		require.NoError(t, err)
		_, resp := drain(t, ch)
		return resp
	}

	require.Equal(t, StatusOK, run().Status)
	resp := run()
	require.Equal(t, StatusRateLimited, resp.Status)
	require.Greater(t, resp.RetryAfter, time.Duration(0))
}

func TestRunDirectExecutionStillGatedAndAudited(t *testing.T) {
	e := newEnv(t, intent.Result{}, nil, nil)

	ch, err := e.orch.Run(context.Background(), Request{
		TenantID: "acme",
		UserID:   "u1",
		Direct: &DirectCall{
			Platform: "billing",
			Tool:     "send_payment",
			Params:   map[string]any{"amount": 42},
		},
	})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	// MONEY_MOVE class comes from the connector, so the direct call is
	// still parked behind an approval.
	require.Equal(t, StatusApprovalPending, resp.Status)
	require.NotNil(t, resp.ApprovalID)
	require.Empty(t, e.billing.CallsFor("send_payment"))
}

func TestRunDirectExecutionRead(t *testing.T) {
	e := newEnv(t, intent.Result{}, nil, nil)

	ch, err := e.orch.Run(context.Background(), Request{
		TenantID: "acme",
		UserID:   "u1",
		Direct:   &DirectCall{Platform: "billing", Tool: "list_invoices"},
	})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	require.Equal(t, StatusOK, resp.Status)
	require.Len(t, e.billing.Calls(), 1)
	require.Len(t, e.store.logs, 1)
	require.True(t, e.store.logs[0].Success)
}

func TestRunEmptyRequestRejected(t *testing.T) {
	e := newEnv(t, intent.Result{}, nil, nil)
	_, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1"})
	require.ErrorIs(t, err, ErrEmptyRequest)
}

func TestRunStepFailureReportedWithAudit(t *testing.T) {
	e := newEnv(t, intent.Result{Intent: "LIST_INVOICES", Confidence: 0.9}, invoiceWorkflow(), nil)
	e.billing.Fail("list_invoices", "READ", "upstream boom")

	ch, err := e.orch.Run(context.Background(), Request{TenantID: "acme", UserID: "u1", Query: "show invoices"})
	require.NoError(t, err)
	_, resp := drain(t, ch)

	require.Equal(t, StatusFailed, resp.Status)
	require.Contains(t, resp.Message, "upstream boom")
	require.Greater(t, resp.Elapsed, time.Duration(0))

	require.Len(t, e.store.logs, 1)
	require.False(t, e.store.logs[0].Success)
	require.NotNil(t, e.store.logs[0].ErrorMessage)
}
