package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/audit"
	"github.com/meridianhq/meridian/internal/connectors"
	"github.com/meridianhq/meridian/internal/executor"
	"github.com/meridianhq/meridian/internal/intent"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/policy"
	"github.com/meridianhq/meridian/internal/resolver"
	"github.com/meridianhq/meridian/internal/streaming"
	"github.com/meridianhq/meridian/internal/workflow"
)

// Run starts the pipeline and returns the ordered progress channel. One
// event is emitted per state transition; the terminal event carries the
// Response and the channel closes after it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan Progress, error) {
	if strings.TrimSpace(req.Query) == "" && req.Direct == nil {
		return nil, ErrEmptyRequest
	}

	runID := uuid.New().String()
	events := make(chan Progress, o.progressBuffer)
	metrics.RunsStarted.WithLabelValues(req.TenantID).Inc()

	go func() {
		defer close(events)
		start := time.Now()

		emitter := &progressEmitter{events: events, stream: o.stream, runID: runID}
		resp := o.execute(ctx, runID, req, emitter)
		resp.RunID = runID
		resp.Elapsed = time.Since(start)

		status := string(resp.Status)
		metrics.RecordRun(req.TenantID, status, resp.Elapsed.Seconds())

		emitter.final(StageRespond, resp)
		if o.stream != nil {
			o.stream.CloseRun(runID)
		}
		o.logger.Info("Run finished",
			zap.String("run_id", runID),
			zap.String("tenant_id", req.TenantID),
			zap.String("status", status),
			zap.Duration("elapsed", resp.Elapsed))
	}()

	return events, nil
}

// progressEmitter serializes events onto the caller channel and, when
// configured, mirrors them to the streaming manager.
type progressEmitter struct {
	events chan Progress
	stream *streaming.Manager
	runID  string
	seq    uint64
}

func (p *progressEmitter) emit(stage Stage, message string) {
	evt := Progress{
		Stage:     stage,
		Message:   message,
		Seq:       p.seq,
		Timestamp: time.Now().UTC(),
	}
	p.seq++
	p.events <- evt
	p.publish(evt, nil)
}

func (p *progressEmitter) final(stage Stage, resp *Response) {
	evt := Progress{
		Stage:     stage,
		Message:   resp.Message,
		Seq:       p.seq,
		Final:     true,
		Response:  resp,
		Timestamp: time.Now().UTC(),
	}
	p.seq++
	p.events <- evt
	p.publish(evt, resp)
}

func (p *progressEmitter) publish(evt Progress, resp *Response) {
	if p.stream == nil {
		return
	}
	out := streaming.Event{
		Stage:     string(evt.Stage),
		Message:   evt.Message,
		Final:     evt.Final,
		Timestamp: evt.Timestamp,
	}
	if resp != nil {
		out.Data = map[string]any{"status": string(resp.Status)}
	}
	p.stream.Publish(p.runID, out)
}

func (o *Orchestrator) execute(ctx context.Context, runID string, req Request, emitter *progressEmitter) *Response {
	if req.Direct != nil {
		return o.executeDirect(ctx, runID, req, emitter)
	}

	// CLASSIFY
	emitter.emit(StageClassify, "Classifying request")
	classified, err := o.classifier.Classify(ctx, req.Query)
	if err != nil {
		return &Response{Status: StatusFailed, Message: fmt.Sprintf("classification failed: %v", err)}
	}
	if classified.Intent == "" || classified.Intent == intent.IntentUnknown || classified.Confidence < o.confidenceThreshold {
		return &Response{
			Status:     StatusClarificationNeeded,
			Intent:     classified.Intent,
			Confidence: classified.Confidence,
			Message:    "I could not confidently understand the request. Could you rephrase it?",
		}
	}
	query := req.Query
	if classified.CorrectedQuery != "" {
		query = classified.CorrectedQuery
	}

	// RESOLVE_ENTITIES
	emitter.emit(StageResolve, "Resolving entities")
	entities, ambiguity := o.resolveMentions(ctx, req.TenantID, query)
	if ambiguity != nil {
		return &Response{
			Status:     StatusDisambiguationNeeded,
			Intent:     classified.Intent,
			Confidence: classified.Confidence,
			Ambiguity:  ambiguity,
			Message:    fmt.Sprintf("%q matched several entities, which one did you mean?", ambiguity.Term),
		}
	}

	// SELECT_WORKFLOW
	emitter.emit(StageSelect, "Selecting workflow")
	entry, ok := o.workflows.SelectForIntent(classified.Intent)
	if !ok {
		return &Response{
			Status:     StatusUnsupported,
			Intent:     classified.Intent,
			Confidence: classified.Confidence,
			Entities:   entities,
			Message:    fmt.Sprintf("no workflow is registered for intent %s", classified.Intent),
		}
	}
	def := entry.Definition

	inputs, err := o.buildInputs(def, query, req, entities)
	if err != nil {
		return &Response{
			Status:   StatusFailed,
			Intent:   classified.Intent,
			Entities: entities,
			Workflow: def.Name,
			Message:  err.Error(),
		}
	}

	resp := o.gateAndExecute(ctx, runID, req, def, inputs, emitter)
	resp.Intent = classified.Intent
	resp.Confidence = classified.Confidence
	resp.Entities = entities
	return resp
}

func (o *Orchestrator) executeDirect(ctx context.Context, runID string, req Request, emitter *progressEmitter) *Response {
	call := req.Direct
	def := &workflow.Definition{
		Name: fmt.Sprintf("direct:%s.%s", call.Platform, call.Tool),
		Steps: []workflow.Step{
			{ID: "direct", Platform: call.Platform, Tool: call.Tool, Params: call.Params},
		},
	}
	return o.gateAndExecute(ctx, runID, req, def, map[string]any{}, emitter)
}

// resolveMentions resolves every extracted mention. Unresolvable mentions
// are skipped; an ambiguous one stops the run for disambiguation.
func (o *Orchestrator) resolveMentions(ctx context.Context, tenantID, query string) ([]resolver.Entity, *Ambiguity) {
	var entities []resolver.Entity
	for _, mention := range extractMentions(query) {
		entity, err := o.resolver.Resolve(ctx, mention, resolver.Scope{TenantID: tenantID})
		if err != nil {
			if errors.Is(err, resolver.ErrNotFound) {
				o.logger.Debug("Mention did not resolve", zap.String("term", mention))
				continue
			}
			o.logger.Warn("Entity resolution failed", zap.String("term", mention), zap.Error(err))
			continue
		}
		if entity.IsAmbiguous() {
			return nil, &Ambiguity{
				Term:         mention,
				Best:         entity.CanonicalName,
				Alternatives: entity.Alternatives,
			}
		}
		entities = append(entities, *entity)
	}
	return entities, nil
}

// buildInputs layers run inputs: base query context, then resolved entities
// keyed by entity type, then caller-provided params, then declared defaults.
func (o *Orchestrator) buildInputs(def *workflow.Definition, query string, req Request, entities []resolver.Entity) (map[string]any, error) {
	provided := map[string]any{
		"query":   query,
		"user_id": req.UserID,
	}
	for _, e := range entities {
		if _, taken := provided[e.EntityType]; !taken {
			provided[e.EntityType] = e.CanonicalName
		}
	}
	for k, v := range req.Params {
		provided[k] = v
	}
	return def.PrepareInputs(provided)
}

var classRank = map[string]int{
	policy.ClassRead:      0,
	policy.ClassWrite:     1,
	policy.ClassMoneyMove: 2,
}

// gateAndExecute runs POLICY_CHECK → EXECUTE → AUDIT for a definition.
// Policy is evaluated per step tool, in definition order, before any tool
// runs; the first non-allow outcome ends the run.
func (o *Orchestrator) gateAndExecute(ctx context.Context, runID string, req Request, def *workflow.Definition, inputs map[string]any, emitter *progressEmitter) *Response {
	emitter.emit(StagePolicy, "Checking governance policy")

	for i := range def.Steps {
		step := &def.Steps[i]
		class := o.stepClass(ctx, req.TenantID, def, step)
		verdict := o.policy.Evaluate(ctx, policy.Request{
			TenantID:        req.TenantID,
			UserID:          req.UserID,
			GovernanceClass: class,
			Platform:        step.Platform,
			Tool:            step.Tool,
			Params:          step.Params,
		})
		if verdict.Allowed() {
			continue
		}
		return o.policyExit(ctx, runID, req, def, step, class, verdict)
	}

	// EXECUTE
	emitter.emit(StageExecute, fmt.Sprintf("Executing workflow %s", def.Name))
	run := executor.Run{
		RunID:       runID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Inputs:      inputs,
		Credentials: o.collectCredentials(ctx, req.TenantID, def),
		OnStep: func(u executor.StepUpdate) {
			status := "completed"
			if !u.Success {
				status = "failed"
			}
			emitter.emit(StageExecute, fmt.Sprintf("Step %s %s", u.StepID, status))
		},
	}
	result, execErr := o.executor.Execute(ctx, def, run)

	// AUDIT
	emitter.emit(StageAudit, "Recording audit trail")
	entry := audit.Entry{
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		RunID:           runID,
		Action:          def.Name,
		GovernanceClass: o.workflowClass(ctx, req.TenantID, def),
		Params:          inputs,
		Success:         execErr == nil,
	}
	if len(def.Steps) == 1 {
		entry.Platform = def.Steps[0].Platform
		entry.Tool = def.Steps[0].Tool
	}
	if execErr != nil {
		entry.ErrorMessage = execErr.Error()
	}
	o.audits.Record(ctx, entry)

	if execErr != nil {
		return &Response{
			Status:   StatusFailed,
			Workflow: def.Name,
			Message:  execErr.Error(),
		}
	}
	return &Response{
		Status:   StatusOK,
		Workflow: def.Name,
		Output:   result.Output,
		Steps:    result.Steps,
		Message:  "completed",
	}
}

func (o *Orchestrator) policyExit(ctx context.Context, runID string, req Request, def *workflow.Definition, step *workflow.Step, class string, verdict *policy.Result) *Response {
	o.audits.Record(ctx, audit.Entry{
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		RunID:           runID,
		Action:          "policy_check",
		GovernanceClass: class,
		Platform:        step.Platform,
		Tool:            step.Tool,
		Params:          step.Params,
		Success:         false,
		ErrorMessage:    verdict.Reason,
	})

	switch verdict.Decision {
	case policy.DecisionRateLimited:
		return &Response{
			Status:     StatusRateLimited,
			Workflow:   def.Name,
			RetryAfter: verdict.RetryAfter,
			Message:    verdict.Reason,
		}
	case policy.DecisionRequireApproval:
		approval, err := o.audits.RequestApproval(ctx, audit.ApprovalInput{
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			RunID:     runID,
			Platform:  step.Platform,
			Tool:      step.Tool,
			Params:    step.Params,
			Reason:    verdict.Reason,
			Approvers: verdict.Approvers,
		})
		if err != nil {
			return &Response{Status: StatusFailed, Workflow: def.Name, Message: fmt.Sprintf("approval request failed: %v", err)}
		}
		id := approval.ID
		return &Response{
			Status:     StatusApprovalPending,
			Workflow:   def.Name,
			ApprovalID: &id,
			Message:    fmt.Sprintf("approval required from %s", strings.Join(verdict.Approvers, ", ")),
		}
	default:
		return &Response{
			Status:   StatusDenied,
			Workflow: def.Name,
			Message:  verdict.Reason,
		}
	}
}

// stepClass returns a step's governance class: the workflow override wins,
// then the tool spec or live connector, then READ.
func (o *Orchestrator) stepClass(ctx context.Context, tenantID string, def *workflow.Definition, step *workflow.Step) string {
	if def.Governance != nil && def.Governance.Class != "" {
		return def.Governance.Class
	}
	creds := o.platformCredentials(ctx, tenantID, step.Platform)
	if class, err := o.connectors.GovernanceClass(step.Platform, step.Tool, creds); err == nil && class != "" {
		return class
	}
	return policy.ClassRead
}

// workflowClass is the highest class among the workflow's steps.
func (o *Orchestrator) workflowClass(ctx context.Context, tenantID string, def *workflow.Definition) string {
	highest := policy.ClassRead
	for i := range def.Steps {
		class := o.stepClass(ctx, tenantID, def, &def.Steps[i])
		if classRank[class] > classRank[highest] {
			highest = class
		}
	}
	return highest
}

func (o *Orchestrator) collectCredentials(ctx context.Context, tenantID string, def *workflow.Definition) map[string]connectors.Credentials {
	if o.credentials == nil {
		return nil
	}
	creds := make(map[string]connectors.Credentials)
	for _, step := range def.Steps {
		if _, done := creds[step.Platform]; done {
			continue
		}
		if c := o.platformCredentials(ctx, tenantID, step.Platform); c != nil {
			creds[step.Platform] = c
		}
	}
	return creds
}

func (o *Orchestrator) platformCredentials(ctx context.Context, tenantID, platform string) connectors.Credentials {
	if o.credentials == nil {
		return nil
	}
	creds, err := o.credentials.Credentials(ctx, tenantID, platform)
	if err != nil {
		o.logger.Warn("Credential lookup failed",
			zap.String("tenant_id", tenantID),
			zap.String("platform", platform),
			zap.Error(err))
		return nil
	}
	return creds
}
