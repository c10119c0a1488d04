package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/tracing"
)

// Engine evaluates governance policy for one action at a time. It is safe
// for concurrent use.
type Engine struct {
	cfg    Config
	limit  *slidingLimiter
	hooks  *HookEngine
	logger *zap.Logger
}

// NewEngine builds an Engine. The Rego hook tier is only constructed when
// enabled in the configuration.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()

	engine := &Engine{
		cfg:    cfg,
		limit:  newSlidingLimiter(cfg.Window),
		logger: logger,
	}

	if cfg.Hooks.Enabled {
		hooks, err := NewHookEngine(cfg.Hooks, logger)
		if err != nil {
			return nil, fmt.Errorf("policy hooks: %w", err)
		}
		engine.hooks = hooks
	}
	return engine, nil
}

// Evaluate runs the ordered policy tiers. Only DecisionAllow permits
// execution.
func (e *Engine) Evaluate(ctx context.Context, req Request) *Result {
	ctx, span := tracing.StartSpan(ctx, "policy.evaluate")
	defer span.End()

	result := e.evaluate(ctx, req)
	metrics.PolicyDecisions.WithLabelValues(req.GovernanceClass, result.Decision).Inc()

	if !result.Allowed() {
		e.logger.Info("Policy blocked action",
			zap.String("tenant_id", req.TenantID),
			zap.String("user_id", req.UserID),
			zap.String("class", req.GovernanceClass),
			zap.String("tool", e.toolKey(req)),
			zap.String("decision", result.Decision),
			zap.String("reason", result.Reason),
		)
	}
	return result
}

func (e *Engine) evaluate(ctx context.Context, req Request) *Result {
	override, hasOverride := e.cfg.ToolOverrides[e.toolKey(req)]

	if hasOverride && override.Deny {
		return &Result{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("tool %s is on the deny list", e.toolKey(req)),
		}
	}

	limit := e.classLimit(req.GovernanceClass)
	if hasOverride && override.RateLimit != nil {
		limit = *override.RateLimit
	}
	key := req.UserID + "|" + req.GovernanceClass
	if allowed, retryAfter := e.limit.allow(key, limit); !allowed {
		metrics.RateLimitRejections.WithLabelValues(req.GovernanceClass).Inc()
		return &Result{
			Decision:   DecisionRateLimited,
			Reason:     fmt.Sprintf("rate limit of %d per window exceeded for class %s", limit, req.GovernanceClass),
			RetryAfter: retryAfter,
		}
	}

	if e.requiresApproval(req.GovernanceClass, override, hasOverride) {
		return &Result{
			Decision:  DecisionRequireApproval,
			Reason:    fmt.Sprintf("class %s requires approval before execution", req.GovernanceClass),
			Approvers: e.approvers(override, hasOverride),
		}
	}

	allow := &Result{Decision: DecisionAllow, Reason: "allowed"}
	if e.hooks == nil || !e.hooks.IsEnabled() {
		return allow
	}
	return e.applyHooks(ctx, req, allow, override, hasOverride)
}

// applyHooks runs the Rego tier last. Hooks may tighten the decision
// (deny, or escalate to approval) but never loosen it.
func (e *Engine) applyHooks(ctx context.Context, req Request, current *Result, override ToolOverride, hasOverride bool) *Result {
	decision, err := e.hooks.Evaluate(ctx, &req)
	if err != nil {
		if e.cfg.Hooks.FailClosed {
			return &Result{Decision: DecisionDeny, Reason: "policy hook evaluation failed"}
		}
		e.logger.Warn("Policy hook evaluation failed, continuing fail-open", zap.Error(err))
		return current
	}

	current.AuditTags = decision.AuditTags
	if e.hooks.Mode() != ModeEnforce {
		return current
	}

	if !decision.Allow {
		return &Result{
			Decision:  DecisionDeny,
			Reason:    decision.Reason,
			AuditTags: decision.AuditTags,
		}
	}
	if decision.RequireApproval {
		approvers := decision.Approvers
		if len(approvers) == 0 {
			approvers = e.approvers(override, hasOverride)
		}
		return &Result{
			Decision:  DecisionRequireApproval,
			Reason:    decision.Reason,
			Approvers: approvers,
			AuditTags: decision.AuditTags,
		}
	}
	return current
}

func (e *Engine) toolKey(req Request) string {
	if req.Platform == "" && req.Tool == "" {
		return ""
	}
	return req.Platform + "." + req.Tool
}

func (e *Engine) classLimit(class string) int {
	if limit, ok := e.cfg.Limits[class]; ok {
		return limit
	}
	// Unknown classes get the WRITE budget rather than the permissive READ one.
	return e.cfg.Limits[ClassWrite]
}

func (e *Engine) requiresApproval(class string, override ToolOverride, hasOverride bool) bool {
	if hasOverride && override.RequireApproval != nil {
		return *override.RequireApproval
	}
	return class == ClassMoneyMove
}

func (e *Engine) approvers(override ToolOverride, hasOverride bool) []string {
	if hasOverride && len(override.Approvers) > 0 {
		return override.Approvers
	}
	return e.cfg.DefaultApprovers
}
