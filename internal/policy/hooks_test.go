package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testHookPolicy = `package meridian.governance

default decision := {
    "allow": true,
    "reason": "no rule matched"
}

decision := {
    "allow": false,
    "reason": "wire transfers are blocked for this tenant"
} {
    input.platform == "payments"
    input.tool == "wire_transfer"
}

decision := {
    "allow": true,
    "require_approval": true,
    "reason": "large exports need sign-off",
    "approvers": ["security@acme.test"]
} {
    input.platform == "billing"
    input.tool == "export_all"
}
`

func writeHookPolicy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "governance.rego"), []byte(testHookPolicy), 0o644))
	return dir
}

func TestHookEngineDeny(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hooks = HookConfig{Enabled: true, Mode: ModeEnforce, Path: writeHookPolicy(t)}
	engine := newTestEngine(t, cfg)

	result := engine.Evaluate(context.Background(), Request{
		TenantID: "acme", UserID: "u1", GovernanceClass: ClassWrite,
		Platform: "payments", Tool: "wire_transfer",
	})
	require.Equal(t, DecisionDeny, result.Decision)
	require.Contains(t, result.Reason, "blocked")
}

func TestHookEngineEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hooks = HookConfig{Enabled: true, Mode: ModeEnforce, Path: writeHookPolicy(t)}
	engine := newTestEngine(t, cfg)

	result := engine.Evaluate(context.Background(), Request{
		TenantID: "acme", UserID: "u1", GovernanceClass: ClassRead,
		Platform: "billing", Tool: "export_all",
	})
	require.Equal(t, DecisionRequireApproval, result.Decision)
	require.Equal(t, []string{"security@acme.test"}, result.Approvers)
}

func TestHookEngineCannotLoosen(t *testing.T) {
	// The hook allows everything, but MONEY_MOVE approval still applies
	// because hooks run after the built-in tiers.
	cfg := DefaultConfig()
	cfg.Hooks = HookConfig{Enabled: true, Mode: ModeEnforce, Path: writeHookPolicy(t)}
	engine := newTestEngine(t, cfg)

	result := engine.Evaluate(context.Background(), Request{
		TenantID: "acme", UserID: "u1", GovernanceClass: ClassMoneyMove,
		Platform: "payments", Tool: "send_payment",
	})
	require.Equal(t, DecisionRequireApproval, result.Decision)
}

func TestHookEngineDryRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hooks = HookConfig{Enabled: true, Mode: ModeDryRun, Path: writeHookPolicy(t)}
	engine := newTestEngine(t, cfg)

	result := engine.Evaluate(context.Background(), Request{
		TenantID: "acme", UserID: "u1", GovernanceClass: ClassWrite,
		Platform: "payments", Tool: "wire_transfer",
	})
	require.Equal(t, DecisionAllow, result.Decision)
}

func TestHookEngineMissingPoliciesFailOpen(t *testing.T) {
	cfg := HookConfig{Enabled: true, Mode: ModeEnforce, Path: t.TempDir()}
	engine, err := NewHookEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.False(t, engine.IsEnabled())
}

func TestHookEngineMissingPoliciesFailClosed(t *testing.T) {
	cfg := HookConfig{Enabled: true, Mode: ModeEnforce, Path: t.TempDir(), FailClosed: true}
	_, err := NewHookEngine(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestDecisionCache(t *testing.T) {
	cache := newDecisionCache(2, 0)
	reqA := &Request{TenantID: "acme", UserID: "u1", GovernanceClass: ClassRead, Tool: "a"}
	reqB := &Request{TenantID: "acme", UserID: "u1", GovernanceClass: ClassRead, Tool: "b"}
	reqC := &Request{TenantID: "acme", UserID: "u1", GovernanceClass: ClassRead, Tool: "c"}

	cache.Set(reqA, &HookDecision{Allow: true})
	cache.Set(reqB, &HookDecision{Allow: false})

	got, ok := cache.Get(reqA)
	require.True(t, ok)
	require.True(t, got.Allow)

	// Inserting a third entry evicts the least recently used (reqB).
	cache.Set(reqC, &HookDecision{Allow: true})
	_, ok = cache.Get(reqB)
	require.False(t, ok)
	_, ok = cache.Get(reqA)
	require.True(t, ok)
}
