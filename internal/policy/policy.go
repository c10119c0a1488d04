// Package policy gates every tool and workflow execution. Evaluation order:
// deny list, sliding-window rate limit, approval requirement, then any
// registered Rego hook. Hooks run last and may tighten a decision but never
// loosen one.
package policy

import "time"

// Governance classes, in increasing order of risk.
const (
	ClassRead      = "READ"
	ClassWrite     = "WRITE"
	ClassMoneyMove = "MONEY_MOVE"
)

// Decision outcomes. Only DecisionAllow permits the caller to proceed.
const (
	DecisionAllow           = "ALLOW"
	DecisionRequireApproval = "REQUIRE_APPROVAL"
	DecisionDeny            = "DENY"
	DecisionRateLimited     = "RATE_LIMITED"
)

// Request is the action under evaluation.
type Request struct {
	TenantID        string                 `json:"tenant_id"`
	UserID          string                 `json:"user_id"`
	GovernanceClass string                 `json:"governance_class"`
	Platform        string                 `json:"platform,omitempty"`
	Tool            string                 `json:"tool,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Decision   string            `json:"decision"`
	Reason     string            `json:"reason,omitempty"`
	Approvers  []string          `json:"approvers,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	AuditTags  map[string]string `json:"audit_tags,omitempty"`
}

// Allowed reports whether the caller may proceed.
func (r *Result) Allowed() bool {
	return r.Decision == DecisionAllow
}

// ToolOverride adjusts the default behavior for one (platform, tool) pair.
type ToolOverride struct {
	Deny            bool     `mapstructure:"deny"`
	RequireApproval *bool    `mapstructure:"require_approval"`
	Approvers       []string `mapstructure:"approvers"`
	RateLimit       *int     `mapstructure:"rate_limit"`
}

// Config holds policy engine configuration.
type Config struct {
	Window time.Duration `mapstructure:"window"`
	// Limits maps a governance class to its per-user request budget within
	// one window.
	Limits map[string]int `mapstructure:"limits"`
	// DefaultApprovers receive approval requests when no override names any.
	DefaultApprovers []string `mapstructure:"default_approvers"`
	// ToolOverrides are keyed by "platform.tool".
	ToolOverrides map[string]ToolOverride `mapstructure:"tool_overrides"`
	// Hooks configures the optional Rego hook tier.
	Hooks HookConfig `mapstructure:"hooks"`
}

// DefaultConfig returns the class defaults used when configuration is absent.
func DefaultConfig() Config {
	return Config{
		Window: 60 * time.Second,
		Limits: map[string]int{
			ClassRead:      100,
			ClassWrite:     20,
			ClassMoneyMove: 5,
		},
		DefaultApprovers: []string{"governance@meridian.local"},
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Limits == nil {
		c.Limits = map[string]int{}
	}
	for class, limit := range def.Limits {
		if _, ok := c.Limits[class]; !ok {
			c.Limits[class] = limit
		}
	}
	if len(c.DefaultApprovers) == 0 {
		c.DefaultApprovers = def.DefaultApprovers
	}
}
