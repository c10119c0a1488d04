package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/metrics"
)

// Mode defines the hook tier operating mode.
type Mode string

const (
	// ModeOff disables hook evaluation entirely.
	ModeOff Mode = "off"
	// ModeDryRun evaluates hooks but never changes a decision (log only).
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces hook decisions.
	ModeEnforce Mode = "enforce"
)

// HookConfig configures the Rego hook tier.
type HookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    Mode   `mapstructure:"mode"`
	Path    string `mapstructure:"path"`
	// FailClosed denies actions when policies fail to load or evaluate.
	FailClosed bool `mapstructure:"fail_closed"`
}

// HookDecision is the raw output of one Rego evaluation.
type HookDecision struct {
	Allow           bool              `json:"allow"`
	Reason          string            `json:"reason,omitempty"`
	RequireApproval bool              `json:"require_approval,omitempty"`
	Approvers       []string          `json:"approvers,omitempty"`
	AuditTags       map[string]string `json:"audit_tags,omitempty"`
}

// HookEngine compiles and evaluates Rego policies loaded from a directory.
// Decisions are cached in a small LRU with TTL.
type HookEngine struct {
	cfg      HookConfig
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewHookEngine builds the hook tier and compiles its policies.
func NewHookEngine(cfg HookConfig, logger *zap.Logger) (*HookEngine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeOff
	}
	engine := &HookEngine{
		cfg:     cfg,
		logger:  logger,
		enabled: cfg.Enabled && cfg.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if cfg.FailClosed {
				return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policy hooks, running fail-open", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// LoadPolicies loads and compiles every .rego file under the configured path.
func (e *HookEngine) LoadPolicies() error {
	policies := make(map[string]string)

	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.cfg.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %s", e.cfg.Path)
	}

	regoOptions := []func(*rego.Rego){
		rego.Query("data.meridian.governance.decision"),
	}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.compiled = &compiled

	e.logger.Info("Policy hooks loaded",
		zap.Int("policy_count", len(policies)),
		zap.String("path", e.cfg.Path),
	)
	return nil
}

// IsEnabled reports whether the hook tier is active and compiled.
func (e *HookEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode.
func (e *HookEngine) Mode() Mode { return e.cfg.Mode }

// Evaluate runs the compiled policies against one request.
func (e *HookEngine) Evaluate(ctx context.Context, req *Request) (*HookDecision, error) {
	if !e.IsEnabled() {
		return &HookDecision{Allow: true, Reason: "policy hooks disabled"}, nil
	}

	if d, ok := e.cache.Get(req); ok {
		metrics.CacheHits.WithLabelValues("policy_decisions").Inc()
		return d, nil
	}
	metrics.CacheMisses.WithLabelValues("policy_decisions").Inc()

	inputMap, err := inputToMap(req)
	if err != nil {
		return nil, fmt.Errorf("convert input: %w", err)
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return nil, fmt.Errorf("evaluate hooks: %w", err)
	}

	decision := e.parseResults(results, req)
	if e.cfg.Mode == ModeDryRun && !decision.Allow {
		e.logger.Info("Dry-run hook evaluation would have blocked",
			zap.String("tenant_id", req.TenantID),
			zap.String("user_id", req.UserID),
			zap.String("reason", decision.Reason),
		)
	}
	e.cache.Set(req, decision)
	return decision, nil
}

func inputToMap(req *Request) (map[string]interface{}, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *HookEngine) parseResults(results rego.ResultSet, req *Request) *HookDecision {
	decision := &HookDecision{
		Allow:  true,
		Reason: "no matching hook rules",
		AuditTags: map[string]string{
			"tenant_id": req.TenantID,
			"class":     req.GovernanceClass,
		},
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
		if requireApproval, ok := valueMap["require_approval"].(bool); ok {
			decision.RequireApproval = requireApproval
		}
		if raw, ok := valueMap["approvers"].([]interface{}); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok {
					decision.Approvers = append(decision.Approvers, s)
				}
			}
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by hook"
		} else {
			decision.Reason = "denied by hook"
		}
	}
	return decision
}

// --- decision cache (LRU with TTL) ---

// The key covers tenant, user, class and tool plus a hash of the params so
// distinct payloads never share a cached decision.

type decisionCache struct {
	cap int
	ttl time.Duration

	mu   sync.Mutex
	list *list.List // MRU at front
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *HookDecision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(req *Request) string {
	h := fnv.New64a()
	if req.Params != nil {
		buf, _ := json.Marshal(req.Params)
		_, _ = h.Write(buf)
	}
	return fmt.Sprintf("%s|%s|%s|%s.%s|%x",
		req.TenantID, req.UserID, req.GovernanceClass, req.Platform, req.Tool, h.Sum64(),
	)
}

func (c *decisionCache) Get(req *Request) (*HookDecision, bool) {
	key := c.makeKey(req)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			return ce.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	return nil, false
}

func (c *decisionCache) Set(req *Request, d *HookDecision) {
	key := c.makeKey(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}
