package connectors

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/tracing"
)

const defaultCallTimeout = 30 * time.Second

// Registry maps platforms to connector factories and dispatches tool calls.
// Registration is validated up front so a bad (platform, tool) pair fails at
// startup rather than at call time.
type Registry struct {
	logger      *zap.Logger
	callTimeout time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
	specs     map[string]*ToolSpec     // "platform.tool" -> spec
	limiters  map[string]*rate.Limiter // per platform
	instances map[string]Connector     // "platform:credsFingerprint" -> instance
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:      logger,
		callTimeout: defaultCallTimeout,
		factories:   make(map[string]Factory),
		specs:       make(map[string]*ToolSpec),
		limiters:    make(map[string]*rate.Limiter),
		instances:   make(map[string]Connector),
	}
}

// Register adds a connector factory for a platform.
func (r *Registry) Register(platform string, factory Factory) error {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return fmt.Errorf("connector platform must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("connector factory for %s must not be nil", platform)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[platform]; exists {
		return fmt.Errorf("connector for platform %s already registered", platform)
	}
	r.factories[platform] = factory
	r.logger.Info("Registered connector", zap.String("platform", platform))
	return nil
}

// LoadSpecs loads tool specs from a directory and indexes them by
// "platform.tool".
func (r *Registry) LoadSpecs(root string) error {
	specs, err := LoadToolSpecs(root)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, spec := range specs {
		r.specs[key] = spec
	}
	r.logger.Info("Loaded tool specs", zap.Int("count", len(specs)), zap.String("path", root))
	return nil
}

// AddSpec registers a single tool spec.
func (r *Registry) AddSpec(spec *ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Platform+"."+spec.ToolID] = spec
}

// SetRateLimit bounds outbound calls to one platform.
func (r *Registry) SetRateLimit(platform string, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[strings.ToLower(platform)] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Spec returns the tool spec for a (platform, tool) pair, if loaded.
func (r *Registry) Spec(platform, toolID string) (*ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[strings.ToLower(platform)+"."+toolID]
	return spec, ok
}

// GovernanceClass returns the risk tier for a tool. The spec wins when
// loaded; otherwise the live connector is asked.
func (r *Registry) GovernanceClass(platform, toolID string, creds Credentials) (string, error) {
	if spec, ok := r.Spec(platform, toolID); ok {
		return spec.GovernanceClass, nil
	}
	connector, err := r.connector(platform, creds)
	if err != nil {
		return "", err
	}
	return connector.GovernanceClass(toolID), nil
}

// Platforms lists registered platforms, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for platform := range r.factories {
		out = append(out, platform)
	}
	sort.Strings(out)
	return out
}

// Tools lists the known tool ids for a platform, sorted.
func (r *Registry) Tools(platform string) []string {
	prefix := strings.ToLower(platform) + "."
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key := range r.specs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(out)
	return out
}

// Execute dispatches one tool call. Connector errors come back as a failed
// Result rather than an error; the error return covers dispatch problems
// (unknown platform, rate limiter context cancellation).
func (r *Registry) Execute(ctx context.Context, platform, toolID string, params map[string]interface{}, creds Credentials) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "connectors.execute")
	defer span.End()

	platform = strings.ToLower(platform)

	if spec, ok := r.Spec(platform, toolID); ok {
		if errs := spec.ValidateParams(params); len(errs) > 0 {
			metrics.ConnectorCalls.WithLabelValues(platform, "invalid_params").Inc()
			return Failure("parameter validation failed: " + strings.Join(errs, ", ")), nil
		}
	}

	connector, err := r.connector(platform, creds)
	if err != nil {
		metrics.ConnectorCalls.WithLabelValues(platform, "error").Inc()
		return nil, err
	}

	if !supportsTool(connector, toolID) {
		metrics.ConnectorCalls.WithLabelValues(platform, "unknown_tool").Inc()
		return Failure(fmt.Sprintf("tool %s not supported by platform %s", toolID, platform)), nil
	}

	if limiter := r.limiter(platform); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	result, err := connector.Execute(callCtx, toolID, params)
	if err != nil {
		metrics.ConnectorCalls.WithLabelValues(platform, "error").Inc()
		r.logger.Warn("Connector call failed",
			zap.String("platform", platform),
			zap.String("tool", toolID),
			zap.Error(err),
		)
		return Failure(err.Error()), nil
	}

	status := "ok"
	if !result.Success {
		status = "failed"
	}
	metrics.ConnectorCalls.WithLabelValues(platform, status).Inc()
	return result, nil
}

// connector returns a cached instance for the (platform, credentials) pair,
// constructing one on first use.
func (r *Registry) connector(platform string, creds Credentials) (Connector, error) {
	key := platform + ":" + fingerprint(creds)

	r.mu.RLock()
	instance, ok := r.instances[key]
	factory, registered := r.factories[platform]
	r.mu.RUnlock()
	if ok {
		return instance, nil
	}
	if !registered {
		return nil, fmt.Errorf("no connector registered for platform %s", platform)
	}

	instance, err := factory(creds)
	if err != nil {
		return nil, fmt.Errorf("construct %s connector: %w", platform, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[key]; ok {
		return existing, nil
	}
	r.instances[key] = instance
	return instance, nil
}

func (r *Registry) limiter(platform string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[platform]
}

// fingerprint hashes credentials into a cache key without retaining the
// plaintext values.
func fingerprint(creds Credentials) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(creds[k]))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

func supportsTool(c Connector, toolID string) bool {
	for _, t := range c.SupportedTools() {
		if t == toolID {
			return true
		}
	}
	return false
}
