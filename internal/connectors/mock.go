package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockHandler produces the result for one mock tool call.
type MockHandler func(ctx context.Context, params map[string]interface{}) (*Result, error)

// Mock is an in-memory connector for tests and local development.
type Mock struct {
	platform string

	mu       sync.Mutex
	handlers map[string]MockHandler
	classes  map[string]string
	calls    []MockCall
}

// MockCall records one invocation.
type MockCall struct {
	Tool   string
	Params map[string]interface{}
}

// NewMock creates a mock connector for a platform.
func NewMock(platform string) *Mock {
	return &Mock{
		platform: platform,
		handlers: make(map[string]MockHandler),
		classes:  make(map[string]string),
	}
}

// Handle registers a tool with its governance class and handler.
func (m *Mock) Handle(toolID, governanceClass string, handler MockHandler) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[toolID] = handler
	m.classes[toolID] = governanceClass
	return m
}

// Respond registers a tool that always succeeds with fixed data.
func (m *Mock) Respond(toolID, governanceClass string, data interface{}) *Mock {
	return m.Handle(toolID, governanceClass, func(context.Context, map[string]interface{}) (*Result, error) {
		return &Result{Success: true, Data: data}, nil
	})
}

// Fail registers a tool that always fails with the given message.
func (m *Mock) Fail(toolID, governanceClass, msg string) *Mock {
	return m.Handle(toolID, governanceClass, func(context.Context, map[string]interface{}) (*Result, error) {
		return Failure(msg), nil
	})
}

// Calls returns every recorded invocation.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the recorded invocations of one tool.
func (m *Mock) CallsFor(toolID string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockCall
	for _, call := range m.calls {
		if call.Tool == toolID {
			out = append(out, call)
		}
	}
	return out
}

// Factory returns a Factory that always yields this mock, regardless of
// credentials.
func (m *Mock) Factory() Factory {
	return func(Credentials) (Connector, error) { return m, nil }
}

func (m *Mock) Platform() string { return m.platform }

func (m *Mock) ValidateCredentials(context.Context) error { return nil }

func (m *Mock) SupportedTools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handlers))
	for tool := range m.handlers {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func (m *Mock) GovernanceClass(toolID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if class, ok := m.classes[toolID]; ok {
		return class
	}
	return "READ"
}

func (m *Mock) Execute(ctx context.Context, toolID string, params map[string]interface{}) (*Result, error) {
	m.mu.Lock()
	handler, ok := m.handlers[toolID]
	m.calls = append(m.calls, MockCall{Tool: toolID, Params: params})
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("mock %s has no handler for tool %s", m.platform, toolID)
	}
	return handler(ctx, params)
}
