// Package connectors defines the interface every platform integration
// implements and a typed registry that dispatches (platform, tool) calls.
package connectors

import "context"

// Credentials are the decrypted platform secrets handed to a connector at
// construction time. Values must never be logged.
type Credentials map[string]string

// Result is the standard shape every connector returns.
type Result struct {
	Success  bool                   `json:"success"`
	Data     interface{}            `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Pagination info
	HasMore    bool   `json:"has_more,omitempty"`
	NextCursor string `json:"next_cursor,omitempty"`
	TotalCount int    `json:"total_count,omitempty"`
}

// Failure builds a failed result with the given message.
func Failure(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// Connector wraps a single external platform. One instance is bound to one
// set of credentials.
type Connector interface {
	// Platform returns the platform identifier, e.g. "stripe".
	Platform() string
	// ValidateCredentials checks the bound credentials against the backend.
	ValidateCredentials(ctx context.Context) error
	// Execute runs one tool action.
	Execute(ctx context.Context, toolID string, params map[string]interface{}) (*Result, error)
	// SupportedTools returns the tool identifiers this connector handles.
	SupportedTools() []string
	// GovernanceClass returns the risk tier for a tool.
	GovernanceClass(toolID string) string
}

// Factory builds a connector instance bound to credentials.
type Factory func(creds Credentials) (Connector, error)
