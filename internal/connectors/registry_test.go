package connectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryExecute(t *testing.T) {
	mock := NewMock("billing").Respond("list_invoices", "READ", []interface{}{
		map[string]interface{}{"id": "in_1", "amount": 100},
	})

	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("billing", mock.Factory()))

	result, err := registry.Execute(context.Background(), "billing", "list_invoices", nil, Credentials{"api_key": "k"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, mock.Calls(), 1)
}

func TestRegistryUnknownPlatform(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))

	_, err := registry.Execute(context.Background(), "nope", "anything", nil, nil)
	require.Error(t, err)
}

func TestRegistryUnknownTool(t *testing.T) {
	mock := NewMock("billing").Respond("list_invoices", "READ", nil)
	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("billing", mock.Factory()))

	result, err := registry.Execute(context.Background(), "billing", "missing_tool", nil, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "not supported")
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	mock := NewMock("billing")
	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("billing", mock.Factory()))
	require.Error(t, registry.Register("billing", mock.Factory()))
}

func TestRegistryInstanceCachePerCredentials(t *testing.T) {
	built := 0
	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("billing", func(creds Credentials) (Connector, error) {
		built++
		return NewMock("billing").Respond("ping", "READ", "pong"), nil
	}))

	credsA := Credentials{"api_key": "a"}
	credsB := Credentials{"api_key": "b"}

	_, err := registry.Execute(context.Background(), "billing", "ping", nil, credsA)
	require.NoError(t, err)
	_, err = registry.Execute(context.Background(), "billing", "ping", nil, credsA)
	require.NoError(t, err)
	require.Equal(t, 1, built)

	_, err = registry.Execute(context.Background(), "billing", "ping", nil, credsB)
	require.NoError(t, err)
	require.Equal(t, 2, built)
}

func TestRegistrySpecValidation(t *testing.T) {
	mock := NewMock("billing").Respond("list_invoices", "READ", nil)
	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("billing", mock.Factory()))
	registry.AddSpec(&ToolSpec{
		ToolID: "list_invoices", Platform: "billing", GovernanceClass: "READ",
		Parameters: []ToolParameter{
			{Name: "status", Type: "enum", Required: true, EnumValues: []string{"paid", "open"}},
		},
	})

	result, err := registry.Execute(context.Background(), "billing", "list_invoices",
		map[string]interface{}{}, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "missing required parameter: status")

	result, err = registry.Execute(context.Background(), "billing", "list_invoices",
		map[string]interface{}{"status": "overdue"}, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "must be one of")

	result, err = registry.Execute(context.Background(), "billing", "list_invoices",
		map[string]interface{}{"status": "paid"}, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestRegistryGovernanceClass(t *testing.T) {
	mock := NewMock("payments").Respond("send_payment", "MONEY_MOVE", nil)
	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("payments", mock.Factory()))

	// Without a spec the live connector is consulted.
	class, err := registry.GovernanceClass("payments", "send_payment", nil)
	require.NoError(t, err)
	require.Equal(t, "MONEY_MOVE", class)

	// A loaded spec takes precedence.
	registry.AddSpec(&ToolSpec{ToolID: "send_payment", Platform: "payments", GovernanceClass: "WRITE"})
	class, err = registry.GovernanceClass("payments", "send_payment", nil)
	require.NoError(t, err)
	require.Equal(t, "WRITE", class)
}

func TestRegistryRateLimit(t *testing.T) {
	mock := NewMock("billing").Respond("ping", "READ", "pong")
	registry := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.Register("billing", mock.Factory()))
	registry.SetRateLimit("billing", 100, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := registry.Execute(context.Background(), "billing", "ping", nil, nil)
		require.NoError(t, err)
	}
	// Two of the three calls had to wait for a token at 100 rps.
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestParseToolSpecStrict(t *testing.T) {
	_, err := ParseToolSpec([]byte("tool_id: x\nplatform: billing\ngovernance_class: READ\nbogus_field: 1\n"))
	require.Error(t, err)

	spec, err := ParseToolSpec([]byte("tool_id: x\nplatform: billing\ngovernance_class: READ\n"))
	require.NoError(t, err)
	require.Equal(t, "x", spec.ToolID)

	_, err = ParseToolSpec([]byte("tool_id: x\nplatform: billing\n"))
	require.Error(t, err)
}
