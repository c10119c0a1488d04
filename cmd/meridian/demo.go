package main

import (
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/connectors"
	"github.com/meridianhq/meridian/internal/credentials"
)

// registerDemoConnectors wires two mock platforms with canned data so the
// binary works end to end without any real backend.
func registerDemoConnectors(registry *connectors.Registry, logger *zap.Logger) {
	billing := connectors.NewMock("billing").
		Respond("list_invoices", "READ", []any{
			map[string]any{"id": "in_1001", "account": "Globex Corp", "amount": 1200.0, "status": "overdue"},
			map[string]any{"id": "in_1002", "account": "Globex Corp", "amount": 450.5, "status": "paid"},
			map[string]any{"id": "in_1003", "account": "Initech LLC", "amount": 99.0, "status": "open"},
		}).
		Respond("send_payment", "MONEY_MOVE", map[string]any{"status": "queued"})

	crm := connectors.NewMock("crm").
		Respond("find_account", "READ", map[string]any{
			"id": "acct_7", "name": "Globex Corp", "owner": "sales@meridian.local",
		}).
		Respond("update_account", "WRITE", map[string]any{"updated": true})

	for _, mock := range []*connectors.Mock{billing, crm} {
		if err := registry.Register(mock.Platform(), mock.Factory()); err != nil {
			logger.Warn("Demo connector registration failed",
				zap.String("platform", mock.Platform()), zap.Error(err))
		}
	}
}

// seedDemoCredentials stores placeholder credentials for the demo tenant so
// the credential path is exercised end to end.
func seedDemoCredentials(vault *credentials.Vault, logger *zap.Logger) {
	for platform, creds := range map[string]connectors.Credentials{
		"billing": {"api_key": "demo-billing-key"},
		"crm":     {"api_key": "demo-crm-key"},
	} {
		if err := vault.Put("demo", platform, creds); err != nil {
			logger.Warn("Demo credential seeding failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
}
