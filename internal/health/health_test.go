package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunAggregatesComponents(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register("db", func(context.Context) error { return nil })
	reg.Register("cache", func(context.Context) error { return errors.New("connection refused") })

	report := reg.Run(context.Background())
	require.Equal(t, "unhealthy", report.Status)
	require.Equal(t, "ok", report.Components["db"].Status)
	require.Equal(t, "unhealthy", report.Components["cache"].Status)
	require.Equal(t, "connection refused", report.Components["cache"].Error)
}

func TestRunEmptyRegistryIsHealthy(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	report := reg.Run(context.Background())
	require.Equal(t, "ok", report.Status)
	require.Empty(t, report.Components)
}

func TestHandlerStatusCodes(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register("db", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "ok", report.Status)

	reg.Register("db", func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckTimeoutApplied(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	report := reg.Run(context.Background())
	require.Equal(t, "unhealthy", report.Status)
}
