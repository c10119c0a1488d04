package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker.
type HTTPWrapper struct {
	client  *http.Client
	breaker *Breaker
	name    string
	service string
}

// NewHTTPWrapper creates an HTTP wrapper guarded by a breaker tuned via
// HTTPConfig.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := New(name, HTTPConfig(), logger)
	instrument(name, service, b)
	return &HTTPWrapper{client: client, breaker: b, name: name, service: service}
}

// Do executes a request through the breaker. 5xx responses count as breaker
// failures but are still returned to the caller; 4xx do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	recordRequest(hw.name, hw.service, hw.breaker.State(), err == nil)

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State reports the breaker state for health checks.
func (hw *HTTPWrapper) State() State {
	return hw.breaker.State()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
