package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return NewClient(Config{Enabled: true, Host: u.Hostname(), Port: port}, zap.NewNop())
}

func TestSearchDisabled(t *testing.T) {
	c := NewClient(Config{Enabled: false}, zap.NewNop())
	if _, err := c.Search(context.Background(), "x", []float32{0.1}, 3, 0, nil); err == nil {
		t.Fatal("expected error when disabled")
	}
}

func TestSearchModernEndpoint(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/points/query") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{"id": "p1", "score": 0.92, "payload": map[string]interface{}{"intent": "INVOICE_OVERVIEW"}},
				},
			},
		})
	}))

	points, err := c.SearchIntentExamples(context.Background(), []float32{0.1, 0.2}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 1 || points[0].Score != 0.92 {
		t.Fatalf("unexpected points: %+v", points)
	}
	if points[0].Payload["intent"] != "INVOICE_OVERVIEW" {
		t.Fatalf("unexpected payload: %+v", points[0].Payload)
	}
}

func TestSearchFallsBackToLegacy(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/points/query") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/points/search") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"result": []map[string]interface{}{
				{"id": 7, "score": 0.5, "payload": map[string]interface{}{"name": "Acme"}},
			},
		})
	}))

	points, err := c.Search(context.Background(), "entity_index", []float32{0.3}, 2, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 1 || points[0].ID != "7" {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestSearchEntitiesSendsTenantFilter(t *testing.T) {
	var captured map[string]interface{}
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"result": map[string]interface{}{"points": []map[string]interface{}{}},
		})
	}))

	_, err := c.SearchEntities(context.Background(), []float32{0.1}, "tenant-1", "customer", 5, 0.6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	filter, ok := captured["filter"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected filter in request, got %v", captured)
	}
	must, ok := filter["must"].([]interface{})
	if !ok || len(must) != 2 {
		t.Fatalf("expected tenant and type clauses, got %v", filter)
	}
}

func TestUpsert(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "time": 0.001})
	}))

	resp, err := c.UpsertIntentExample(context.Background(), []float32{0.1}, "INVOICE_OVERVIEW", "show me invoices")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("unexpected status %s", resp.Status)
	}
}
