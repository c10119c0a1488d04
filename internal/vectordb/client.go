package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/circuitbreaker"
	ometrics "github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/tracing"
)

// Client is a minimal Qdrant HTTP client used for the intent example corpus
// and the tenant entity index.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient constructs a client. The returned client is safe for concurrent use.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IntentExamples == "" {
		cfg.IntentExamples = "intent_examples"
	}
	if cfg.EntityIndex == "" {
		cfg.EntityIndex = "entity_index"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "qdrant", "vectordb", logger)
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: httpw,
		log:   logger,
	}
}

// Enabled reports whether searches will be attempted.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type rawPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type legacySearchResponse struct {
	Result []rawPoint `json:"result"`
	Status string     `json:"status"`
}

// queryResponse for the /points/query endpoint which nests points one deeper.
type queryResponse struct {
	Result struct {
		Points []rawPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a vector query against a collection. The modern /points/query
// endpoint is preferred with a fallback to legacy /points/search.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter map[string]interface{}) ([]Point, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: search called while disabled")
	}
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	start := time.Now()

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", urlQuery)
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, _ := json.Marshal(queryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter})

	call := func(url string, body []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)
		return c.httpw.Do(req)
	}

	resp, err := call(urlQuery, buf)
	if err != nil {
		c.record(collection, "error", start)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// fallback to /points/search
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if threshold > 0 {
			legacy["score_threshold"] = threshold
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err2 := call(fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), buf2)
		if err2 != nil {
			c.record(collection, "error", start)
			return nil, fmt.Errorf("qdrant query/search failed: %w", err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			c.record(collection, "error", start)
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var lr legacySearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&lr); err != nil {
			c.record(collection, "error", start)
			return nil, err
		}
		c.record(collection, "ok", start)
		return convertPoints(lr.Result), nil
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		c.record(collection, "error", start)
		return nil, err
	}
	c.record(collection, "ok", start)
	return convertPoints(qr.Result.Points), nil
}

// SearchIntentExamples finds the labeled examples closest to the query vector.
func (c *Client) SearchIntentExamples(ctx context.Context, vec []float32, limit int) ([]Point, error) {
	return c.Search(ctx, c.cfg.IntentExamples, vec, limit, 0, nil)
}

// SearchEntities finds entity candidates for a tenant, optionally restricted
// to one entity type. Results below threshold are dropped server-side.
func (c *Client) SearchEntities(ctx context.Context, vec []float32, tenantID, entityType string, limit int, threshold float64) ([]Point, error) {
	must := []map[string]interface{}{
		{"key": "tenant_id", "match": map[string]interface{}{"value": tenantID}},
	}
	if entityType != "" {
		must = append(must, map[string]interface{}{
			"key": "entity_type", "match": map[string]interface{}{"value": entityType},
		})
	}
	filter := map[string]interface{}{"must": must}
	return c.Search(ctx, c.cfg.EntityIndex, vec, limit, threshold, filter)
}

// Upsert inserts or updates points in a collection.
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) (*UpsertResponse, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: upsert called while disabled")
	}

	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	buf, _ := json.Marshal(map[string]interface{}{"points": points})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertIntentExample inserts a labeled example into the intent corpus.
func (c *Client) UpsertIntentExample(ctx context.Context, vec []float32, intent, text string) (*UpsertResponse, error) {
	item := UpsertItem{
		ID:      uuid.New().String(),
		Vector:  vec,
		Payload: map[string]interface{}{"intent": intent, "text": text},
	}
	return c.Upsert(ctx, c.cfg.IntentExamples, []UpsertItem{item})
}

// UpsertEntity inserts an entity embedding into the tenant-scoped index.
func (c *Client) UpsertEntity(ctx context.Context, vec []float32, tenantID, entityID, entityType, name string) (*UpsertResponse, error) {
	item := UpsertItem{
		ID:     uuid.New().String(),
		Vector: vec,
		Payload: map[string]interface{}{
			"tenant_id":   tenantID,
			"entity_id":   entityID,
			"entity_type": entityType,
			"name":        name,
		},
	}
	return c.Upsert(ctx, c.cfg.EntityIndex, []UpsertItem{item})
}

func (c *Client) record(collection, status string, start time.Time) {
	ometrics.VectorSearches.WithLabelValues(collection, status).Inc()
	ometrics.VectorSearchLatency.WithLabelValues(collection).Observe(time.Since(start).Seconds())
}

func convertPoints(raw []rawPoint) []Point {
	out := make([]Point, 0, len(raw))
	for _, p := range raw {
		id := ""
		if p.ID != nil {
			id = fmt.Sprintf("%v", p.ID)
		}
		out = append(out, Point{ID: id, Score: p.Score, Payload: p.Payload})
	}
	return out
}
