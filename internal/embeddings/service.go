package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/circuitbreaker"
	ometrics "github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/tracing"
)

// Config controls the embedding service behavior.
type Config struct {
	// BaseURL points to the service providing /embeddings
	BaseURL string `mapstructure:"base_url"`
	// DefaultModel is the default embedding model
	DefaultModel string `mapstructure:"default_model"`
	// Timeout for outbound HTTP calls
	Timeout time.Duration `mapstructure:"timeout"`
	// CacheTTL sets TTL for distributed cache entries
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// MaxLRU controls in-process LRU size
	MaxLRU int `mapstructure:"max_lru"`
}

// Service generates embeddings with a local LRU in front of an optional
// distributed cache in front of the HTTP provider.
type Service struct {
	cfg   Config
	http  *circuitbreaker.HTTPWrapper
	cache Cache
	lru   *LocalLRU
}

// NewService constructs a Service. cache may be nil.
func NewService(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	httpClient := circuitbreaker.NewHTTPWrapper(
		&http.Client{Timeout: cfg.Timeout},
		"embeddings", "embedding-service", logger,
	)
	return &Service{cfg: cfg, http: httpClient, cache: cache, lru: NewLocalLRU(cfg.MaxLRU)}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Generate returns the vector for a single text.
func (s *Service) Generate(ctx context.Context, text string, model string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not configured")
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}
	key := MakeKey(m, text)

	if v, ok := s.lru.Get(ctx, key); ok {
		ometrics.CacheHits.WithLabelValues("embedding_lru").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			return v, nil
		}
	}

	vectors, err := s.fetch(ctx, []string{text}, m)
	if err != nil {
		return nil, err
	}
	out := vectors[0]

	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// GenerateBatch generates embeddings for multiple texts in one request,
// skipping texts already cached.
func (s *Service) GenerateBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not configured")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int

	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.CacheHits.WithLabelValues("embedding_lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	vectors, err := s.fetch(ctx, uncachedTexts, m)
	if err != nil {
		return nil, err
	}

	for i, out := range vectors {
		idx := uncachedIndices[i]
		results[idx] = out

		key := MakeKey(m, uncachedTexts[i])
		s.lru.Set(ctx, key, out, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (s *Service) fetch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	payload := embedRequest{Texts: texts, Model: model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		s.record(model, "error", start)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.record(model, "error", start)
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		s.record(model, "error", start)
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		s.record(model, "error", start)
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, embedding := range er.Embeddings {
		vec := make([]float32, len(embedding))
		for j, f := range embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	s.record(model, "ok", start)
	return out, nil
}

func (s *Service) record(model, status string, start time.Time) {
	ometrics.EmbeddingRequests.WithLabelValues(model, status).Inc()
	ometrics.EmbeddingLatency.WithLabelValues(model).Observe(time.Since(start).Seconds())
}
