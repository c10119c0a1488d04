// Package resolver maps user-mentioned terms to canonical tenant entities.
//
// Resolution runs through tiers, each attempted only when the previous one
// yields nothing:
//
//  1. exact match on catalog display names or synonyms
//  2. fuzzy match with edit distance <= 2
//  3. semantic match via vector search
//  4. business glossary lookup
package resolver

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/tracing"
	"github.com/meridianhq/meridian/internal/vectordb"
)

// ErrNotFound is returned when every tier came up empty.
var ErrNotFound = errors.New("entity not found")

const (
	// MatchExact through MatchGlossary name the tier that produced a result.
	MatchExact        = "exact"
	MatchExactSynonym = "exact_synonym"
	MatchFuzzy        = "fuzzy"
	MatchSemantic     = "semantic"
	MatchGlossary     = "glossary"

	maxFuzzyDistance      = 2
	maxFuzzyAlternatives  = 3
	maxSemanticCandidates = 5
	maxSemanticAlts       = 2
	minSemanticConfidence = 0.6
	ambiguityMargin       = 0.1
)

// Alternative is a close runner-up candidate.
type Alternative struct {
	CanonicalName string  `json:"canonical_name"`
	Confidence    float64 `json:"confidence"`
}

// Entity is the result of resolving one term.
type Entity struct {
	OriginalTerm  string        `json:"original_term"`
	CanonicalName string        `json:"canonical_name"`
	EntityType    string        `json:"entity_type"`
	Platform      string        `json:"platform"`
	ExternalID    string        `json:"external_id,omitempty"`
	Confidence    float64       `json:"confidence"`
	MatchType     string        `json:"match_type"`
	Alternatives  []Alternative `json:"alternatives"`
}

// IsAmbiguous reports whether any alternative's confidence is within the
// ambiguity margin of the winner. Callers may prompt for disambiguation
// instead of auto-selecting.
func (e *Entity) IsAmbiguous() bool {
	for _, alt := range e.Alternatives {
		if alt.Confidence > e.Confidence-ambiguityMargin {
			return true
		}
	}
	return false
}

// Scope restricts resolution to one tenant and optionally one platform or
// entity type.
type Scope struct {
	TenantID   string
	Platform   string
	EntityType string
}

// CatalogStore provides the tenant entity catalog and business glossary.
type CatalogStore interface {
	ListEntities(ctx context.Context, tenantID, platform, entityType string) ([]db.CatalogEntity, error)
	ListGlossary(ctx context.Context, tenantID string) ([]db.GlossaryTerm, error)
}

// Embedder produces one embedding vector for a piece of text.
type Embedder interface {
	Generate(ctx context.Context, text string, model string) ([]float32, error)
}

// Resolver resolves terms against a tenant catalog.
type Resolver struct {
	store    CatalogStore
	embedder Embedder
	vdb      *vectordb.Client
	logger   *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSemanticSearch enables the semantic tier.
func WithSemanticSearch(embedder Embedder, vdb *vectordb.Client) Option {
	return func(r *Resolver) {
		r.embedder = embedder
		r.vdb = vdb
	}
}

// New creates a Resolver over the given catalog store.
func New(store CatalogStore, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{store: store, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a term to a canonical entity, or ErrNotFound when every tier
// comes up empty. Resolution is deterministic for an unchanged catalog.
func (r *Resolver) Resolve(ctx context.Context, term string, scope Scope) (*Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.resolve")
	defer span.End()

	normalized := strings.ToLower(strings.TrimSpace(term))
	if normalized == "" {
		return nil, ErrNotFound
	}

	entities, err := r.store.ListEntities(ctx, scope.TenantID, scope.Platform, scope.EntityType)
	if err != nil {
		return nil, err
	}

	if entity := r.exactMatch(normalized, entities); entity != nil {
		metrics.EntityResolutions.WithLabelValues(entity.MatchType, "hit").Inc()
		return entity, nil
	}
	if entity := r.fuzzyMatch(normalized, entities); entity != nil {
		metrics.EntityResolutions.WithLabelValues(MatchFuzzy, "hit").Inc()
		return entity, nil
	}
	if entity := r.semanticMatch(ctx, normalized, scope); entity != nil {
		metrics.EntityResolutions.WithLabelValues(MatchSemantic, "hit").Inc()
		return entity, nil
	}
	if entity := r.glossaryLookup(ctx, normalized, scope); entity != nil {
		metrics.EntityResolutions.WithLabelValues(MatchGlossary, "hit").Inc()
		return entity, nil
	}

	metrics.EntityResolutions.WithLabelValues("none", "miss").Inc()
	return nil, ErrNotFound
}

func (r *Resolver) exactMatch(term string, entities []db.CatalogEntity) *Entity {
	for i := range entities {
		if strings.ToLower(entities[i].Name) == term {
			return entityFromCatalog(term, &entities[i], 1.0, MatchExact)
		}
	}
	for i := range entities {
		for _, syn := range entities[i].Synonyms {
			if strings.ToLower(syn) == term {
				return entityFromCatalog(term, &entities[i], 1.0, MatchExactSynonym)
			}
		}
	}
	return nil
}

func (r *Resolver) fuzzyMatch(term string, entities []db.CatalogEntity) *Entity {
	var best *db.CatalogEntity
	bestDistance := maxFuzzyDistance + 1
	var alternatives []Alternative

	for i := range entities {
		distance := levenshtein.ComputeDistance(term, strings.ToLower(entities[i].Name))
		if distance > maxFuzzyDistance {
			continue
		}
		if distance < bestDistance {
			if best != nil {
				alternatives = append(alternatives, Alternative{
					CanonicalName: best.Name,
					Confidence:    fuzzyConfidence(bestDistance),
				})
			}
			best = &entities[i]
			bestDistance = distance
		} else {
			alternatives = append(alternatives, Alternative{
				CanonicalName: entities[i].Name,
				Confidence:    fuzzyConfidence(distance),
			})
		}
	}
	if best == nil {
		return nil
	}

	sort.SliceStable(alternatives, func(i, j int) bool {
		return alternatives[i].Confidence > alternatives[j].Confidence
	})
	if len(alternatives) > maxFuzzyAlternatives {
		alternatives = alternatives[:maxFuzzyAlternatives]
	}

	entity := entityFromCatalog(term, best, fuzzyConfidence(bestDistance), MatchFuzzy)
	entity.Alternatives = alternatives
	return entity
}

func fuzzyConfidence(distance int) float64 {
	return 0.9 - float64(distance)*0.1
}

func (r *Resolver) semanticMatch(ctx context.Context, term string, scope Scope) *Entity {
	if r.embedder == nil || r.vdb == nil {
		return nil
	}

	vec, err := r.embedder.Generate(ctx, term, "")
	if err != nil {
		r.logger.Warn("Semantic match skipped, embedding failed",
			zap.String("term", term), zap.Error(err))
		return nil
	}

	points, err := r.vdb.SearchEntities(ctx, vec, scope.TenantID, scope.EntityType, maxSemanticCandidates, 0)
	if err != nil {
		r.logger.Warn("Semantic match skipped, vector search failed",
			zap.String("term", term), zap.Error(err))
		return nil
	}
	if len(points) == 0 {
		return nil
	}

	confidence := scoreConfidence(points[0].Score)
	if confidence < minSemanticConfidence {
		return nil
	}

	var alternatives []Alternative
	for i := 1; i < len(points) && len(alternatives) < maxSemanticAlts; i++ {
		alternatives = append(alternatives, Alternative{
			CanonicalName: payloadString(points[i].Payload, "name"),
			Confidence:    scoreConfidence(points[i].Score),
		})
	}

	return &Entity{
		OriginalTerm:  term,
		CanonicalName: payloadString(points[0].Payload, "name"),
		EntityType:    payloadString(points[0].Payload, "entity_type"),
		Platform:      payloadString(points[0].Payload, "platform"),
		ExternalID:    payloadString(points[0].Payload, "external_id"),
		Confidence:    confidence,
		MatchType:     MatchSemantic,
		Alternatives:  alternatives,
	}
}

func (r *Resolver) glossaryLookup(ctx context.Context, term string, scope Scope) *Entity {
	terms, err := r.store.ListGlossary(ctx, scope.TenantID)
	if err != nil {
		r.logger.Warn("Glossary lookup failed", zap.Error(err))
		return nil
	}

	var match *db.GlossaryTerm
	for i := range terms {
		if strings.ToLower(terms[i].Term) != term {
			continue
		}
		if scope.Platform != "" && terms[i].Platform != "" && terms[i].Platform != scope.Platform {
			continue
		}
		// Prefer a platform-specific mapping over a global one.
		if match == nil || (match.Platform == "" && terms[i].Platform != "") {
			match = &terms[i]
		}
	}
	if match == nil {
		return nil
	}

	confidence := 0.95
	if match.IsExactMatch {
		confidence = 1.0
	}
	platform := match.Platform
	if platform == "" {
		platform = "global"
	}
	return &Entity{
		OriginalTerm:  term,
		CanonicalName: match.CanonicalTerm,
		EntityType:    "glossary_term",
		Platform:      platform,
		Confidence:    confidence,
		MatchType:     MatchGlossary,
	}
}

// scoreConfidence converts a cosine similarity score to a confidence via the
// distance form 1/(1+d).
func scoreConfidence(score float64) float64 {
	distance := 1 - score
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

func entityFromCatalog(term string, item *db.CatalogEntity, confidence float64, matchType string) *Entity {
	return &Entity{
		OriginalTerm:  term,
		CanonicalName: item.Name,
		EntityType:    item.EntityType,
		Platform:      item.Platform,
		ExternalID:    item.ExternalID,
		Confidence:    confidence,
		MatchType:     matchType,
	}
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}
