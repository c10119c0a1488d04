package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/vectordb"
)

type fakeStore struct {
	entities []db.CatalogEntity
	glossary []db.GlossaryTerm
}

func (f *fakeStore) ListEntities(_ context.Context, _, platform, entityType string) ([]db.CatalogEntity, error) {
	var out []db.CatalogEntity
	for _, e := range f.entities {
		if platform != "" && e.Platform != platform {
			continue
		}
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) ListGlossary(_ context.Context, _ string) ([]db.GlossaryTerm, error) {
	return f.glossary, nil
}

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Generate(_ context.Context, _ string, _ string) ([]float32, error) {
	return f.vec, nil
}

func testStore() *fakeStore {
	return &fakeStore{
		entities: []db.CatalogEntity{
			{TenantID: "acme", Platform: "crm", EntityType: "customer", Name: "Globex", ExternalID: "c_1", Synonyms: db.StringList{"globex corp"}},
			{TenantID: "acme", Platform: "crm", EntityType: "customer", Name: "Initech", ExternalID: "c_2"},
			{TenantID: "acme", Platform: "crm", EntityType: "customer", Name: "Initrode", ExternalID: "c_3"},
		},
		glossary: []db.GlossaryTerm{
			{TenantID: "acme", Term: "clients", CanonicalTerm: "customers", IsExactMatch: true},
			{TenantID: "acme", Term: "revenue", CanonicalTerm: "net_revenue", Platform: "billing", IsExactMatch: false},
		},
	}
}

func TestResolveExactMatch(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	entity, err := r.Resolve(context.Background(), "  Globex ", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, "Globex", entity.CanonicalName)
	require.Equal(t, MatchExact, entity.MatchType)
	require.Equal(t, 1.0, entity.Confidence)
	require.Equal(t, "c_1", entity.ExternalID)
	require.False(t, entity.IsAmbiguous())
}

func TestResolveSynonymMatch(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	entity, err := r.Resolve(context.Background(), "globex corp", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, "Globex", entity.CanonicalName)
	require.Equal(t, MatchExactSynonym, entity.MatchType)
	require.Equal(t, 1.0, entity.Confidence)
}

func TestResolveFuzzyMatch(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	entity, err := r.Resolve(context.Background(), "globexx", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, "Globex", entity.CanonicalName)
	require.Equal(t, MatchFuzzy, entity.MatchType)
	require.InDelta(t, 0.8, entity.Confidence, 1e-9)
}

func TestResolveFuzzyAmbiguous(t *testing.T) {
	store := &fakeStore{entities: []db.CatalogEntity{
		{Name: "Anitech", EntityType: "customer"},
		{Name: "Unitech", EntityType: "customer"},
	}}
	r := New(store, zap.NewNop())

	entity, err := r.Resolve(context.Background(), "initech", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, MatchFuzzy, entity.MatchType)
	require.NotEmpty(t, entity.Alternatives)
	require.True(t, entity.IsAmbiguous())
}

func TestResolveGlossary(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	entity, err := r.Resolve(context.Background(), "Clients", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, "customers", entity.CanonicalName)
	require.Equal(t, MatchGlossary, entity.MatchType)
	require.Equal(t, 1.0, entity.Confidence)
	require.Equal(t, "global", entity.Platform)
}

func TestResolveGlossaryInexact(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	entity, err := r.Resolve(context.Background(), "revenue", Scope{TenantID: "acme", Platform: "billing"})
	require.NoError(t, err)
	require.Equal(t, "net_revenue", entity.CanonicalName)
	require.Equal(t, 0.95, entity.Confidence)
	require.Equal(t, "billing", entity.Platform)
}

func TestResolveNotFound(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	_, err := r.Resolve(context.Background(), "completely unrelated", Scope{TenantID: "acme"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveIdempotent(t *testing.T) {
	r := New(testStore(), zap.NewNop())

	first, err := r.Resolve(context.Background(), "initec", Scope{TenantID: "acme"})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "initec", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestResolveSemanticMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{"id": "1", "score": 0.92, "payload": map[string]interface{}{
						"name": "Quarterly Revenue Report", "entity_type": "report", "platform": "billing", "external_id": "r_9",
					}},
					{"id": "2", "score": 0.55, "payload": map[string]interface{}{"name": "Annual Report"}},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	vdb := vectordb.NewClient(vectordb.Config{Enabled: true, Host: u.Hostname(), Port: port}, zap.NewNop())
	store := &fakeStore{}
	r := New(store, zap.NewNop(), WithSemanticSearch(&fakeEmbedder{vec: []float32{0.1, 0.2}}, vdb))

	entity, err := r.Resolve(context.Background(), "rev report", Scope{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, MatchSemantic, entity.MatchType)
	require.Equal(t, "Quarterly Revenue Report", entity.CanonicalName)
	require.Equal(t, "r_9", entity.ExternalID)
	// score 0.92 -> distance 0.08 -> confidence 1/1.08
	require.InDelta(t, 1.0/1.08, entity.Confidence, 1e-9)
	require.Len(t, entity.Alternatives, 1)
}

func TestConfidenceOrdering(t *testing.T) {
	// exact >= fuzzy >= accepted semantic floor
	require.GreaterOrEqual(t, 1.0, fuzzyConfidence(0))
	require.Greater(t, fuzzyConfidence(1), fuzzyConfidence(2))
	require.GreaterOrEqual(t, fuzzyConfidence(2), minSemanticConfidence)
	require.GreaterOrEqual(t, scoreConfidence(1.0), minSemanticConfidence)
}
