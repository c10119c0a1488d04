package intent

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meridianhq/meridian/internal/embeddings"
	ometrics "github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/vectordb"
)

// IntentUnknown is returned when no tier produced a confident match.
const IntentUnknown = "UNKNOWN"

const (
	// sourceRule marks a deterministic rule match.
	sourceRule = "rule"
	// sourceEmbedding marks a semantic corpus match.
	sourceEmbedding = "embedding"
	// sourceUnknown marks a classification miss.
	sourceUnknown = "unknown"
)

// typoSimilarityFloor is the minimum edit similarity for a query token to be
// rewritten to a vocabulary word.
const typoSimilarityFloor = 0.8

// Rule is one deterministic classification rule. A rule matches when every
// word in All appears in the query and, when Any is non-empty, at least one
// word in Any appears.
type Rule struct {
	Intent string   `yaml:"intent"`
	All    []string `yaml:"all"`
	Any    []string `yaml:"any"`
}

// Result is the outcome of classification.
type Result struct {
	Intent         string
	Confidence     float64
	Source         string
	CorrectedQuery string
}

// Classifier resolves free text to an intent through three tiers: typo
// correction, ordered deterministic rules, then embedding similarity.
type Classifier struct {
	rules     []Rule
	vocab     []string
	emb       *embeddings.Service
	vdb       *vectordb.Client
	threshold float64
	logger    *zap.Logger
}

// Option tunes a Classifier.
type Option func(*Classifier)

// WithEmbeddings enables the semantic fallback tier.
func WithEmbeddings(emb *embeddings.Service, vdb *vectordb.Client) Option {
	return func(c *Classifier) {
		c.emb = emb
		c.vdb = vdb
	}
}

// WithThreshold overrides the minimum confidence for an embedding match.
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		c.threshold = threshold
	}
}

// NewClassifier builds a classifier over an ordered rule list. Rule order is
// significant: the first matching rule wins.
func NewClassifier(rules []Rule, logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		rules:     rules,
		vocab:     buildVocabulary(rules),
		threshold: 0.7,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadRules reads an ordered rule list from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open intent rules %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode intent rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

// Classify resolves query to an intent. Classification is deterministic for
// a fixed rule set and corpus.
func (c *Classifier) Classify(ctx context.Context, query string) (Result, error) {
	corrected := c.correctTypos(query)
	tokens := tokenSet(corrected)

	for _, rule := range c.rules {
		if ruleMatches(rule, tokens) {
			ometrics.IntentClassifications.WithLabelValues(rule.Intent, sourceRule).Inc()
			return Result{
				Intent:         rule.Intent,
				Confidence:     1.0,
				Source:         sourceRule,
				CorrectedQuery: corrected,
			}, nil
		}
	}

	if c.emb != nil && c.vdb != nil && c.vdb.Enabled() {
		res, err := c.classifySemantic(ctx, corrected)
		if err != nil {
			c.logger.Warn("Semantic intent tier failed, falling through to unknown", zap.Error(err))
		} else if res.Intent != IntentUnknown {
			ometrics.IntentClassifications.WithLabelValues(res.Intent, sourceEmbedding).Inc()
			return res, nil
		}
	}

	ometrics.IntentClassifications.WithLabelValues(IntentUnknown, sourceUnknown).Inc()
	return Result{
		Intent:         IntentUnknown,
		Confidence:     0,
		Source:         sourceUnknown,
		CorrectedQuery: corrected,
	}, nil
}

func (c *Classifier) classifySemantic(ctx context.Context, query string) (Result, error) {
	vec, err := c.emb.Generate(ctx, query, "")
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w", err)
	}
	points, err := c.vdb.SearchIntentExamples(ctx, vec, 1)
	if err != nil {
		return Result{}, fmt.Errorf("search intent corpus: %w", err)
	}
	if len(points) == 0 {
		return Result{Intent: IntentUnknown, CorrectedQuery: query}, nil
	}

	top := points[0]
	// The index stores cosine similarity; fold it into a distance so
	// confidence decays smoothly as matches get worse.
	distance := 1 - top.Score
	if distance < 0 {
		distance = 0
	}
	confidence := 1 / (1 + distance)
	if confidence < c.threshold {
		return Result{Intent: IntentUnknown, CorrectedQuery: query}, nil
	}

	label, _ := top.Payload["intent"].(string)
	if label == "" {
		return Result{Intent: IntentUnknown, CorrectedQuery: query}, nil
	}
	return Result{
		Intent:         label,
		Confidence:     confidence,
		Source:         sourceEmbedding,
		CorrectedQuery: query,
	}, nil
}

// correctTypos rewrites query tokens that sit within typoSimilarityFloor edit
// similarity of a vocabulary word. Exact vocabulary tokens pass unchanged.
func (c *Classifier) correctTypos(query string) string {
	if len(c.vocab) == 0 {
		return normalize(query)
	}

	tokens := strings.Fields(normalize(query))
	for i, token := range tokens {
		if containsWord(c.vocab, token) {
			continue
		}
		bestWord := ""
		bestScore := 0.0
		for _, word := range c.vocab {
			score := editSimilarity(token, word)
			if score > bestScore {
				bestScore = score
				bestWord = word
			}
		}
		if bestScore >= typoSimilarityFloor {
			tokens[i] = bestWord
		}
	}
	return strings.Join(tokens, " ")
}

func ruleMatches(rule Rule, tokens map[string]struct{}) bool {
	for _, w := range rule.All {
		if _, ok := tokens[strings.ToLower(w)]; !ok {
			return false
		}
	}
	if len(rule.Any) == 0 {
		return true
	}
	for _, w := range rule.Any {
		if _, ok := tokens[strings.ToLower(w)]; ok {
			return true
		}
	}
	return false
}

func buildVocabulary(rules []Rule) []string {
	seen := make(map[string]struct{})
	var vocab []string
	for _, rule := range rules {
		for _, w := range append(append([]string(nil), rule.All...), rule.Any...) {
			w = strings.ToLower(w)
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			vocab = append(vocab, w)
		}
	}
	return vocab
}

func editSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

func normalize(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenSet(query string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, t := range strings.Fields(query) {
		tokens[t] = struct{}{}
	}
	return tokens
}

func containsWord(words []string, w string) bool {
	for _, candidate := range words {
		if candidate == w {
			return true
		}
	}
	return false
}
