package intent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func testRules() []Rule {
	return []Rule{
		{Intent: "INVOICE_OVERVIEW", All: []string{"invoices"}, Any: []string{"show", "list", "overview"}},
		{Intent: "CUSTOMER_LOOKUP", All: []string{"customer"}, Any: []string{"find", "lookup", "show"}},
		{Intent: "REFUND_PAYMENT", All: []string{"refund"}},
	}
}

func TestClassifyRuleMatch(t *testing.T) {
	c := NewClassifier(testRules(), zap.NewNop())

	res, err := c.Classify(context.Background(), "Show me all invoices from last month")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent != "INVOICE_OVERVIEW" {
		t.Fatalf("expected INVOICE_OVERVIEW, got %s", res.Intent)
	}
	if res.Confidence != 1.0 || res.Source != "rule" {
		t.Fatalf("expected confident rule match, got %+v", res)
	}
}

func TestClassifyRuleOrderFirstMatchWins(t *testing.T) {
	// Both rules could match "show customer invoices"; the first registered
	// rule must win.
	c := NewClassifier(testRules(), zap.NewNop())

	res, err := c.Classify(context.Background(), "show customer invoices")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent != "INVOICE_OVERVIEW" {
		t.Fatalf("expected first rule to win, got %s", res.Intent)
	}
}

func TestClassifyAllWithoutAny(t *testing.T) {
	c := NewClassifier(testRules(), zap.NewNop())

	res, err := c.Classify(context.Background(), "refund the payment for order 42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent != "REFUND_PAYMENT" {
		t.Fatalf("expected REFUND_PAYMENT, got %s", res.Intent)
	}
}

func TestClassifyTypoCorrection(t *testing.T) {
	c := NewClassifier(testRules(), zap.NewNop())

	res, err := c.Classify(context.Background(), "show me the invoicess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent != "INVOICE_OVERVIEW" {
		t.Fatalf("expected typo-corrected match, got %+v", res)
	}
	if res.CorrectedQuery != "show me the invoices" {
		t.Fatalf("expected corrected query, got %q", res.CorrectedQuery)
	}
}

func TestClassifyUnknown(t *testing.T) {
	c := NewClassifier(testRules(), zap.NewNop())

	res, err := c.Classify(context.Background(), "what is the meaning of life")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent != IntentUnknown || res.Confidence != 0 || res.Source != "unknown" {
		t.Fatalf("expected unknown result, got %+v", res)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(testRules(), zap.NewNop())

	first, _ := c.Classify(context.Background(), "list invoices")
	for i := 0; i < 10; i++ {
		res, _ := c.Classify(context.Background(), "list invoices")
		if res != first {
			t.Fatalf("classification not deterministic: %+v vs %+v", res, first)
		}
	}
}

func TestEditSimilarity(t *testing.T) {
	if got := editSimilarity("invoices", "invoices"); got != 1 {
		t.Fatalf("expected identity similarity 1, got %f", got)
	}
	if got := editSimilarity("invoicess", "invoices"); got < typoSimilarityFloor {
		t.Fatalf("expected one-edit typo above floor, got %f", got)
	}
	if got := editSimilarity("cat", "invoices"); got >= typoSimilarityFloor {
		t.Fatalf("expected unrelated words below floor, got %f", got)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intents.yaml")
	content := `
rules:
  - intent: INVOICE_OVERVIEW
    all: [invoices]
    any: [show, list]
  - intent: REFUND_PAYMENT
    all: [refund]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 || rules[0].Intent != "INVOICE_OVERVIEW" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}
