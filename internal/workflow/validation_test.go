package workflow

import (
	"strings"
	"testing"
)

func validDefinition() *Definition {
	return &Definition{
		Name:    "invoice_overview",
		Version: "1.0.0",
		Intent:  "INVOICE_OVERVIEW",
		Steps: []Step{
			{ID: "fetch", Platform: "stripe", Tool: "list_invoices"},
			{ID: "summarize", Platform: "stripe", Tool: "noop", DependsOn: []string{"fetch"},
				Aggregate: &AggregateSpec{Op: AggregateSum, Field: "amount"}},
		},
	}
}

func TestValidateDefinitionAcceptsValid(t *testing.T) {
	if err := ValidateDefinition(validDefinition()); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}
}

func TestValidateDefinitionNil(t *testing.T) {
	err := ValidateDefinition(nil)
	if err == nil {
		t.Fatal("expected error for nil definition")
	}
}

func TestValidateDefinitionMissingName(t *testing.T) {
	def := validDefinition()
	def.Name = "  "
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("expected name error, got %v", err)
	}
}

func TestValidateDefinitionDuplicateStepID(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, Step{ID: "fetch", Platform: "stripe", Tool: "list_invoices"})
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "duplicate step id 'fetch'") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestValidateDefinitionSelfDependency(t *testing.T) {
	def := validDefinition()
	def.Steps[0].DependsOn = []string{"fetch"}
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "cannot depend on itself") {
		t.Fatalf("expected self-dependency error, got %v", err)
	}
}

func TestValidateDefinitionUnknownDependency(t *testing.T) {
	def := validDefinition()
	def.Steps[1].DependsOn = []string{"ghost"}
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "unknown step 'ghost'") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestValidateDefinitionCycle(t *testing.T) {
	def := &Definition{
		Name: "cyclic",
		Steps: []Step{
			{ID: "a", Platform: "p", Tool: "t", DependsOn: []string{"b"}},
			{ID: "b", Platform: "p", Tool: "t", DependsOn: []string{"a"}},
		},
	}
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "cycle detected") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateDefinitionAggregatesIssues(t *testing.T) {
	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "t"},
		},
	}
	err := ValidateDefinition(def)
	vErr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(vErr.Issues) < 2 {
		t.Fatalf("expected multiple issues, got %v", vErr.Issues)
	}
	// Issues arrive sorted by code for stable reporting.
	for i := 1; i < len(vErr.Issues); i++ {
		if vErr.Issues[i-1].Code > vErr.Issues[i].Code {
			t.Fatalf("issues not sorted: %v", vErr.Issues)
		}
	}
}

func TestValidateDefinitionTransforms(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Transform = &TransformSpec{Type: "explode"}
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "unknown transform type 'explode'") {
		t.Fatalf("expected transform type error, got %v", err)
	}

	def = validDefinition()
	def.Steps[0].Transform = &TransformSpec{Type: TransformFilter, Field: "status", Op: "like"}
	err = ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "unknown filter op 'like'") {
		t.Fatalf("expected filter op error, got %v", err)
	}

	def = validDefinition()
	def.Steps[0].Transform = &TransformSpec{Type: TransformMap}
	err = ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "requires fields") {
		t.Fatalf("expected map fields error, got %v", err)
	}
}

func TestValidateDefinitionAggregates(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Aggregate = &AggregateSpec{Op: "median", Field: "amount"}
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "unknown aggregate op 'median'") {
		t.Fatalf("expected aggregate op error, got %v", err)
	}

	def = validDefinition()
	def.Steps[1].Aggregate = &AggregateSpec{Op: AggregateAvg}
	err = ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "requires a field") {
		t.Fatalf("expected aggregate field error, got %v", err)
	}

	def = validDefinition()
	def.Steps[1].Aggregate = &AggregateSpec{Op: AggregateCount}
	if err := ValidateDefinition(def); err != nil {
		t.Fatalf("count should not require a field, got %v", err)
	}
}

func TestValidateDefinitionOutput(t *testing.T) {
	def := validDefinition()
	def.Output = &OutputSpec{Format: "csv"}
	err := ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "unknown output format 'csv'") {
		t.Fatalf("expected format error, got %v", err)
	}

	def = validDefinition()
	def.Output = &OutputSpec{Format: FormatTable}
	err = ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "table output requires columns") {
		t.Fatalf("expected columns error, got %v", err)
	}

	def = validDefinition()
	def.Output = &OutputSpec{Format: FormatUnifiedView, Sections: []Section{{Title: "Invoices", Step: "ghost"}}}
	err = ValidateDefinition(def)
	if err == nil || !strings.Contains(err.Error(), "unknown step 'ghost'") {
		t.Fatalf("expected section step error, got %v", err)
	}

	def = validDefinition()
	def.Output = &OutputSpec{Format: FormatUnifiedView, Sections: []Section{{Title: "Invoices", Step: "fetch"}}}
	if err := ValidateDefinition(def); err != nil {
		t.Fatalf("expected valid unified view, got %v", err)
	}
}
