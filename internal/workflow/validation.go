package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meridianhq/meridian/internal/dag"
)

// ValidationIssue captures a single validation failure with a stable code for metrics.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates workflow definition validation failures.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "workflow validation failed"
	}
	if len(e.Issues) == 1 {
		return e.Issues[0].Message
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Issues), strings.Join(msgs, "; "))
}

// HasIssues reports whether any validation problems were captured.
func (e *ValidationError) HasIssues() bool {
	return e != nil && len(e.Issues) > 0
}

// Messages returns just the human-readable text for each issue.
func (e *ValidationError) Messages() []string {
	if e == nil {
		return nil
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return msgs
}

var (
	allowedTransforms = map[TransformType]struct{}{
		TransformFilter:  {},
		TransformMap:     {},
		TransformMerge:   {},
		TransformFlatten: {},
	}
	allowedFilterOps = map[string]struct{}{
		"eq": {}, "neq": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {}, "contains": {},
	}
	allowedAggregates = map[AggregateOp]struct{}{
		AggregateSum: {}, AggregateCount: {}, AggregateAvg: {}, AggregateMin: {}, AggregateMax: {},
	}
	allowedFormats = map[OutputFormat]struct{}{
		FormatRaw: {}, FormatTable: {}, FormatUnifiedView: {},
	}
	allowedGovernanceClasses = map[string]struct{}{
		"READ": {}, "WRITE": {}, "MONEY_MOVE": {},
	}
)

// ValidateDefinition performs structural checks and returns a ValidationError
// when problems exist.
func ValidateDefinition(def *Definition) error {
	if def == nil {
		return &ValidationError{Issues: []ValidationIssue{{Code: "definition_nil", Message: "workflow definition is nil"}}}
	}

	var issues []ValidationIssue

	if strings.TrimSpace(def.Name) == "" {
		issues = append(issues, ValidationIssue{Code: "definition_name_missing", Message: "workflow name is required"})
	}
	if len(def.Steps) == 0 {
		issues = append(issues, ValidationIssue{Code: "definition_steps_empty", Message: "at least one step is required"})
	}

	seenInputs := make(map[string]struct{}, len(def.Inputs))
	for _, in := range def.Inputs {
		if strings.TrimSpace(in.Name) == "" {
			issues = append(issues, ValidationIssue{Code: "input_name_missing", Message: "workflow input is missing a name"})
			continue
		}
		if _, dup := seenInputs[in.Name]; dup {
			issues = append(issues, ValidationIssue{Code: "input_name_duplicate", Message: fmt.Sprintf("duplicate input name '%s'", in.Name)})
		}
		seenInputs[in.Name] = struct{}{}
	}

	if def.Governance != nil && def.Governance.Class != "" {
		if _, ok := allowedGovernanceClasses[def.Governance.Class]; !ok {
			issues = append(issues, ValidationIssue{Code: "governance_class_unknown", Message: fmt.Sprintf("unknown governance class '%s'", def.Governance.Class)})
		}
	}

	steps := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			issues = append(issues, ValidationIssue{Code: "step_id_missing", Message: fmt.Sprintf("step at index %d is missing an id", i)})
			continue
		}
		if _, exists := steps[step.ID]; exists {
			issues = append(issues, ValidationIssue{Code: "step_id_duplicate", Message: fmt.Sprintf("duplicate step id '%s'", step.ID)})
			continue
		}
		steps[step.ID] = step
	}

	for _, step := range steps {
		if strings.TrimSpace(step.Platform) == "" {
			issues = append(issues, ValidationIssue{Code: "step_platform_missing", Message: fmt.Sprintf("step '%s' is missing a platform", step.ID)})
		}
		if strings.TrimSpace(step.Tool) == "" {
			issues = append(issues, ValidationIssue{Code: "step_tool_missing", Message: fmt.Sprintf("step '%s' is missing a tool", step.ID)})
		}
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				issues = append(issues, ValidationIssue{Code: "dependency_self", Message: fmt.Sprintf("step '%s' cannot depend on itself", step.ID)})
				continue
			}
			if _, ok := steps[dep]; !ok {
				issues = append(issues, ValidationIssue{Code: "dependency_unknown", Message: fmt.Sprintf("step '%s' depends on unknown step '%s'", step.ID, dep)})
			}
		}
		issues = append(issues, validateTransform(step)...)
		issues = append(issues, validateAggregate(step)...)
	}

	// Cycle detection only makes sense once the reference issues are clean.
	if !hasDependencyIssues(issues) {
		adjacency := make(map[string][]string, len(steps))
		for id, step := range steps {
			adjacency[id] = step.DependsOn
		}
		if _, err := dag.Build(adjacency); err != nil {
			if cycleErr, ok := err.(*dag.CycleError); ok {
				issues = append(issues, ValidationIssue{Code: "graph_cycle", Message: fmt.Sprintf("cycle detected: %s", cycleErr.Path)})
			} else {
				issues = append(issues, ValidationIssue{Code: "graph_invalid", Message: err.Error()})
			}
		}
	}

	issues = append(issues, validateOutput(def, steps)...)

	if len(issues) > 0 {
		sort.Slice(issues, func(i, j int) bool {
			if issues[i].Code == issues[j].Code {
				return issues[i].Message < issues[j].Message
			}
			return issues[i].Code < issues[j].Code
		})
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateTransform(step *Step) []ValidationIssue {
	if step.Transform == nil {
		return nil
	}
	var issues []ValidationIssue
	tr := step.Transform
	if _, ok := allowedTransforms[tr.Type]; !ok {
		issues = append(issues, ValidationIssue{Code: "transform_type_unknown", Message: fmt.Sprintf("unknown transform type '%s' at step '%s'", tr.Type, step.ID)})
		return issues
	}
	switch tr.Type {
	case TransformFilter:
		if strings.TrimSpace(tr.Field) == "" {
			issues = append(issues, ValidationIssue{Code: "transform_field_missing", Message: fmt.Sprintf("filter transform at step '%s' requires a field", step.ID)})
		}
		if _, ok := allowedFilterOps[tr.Op]; !ok {
			issues = append(issues, ValidationIssue{Code: "transform_op_unknown", Message: fmt.Sprintf("unknown filter op '%s' at step '%s'", tr.Op, step.ID)})
		}
	case TransformMap:
		if len(tr.Fields) == 0 {
			issues = append(issues, ValidationIssue{Code: "transform_fields_missing", Message: fmt.Sprintf("map transform at step '%s' requires fields", step.ID)})
		}
	}
	return issues
}

func validateAggregate(step *Step) []ValidationIssue {
	if step.Aggregate == nil {
		return nil
	}
	var issues []ValidationIssue
	ag := step.Aggregate
	if _, ok := allowedAggregates[ag.Op]; !ok {
		issues = append(issues, ValidationIssue{Code: "aggregate_op_unknown", Message: fmt.Sprintf("unknown aggregate op '%s' at step '%s'", ag.Op, step.ID)})
		return issues
	}
	if ag.Op != AggregateCount && strings.TrimSpace(ag.Field) == "" {
		issues = append(issues, ValidationIssue{Code: "aggregate_field_missing", Message: fmt.Sprintf("aggregate '%s' at step '%s' requires a field", ag.Op, step.ID)})
	}
	return issues
}

func validateOutput(def *Definition, steps map[string]*Step) []ValidationIssue {
	if def.Output == nil {
		return nil
	}
	var issues []ValidationIssue
	out := def.Output
	if _, ok := allowedFormats[out.Format]; !ok {
		issues = append(issues, ValidationIssue{Code: "output_format_unknown", Message: fmt.Sprintf("unknown output format '%s'", out.Format)})
		return issues
	}
	switch out.Format {
	case FormatTable:
		if len(out.Columns) == 0 {
			issues = append(issues, ValidationIssue{Code: "output_columns_missing", Message: "table output requires columns"})
		}
	case FormatUnifiedView:
		if len(out.Sections) == 0 {
			issues = append(issues, ValidationIssue{Code: "output_sections_missing", Message: "unified_view output requires sections"})
		}
		for _, sec := range out.Sections {
			if _, ok := steps[sec.Step]; !ok {
				issues = append(issues, ValidationIssue{Code: "section_step_unknown", Message: fmt.Sprintf("section '%s' references unknown step '%s'", sec.Title, sec.Step)})
			}
		}
	}
	return issues
}

func hasDependencyIssues(issues []ValidationIssue) bool {
	for _, issue := range issues {
		switch issue.Code {
		case "dependency_self", "dependency_unknown", "step_id_missing", "step_id_duplicate":
			return true
		}
	}
	return false
}
