package workflow

import (
	"sort"
	"strings"
)

// OutputFormat enumerates supported response shapes.
type OutputFormat string

const (
	FormatRaw         OutputFormat = ""
	FormatTable       OutputFormat = "table"
	FormatUnifiedView OutputFormat = "unified_view"
)

// TransformType enumerates supported in-flight data transforms.
type TransformType string

const (
	TransformFilter  TransformType = "filter"
	TransformMap     TransformType = "map"
	TransformMerge   TransformType = "merge"
	TransformFlatten TransformType = "flatten"
)

// AggregateOp enumerates supported aggregations.
type AggregateOp string

const (
	AggregateSum   AggregateOp = "sum"
	AggregateCount AggregateOp = "count"
	AggregateAvg   AggregateOp = "avg"
	AggregateMin   AggregateOp = "min"
	AggregateMax   AggregateOp = "max"
)

// Definition captures a declarative workflow bound to an intent.
type Definition struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	Description string          `yaml:"description"`
	Intent      string          `yaml:"intent"`
	Inputs      []InputSpec     `yaml:"inputs"`
	Steps       []Step          `yaml:"steps"`
	Output      *OutputSpec     `yaml:"output"`
	Governance  *GovernanceSpec `yaml:"governance"`
	Metadata    map[string]any  `yaml:"metadata"`
}

// InputSpec declares one named run input.
type InputSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`
}

// GovernanceSpec overrides the governance treatment of a whole workflow.
// When Class is set it is evaluated in place of the per-step tool classes.
type GovernanceSpec struct {
	Class            string `yaml:"class"`
	RequiresApproval *bool  `yaml:"requires_approval"`
}

// Step is a single tool invocation within a workflow. Params may contain
// {{inputs.*}} and {{steps.<id>.*}} placeholders resolved at execution time.
type Step struct {
	ID        string         `yaml:"id"`
	Platform  string         `yaml:"platform"`
	Tool      string         `yaml:"tool"`
	Params    map[string]any `yaml:"params"`
	DependsOn []string       `yaml:"depends_on"`
	Transform *TransformSpec `yaml:"transform"`
	Aggregate *AggregateSpec `yaml:"aggregate"`
}

// TransformSpec describes a post-processing transform applied to a step's data.
type TransformSpec struct {
	Type   TransformType `yaml:"type"`
	Field  string        `yaml:"field"`
	Op     string        `yaml:"op"`
	Value  any           `yaml:"value"`
	Fields []string      `yaml:"fields"`
}

// AggregateSpec describes an aggregation applied to a step's data.
type AggregateSpec struct {
	Op      AggregateOp `yaml:"op"`
	Field   string      `yaml:"field"`
	GroupBy string      `yaml:"group_by"`
}

// OutputSpec shapes the final response assembled from step outputs.
type OutputSpec struct {
	Format   OutputFormat `yaml:"format"`
	Columns  []string     `yaml:"columns"`
	Sections []Section    `yaml:"sections"`
}

// Section names one slice of a unified view, sourced from a single step.
type Section struct {
	Title string `yaml:"title"`
	Step  string `yaml:"step"`
}

// MissingInputsError enumerates every required input absent from a run, not
// just the first one found.
type MissingInputsError struct {
	Names []string
}

func (e *MissingInputsError) Error() string {
	return "missing required inputs: " + strings.Join(e.Names, ", ")
}

// PrepareInputs merges provided values with declared defaults and rejects
// the run when any required input is absent.
func (d *Definition) PrepareInputs(provided map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(provided)+len(d.Inputs))
	for k, v := range provided {
		merged[k] = v
	}

	var missing []string
	for _, in := range d.Inputs {
		if _, ok := merged[in.Name]; ok {
			continue
		}
		if in.Default != nil {
			merged[in.Name] = in.Default
			continue
		}
		if in.Required {
			missing = append(missing, in.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingInputsError{Names: missing}
	}
	return merged, nil
}

// StepByID returns a pointer to the step with the supplied ID, if present.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}
