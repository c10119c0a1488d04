package connectors

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolParameter defines one parameter a tool accepts.
type ToolParameter struct {
	Name        string      `yaml:"name"`
	Type        string      `yaml:"type"`
	Required    bool        `yaml:"required"`
	Default     interface{} `yaml:"default"`
	Description string      `yaml:"description"`
	EnumValues  []string    `yaml:"enum_values"`
	// EntityType marks a parameter whose value should go through entity
	// resolution before dispatch.
	EntityType string `yaml:"entity_type"`
}

// ToolSpec describes one tool action: its parameters, governance class and
// the example utterances used for semantic intent matching.
type ToolSpec struct {
	ToolID          string          `yaml:"tool_id"`
	Version         string          `yaml:"version"`
	Platform        string          `yaml:"platform"`
	Category        string          `yaml:"category"`
	GovernanceClass string          `yaml:"governance_class"`
	Description     string          `yaml:"description"`
	Parameters      []ToolParameter `yaml:"parameters"`

	SemanticDescription string   `yaml:"semantic_description"`
	ExampleQueries      []string `yaml:"example_queries"`
}

// ValidateParams checks provided parameters against the spec and returns
// every violation, not just the first.
func (s *ToolSpec) ValidateParams(params map[string]interface{}) []string {
	var errs []string

	for _, p := range s.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			errs = append(errs, fmt.Sprintf("missing required parameter: %s", p.Name))
		}
	}

	for _, p := range s.Parameters {
		if len(p.EnumValues) == 0 {
			continue
		}
		raw, ok := params[p.Name]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || !contains(p.EnumValues, value) {
			errs = append(errs, fmt.Sprintf("invalid value for %s, must be one of: %s",
				p.Name, strings.Join(p.EnumValues, ", ")))
		}
	}
	return errs
}

// ParseToolSpec strictly decodes one YAML document.
func ParseToolSpec(data []byte) (*ToolSpec, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var spec ToolSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse tool spec: %w", err)
	}
	if spec.ToolID == "" {
		return nil, fmt.Errorf("tool spec missing tool_id")
	}
	if spec.Platform == "" {
		return nil, fmt.Errorf("tool spec %s missing platform", spec.ToolID)
	}
	if spec.GovernanceClass == "" {
		return nil, fmt.Errorf("tool spec %s missing governance_class", spec.ToolID)
	}
	return &spec, nil
}

// LoadToolSpecs reads every .yaml/.yml file under a directory tree.
func LoadToolSpecs(root string) (map[string]*ToolSpec, error) {
	specs := make(map[string]*ToolSpec)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(info.Name())
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		spec, err := ParseToolSpec(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		specs[spec.Platform+"."+spec.ToolID] = spec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
