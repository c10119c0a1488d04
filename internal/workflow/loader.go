package workflow

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDefinitionFromFile reads a YAML workflow definition from disk.
func LoadDefinitionFromFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow %s: %w", path, err)
	}
	defer f.Close()
	def, err := decodeDefinition(f)
	if err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", path, err)
	}
	return def, nil
}

// LoadDefinition parses a workflow definition from the provided reader.
func LoadDefinition(r io.Reader) (*Definition, error) {
	def, err := decodeDefinition(r)
	if err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return def, nil
}

func decodeDefinition(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
