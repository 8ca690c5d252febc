package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDefinitionFile reads a YAML or JSON definition from disk.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow %s: %w", path, err)
	}
	def, err := decode(data, isJSON(path))
	if err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", path, err)
	}
	return def, nil
}

// LoadDefinition parses YAML from r.
func LoadDefinition(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	def, err := decode(data, false)
	if err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return def, nil
}

// LoadDefinitionJSON parses the JSON serialization.
func LoadDefinitionJSON(data []byte) (*Definition, error) {
	def, err := decode(data, true)
	if err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return def, nil
}

func decode(data []byte, asJSON bool) (*Definition, error) {
	var def Definition
	if asJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, err
		}
		return &def, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
