// Package definitions loads workflow definitions from YAML or JSON documents
// and keeps the ones a process serves by id.
package definitions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eleven-am/flowgate/internal/domain"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unsupported workflow file format %q (supported: json, yaml, yml)", domain.ErrInvalidConfig, filepath.Ext(path))
	}
}

// Parse decodes and validates one definition. YAML documents are decoded
// generically and re-encoded as JSON so both formats share the JSON shape of
// the definition, including string-or-object edge conditions.
func Parse(data []byte, format Format) (*domain.WorkflowDefinition, error) {
	payload := data
	switch format {
	case FormatJSON:
	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, domain.NewConfigurationError("", "invalid workflow YAML", err)
		}
		if doc == nil {
			return nil, domain.NewConfigurationError("", "workflow document is empty", nil)
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, domain.NewConfigurationError("", "workflow YAML cannot be represented as JSON", err)
		}
		payload = encoded
	default:
		return nil, fmt.Errorf("%w: unknown workflow format %q", domain.ErrInvalidConfig, format)
	}

	var def domain.WorkflowDefinition
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, domain.NewConfigurationError("", "invalid workflow definition", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func LoadFile(path string) (*domain.WorkflowDefinition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	def, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every .json, .yaml and .yml file directly inside dir, in
// name order. Other files are skipped.
func LoadDir(dir string) ([]*domain.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := FormatOf(entry.Name()); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make([]*domain.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
