package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/autoflow/pkg/schema"
)

// definitionExts are the file extensions LoadDefinitions picks up.
var definitionExts = []string{".yaml", ".yml", ".json"}

// ParseDefinition decodes a workflow definition from YAML or JSON bytes.
// YAML is normalized through JSON so numbers decode the same way as in
// definitions stored by SaveWorkflow.
func ParseDefinition(data []byte) (*schema.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition payload is empty")
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "normalize definition: %s", err.Error()).WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(normalized, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
	}
	if def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition requires an id")
	}
	return &def, nil
}

// LoadDefinitionFile loads a workflow definition from path.
func LoadDefinitionFile(path string) (*schema.WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitions loads every definition file directly under dir, sorted by
// file name. Duplicate ids are rejected.
func LoadDefinitions(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var defs []*schema.WorkflowDefinition
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(definitionExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q defined in both %s and %s", def.ID, prev, path)
		}
		seen[def.ID] = path
		defs = append(defs, def)
	}
	return defs, nil
}

// DefinitionValidator checks a definition before it is seeded.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Seed validates and upserts defs. Validation runs for every definition
// before anything is written, so a bad file leaves the store untouched.
func Seed(ctx context.Context, s Store, v DefinitionValidator, defs []*schema.WorkflowDefinition) error {
	if v != nil {
		for _, def := range defs {
			if err := v.ValidateDefinition(def); err != nil {
				return fmt.Errorf("workflow %q: %w", def.ID, err)
			}
		}
	}
	for _, def := range defs {
		if err := s.SaveWorkflow(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
