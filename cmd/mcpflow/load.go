package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/viant/afs"

	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// readLocation reads a local path, or any URL afs understands (file://, mem://, ...).
func readLocation(ctx context.Context, location string) ([]byte, error) {
	if !strings.Contains(location, "://") {
		return os.ReadFile(location)
	}
	return afs.New().DownloadWithURL(ctx, location)
}

// toJSON returns data as JSON, converting YAML when the name or content says so.
func toJSON(name string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return data, nil
	case ".yaml", ".yml":
		return yaml.YAMLToJSON(data)
	}
	if xjson.Valid(bytes.TrimSpace(data)) {
		return data, nil
	}
	return yaml.YAMLToJSON(data)
}

// loadDefinition reads a workflow definition from a YAML or JSON file or URL.
// A file holding a whole workflow ({"name": ..., "definition": {...}}) yields its definition.
func loadDefinition(ctx context.Context, location string) (*schema.WorkflowDefinition, string, error) {
	data, err := readLocation(ctx, location)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", location, err)
	}
	raw, err := toJSON(location, data)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", location, err)
	}

	var wrapped struct {
		Name       string                     `json:"name"`
		Definition *schema.WorkflowDefinition `json:"definition"`
	}
	if err := xjson.Unmarshal(raw, &wrapped); err == nil && wrapped.Definition != nil {
		return wrapped.Definition, wrapped.Name, nil
	}

	var def schema.WorkflowDefinition
	if err := xjson.Unmarshal(raw, &def); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", location, err)
	}
	return &def, "", nil
}

// parseInput decodes --input: inline JSON/YAML, or @path to read a file.
func parseInput(ctx context.Context, value string) (map[string]any, error) {
	if value == "" {
		return map[string]any{}, nil
	}
	name, data := "", []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		var err error
		if data, err = readLocation(ctx, path); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		name = path
	}
	raw, err := toJSON(name, data)
	if err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	input := map[string]any{}
	if err := xjson.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input must be an object: %w", err)
	}
	return input, nil
}
