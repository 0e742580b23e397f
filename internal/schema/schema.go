// Package schema loads JSON-schema documents for structured generation.
// Schemas may be written as JSON or YAML; YAML is converted to JSON.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotObject is returned when a schema document is not a JSON object.
var ErrNotObject = errors.New("schema must be a JSON object")

// Load reads the schema file at path. Files ending in .yaml or .yml are
// parsed as YAML; anything else is treated as JSON.
func Load(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	raw, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	return raw, nil
}

// Parse converts data into a compact JSON schema. ext selects the input
// format (".yaml", ".yml" or ".json"); an empty ext sniffs the content.
func Parse(data []byte, ext string) (json.RawMessage, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return fromYAML(data)
	case ".json":
		return fromJSON(data)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return fromJSON(data)
	}
	return fromYAML(data)
}

func fromJSON(data []byte) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ErrNotObject
		}
		return nil, err
	}
	if obj == nil {
		return nil, ErrNotObject
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func fromYAML(data []byte) (json.RawMessage, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	obj, ok := normalize(doc).(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// normalize rewrites YAML-decoded values so encoding/json accepts them.
// yaml.v3 yields map[string]any for string-keyed mappings but falls back to
// map[any]any when keys are not strings.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
