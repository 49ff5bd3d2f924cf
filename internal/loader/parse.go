package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// ParseFile reads a workflow document. Files ending in .json are parsed as
// JSON; anything else as YAML.
func ParseFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return schema.ParseWorkflowJSON(data)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a YAML workflow document. The document goes through
// JSON so YAML and JSON definitions share one decoder.
func ParseYAML(data []byte) (*schema.Workflow, error) {
	doc, err := YAMLToJSON(data)
	if err != nil {
		return nil, err
	}
	return schema.ParseWorkflowJSON(doc)
}

// YAMLToJSON converts a YAML document to JSON.
func YAMLToJSON(data []byte) ([]byte, error) {
	var doc any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML workflow document").WithCause(err)
	}
	return json.Marshal(jsonCompatible(doc))
}

// jsonCompatible rewrites the map[any]any values some YAML documents produce.
func jsonCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = jsonCompatible(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = jsonCompatible(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = jsonCompatible(item)
		}
		return val
	}
	return v
}

// Parse decodes a document whose format is sniffed from its first byte.
func Parse(data []byte) (*schema.Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return schema.ParseWorkflowJSON(trimmed)
	}
	return ParseYAML(data)
}
