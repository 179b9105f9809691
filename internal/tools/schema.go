package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var allowedTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "array": true, "object": true,
}

// ValidateSchema checks a tool's argument schema eagerly at load time.
// Structural rules first (required top-level type, typed properties and
// array items, required ⊆ properties), then a full compile so the schema
// is also valid against the JSON-Schema grammar.
func ValidateSchema(raw json.RawMessage) error {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("schema is not a JSON object: %w", err)
	}
	if err := checkNode(schema, ""); err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("schema rejected: %w", err)
	}
	if _, err := compiler.Compile("tool.json"); err != nil {
		return fmt.Errorf("schema rejected: %w", err)
	}
	return nil
}

func checkNode(node map[string]any, path string) error {
	at := func(field string) string {
		if path == "" {
			return field
		}
		return path + "." + field
	}

	typ, ok := node["type"].(string)
	if !ok {
		return fmt.Errorf("schema: %s: type is required", at("type"))
	}
	if !allowedTypes[typ] {
		return fmt.Errorf("schema: %s: unsupported type %q", at("type"), typ)
	}

	props, _ := node["properties"].(map[string]any)
	for name, v := range props {
		child, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("schema: %s: property must be an object", at("properties."+name))
		}
		if err := checkNode(child, at("properties."+name)); err != nil {
			return err
		}
	}

	if items, ok := node["items"]; ok {
		child, ok := items.(map[string]any)
		if !ok {
			return fmt.Errorf("schema: %s: items must be an object", at("items"))
		}
		if err := checkNode(child, at("items")); err != nil {
			return err
		}
	} else if typ == "array" {
		return fmt.Errorf("schema: %s: array requires items", at("items"))
	}

	if req, ok := node["required"]; ok {
		names, ok := req.([]any)
		if !ok {
			return fmt.Errorf("schema: %s: required must be an array", at("required"))
		}
		for _, n := range names {
			name, ok := n.(string)
			if !ok {
				return fmt.Errorf("schema: %s: required entries must be strings", at("required"))
			}
			if _, ok := props[name]; !ok {
				return fmt.Errorf("schema: %s: required name %q is not a property", at("required"), name)
			}
		}
	}
	return nil
}
