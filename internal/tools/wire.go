package tools

import "github.com/kestrelworks/valet/internal/providers"

// Specs converts a tool slice into the provider-neutral descriptors the
// adapters encode per dialect.
func Specs(list []Tool) []providers.ToolSpec {
	out := make([]providers.ToolSpec, len(list))
	for i, t := range list {
		out[i] = providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		}
	}
	return out
}

// AnthropicSpec is the Anthropic-dialect wire shape for one tool.
type AnthropicSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// OpenAISpec is the OpenAI-dialect wire shape for one tool.
type OpenAISpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

// AnthropicWire renders the tool list in the A-dialect shape, used by the
// panel's capability listing.
func AnthropicWire(list []Tool) []AnthropicSpec {
	out := make([]AnthropicSpec, len(list))
	for i, t := range list {
		out[i] = AnthropicSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		}
	}
	return out
}

// OpenAIWire renders the tool list in the O-dialect shape.
func OpenAIWire(list []Tool) []OpenAISpec {
	out := make([]OpenAISpec, len(list))
	for i, t := range list {
		spec := OpenAISpec{Type: "function"}
		spec.Function.Name = t.Name()
		spec.Function.Description = t.Description()
		spec.Function.Parameters = t.Schema()
		out[i] = spec
	}
	return out
}
