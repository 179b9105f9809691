package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func staticTool(name string) Tool {
	return &FuncTool{
		ToolName:        name,
		ToolDescription: name + " test tool",
		ToolSchema:      json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc ToolCtx) (string, error) {
			return "ok", nil
		},
	}
}

func TestCustomCannotShadowBuiltin(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterBuiltin(staticTool("journal_append")); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterCustom(staticTool("journal_append")); err == nil {
		t.Fatal("custom tool shadowing a builtin must be rejected")
	}
}

func TestDuplicateCustomFirstWins(t *testing.T) {
	reg := NewRegistry()
	first := staticTool("lookup")
	if err := reg.RegisterCustom(first); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterCustom(staticTool("lookup")); err == nil {
		t.Fatal("duplicate custom name must be rejected")
	}
	got, _ := reg.Get("lookup")
	if got != first {
		t.Error("first-loaded custom tool was replaced")
	}
}

func TestFilteredIntersection(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := reg.RegisterBuiltin(staticTool(name)); err != nil {
			t.Fatal(err)
		}
	}

	allow := map[string]bool{"beta": true, "delta": true}
	var names []string
	for _, tool := range reg.Filtered(allow) {
		names = append(names, tool.Name())
	}
	if !reflect.DeepEqual(names, []string{"beta"}) {
		t.Errorf("Filtered = %v, want [beta]", names)
	}

	if got := len(reg.Filtered(nil)); got != 3 {
		t.Errorf("nil allow-list filtered to %d tools, want all 3", got)
	}
}

func TestCustomNames(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterBuiltin(staticTool("builtin_one")); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterCustom(staticTool("user_one")); err != nil {
		t.Fatal(err)
	}
	if got := reg.CustomNames(); !reflect.DeepEqual(got, []string{"user_one"}) {
		t.Errorf("CustomNames = %v", got)
	}
}
