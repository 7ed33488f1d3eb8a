package tools_test

import (
	"context"
	"testing"

	"github.com/MrWong99/voiceform/internal/tools"
	"github.com/MrWong99/voiceform/pkg/provider/live"
)

func echoTool(name string) tools.Tool {
	return tools.Tool{
		Definition: live.ToolDefinition{Name: name},
		Handler: func(_ context.Context, args map[string]any) map[string]any {
			return map[string]any{"success": true, "args": args}
		},
	}
}

func TestRegistryCall(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	if err := r.Register(echoTool("a"), echoTool("b")); err != nil {
		t.Fatal(err)
	}
	res := r.Call(context.Background(), "a", nil)
	if res["success"] != true {
		t.Errorf("result = %v", res)
	}
	if args, _ := res["args"].(map[string]any); args == nil {
		t.Error("nil args were not replaced with an empty map")
	}
	if got := r.Calls(); got != 1 {
		t.Errorf("Calls = %d; want 1", got)
	}
}

func TestRegistryUnknownFunction(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	res := r.Call(context.Background(), "launch_rocket", nil)
	if res["success"] != false || res["error"] != "Unknown function: launch_rocket" {
		t.Errorf("result = %v", res)
	}
	if r.Calls() != 1 {
		t.Error("unknown calls should still be counted")
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	if err := r.Register(tools.Tool{Handler: echoTool("x").Handler}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register(tools.Tool{Definition: live.ToolDefinition{Name: "x"}}); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegistryReplaceKeepsOrder(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	_ = r.Register(echoTool("a"), echoTool("b"))
	replacement := echoTool("a")
	replacement.Definition.Description = "new"
	_ = r.Register(replacement)

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "a" || defs[0].Description != "new" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestArgHelpers(t *testing.T) {
	t.Parallel()

	args := map[string]any{"s": "x", "f": 2.5, "i": 3, "b": true, "bs": "false", "bad": "maybe"}
	tests := []struct {
		key, want string
	}{
		{"s", "x"}, {"f", "2.5"}, {"i", "3"}, {"b", "true"}, {"missing", "def"},
	}
	for _, tt := range tests {
		if got := tools.StringArg(args, tt.key, "def"); got != tt.want {
			t.Errorf("StringArg(%q) = %q; want %q", tt.key, got, tt.want)
		}
	}
	if !tools.BoolArg(args, "b", false) || tools.BoolArg(args, "bs", true) {
		t.Error("BoolArg parsed wrong value")
	}
	if !tools.BoolArg(args, "bad", true) || tools.BoolArg(args, "missing", false) {
		t.Error("BoolArg ignored default")
	}
	if tools.Succeeded(map[string]any{"success": false}) || !tools.Succeeded(map[string]any{}) {
		t.Error("Succeeded misclassified result")
	}
}
