// Package tools defines in-process tools the live service can call, and the
// [Registry] that dispatches calls to them by name.
//
// Tool packages such as formtool export a constructor returning a slice of
// [Tool] values ready for [Registry.Register].
package tools

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/pkg/provider/live"
)

// Handler executes a tool call. args are the decoded call arguments; the
// returned map is sent back to the live service verbatim. Failures are
// reported in the map (success=false), never as a Go error, so a bad call
// can not end the session.
type Handler func(ctx context.Context, args map[string]any) map[string]any

// Tool is a tool declaration plus its handler.
type Tool struct {
	// Definition is declared to the live service during setup.
	Definition live.ToolDefinition

	// Handler must be safe for concurrent use.
	Handler Handler
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	metrics *observe.Metrics

	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	calls atomic.Int64
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMetrics records tool calls into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Register adds tools. A tool with an existing name replaces the old one and
// keeps its position.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		name := t.Definition.Name
		if name == "" {
			return fmt.Errorf("tools: tool must have a non-empty name")
		}
		if t.Handler == nil {
			return fmt.Errorf("tools: tool %q must have a non-nil handler", name)
		}
		if _, exists := r.tools[name]; !exists {
			r.order = append(r.order, name)
		}
		r.tools[name] = t
	}
	return nil
}

// Definitions returns every tool declaration in registration order.
func (r *Registry) Definitions() []live.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]live.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Call dispatches a call by name. Unknown names produce a failure result.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) map[string]any {
	r.calls.Add(1)
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		observe.Logger(ctx).Warn("tools: unknown function", "name", name)
		r.metrics.RecordToolCall(ctx, name, false, 0)
		return Failure("Unknown function: " + name)
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := observe.StartSpan(ctx, "tool."+name)
	start := time.Now()
	result := t.Handler(ctx, args)
	if result == nil {
		result = map[string]any{"success": true}
	}
	ok = Succeeded(result)
	r.metrics.RecordToolCall(ctx, name, ok, time.Since(start))
	var err error
	if !ok {
		err = fmt.Errorf("%v", result["error"])
	}
	observe.EndSpan(span, err)
	return result
}

// Calls returns the number of calls dispatched, including unknown names.
func (r *Registry) Calls() int64 { return r.calls.Load() }

// Failure builds a failure result.
func Failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

// Succeeded reports whether result is not an explicit failure.
func Succeeded(result map[string]any) bool {
	v, ok := result["success"].(bool)
	return !ok || v
}

// StringArg returns args[key] as a string. Numbers and booleans are
// formatted; missing or null values yield def.
func StringArg(args map[string]any, key, def string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return def
	}
}

// BoolArg returns args[key] as a bool, accepting JSON booleans and the
// strings understood by [strconv.ParseBool]. Anything else yields def.
func BoolArg(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
