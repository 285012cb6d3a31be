package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ErrToolNotFound is reported for names with no registered tool.
var ErrToolNotFound = errors.New("tool not found")

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any // Simple representation of JSON schema
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Definition describes a registered tool to API clients.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Registry manages the available tools. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), logger: slog.Default()}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// WithLogger sets the logger used to report tool panics and returns r.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions describes every registered tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	var defs []Definition
	for _, name := range r.Names() {
		if t, ok := r.Get(name); ok {
			defs = append(defs, Definition{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
		}
	}
	return defs
}

// Execute runs the named tool and reports (success, output). Unknown names,
// handler errors and handler panics all yield success=false with a
// description in output.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (success bool, output string) {
	t, ok := r.Get(name)
	if !ok {
		return false, fmt.Sprintf("%v: %s", ErrToolNotFound, name)
	}

	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("Tool panicked", "tool", name, "panic", v)
			success, output = false, fmt.Sprintf("Error: tool %s failed: %v", name, v)
		}
	}()

	result, err := t.Execute(ctx, input)
	if err != nil {
		return false, "Error: " + err.Error()
	}
	return true, formatOutput(result)
}

func formatOutput(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// stringArg returns input[key] as a trimmed string.
func stringArg(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// intArg returns input[key] as an int, or def when missing or invalid.
// JSON numbers decode as float64.
func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// floatArg returns input[key] as a float64, or def when missing or invalid.
func floatArg(input map[string]any, key string, def float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}
