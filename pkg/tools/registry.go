package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/providers"
)

var (
	ErrDuplicateKind = errors.New("tools: kind already registered")
	ErrMissingKinds  = errors.New("tools: registry incomplete")
)

// UnavailableMessage is the tool-result text for a call naming a tool
// that is not registered.
func UnavailableMessage(name string) string {
	return fmt.Sprintf("Error: tool %q is not available.", name)
}

type ToolRegistry struct {
	tools map[Kind]Tool
	mu    sync.RWMutex
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[Kind]Tool),
	}
}

func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tools: nil tool")
	}
	kind := tool.Kind()
	if _, ok := kindNames[kind]; !ok {
		return fmt.Errorf("tools: unknown kind %d for %q", int(kind), tool.Name())
	}
	if tool.Name() != kind.String() {
		return fmt.Errorf("tools: tool name %q does not match kind %s", tool.Name(), kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.tools[kind] = tool
	return nil
}

// Validate fails unless every Kind has a registered handler.
func (r *ToolRegistry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, k := range AllKinds() {
		if _, ok := r.tools[k]; !ok {
			missing = append(missing, k.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMissingKinds, strings.Join(missing, ", "))
	}
	return nil
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	kind, ok := ParseKind(name)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[kind]
	return tool, ok
}

// Execute runs the named tool. An unknown name is not fatal: it yields a
// tool result telling the model the tool is unavailable.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		logger.WarnCF("tool", "Tool not available", map[string]interface{}{"tool": name})
		return ErrorResult(UnavailableMessage(name)).WithError(fmt.Errorf("tool %q not registered", name))
	}

	fields := callFields(ctx, name, args)
	start := time.Now()
	result := tool.Execute(ctx, args)
	fields["duration_ms"] = time.Since(start).Milliseconds()

	switch {
	case result == nil:
		err := fmt.Errorf("tool %q returned nil result", name)
		logger.ErrorCF("tool", "Tool returned nil result", fields)
		return ErrorResult("Error: " + err.Error()).WithError(err)
	case result.IsError:
		if result.Err != nil {
			fields["error"] = result.Err.Error()
		}
		logger.ErrorCF("tool", "Tool call failed", fields)
	default:
		logger.InfoCF("tool", "Tool call completed", fields)
	}
	return result
}

// callFields describes a call for the log without the patient's own words:
// pair_id is logged as is, free-text arguments only by length.
func callFields(ctx context.Context, name string, args map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{"tool": name}
	if ec, ok := ExecutionContextFrom(ctx); ok && ec.PatientID != "" {
		fields["patient_id"] = ec.PatientID
	}
	keys := make([]string, 0, len(args))
	for k, v := range args {
		keys = append(keys, k)
		if k == "pair_id" {
			fields["pair_id"] = v
			continue
		}
		if text, ok := v.(string); ok {
			fields[k+"_len"] = len(text)
		}
	}
	sort.Strings(keys)
	fields["args"] = keys
	return fields
}

func (r *ToolRegistry) ordered() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, k := range AllKinds() {
		if tool, ok := r.tools[k]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// ToProviderDefs returns the tool definitions in Kind order so requests
// are deterministic.
func (r *ToolRegistry) ToProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.ordered() {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// List returns registered tool names in Kind order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for _, tool := range r.ordered() {
		names = append(names, tool.Name())
	}
	return names
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Summaries returns "- `name` - description" lines for the system prompt.
func (r *ToolRegistry) Summaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for _, tool := range r.ordered() {
		out = append(out, fmt.Sprintf("- `%s` - %s", tool.Name(), tool.Description()))
	}
	return out
}
