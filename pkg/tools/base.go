package tools

import (
	"context"
	"fmt"
	"strings"
)

// Kind identifies one of the assistant's tools. The set is closed: the
// registry refuses to start unless every kind has a handler.
type Kind int

const (
	KindCreateReminder Kind = iota + 1
	KindListReminders
	KindDeleteReminder
	KindSendEmergencyAlert
)

var kindNames = map[Kind]string{
	KindCreateReminder:     "create_reminder",
	KindListReminders:      "list_reminders",
	KindDeleteReminder:     "delete_reminder",
	KindSendEmergencyAlert: "send_emergency_alert",
}

// AllKinds returns every tool kind in declaration order.
func AllKinds() []Kind {
	return []Kind{KindCreateReminder, KindListReminders, KindDeleteReminder, KindSendEmergencyAlert}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a wire name to its Kind.
func ParseKind(name string) (Kind, bool) {
	name = strings.TrimSpace(name)
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Tool is the interface that all tools must implement.
type Tool interface {
	Kind() Kind
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ExecutionContext carries who a tool call is acting for.
type ExecutionContext struct {
	PatientID string
	PairID    string
	Channel   string
	ChatID    string
}

type executionContextKey struct{}

// WithExecutionContext annotates a call context with per-run identity.
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, executionContextKey{}, ec)
}

func ExecutionContextFrom(ctx context.Context) (ExecutionContext, bool) {
	if ctx == nil {
		return ExecutionContext{}, false
	}
	ec, ok := ctx.Value(executionContextKey{}).(ExecutionContext)
	return ec, ok
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}
