package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/providers"
	"github.com/cognianchor/cognianchor/pkg/tools"
)

// ProviderError reports a failed model call.
type ProviderError struct {
	Model string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("model provider call failed (model=%s): %v", e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// GatewayOptions are the sampling knobs passed with every call.
type GatewayOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Gateway is a typed pass-through to the model provider.
type Gateway struct {
	provider providers.LLMProvider
	prompt   *ContextBuilder
	tools    *tools.ToolRegistry
	opts     GatewayOptions
}

func NewGateway(provider providers.LLMProvider, prompt *ContextBuilder, registry *tools.ToolRegistry, opts GatewayOptions) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("agent: model provider is required")
	}
	if registry == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if prompt == nil {
		prompt = NewContextBuilder(registry, nil, nil)
	}
	if opts.Model == "" {
		opts.Model = provider.GetDefaultModel()
	}
	return &Gateway{provider: provider, prompt: prompt, tools: registry, opts: opts}, nil
}

func (g *Gateway) Model() string { return g.opts.Model }

// Invoke sends the system prompt, msgs and the tool schemas to the model
// and returns its reply. The pair id for the prompt comes from the tool
// execution context on ctx.
func (g *Gateway) Invoke(ctx context.Context, msgs []Message) (AssistantMessage, error) {
	pairID := ""
	if ec, ok := tools.ExecutionContextFrom(ctx); ok {
		pairID = ec.PairID
	}

	wire := make([]Message, 0, len(msgs)+1)
	wire = append(wire, SystemMessage{Content: g.prompt.BuildSystemPrompt(pairID)})
	wire = append(wire, msgs...)

	providerToolDefs := g.tools.ToProviderDefs()
	callOpts := map[string]interface{}{}
	if g.opts.MaxTokens > 0 {
		callOpts["max_tokens"] = g.opts.MaxTokens
	}
	callOpts["temperature"] = g.opts.Temperature

	logger.DebugCF("agent", "LLM request",
		map[string]interface{}{
			"model":          g.opts.Model,
			"messages_count": len(wire),
			"tools_count":    len(providerToolDefs),
			"max_tokens":     g.opts.MaxTokens,
			"temperature":    g.opts.Temperature,
		})

	resp, err := g.provider.Chat(ctx, toProviderMessages(wire), providerToolDefs, g.opts.Model, callOpts)
	if err != nil {
		return AssistantMessage{}, &ProviderError{Model: g.opts.Model, Err: err}
	}
	if resp == nil {
		return AssistantMessage{}, &ProviderError{Model: g.opts.Model, Err: errors.New("empty response")}
	}
	return fromProviderResponse(resp), nil
}
