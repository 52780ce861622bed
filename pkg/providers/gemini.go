package providers

import (
	"strings"

	"github.com/google/uuid"

	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
)

// Gemini is reached through its OpenAI-compatible surface.
const (
	defaultGeminiAPIBase = "https://generativelanguage.googleapis.com/v1beta/openai"
	defaultGeminiModel   = "gemini-1.5-pro"
)

var geminiBackend = backend{
	name:         ProviderGemini,
	label:        "Gemini",
	defaultBase:  defaultGeminiAPIBase,
	defaultModel: defaultGeminiModel,
	settings: func(cfg *config.Config) backendSettings {
		g := cfg.Providers.Gemini
		return backendSettings{
			credentialFields: credentialFields{
				keyField:  "providers.gemini.api_key",
				key:       g.APIKey,
				fileField: "providers.gemini.token_file",
				file:      g.TokenFile,
				envHint:   "GEMINI_API_KEY",
			},
			apiBase: g.APIBase,
			proxy:   g.Proxy,
		}
	},
	hint:   geminiHint,
	adjust: adjustGeminiResponse,
}

func geminiHint(lower string) string {
	switch {
	case strings.Contains(lower, "api key not valid"), strings.Contains(lower, "api_key_invalid"):
		return "the Gemini provider expects a Google AI Studio key in GEMINI_API_KEY or providers.gemini.api_key."
	case strings.Contains(lower, "is not found for api version"), strings.Contains(lower, "model not found"):
		return "check agent.model; the Gemini OpenAI-compatible endpoint takes bare model ids such as " + defaultGeminiModel + "."
	case strings.Contains(lower, "resource_exhausted"), strings.Contains(lower, "quota"):
		return "the Gemini project is out of quota; replies will fail until it resets or billing is enabled."
	case strings.Contains(lower, "function_declarations"):
		return "Gemini rejected a tool schema; every parameter needs a type and nested objects need properties."
	}
	return ""
}

// adjustGeminiResponse fixes the two ways Gemini's compatibility layer
// departs from OpenAI: tool calls may arrive without ids, and a turn that
// calls tools can still report finish_reason "stop". Results are matched
// to calls by id, so every call gets a unique one.
func adjustGeminiResponse(model string, resp *LLMResponse) {
	if resp == nil || len(resp.ToolCalls) == 0 {
		return
	}
	synthesized := 0
	seen := make(map[string]bool, len(resp.ToolCalls))
	for i := range resp.ToolCalls {
		id := resp.ToolCalls[i].ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
			resp.ToolCalls[i].ID = id
			synthesized++
		}
		seen[id] = true
	}
	if resp.FinishReason == "" || resp.FinishReason == "stop" {
		resp.FinishReason = "tool_calls"
	}
	if synthesized > 0 {
		logger.DebugCF("providers", "Synthesized Gemini tool call ids", map[string]interface{}{
			"model": model,
			"calls": len(resp.ToolCalls),
			"ids":   synthesized,
		})
	}
}
