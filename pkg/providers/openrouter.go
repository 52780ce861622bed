package providers

import (
	"strings"

	"github.com/cognianchor/cognianchor/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "google/gemini-pro-1.5"
)

var openRouterBackend = backend{
	name:         ProviderOpenRouter,
	label:        "OpenRouter",
	defaultBase:  defaultOpenRouterAPIBase,
	defaultModel: defaultOpenRouterModel,
	settings: func(cfg *config.Config) backendSettings {
		o := cfg.Providers.OpenRouter
		return backendSettings{
			credentialFields: credentialFields{
				keyField: "providers.openrouter.api_key",
				key:      o.APIKey,
			},
			apiBase: o.APIBase,
			proxy:   o.Proxy,
			headers: map[string]string{"X-Title": "CogniAnchor"},
		}
	},
	hint: func(lower string) string {
		if strings.Contains(lower, "no endpoints found") {
			return "OpenRouter model ids are vendor-prefixed, for example " + defaultOpenRouterModel + "."
		}
		return ""
	},
	// OpenRouter passes Gemini's tool-call quirks straight through.
	adjust: func(model string, resp *LLMResponse) {
		if strings.HasPrefix(strings.ToLower(model), "google/") {
			adjustGeminiResponse(model, resp)
		}
	},
}
