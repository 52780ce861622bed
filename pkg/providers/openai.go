package providers

import (
	"strings"

	"github.com/cognianchor/cognianchor/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

var openAIBackend = backend{
	name:         ProviderOpenAI,
	label:        "OpenAI",
	defaultBase:  defaultOpenAIAPIBase,
	defaultModel: defaultOpenAIModel,
	settings: func(cfg *config.Config) backendSettings {
		o := cfg.Providers.OpenAI
		return backendSettings{
			credentialFields: credentialFields{
				keyField:  "providers.openai.api_key",
				key:       o.APIKey,
				fileField: "providers.openai.token_file",
				file:      o.TokenFile,
				envHint:   "OPENAI_API_KEY",
			},
			apiBase: o.APIBase,
			proxy:   o.Proxy,
			headers: map[string]string{
				"OpenAI-Organization": o.Organization,
				"OpenAI-Project":      o.Project,
			},
		}
	},
	hint: func(lower string) string {
		if strings.Contains(lower, "incorrect api key provided") {
			return "the openai provider expects a Platform API credential in providers.openai.api_key."
		}
		return ""
	},
}
