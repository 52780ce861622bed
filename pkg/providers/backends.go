package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cognianchor/cognianchor/pkg/config"
)

const (
	ProviderGemini     = "gemini"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// backend describes one OpenAI-compatible chat-completions endpoint and
// the quirks the assistant has to smooth over for it.
type backend struct {
	name         string
	label        string
	defaultBase  string
	defaultModel string
	settings     func(cfg *config.Config) backendSettings
	// hint returns operator guidance for a lower-cased upstream error
	// message, or "" when nothing applies.
	hint func(lower string) string
	// adjust repairs a decoded response before the agent loop sees it.
	adjust func(model string, resp *LLMResponse)
}

type backendSettings struct {
	credentialFields
	apiBase string
	proxy   string
	headers map[string]string
}

var backends = map[string]backend{
	ProviderGemini:     geminiBackend,
	ProviderOpenAI:     openAIBackend,
	ProviderOpenRouter: openRouterBackend,
}

func SupportedProviders() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lower-cases name; empty selects Gemini.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderGemini
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderGemini
	}
	return NormalizeProviderName(cfg.Agent.Provider)
}

func activeBackend(cfg *config.Config) (backend, error) {
	name := ActiveProviderName(cfg)
	b, ok := backends[name]
	if !ok {
		return backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return b, nil
}

func (b backend) credential(cfg *config.Config) (backendSettings, credential, error) {
	s := b.settings(cfg)
	cred, err := pickCredential(b.label, s.credentialFields)
	if err != nil {
		return s, credential{}, err
	}
	if err := cred.check(); err != nil {
		return s, credential{}, fmt.Errorf("%s token file not usable: %w", b.label, err)
	}
	return s, cred, nil
}

// CredentialStatus describes how the active provider would authenticate.
type CredentialStatus struct {
	Provider string
	// Default is set when the active provider is the built-in Gemini one.
	Default    bool
	Configured bool
	Mode       string
	// Problem explains what is missing when Configured is false.
	Problem string
}

func ProviderCredentialStatus(cfg *config.Config) (CredentialStatus, error) {
	if cfg == nil {
		return CredentialStatus{}, fmt.Errorf("config is required")
	}
	b, err := activeBackend(cfg)
	if err != nil {
		return CredentialStatus{Provider: ActiveProviderName(cfg)}, err
	}
	status := CredentialStatus{Provider: b.name, Default: b.name == ProviderGemini}
	_, cred, err := b.credential(cfg)
	if err != nil {
		status.Problem = err.Error()
		return status, nil
	}
	status.Configured = true
	status.Mode = cred.mode
	return status, nil
}

// CreateProvider builds the configured provider. A missing credential is
// reported here so the process fails at startup rather than on the first
// patient message.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	b, err := activeBackend(cfg)
	if err != nil {
		return nil, err
	}
	settings, cred, err := b.credential(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", b.name, err)
	}
	return newCompatClient(b, settings, cred)
}
