package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Providers  ProvidersConfig  `json:"providers"`
	Memory     MemoryConfig     `json:"memory"`
	Transcribe TranscribeConfig `json:"transcribe"`
	Store      StoreConfig      `json:"store"`
	Channels   ChannelsConfig   `json:"channels"`
	Reminders  RemindersConfig  `json:"reminders"`
	Gateway    GatewayConfig    `json:"gateway"`
	Log        LogConfig        `json:"log"`
	mu         sync.RWMutex
}

type AgentConfig struct {
	Provider            string  `json:"provider" env:"COGNIANCHOR_AGENT_PROVIDER"`
	Model               string  `json:"model" env:"COGNIANCHOR_AGENT_MODEL"`
	MaxTokens           int     `json:"max_tokens" env:"COGNIANCHOR_AGENT_MAX_TOKENS"`
	Temperature         float64 `json:"temperature" env:"COGNIANCHOR_AGENT_TEMPERATURE"`
	MaxRounds           int     `json:"max_rounds" env:"COGNIANCHOR_AGENT_MAX_ROUNDS"`
	RoundTimeoutSeconds int     `json:"round_timeout_seconds" env:"COGNIANCHOR_AGENT_ROUND_TIMEOUT_SECONDS"`
	DefaultPatientID    string  `json:"default_patient_id" env:"COGNIANCHOR_AGENT_DEFAULT_PATIENT_ID"`
	DefaultPairID       string  `json:"default_pair_id" env:"COGNIANCHOR_AGENT_DEFAULT_PAIR_ID"`
	// Timezone is an IANA name used for reminder dates. Empty means the
	// host's local zone.
	Timezone string `json:"timezone" env:"COGNIANCHOR_AGENT_TIMEZONE"`
	// Pairs maps a patient id to the patient-caregiver pair that owns its data.
	Pairs map[string]string `json:"pairs"`
}

type ProvidersConfig struct {
	Gemini     GeminiProviderConfig     `json:"gemini"`
	OpenAI     OpenAIProviderConfig     `json:"openai"`
	OpenRouter OpenRouterProviderConfig `json:"openrouter"`
}

type GeminiProviderConfig struct {
	APIKey string `json:"api_key" env:"COGNIANCHOR_PROVIDERS_GEMINI_API_KEY"`
	// TokenFile holds a bearer token that is re-read on every request, for
	// deployments that rotate short-lived access tokens.
	TokenFile string `json:"token_file,omitempty" env:"COGNIANCHOR_PROVIDERS_GEMINI_TOKEN_FILE"`
	APIBase   string `json:"api_base" env:"COGNIANCHOR_PROVIDERS_GEMINI_API_BASE"`
	Proxy     string `json:"proxy,omitempty" env:"COGNIANCHOR_PROVIDERS_GEMINI_PROXY"`
}

type OpenAIProviderConfig struct {
	APIKey       string `json:"api_key" env:"COGNIANCHOR_PROVIDERS_OPENAI_API_KEY"`
	TokenFile    string `json:"token_file,omitempty" env:"COGNIANCHOR_PROVIDERS_OPENAI_TOKEN_FILE"`
	APIBase      string `json:"api_base" env:"COGNIANCHOR_PROVIDERS_OPENAI_API_BASE"`
	Proxy        string `json:"proxy,omitempty" env:"COGNIANCHOR_PROVIDERS_OPENAI_PROXY"`
	Organization string `json:"organization,omitempty" env:"COGNIANCHOR_PROVIDERS_OPENAI_ORGANIZATION"`
	Project      string `json:"project,omitempty" env:"COGNIANCHOR_PROVIDERS_OPENAI_PROJECT"`
}

type OpenRouterProviderConfig struct {
	APIKey  string `json:"api_key" env:"COGNIANCHOR_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"COGNIANCHOR_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"COGNIANCHOR_PROVIDERS_OPENROUTER_PROXY"`
}

type MemoryConfig struct {
	Capacity int `json:"capacity" env:"COGNIANCHOR_MEMORY_CAPACITY"`
}

type TranscribeConfig struct {
	// OpenAIAPIKey selects the online engine when set.
	OpenAIAPIKey   string `json:"openai_api_key" env:"COGNIANCHOR_TRANSCRIBE_OPENAI_API_KEY"`
	APIBase        string `json:"api_base" env:"COGNIANCHOR_TRANSCRIBE_API_BASE"`
	Model          string `json:"model" env:"COGNIANCHOR_TRANSCRIBE_MODEL"`
	ResponseFormat string `json:"response_format" env:"COGNIANCHOR_TRANSCRIBE_RESPONSE_FORMAT"`
	Language       string `json:"language" env:"COGNIANCHOR_TRANSCRIBE_LANGUAGE"`
	WhisperBinary  string `json:"whisper_binary" env:"COGNIANCHOR_TRANSCRIBE_WHISPER_BINARY"`
	ModelDir       string `json:"model_dir" env:"COGNIANCHOR_TRANSCRIBE_MODEL_DIR"`
	ModelSize      string `json:"model_size" env:"COGNIANCHOR_TRANSCRIBE_MODEL_SIZE"`
	Threads        int    `json:"threads" env:"COGNIANCHOR_TRANSCRIBE_THREADS"`
	TempDir        string `json:"temp_dir" env:"COGNIANCHOR_TRANSCRIBE_TEMP_DIR"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"COGNIANCHOR_TRANSCRIBE_TIMEOUT_SECONDS"`
}

type StoreConfig struct {
	Path string `json:"path" env:"COGNIANCHOR_STORE_PATH"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled            bool                `json:"enabled" env:"COGNIANCHOR_CHANNELS_DISCORD_ENABLED"`
	Token              string              `json:"token" env:"COGNIANCHOR_CHANNELS_DISCORD_TOKEN"`
	AllowFrom          FlexibleStringSlice `json:"allow_from" env:"COGNIANCHOR_CHANNELS_DISCORD_ALLOW_FROM"`
	CaregiverChannelID string              `json:"caregiver_channel_id" env:"COGNIANCHOR_CHANNELS_DISCORD_CAREGIVER_CHANNEL_ID"`
}

type RemindersConfig struct {
	Enabled bool `json:"enabled" env:"COGNIANCHOR_REMINDERS_ENABLED"`
	// Schedule is a cron expression for the due-reminder scan.
	Schedule string `json:"schedule" env:"COGNIANCHOR_REMINDERS_SCHEDULE"`
	Channel  string `json:"channel" env:"COGNIANCHOR_REMINDERS_CHANNEL"`
	// Targets maps a pair id to the chat that receives its reminders.
	Targets map[string]string `json:"targets"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"COGNIANCHOR_GATEWAY_HOST"`
	Port int    `json:"port" env:"COGNIANCHOR_GATEWAY_PORT"`

	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string `json:"auth_token" env:"COGNIANCHOR_GATEWAY_AUTH_TOKEN"`
}

type LogConfig struct {
	Level string `json:"level" env:"COGNIANCHOR_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"COGNIANCHOR_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:            "gemini",
			Model:               "gemini-1.5-pro",
			MaxTokens:           500,
			Temperature:         0.7,
			MaxRounds:           6,
			RoundTimeoutSeconds: 30,
			DefaultPatientID:    "local-patient",
			DefaultPairID:       "local-pair",
			Pairs:               map[string]string{},
		},
		Memory: MemoryConfig{
			Capacity: 10,
		},
		Transcribe: TranscribeConfig{
			Model:          "whisper-1",
			ResponseFormat: "json",
			Language:       "en",
			WhisperBinary:  "whisper-cli",
			ModelDir:       "~/.whisper",
			ModelSize:      "base",
			Threads:        4,
			TimeoutSeconds: 120,
		},
		Store: StoreConfig{
			Path: "~/.cognianchor/cognianchor.db",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Reminders: RemindersConfig{
			Enabled:  true,
			Schedule: "* * * * *",
			Channel:  "discord",
			Targets:  map[string]string{},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadDotEnv loads .env.local then .env from dir without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		p := filepath.Join(dir, name)
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.applyWellKnownEnv()

	return cfg, nil
}

// applyWellKnownEnv honours the vendor variable names operators usually
// already have exported.
func (c *Config) applyWellKnownEnv() {
	if strings.TrimSpace(c.Providers.Gemini.APIKey) == "" && strings.TrimSpace(c.Providers.Gemini.TokenFile) == "" {
		c.Providers.Gemini.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	openAIKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if openAIKey == "" {
		return
	}
	if strings.TrimSpace(c.Transcribe.OpenAIAPIKey) == "" {
		c.Transcribe.OpenAIAPIKey = openAIKey
	}
	if strings.TrimSpace(c.Providers.OpenAI.APIKey) == "" && strings.TrimSpace(c.Providers.OpenAI.TokenFile) == "" {
		c.Providers.OpenAI.APIKey = openAIKey
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.Path)
}

// PairFor returns the pair id configured for patientID, falling back to
// the default pair.
func (c *Config) PairFor(patientID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pair := strings.TrimSpace(c.Agent.Pairs[strings.TrimSpace(patientID)]); pair != "" {
		return pair
	}
	return c.Agent.DefaultPairID
}

func (c *Config) RoundTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.RoundTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Agent.RoundTimeoutSeconds) * time.Second
}

// Location resolves Agent.Timezone, falling back to time.Local when it is
// empty or unknown.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	name := strings.TrimSpace(c.Agent.Timezone)
	c.mu.RUnlock()
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
