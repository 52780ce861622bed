package transcribe

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/cognianchor/cognianchor/pkg/logger"
)

const (
	DefaultOnlineModel = "whisper-1"
	defaultOnlineRetry = 2
	defaultHTTPTimeout = 2 * time.Minute
)

type OnlineConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	ResponseFormat string
	Language       string
	Timeout        time.Duration
	MaxRetries     int
	HTTPClient     *http.Client
}

// OnlineEngine calls the OpenAI audio transcription endpoint.
type OnlineEngine struct {
	client   openaigo.Client
	model    string
	format   string
	language string
}

func NewOnlineEngine(cfg OnlineConfig) (*OnlineEngine, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("online transcription requires an API key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultOnlineModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = defaultOnlineRetry
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(retries),
		option.WithRequestTimeout(timeout),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}

	return &OnlineEngine{
		client:   openaigo.NewClient(opts...),
		model:    model,
		format:   normalizeFormat(cfg.ResponseFormat),
		language: strings.TrimSpace(cfg.Language),
	}, nil
}

// normalizeFormat keeps to the JSON response formats; plain text, srt and
// vtt bodies are not JSON and cannot be decoded by the client.
func normalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "verbose_json":
		return "verbose_json"
	case "", "json":
		return "json"
	default:
		logger.WarnCF("transcribe", "Unsupported response format, using json", map[string]interface{}{"format": format})
		return "json"
	}
}

func (e *OnlineEngine) Name() string { return "openai:" + e.model }

func (e *OnlineEngine) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	params := openaigo.AudioTranscriptionNewParams{
		File:           f,
		Model:          openaigo.AudioModel(e.model),
		ResponseFormat: openaigo.AudioResponseFormat(e.format),
	}
	if e.language != "" {
		params.Language = openaigo.String(e.language)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}
