package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cognianchor/cognianchor/pkg/logger"
)

const (
	requestTimeout   = 120 * time.Second
	maxResponseBytes = 4 << 20
)

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.Status, e.Message)
}

// compatClient talks to any OpenAI-compatible chat-completions endpoint.
type compatClient struct {
	backend  backend
	endpoint string
	cred     credential
	headers  map[string]string
	http     *http.Client
}

func newCompatClient(b backend, s backendSettings, cred credential) (*compatClient, error) {
	base := strings.TrimRight(strings.TrimSpace(s.apiBase), "/")
	if base == "" {
		base = b.defaultBase
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	if proxy := strings.TrimSpace(s.proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", b.name, err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	headers := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
			headers[k] = v
		}
	}

	return &compatClient{
		backend:  b,
		endpoint: base + "/chat/completions",
		cred:     cred,
		headers:  headers,
		http:     httpClient,
	}, nil
}

func (c *compatClient) GetDefaultModel() string { return c.backend.defaultModel }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

func (c *compatClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	req := chatRequest{Model: strings.TrimSpace(model), Messages: messages}
	if req.Model == "" {
		req.Model = c.backend.defaultModel
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	if v, ok := numberOption(options, "max_tokens"); ok && v > 0 {
		req.MaxTokens = int(v)
	}
	if v, ok := numberOption(options, "temperature"); ok {
		req.Temperature = &v
	}

	raw, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", c.backend.name, err)
	}
	out := decoded.toLLMResponse()
	if c.backend.adjust != nil {
		c.backend.adjust(req.Model, out)
	}
	return out, nil
}

func (c *compatClient) post(ctx context.Context, body chatRequest) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.backend.name, err)
	}
	token, err := c.cred.bearer()
	if err != nil {
		return nil, fmt.Errorf("%s credential: %w", c.backend.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.backend.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", c.backend.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.backend.name, err)
	}

	logger.DebugCF("providers", "Chat completion", map[string]interface{}{
		"provider":   c.backend.name,
		"model":      body.Model,
		"messages":   len(body.Messages),
		"tools":      len(body.Tools),
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{Provider: c.backend.name, Status: resp.StatusCode, Message: c.describe(raw)}
	}
	return raw, nil
}

// describe pulls the upstream error message out of body and appends the
// backend's hint, if any.
func (c *compatClient) describe(body []byte) string {
	msg := upstreamMessage(body)
	if c.backend.hint != nil {
		if h := c.backend.hint(strings.ToLower(msg)); h != "" {
			msg += " Hint: " + h
		}
	}
	return msg
}

func upstreamMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, m := range []string{payload.Error.Message, payload.Message} {
			if m = strings.TrimSpace(m); m != "" {
				return m
			}
		}
	}
	text := strings.TrimSpace(string(body))
	switch {
	case text == "":
		return "empty response body"
	case len(text) > 2000:
		return text[:2000] + "..."
	}
	return text
}

func numberOption(opts map[string]interface{}, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage `json:"content"`
			ToolCalls []wireToolCall  `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

type wireToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function *FunctionCall `json:"function"`
}

func (r chatResponse) toLLMResponse() *LLMResponse {
	if len(r.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop", Usage: r.Usage}
	}
	choice := r.Choices[0]
	out := &LLMResponse{
		Content:      messageText(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage:        r.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function == nil {
			continue
		}
		args := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{"raw": tc.Function.Arguments}
			}
		}
		callType := tc.Type
		if callType == "" {
			callType = "function"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        strings.TrimSpace(tc.ID),
			Type:      callType,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// messageText accepts content as a string, null, or a list of text parts.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		} else {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}
