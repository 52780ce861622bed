package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cognianchor/cognianchor/pkg/memory"
	"github.com/cognianchor/cognianchor/pkg/providers"
	"github.com/cognianchor/cognianchor/pkg/store"
	"github.com/cognianchor/cognianchor/pkg/tools"
)

var fixedNow = time.Date(2030, time.June, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// scriptedProvider replays a fixed list of responses, one per call, and
// records every request it sees.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	errs      []error
	calls     [][]providers.Message
	block     bool
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, opts map[string]interface{}) (*providers.LLMResponse, error) {
	p.mu.Lock()
	snapshot := append([]providers.Message(nil), messages...)
	p.calls = append(p.calls, snapshot)
	idx := len(p.calls) - 1
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if len(p.responses) == 0 {
		return &providers.LLMResponse{}, nil
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted-model" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) []providers.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func toolCall(id, name string, args map[string]interface{}) providers.ToolCall {
	return providers.ToolCall{ID: id, Type: "function", Name: name, Arguments: args}
}

type harness struct {
	db       *store.Client
	provider *scriptedProvider
	loop     *Loop
}

func newHarness(t *testing.T, provider *scriptedProvider, cfg LoopConfig) *harness {
	t.Helper()
	sqlite, err := store.OpenSQLite(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	db := store.NewClient(sqlite)

	registry, err := tools.NewDefaultRegistry(db, nil, fixedClock, time.UTC)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	gw, err := NewGateway(provider, NewContextBuilder(registry, fixedClock, time.UTC), registry, GatewayOptions{MaxTokens: 500, Temperature: 0.7})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &harness{db: db, provider: provider, loop: NewLoop(gw, registry, cfg)}
}

func (h *harness) reminderRows(t *testing.T, pairID string) []store.Record {
	t.Helper()
	res, err := h.db.From(store.TableReminders).Select().Eq("pair_id", pairID).Execute(context.Background())
	if err != nil {
		t.Fatalf("select reminders: %v", err)
	}
	return res.Rows
}

func TestRunAgent_ToolRoundTrip(t *testing.T) {
	final := "Reminder created successfully! I'll remind you about 'Take medicine' on 16 Jun 2030 at 08:00 PM."
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{toolCall("call_1", "create_reminder", map[string]interface{}{
			"pair_id": "someone-else",
			"title":   "Take medicine",
			"date":    "16 Jun 2030",
			"time":    "08:00 PM",
		})}},
		{Content: final},
	}}
	h := newHarness(t, provider, LoopConfig{})

	got, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "remind me to take pills at 8pm tomorrow", nil)
	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	if got != final {
		t.Fatalf("expected %q, got %q", final, got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected 2 model calls, got %d", provider.callCount())
	}
	if rows := h.reminderRows(t, "pair-1"); len(rows) != 1 {
		t.Fatalf("expected the tool to run exactly once for the run's pair, got %d rows", len(rows))
	}
	if rows := h.reminderRows(t, "someone-else"); len(rows) != 0 {
		t.Fatalf("model-supplied pair id must be ignored")
	}

	second := provider.call(1)
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Fatalf("expected tool result for call_1 at the end, got %+v", last)
	}
	if !strings.HasPrefix(last.Content, "Reminder created successfully!") {
		t.Fatalf("unexpected tool result content: %q", last.Content)
	}
	assistant := second[len(second)-2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Function.Name != "create_reminder" {
		t.Fatalf("expected assistant tool-call message before the result, got %+v", assistant)
	}
}

func TestRunAgent_SystemPromptFirst(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{{Content: "Hello there."}}}
	h := newHarness(t, provider, LoopConfig{})

	history := []memory.Entry{
		{Role: memory.RoleUser, Content: "hi"},
		{Role: memory.RoleAssistant, Content: "Hello!"},
	}
	if _, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "how are you?", history); err != nil {
		t.Fatalf("RunAgent: %v", err)
	}

	msgs := provider.call(0)
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, `pair_id "pair-1"`) {
		t.Fatalf("expected system prompt naming the pair, got %q", msgs[0].Content)
	}
	if msgs[1].Content != "hi" || msgs[2].Role != "assistant" || msgs[3].Content != "how are you?" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
}

func TestRunAgent_ProviderErrorIsReassuring(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("status=429 quota exceeded")}}
	h := newHarness(t, provider, LoopConfig{})

	got, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "hello", nil)
	if err != nil {
		t.Fatalf("provider failures must not surface as errors: %v", err)
	}
	if got != ProviderErrorReply {
		t.Fatalf("expected fixed provider reply, got %q", got)
	}
}

func TestRunAgent_EmptyReplyFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{{Content: "   "}}}
	h := newHarness(t, provider, LoopConfig{})

	got, _ := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "hello", nil)
	if got != EmptyReply {
		t.Fatalf("expected %q, got %q", EmptyReply, got)
	}
}

func TestRunAgent_UnknownToolContinues(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{toolCall("call_x", "order_pizza", nil)}},
		{Content: "I can't do that, but I'm here for you."},
	}}
	h := newHarness(t, provider, LoopConfig{})

	got, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "order me a pizza", nil)
	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	if got != "I can't do that, but I'm here for you." {
		t.Fatalf("unexpected reply %q", got)
	}
	msgs := provider.call(1)
	last := msgs[len(msgs)-1]
	if last.ToolCallID != "call_x" || last.Content != tools.UnavailableMessage("order_pizza") {
		t.Fatalf("expected unavailable tool result, got %+v", last)
	}
}

func TestRunAgent_MaxRoundsFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{toolCall("call_loop", "list_reminders", nil)}},
	}}
	h := newHarness(t, provider, LoopConfig{MaxRounds: 3})

	got, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "what's on today?", nil)
	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	if got != MaxRoundsReply {
		t.Fatalf("expected round-limit reply, got %q", got)
	}
	if provider.callCount() != 3 {
		t.Fatalf("expected exactly 3 model calls, got %d", provider.callCount())
	}
}

func TestRunAgent_BatchResultsKeepCallOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{
			toolCall("call_a", "list_reminders", nil),
			toolCall("call_b", "delete_reminder", map[string]interface{}{"reminder_title": "walk"}),
			toolCall("call_c", "nope", nil),
		}},
		{Content: "Done."},
	}}
	h := newHarness(t, provider, LoopConfig{})

	if _, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "tidy my reminders", nil); err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	msgs := provider.call(1)
	results := msgs[len(msgs)-3:]
	want := []struct{ id, content string }{
		{"call_a", "You don't have any reminders set right now."},
		{"call_b", "You don't have any reminders to delete."},
		{"call_c", tools.UnavailableMessage("nope")},
	}
	for i, w := range want {
		if results[i].ToolCallID != w.id || results[i].Content != w.content {
			t.Fatalf("result %d: expected %s=%q, got %s=%q", i, w.id, w.content, results[i].ToolCallID, results[i].Content)
		}
	}
}

func TestRunAgent_RoundTimeout(t *testing.T) {
	provider := &scriptedProvider{block: true}
	h := newHarness(t, provider, LoopConfig{RoundTimeout: 50 * time.Millisecond})

	start := time.Now()
	got, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "hello?", nil)
	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	if got != ProviderErrorReply {
		t.Fatalf("expected provider reply after timeout, got %q", got)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("round timeout was not enforced")
	}
}

func TestRunAgent_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, LoopConfig{})

	if _, err := h.loop.RunAgent(context.Background(), "", "pair-1", "hi", nil); !errors.Is(err, ErrMissingPatientID) {
		t.Fatalf("expected ErrMissingPatientID, got %v", err)
	}
	if _, err := h.loop.RunAgent(context.Background(), "patient-1", " ", "hi", nil); !errors.Is(err, ErrMissingPairID) {
		t.Fatalf("expected ErrMissingPairID, got %v", err)
	}
	if _, err := h.loop.RunAgent(context.Background(), "patient-1", "pair-1", "  ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestGateway_WrapsProviderError(t *testing.T) {
	cause := errors.New("connection refused")
	provider := &scriptedProvider{errs: []error{cause}}
	registry, err := tools.NewDefaultRegistry(store.NewClient(nil), nil, fixedClock, time.UTC)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	gw, err := NewGateway(provider, nil, registry, GatewayOptions{})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	if gw.Model() != "scripted-model" {
		t.Fatalf("expected provider default model, got %q", gw.Model())
	}

	_, err = gw.Invoke(context.Background(), []Message{UserMessage{Content: "hi"}})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause")
	}
}

func TestNewGateway_RequiresProvider(t *testing.T) {
	if _, err := NewGateway(nil, nil, tools.NewToolRegistry(), GatewayOptions{}); err == nil {
		t.Fatalf("expected error without a provider")
	}
}

func TestFromProviderResponse_ParsesFunctionArguments(t *testing.T) {
	msg := fromProviderResponse(&providers.LLMResponse{
		ToolCalls: []providers.ToolCall{{
			ID:       "call_9",
			Function: &providers.FunctionCall{Name: "list_reminders", Arguments: `{"pair_id":"p"}`},
		}},
	})
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "list_reminders" || msg.ToolCalls[0].Arguments["pair_id"] != "p" {
		t.Fatalf("unexpected conversion: %+v", msg)
	}
}
