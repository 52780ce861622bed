package agent

import (
	"encoding/json"

	"github.com/cognianchor/cognianchor/pkg/memory"
	"github.com/cognianchor/cognianchor/pkg/providers"
)

// Message is one entry of a run's conversation. The set of variants is
// closed: SystemMessage, UserMessage, AssistantMessage and ToolResultMessage.
type Message interface {
	isMessage()
	toProvider() providers.Message
}

type SystemMessage struct {
	Content string
}

type UserMessage struct {
	Content string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

type AssistantMessage struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolResultMessage answers the ToolCall whose ID is CallID.
type ToolResultMessage struct {
	CallID  string
	Name    string
	Content string
}

func (SystemMessage) isMessage()     {}
func (UserMessage) isMessage()       {}
func (AssistantMessage) isMessage()  {}
func (ToolResultMessage) isMessage() {}

func (m AssistantMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

func (m SystemMessage) toProvider() providers.Message {
	return providers.Message{Role: "system", Content: m.Content}
}

func (m UserMessage) toProvider() providers.Message {
	return providers.Message{Role: "user", Content: m.Content}
}

func (m AssistantMessage) toProvider() providers.Message {
	out := providers.Message{Role: "assistant", Content: m.Content}
	for _, tc := range m.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		argumentsJSON, _ := json.Marshal(args)
		out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: &providers.FunctionCall{
				Name:      tc.Name,
				Arguments: string(argumentsJSON),
			},
		})
	}
	return out
}

func (m ToolResultMessage) toProvider() providers.Message {
	return providers.Message{
		Role:       "tool",
		Content:    m.Content,
		ToolCallID: m.CallID,
		Name:       m.Name,
	}
}

func toProviderMessages(messages []Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.toProvider())
	}
	return out
}

// historyMessages turns remembered turns into conversation messages.
func historyMessages(entries []memory.Entry) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case memory.RoleUser:
			out = append(out, UserMessage{Content: e.Content})
		case memory.RoleAssistant:
			out = append(out, AssistantMessage{Content: e.Content})
		}
	}
	return out
}

func fromProviderResponse(resp *providers.LLMResponse) AssistantMessage {
	if resp == nil {
		return AssistantMessage{}
	}
	msg := AssistantMessage{Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		if tc.Function != nil {
			if call.Name == "" {
				call.Name = tc.Function.Name
			}
			if call.Arguments == nil && tc.Function.Arguments != "" {
				parsed := map[string]interface{}{}
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &parsed); err != nil {
					parsed["raw"] = tc.Function.Arguments
				}
				call.Arguments = parsed
			}
		}
		if call.Arguments == nil {
			call.Arguments = map[string]interface{}{}
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg
}
