package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/memory"
	"github.com/cognianchor/cognianchor/pkg/tools"
	"github.com/cognianchor/cognianchor/pkg/utils"
)

// Fixed replies for runs that cannot produce a model answer.
const (
	ProviderErrorReply = "I'm having some trouble right now, but I'm here with you. How can I help?"
	EmptyReply         = "I'm here to help. What would you like to know?"
	MaxRoundsReply     = "I'm sorry, I couldn't finish that just now. Could you tell me again what you need?"

	DefaultMaxRounds    = 6
	DefaultRoundTimeout = 30 * time.Second
)

// Phase is the loop's position in the AgentTurn/ToolTurn cycle.
type Phase int

const (
	StateAgentTurn Phase = iota
	StateToolTurn
	StateDone
)

func (p Phase) String() string {
	switch p {
	case StateAgentTurn:
		return "agent_turn"
	case StateToolTurn:
		return "tool_turn"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the working set of one run.
type State struct {
	RunID     string
	PatientID string
	PairID    string
	Messages  []Message
	Round     int
	Phase     Phase
	Final     string
}

type LoopConfig struct {
	MaxRounds    int
	RoundTimeout time.Duration
}

// Loop drives the model and the tools until the model answers in text.
type Loop struct {
	gateway      *Gateway
	tools        *tools.ToolRegistry
	maxRounds    int
	roundTimeout time.Duration
}

func NewLoop(gateway *Gateway, registry *tools.ToolRegistry, cfg LoopConfig) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	return &Loop{
		gateway:      gateway,
		tools:        registry,
		maxRounds:    cfg.MaxRounds,
		roundTimeout: cfg.RoundTimeout,
	}
}

// RunAgent answers one patient message. Provider and tool failures end in a
// calm reply, never an error; only invalid input is rejected.
func (l *Loop) RunAgent(ctx context.Context, patientID, pairID, message string, history []memory.Entry) (string, error) {
	return l.Run(ctx, PatientIdentity{PatientID: patientID, PairID: pairID}, message, history)
}

func (l *Loop) Run(ctx context.Context, id PatientIdentity, message string, history []memory.Entry) (string, error) {
	id = id.normalized()
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("run agent: %w", err)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("run agent: %w", ErrEmptyMessage)
	}

	st := &State{
		RunID:     ulid.Make().String(),
		PatientID: id.PatientID,
		PairID:    id.PairID,
		Phase:     StateAgentTurn,
	}
	st.Messages = append(historyMessages(history), UserMessage{Content: message})

	ctx = tools.WithExecutionContext(ctx, tools.ExecutionContext{
		PatientID: id.PatientID,
		PairID:    id.PairID,
		Channel:   id.Channel,
		ChatID:    id.ChatID,
	})

	logger.InfoCF("agent", fmt.Sprintf("Running agent: %s", utils.Truncate(message, 80)),
		map[string]interface{}{
			"run_id":     st.RunID,
			"patient_id": st.PatientID,
			"history":    len(history),
		})

	var pending AssistantMessage
	for {
		switch st.Phase {
		case StateAgentTurn:
			if st.Round >= l.maxRounds {
				logger.WarnCF("agent", "Round limit reached", map[string]interface{}{
					"run_id": st.RunID,
					"rounds": st.Round,
				})
				st.Final = MaxRoundsReply
				st.Phase = StateDone
				continue
			}
			st.Round++

			reply, err := l.invoke(ctx, st.Messages)
			if err != nil {
				logger.ErrorCF("agent", "LLM call failed", map[string]interface{}{
					"run_id": st.RunID,
					"round":  st.Round,
					"error":  err.Error(),
				})
				st.Final = ProviderErrorReply
				st.Phase = StateDone
				continue
			}

			if reply.HasToolCalls() {
				toolNames := make([]string, 0, len(reply.ToolCalls))
				for _, tc := range reply.ToolCalls {
					toolNames = append(toolNames, tc.Name)
				}
				logger.InfoCF("agent", "LLM requested tool calls", map[string]interface{}{
					"run_id": st.RunID,
					"tools":  toolNames,
					"round":  st.Round,
				})
				st.Messages = append(st.Messages, reply)
				pending = reply
				st.Phase = StateToolTurn
				continue
			}

			st.Final = strings.TrimSpace(reply.Content)
			if st.Final == "" {
				st.Final = EmptyReply
			}
			st.Phase = StateDone

		case StateToolTurn:
			for _, result := range l.executeBatch(ctx, st, pending.ToolCalls) {
				st.Messages = append(st.Messages, result)
			}
			pending = AssistantMessage{}
			st.Phase = StateAgentTurn

		case StateDone:
			logger.InfoCF("agent", "Agent run completed", map[string]interface{}{
				"run_id":        st.RunID,
				"rounds":        st.Round,
				"content_chars": len(st.Final),
			})
			return st.Final, nil
		}
	}
}

func (l *Loop) invoke(ctx context.Context, msgs []Message) (AssistantMessage, error) {
	roundCtx, cancel := context.WithTimeout(ctx, l.roundTimeout)
	defer cancel()
	return l.gateway.Invoke(roundCtx, msgs)
}

// executeBatch runs every call of one ToolTurn concurrently. Results keep
// the order of calls so each one answers its originating id.
func (l *Loop) executeBatch(ctx context.Context, st *State, calls []ToolCall) []ToolResultMessage {
	batchCtx, cancel := context.WithTimeout(ctx, l.roundTimeout)
	defer cancel()

	results := make([]ToolResultMessage, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc ToolCall) {
			defer wg.Done()
			results[i] = l.executeOne(batchCtx, st, tc)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (l *Loop) executeOne(ctx context.Context, st *State, tc ToolCall) (msg ToolResultMessage) {
	msg = ToolResultMessage{CallID: tc.ID, Name: tc.Name}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("agent", "Tool panicked", map[string]interface{}{
				"run_id": st.RunID,
				"tool":   tc.Name,
				"panic":  fmt.Sprint(r),
			})
			msg.Content = fmt.Sprintf("Error: tool %q failed.", tc.Name)
		}
	}()

	args := make(map[string]interface{}, len(tc.Arguments)+1)
	for k, v := range tc.Arguments {
		args[k] = v
	}
	// The run's pair always wins over whatever the model supplied.
	args["pair_id"] = st.PairID

	argsJSON, _ := json.Marshal(args)
	logger.InfoCF("agent", fmt.Sprintf("Tool call: %s(%s)", tc.Name, utils.Truncate(string(argsJSON), 200)),
		map[string]interface{}{
			"run_id": st.RunID,
			"tool":   tc.Name,
			"round":  st.Round,
		})

	result := l.tools.Execute(ctx, tc.Name, args)
	content := result.ForLLM
	if content == "" && result.Err != nil {
		content = result.Err.Error()
	}
	msg.Content = content
	return msg
}
