package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/memory"
	"github.com/cognianchor/cognianchor/pkg/utils"
)

// NoSpeechReply answers a voice message in which nothing was heard.
const NoSpeechReply = "I couldn't hear anything in that recording. Could you say it again?"

var ErrNoTranscriber = errors.New("voice input is not configured")

// Transcriber turns recorded audio into text. ok is false when the
// recording holds no speech.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (text string, ok bool, err error)
}

// namedTranscriber also takes the clip's file name, which lets the engine
// see the original audio extension.
type namedTranscriber interface {
	TranscribeNamed(ctx context.Context, audio []byte, name string) (string, bool, error)
}

// PairResolver maps a patient to the pair their data belongs to.
type PairResolver func(patientID string) string

// Agent owns conversation memory around the loop and serves the bus.
type Agent struct {
	loop        *Loop
	memory      *memory.Store
	pairs       PairResolver
	bus         *bus.MessageBus
	transcriber Transcriber

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	running atomic.Bool
}

type Option func(*Agent)

func WithBus(mb *bus.MessageBus) Option {
	return func(a *Agent) { a.bus = mb }
}

func WithTranscriber(t Transcriber) Option {
	return func(a *Agent) { a.transcriber = t }
}

func WithPairResolver(r PairResolver) Option {
	return func(a *Agent) { a.pairs = r }
}

func NewAgent(loop *Loop, store *memory.Store, opts ...Option) *Agent {
	if store == nil {
		store = memory.NewStore(memory.DefaultCapacity)
	}
	a := &Agent{
		loop:   loop,
		memory: store,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Memory() *memory.Store { return a.memory }

func (a *Agent) patientLock(key string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	mu, ok := a.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[key] = mu
	}
	return mu
}

func (a *Agent) resolvePair(patientID, pairID string) string {
	pairID = strings.TrimSpace(pairID)
	if pairID == "" && a.pairs != nil {
		pairID = a.pairs(patientID)
	}
	return pairID
}

// Chat runs one message for a patient with their recent history and
// records the exchange. Runs for the same patient are serialized.
func (a *Agent) Chat(ctx context.Context, patientID, pairID, message string) (string, error) {
	return a.ChatFrom(ctx, PatientIdentity{PatientID: patientID, PairID: pairID}, message)
}

func (a *Agent) ChatFrom(ctx context.Context, id PatientIdentity, message string) (string, error) {
	id = id.normalized()
	id.PairID = a.resolvePair(id.PatientID, id.PairID)
	if err := id.Validate(); err != nil {
		return "", err
	}

	mu := a.patientLock(id.Key())
	mu.Lock()
	defer mu.Unlock()

	history := a.memory.History(id.Key())
	reply, err := a.loop.Run(ctx, id, message, history)
	if err != nil {
		return "", err
	}
	if err := a.memory.AppendTurn(id.Key(), strings.TrimSpace(message), reply); err != nil {
		logger.WarnCF("agent", "Failed to record conversation turn", map[string]interface{}{
			"patient_id": id.PatientID,
			"error":      err.Error(),
		})
	}
	return reply, nil
}

// Voice transcribes audio and answers it. When no speech is found the
// transcript is empty and the reply asks the patient to repeat.
func (a *Agent) Voice(ctx context.Context, id PatientIdentity, clip bus.AudioClip) (transcript, reply string, err error) {
	if a.transcriber == nil {
		return "", "", ErrNoTranscriber
	}
	text, ok, err := a.transcribe(ctx, clip)
	if err != nil {
		logger.ErrorCF("agent", "Transcription failed", map[string]interface{}{
			"patient_id": id.PatientID,
			"error":      err.Error(),
		})
		return "", NoSpeechReply, nil
	}
	if !ok {
		return "", NoSpeechReply, nil
	}
	reply, err = a.ChatFrom(ctx, id, text)
	return text, reply, err
}

// Run consumes inbound bus messages until ctx ends or the bus closes.
func (a *Agent) Run(ctx context.Context) error {
	if a.bus == nil {
		return errors.New("agent: message bus not configured")
	}
	a.running.Store(true)
	defer a.running.Store(false)

	for a.running.Load() {
		msg, ok := a.bus.ConsumeInbound(ctx)
		if !ok {
			// Context done or bus closed.
			return nil
		}

		response := a.processMessage(ctx, msg)
		if response != "" {
			a.bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: response,
				Kind:    bus.KindReply,
			})
		}
	}
	return nil
}

func (a *Agent) Stop() {
	a.running.Store(false)
}

func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

func (a *Agent) processMessage(ctx context.Context, msg bus.InboundMessage) string {
	patientID := msg.PatientID
	if patientID == "" {
		patientID = msg.SenderID
	}
	id := PatientIdentity{PatientID: patientID, Channel: msg.Channel, ChatID: msg.ChatID}

	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, utils.Truncate(msg.Content, 80)),
		map[string]interface{}{
			"channel":    msg.Channel,
			"chat_id":    msg.ChatID,
			"patient_id": patientID,
			"audio":      len(msg.Audio),
		})

	content := strings.TrimSpace(msg.Content)
	heard := a.transcribeClips(ctx, msg.Audio)
	if heard != "" {
		if content != "" {
			content += "\n"
		}
		content += heard
	}
	if content == "" {
		if len(msg.Audio) > 0 {
			return NoSpeechReply
		}
		return ""
	}

	reply, err := a.ChatFrom(ctx, id, content)
	if err != nil {
		logger.ErrorCF("agent", "Message rejected", map[string]interface{}{
			"channel": msg.Channel,
			"error":   err.Error(),
		})
		return EmptyReply
	}
	return reply
}

// transcribeClips returns the joined text of every clip with speech.
func (a *Agent) transcribeClips(ctx context.Context, clips []bus.AudioClip) string {
	if a.transcriber == nil || len(clips) == 0 {
		return ""
	}
	var parts []string
	for _, clip := range clips {
		text, ok, err := a.transcribe(ctx, clip)
		if err != nil {
			logger.ErrorCF("agent", "Transcription failed", map[string]interface{}{
				"clip":  clip.Name,
				"error": err.Error(),
			})
			continue
		}
		if ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func (a *Agent) transcribe(ctx context.Context, clip bus.AudioClip) (string, bool, error) {
	if named, ok := a.transcriber.(namedTranscriber); ok && clip.Name != "" {
		return named.TranscribeNamed(ctx, clip.Data, clip.Name)
	}
	return a.transcriber.Transcribe(ctx, clip.Data)
}
