package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/cognianchor/cognianchor/pkg/agent"
	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/channels"
	"github.com/cognianchor/cognianchor/pkg/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Frame types on the voice socket. Clients send binary frames holding one
// complete recording each, or "message" text frames; the server answers
// each with a "reply" or an "error" frame.
const (
	frameMessage = "message"
	frameReply   = "reply"
	frameError   = "error"
	frameReady   = "ready"
)

type wsFrame struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Session    string `json:"session,omitempty"`
}

type voiceSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	id      agent.PatientIdentity
	clip    string
	key     string
}

func (s *voiceSession) write(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *voiceSession) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleVoiceSocket keeps a conversation open for one patient. The patient
// is fixed by the handshake query: patient_id, optional pair_id and format
// (the audio file extension, e.g. "webm").
func (h *handlers) handleVoiceSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id := agent.PatientIdentity{
		PatientID: strings.TrimSpace(query.Get("patient_id")),
		PairID:    strings.TrimSpace(query.Get("pair_id")),
		Channel:   channels.ChannelHTTP,
	}
	if id.PatientID == "" {
		writeMappedError(w, agent.ErrMissingPatientID)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("httpapi", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	sess := &voiceSession{
		conn: conn,
		id:   id,
		clip: "voice" + formatExtension(query.Get("format")),
		key:  ulid.Make().String(),
	}
	id.ChatID = sess.key
	sess.id = id

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		_ = conn.Close()
	}()

	logger.InfoCF("httpapi", "Voice session opened", map[string]interface{}{
		"session":    sess.key,
		"patient_id": id.PatientID,
	})

	conn.SetReadLimit(h.opts.MaxAudioBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go sess.keepAlive(ctx)

	if err := sess.write(wsFrame{Type: frameReady, Session: sess.key}); err != nil {
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCF("httpapi", "Voice session read error", map[string]interface{}{
					"session": sess.key,
					"error":   err.Error(),
				})
			}
			break
		}
		// Turns are answered one at a time, in the order they arrive.
		var out wsFrame
		switch msgType {
		case websocket.BinaryMessage:
			out = h.answerAudio(ctx, sess, data)
		case websocket.TextMessage:
			out = h.answerText(ctx, sess, data)
		default:
			continue
		}
		if err := sess.write(out); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}

	logger.InfoCF("httpapi", "Voice session closed", map[string]interface{}{
		"session": sess.key,
	})
}

func (s *voiceSession) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (h *handlers) answerAudio(ctx context.Context, sess *voiceSession, data []byte) wsFrame {
	transcript, reply, err := h.opts.Assistant.Voice(ctx, sess.id, bus.AudioClip{Name: sess.clip, Data: data})
	if err != nil {
		h.logFailure("voice_ws", sess.id, err)
		return errorFrame(err)
	}
	return wsFrame{Type: frameReply, Transcript: transcript, Content: reply}
}

func (h *handlers) answerText(ctx context.Context, sess *voiceSession, data []byte) wsFrame {
	var in wsFrame
	if err := json.Unmarshal(data, &in); err != nil || in.Type != frameMessage {
		return wsFrame{Type: frameError, Content: `expected {"type":"message","content":"..."}`}
	}
	reply, err := h.opts.Assistant.ChatFrom(ctx, sess.id, in.Content)
	if err != nil {
		h.logFailure("voice_ws", sess.id, err)
		return errorFrame(err)
	}
	return wsFrame{Type: frameReply, Content: reply}
}

func errorFrame(err error) wsFrame {
	switch {
	case errors.Is(err, agent.ErrNoTranscriber):
		return wsFrame{Type: frameError, Content: msgVoiceUnavailable}
	case errors.Is(err, agent.ErrMissingPairID), errors.Is(err, agent.ErrEmptyMessage):
		return wsFrame{Type: frameError, Content: err.Error()}
	default:
		return wsFrame{Type: frameError, Content: msgSomethingWrong}
	}
}

func formatExtension(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	switch format {
	case "ogg", "opus", "mp3", "m4a", "webm", "flac", "wav":
		return "." + format
	default:
		return ".wav"
	}
}
