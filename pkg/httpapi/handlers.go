package httpapi

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cognianchor/cognianchor/pkg/agent"
	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/channels"
	"github.com/cognianchor/cognianchor/pkg/logger"
)

type chatRequest struct {
	PatientID string `json:"patient_id"`
	PairID    string `json:"pair_id,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type transcribeResponse struct {
	Text   string `json:"text"`
	Speech bool   `json:"speech"`
}

type voiceResponse struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.opts.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Store.Ping(ctx); err != nil {
			logger.WarnCF("httpapi", "Readiness check failed", map[string]interface{}{
				"error": err.Error(),
			})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": msgNotReady})
			return
		}
	}
	payload := map[string]interface{}{"status": "ready"}
	if h.opts.Bus != nil {
		payload["bus"] = h.opts.Bus.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxJSONBytes)

	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}

	id := agent.PatientIdentity{
		PatientID: req.PatientID,
		PairID:    req.PairID,
		Channel:   channels.ChannelHTTP,
	}
	reply, err := h.opts.Assistant.ChatFrom(r.Context(), id, req.Message)
	if err != nil {
		h.logFailure("chat", id, err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

func (h *handlers) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.opts.Transcriber == nil {
		writeMappedError(w, agent.ErrNoTranscriber)
		return
	}
	clip, _, err := h.readAudio(w, r)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	text, ok, err := transcribeClip(r.Context(), h.opts.Transcriber, clip)
	if err != nil {
		logger.ErrorCF("httpapi", "Transcription failed", map[string]interface{}{
			"clip":  clip.Name,
			"error": err.Error(),
		})
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text, Speech: ok})
}

func (h *handlers) handleVoice(w http.ResponseWriter, r *http.Request) {
	clip, form, err := h.readAudio(w, r)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	id := agent.PatientIdentity{
		PatientID: form("patient_id"),
		PairID:    form("pair_id"),
		Channel:   channels.ChannelHTTP,
	}
	transcript, reply, err := h.opts.Assistant.Voice(r.Context(), id, clip)
	if err != nil {
		h.logFailure("voice", id, err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, voiceResponse{Transcript: transcript, Reply: reply})
}

func (h *handlers) logFailure(route string, id agent.PatientIdentity, err error) {
	logger.ErrorCF("httpapi", "Request failed", map[string]interface{}{
		"route":      route,
		"patient_id": id.PatientID,
		"error":      err.Error(),
	})
}

// readAudio accepts either a multipart form with an "audio" file part or a
// raw audio body. The returned lookup reads form fields, falling back to
// the query string.
func (h *handlers) readAudio(w http.ResponseWriter, r *http.Request) (bus.AudioClip, func(string) string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxAudioBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return bus.AudioClip{}, nil, err
			}
			return bus.AudioClip{}, nil, invalidRequestError("invalid multipart body")
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			return bus.AudioClip{}, nil, invalidRequestError("missing audio file part")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return bus.AudioClip{}, nil, invalidRequestError("unreadable audio file part")
		}
		return bus.AudioClip{Name: header.Filename, Data: data}, r.FormValue, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return bus.AudioClip{}, nil, err
		}
		return bus.AudioClip{}, nil, invalidRequestError("unreadable audio body")
	}
	query := r.URL.Query()
	return bus.AudioClip{Name: clipName(query.Get("filename"), mediaType), Data: data}, query.Get, nil
}

// clipName picks a file name whose extension matches the upload so the
// engine can detect the audio format.
func clipName(name, mediaType string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	switch mediaType {
	case "audio/ogg", "audio/opus":
		return "upload.ogg"
	case "audio/mpeg", "audio/mp3":
		return "upload.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "upload.m4a"
	case "audio/webm":
		return "upload.webm"
	case "audio/flac":
		return "upload.flac"
	default:
		return "upload.wav"
	}
}

type namedTranscriber interface {
	TranscribeNamed(ctx context.Context, audio []byte, name string) (string, bool, error)
}

func transcribeClip(ctx context.Context, t agent.Transcriber, clip bus.AudioClip) (string, bool, error) {
	if named, ok := t.(namedTranscriber); ok && clip.Name != "" {
		return named.TranscribeNamed(ctx, clip.Data, clip.Name)
	}
	return t.Transcribe(ctx, clip.Data)
}
