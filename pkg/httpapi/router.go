// Package httpapi serves the assistant over HTTP: chat, voice uploads, a
// voice WebSocket and health probes.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognianchor/cognianchor/pkg/agent"
	"github.com/cognianchor/cognianchor/pkg/bus"
)

const (
	DefaultMaxJSONBytes  int64 = 64 << 10
	DefaultMaxAudioBytes int64 = 25 << 20
)

// Assistant answers patient messages. *agent.Agent implements it.
type Assistant interface {
	ChatFrom(ctx context.Context, id agent.PatientIdentity, message string) (string, error)
	Voice(ctx context.Context, id agent.PatientIdentity, clip bus.AudioClip) (transcript, reply string, err error)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TrafficSource reports message bus counters for the readiness payload.
type TrafficSource interface {
	Stats() bus.Stats
}

type Options struct {
	Assistant     Assistant
	Transcriber   agent.Transcriber
	Store         Pinger
	Bus           TrafficSource
	AuthToken     string
	MaxJSONBytes  int64
	MaxAudioBytes int64
	// AllowedOrigins limits browser WebSocket clients. Empty accepts any.
	AllowedOrigins []string
}

type handlers struct {
	opts     Options
	started  time.Time
	upgrader websocket.Upgrader
}

func NewRouter(opts Options) http.Handler {
	if opts.MaxJSONBytes <= 0 {
		opts.MaxJSONBytes = DefaultMaxJSONBytes
	}
	if opts.MaxAudioBytes <= 0 {
		opts.MaxAudioBytes = DefaultMaxAudioBytes
	}

	h := &handlers{
		opts:    opts,
		started: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	protected := requireToken(opts.AuthToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.Handle("POST /v1/chat", protected(http.HandlerFunc(h.handleChat)))
	mux.Handle("POST /v1/transcribe", protected(http.HandlerFunc(h.handleTranscribe)))
	mux.Handle("POST /v1/voice", protected(http.HandlerFunc(h.handleVoice)))
	mux.Handle("GET /v1/voice/ws", protected(http.HandlerFunc(h.handleVoiceSocket)))
	return mux
}

func (h *handlers) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

type middleware func(http.Handler) http.Handler

// requireToken checks "Authorization: Bearer <token>". Browsers cannot set
// headers on a WebSocket handshake, so a token query parameter is accepted
// as well.
func requireToken(token string) middleware {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, errorCodeUnauthorized, "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Server wraps http.Server with the gateway's start/stop shape.
type Server struct {
	server *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Addr() string { return s.server.Addr }

// Start blocks until the server stops. It returns http.ErrServerClosed
// after Stop.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
