package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognianchor/cognianchor/pkg/config"
)

// stubEngine returns a canned transcript and remembers the file it saw.
type stubEngine struct {
	text     string
	err      error
	sawPath  string
	sawBytes []byte
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Transcribe(ctx context.Context, path string) (string, error) {
	s.sawPath = path
	s.sawBytes, _ = os.ReadFile(path)
	return s.text, s.err
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp audio must be removed")
}

func TestServiceTranscribe_TrimsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	engine := &stubEngine{text: "  take my pills \n"}
	svc := NewService(engine, dir, 0)

	text, ok, err := svc.Transcribe(context.Background(), []byte("RIFFdata"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "take my pills", text)
	assert.Equal(t, []byte("RIFFdata"), engine.sawBytes)
	assert.True(t, strings.HasPrefix(filepath.Base(engine.sawPath), "cognianchor-"))
	assert.Equal(t, ".wav", filepath.Ext(engine.sawPath))
	assertDirEmpty(t, dir)
}

func TestServiceTranscribe_NoSpeechIsAbsent(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&stubEngine{text: " \n\t "}, dir, 0)

	text, ok, err := svc.Transcribe(context.Background(), []byte("silence"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)
	assertDirEmpty(t, dir)

	text, ok, err = svc.Transcribe(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestServiceTranscribe_EngineErrorStillCleansUp(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("engine crashed")
	svc := NewService(&stubEngine{err: boom}, dir, 0)

	_, ok, err := svc.Transcribe(context.Background(), []byte("audio"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assertDirEmpty(t, dir)
}

func TestServiceTranscribeNamed_KeepsAudioExtension(t *testing.T) {
	engine := &stubEngine{text: "hi"}
	svc := NewService(engine, t.TempDir(), 0)

	_, _, err := svc.TranscribeNamed(context.Background(), []byte("OggS"), "voice-message.ogg")
	require.NoError(t, err)
	assert.Equal(t, ".ogg", filepath.Ext(engine.sawPath))
}

func newTranscriptionServer(t *testing.T, body string) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		seen = append(seen, r.FormValue("model"), r.FormValue("language"), r.FormValue("response_format"))
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		seen = append(seen, string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestOnlineEngine_Transcribe(t *testing.T) {
	srv, seen := newTranscriptionServer(t, `{"text":"  I need my glasses  "}`)
	engine, err := NewOnlineEngine(OnlineConfig{
		APIKey:   "test-key",
		BaseURL:  srv.URL + "/v1",
		Language: "en",
	})
	require.NoError(t, err)
	dir := t.TempDir()
	svc := NewService(engine, dir, 0)

	text, ok, err := svc.Transcribe(context.Background(), []byte("RIFFwave"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "I need my glasses", text)
	assert.Equal(t, []string{"whisper-1", "en", "json", "RIFFwave"}, *seen)
	assertDirEmpty(t, dir)
}

func TestOnlineEngine_SilentAudioIsAbsent(t *testing.T) {
	srv, _ := newTranscriptionServer(t, `{"text":""}`)
	engine, err := NewOnlineEngine(OnlineConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	text, ok, err := NewService(engine, t.TempDir(), 0).Transcribe(context.Background(), []byte("RIFF"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestOnlineEngine_RequiresKey(t *testing.T) {
	_, err := NewOnlineEngine(OnlineConfig{})
	assert.Error(t, err)
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "json", normalizeFormat(""))
	assert.Equal(t, "verbose_json", normalizeFormat("VERBOSE_JSON"))
	assert.Equal(t, "json", normalizeFormat("srt"))
}

func TestNewFromConfig_SelectsEngine(t *testing.T) {
	online, err := NewFromConfig(config.TranscribeConfig{OpenAIAPIKey: "sk-test", Model: "whisper-1"})
	require.NoError(t, err)
	assert.IsType(t, &OnlineEngine{}, online.Engine())

	offline, err := NewFromConfig(config.TranscribeConfig{ModelDir: t.TempDir(), ModelSize: "tiny"})
	require.NoError(t, err)
	assert.IsType(t, &OfflineEngine{}, offline.Engine())
	assert.Equal(t, "whisper.cpp:tiny", offline.Engine().Name())
}

// writeFakeWhisper installs a shell script that prints the audio file it
// is given, standing in for whisper-cli.
func writeFakeWhisper(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func writeModel(t *testing.T, dir, size string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-"+size+".bin"), []byte("ggml"), 0o600))
}

func TestOfflineEngine_Transcribe(t *testing.T) {
	models := t.TempDir()
	writeModel(t, models, SizeBase)
	bin := writeFakeWhisper(t, `cat "$4"`)

	engine := NewOfflineEngine(OfflineConfig{Binary: bin, ModelDir: models, Language: "en"})
	dir := t.TempDir()
	svc := NewService(engine, dir, 0)

	text, ok, err := svc.Transcribe(context.Background(), []byte("  where are my keys?\n"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "where are my keys?", text)

	text, ok, err = svc.Transcribe(context.Background(), []byte("   \n"))
	require.NoError(t, err)
	assert.False(t, ok, "whitespace output means no speech")
	assert.Empty(t, text)
	assertDirEmpty(t, dir)
}

func TestOfflineEngine_FailureCleansUp(t *testing.T) {
	models := t.TempDir()
	writeModel(t, models, SizeBase)
	bin := writeFakeWhisper(t, `echo "failed to read audio" >&2; exit 3`)

	dir := t.TempDir()
	svc := NewService(NewOfflineEngine(OfflineConfig{Binary: bin, ModelDir: models}), dir, 0)
	_, ok, err := svc.Transcribe(context.Background(), []byte("junk"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read audio")
	assert.False(t, ok)
	assertDirEmpty(t, dir)
}

func TestOfflineEngine_LoadModel(t *testing.T) {
	models := t.TempDir()
	engine := NewOfflineEngine(OfflineConfig{ModelDir: models})

	_, err := engine.LoadModel("huge")
	assert.ErrorIs(t, err, ErrUnknownModelSize)

	_, err = engine.LoadModel(SizeSmall)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	writeModel(t, models, SizeSmall)
	path, err := engine.LoadModel(SizeSmall)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(models, "ggml-small.bin"), path)

	_, err = engine.Transcribe(context.Background(), "unused.wav")
	assert.ErrorIs(t, err, ErrModelUnavailable, "configured size base is missing")
}
