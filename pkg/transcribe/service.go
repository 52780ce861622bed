package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/utils"
)

// Service writes audio to a scoped temp file and hands it to an engine.
type Service struct {
	engine  Engine
	tempDir string
	timeout time.Duration
}

func NewService(engine Engine, tempDir string, timeout time.Duration) *Service {
	return &Service{engine: engine, tempDir: tempDir, timeout: timeout}
}

// NewFromConfig picks the online engine when an OpenAI key is configured
// and the offline one otherwise.
func NewFromConfig(cfg config.TranscribeConfig) (*Service, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	tempDir := config.ExpandHome(cfg.TempDir)

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		engine, err := NewOnlineEngine(OnlineConfig{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.APIBase,
			Model:          cfg.Model,
			ResponseFormat: cfg.ResponseFormat,
			Language:       cfg.Language,
			Timeout:        timeout,
			MaxRetries:     defaultOnlineRetry,
		})
		if err != nil {
			return nil, err
		}
		logger.InfoCF("transcribe", "Using online transcription", map[string]interface{}{"engine": engine.Name()})
		return NewService(engine, tempDir, timeout), nil
	}

	engine := NewOfflineEngine(OfflineConfig{
		Binary:    cfg.WhisperBinary,
		ModelDir:  config.ExpandHome(cfg.ModelDir),
		ModelSize: cfg.ModelSize,
		Language:  cfg.Language,
		Threads:   cfg.Threads,
	})
	logger.InfoCF("transcribe", "Using offline transcription", map[string]interface{}{"engine": engine.Name()})
	return NewService(engine, tempDir, timeout), nil
}

func (s *Service) Engine() Engine { return s.engine }

// Transcribe returns the speech in audio. ok is false when there is none.
func (s *Service) Transcribe(ctx context.Context, audio []byte) (string, bool, error) {
	return s.TranscribeNamed(ctx, audio, "")
}

// TranscribeNamed is Transcribe with a hint of the original file name, so
// the temp file keeps an extension the engine recognizes.
func (s *Service) TranscribeNamed(ctx context.Context, audio []byte, name string) (text string, ok bool, err error) {
	if len(audio) == 0 {
		return "", false, nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	dir := s.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", false, fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(dir, "cognianchor-"+ulid.Make().String()+utils.AudioExtension(name))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", false, fmt.Errorf("create temp audio: %w", err)
	}
	defer os.Remove(path)

	if _, err := f.Write(audio); err != nil {
		f.Close()
		return "", false, fmt.Errorf("write temp audio: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("write temp audio: %w", err)
	}

	raw, err := s.engine.Transcribe(ctx, path)
	if err != nil {
		logger.ErrorCF("transcribe", "Transcription failed", map[string]interface{}{
			"engine": s.engine.Name(),
			"error":  err.Error(),
		})
		return "", false, err
	}

	text = strings.TrimSpace(raw)
	if text == "" {
		logger.InfoCF("transcribe", "No speech detected", map[string]interface{}{"engine": s.engine.Name()})
		return "", false, nil
	}
	logger.DebugCF("transcribe", "Transcription complete", map[string]interface{}{
		"engine": s.engine.Name(),
		"chars":  len(text),
	})
	return text, true, nil
}
