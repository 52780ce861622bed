package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cognianchor/cognianchor/pkg/logger"
)

const DefaultWhisperBinary = "whisper-cli"

type OfflineConfig struct {
	Binary    string
	ModelDir  string
	ModelSize string
	Language  string
	Threads   int
}

// OfflineEngine runs whisper.cpp's command line tool on a local model.
type OfflineEngine struct {
	cfg OfflineConfig

	mu        sync.Mutex
	modelPath string
}

func NewOfflineEngine(cfg OfflineConfig) *OfflineEngine {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = DefaultWhisperBinary
	}
	if cfg.ModelSize == "" {
		cfg.ModelSize = SizeBase
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	return &OfflineEngine{cfg: cfg}
}

func (e *OfflineEngine) Name() string { return "whisper.cpp:" + e.cfg.ModelSize }

// ModelPath is where the ggml model of the given size is expected.
func (e *OfflineEngine) ModelPath(size string) string {
	return filepath.Join(e.cfg.ModelDir, "ggml-"+size+".bin")
}

// LoadModel resolves and checks the model for size. The first successful
// load is reused by Transcribe.
func (e *OfflineEngine) LoadModel(size string) (string, error) {
	size = strings.ToLower(strings.TrimSpace(size))
	if !ValidSize(size) {
		return "", fmt.Errorf("%w: %q", ErrUnknownModelSize, size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	path := e.ModelPath(size)
	if e.modelPath == path {
		return path, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrModelUnavailable, path, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return "", fmt.Errorf("%w: %s is not a model file", ErrModelUnavailable, path)
	}
	e.modelPath = path
	logger.InfoCF("transcribe", "Whisper model loaded", map[string]interface{}{"model": path})
	return path, nil
}

func (e *OfflineEngine) Transcribe(ctx context.Context, path string) (string, error) {
	return e.TranscribeLanguage(ctx, path, e.cfg.Language)
}

func (e *OfflineEngine) TranscribeLanguage(ctx context.Context, path, language string) (string, error) {
	model, err := e.LoadModel(e.cfg.ModelSize)
	if err != nil {
		return "", err
	}
	if language == "" {
		language = "auto"
	}

	args := []string{
		"-m", model,
		"-f", path,
		"-l", language,
		"-t", strconv.Itoa(e.cfg.Threads),
		"-nt",
		"-np",
	}
	cmd := exec.CommandContext(ctx, e.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("whisper.cpp: %w", ctx.Err())
		}
		return "", fmt.Errorf("whisper.cpp: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
