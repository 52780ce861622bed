// Package transcribe turns recorded speech into text, online through the
// OpenAI audio API or offline through a local whisper.cpp install.
package transcribe

import (
	"context"
	"errors"
)

var (
	// ErrModelUnavailable is returned when an offline model cannot be used.
	ErrModelUnavailable = errors.New("transcription model unavailable")
	ErrUnknownModelSize = errors.New("unknown whisper model size")
)

// Engine transcribes the audio file at path.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, path string) (string, error)
}

// Model sizes trade speed for accuracy and memory.
const (
	SizeTiny   = "tiny"
	SizeBase   = "base"
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

func ValidSize(size string) bool {
	switch size {
	case SizeTiny, SizeBase, SizeSmall, SizeMedium, SizeLarge:
		return true
	}
	return false
}
