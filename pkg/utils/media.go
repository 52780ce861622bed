package utils

import (
	"path/filepath"
	"strings"
)

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".oga":  true,
	".opus": true,
	".flac": true,
	".webm": true,
	".aac":  true,
	".mp4":  true,
}

// IsAudioFile reports whether name has a recognised audio extension.
func IsAudioFile(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

// AudioExtension returns name's extension when it is audio, or ".wav".
func AudioExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if audioExtensions[ext] {
		return ext
	}
	return ".wav"
}
