// Package pipeline holds the pure parts of the translation pipeline: provider variants,
// progress checkpoints, text chunking, subtitle rendering and the per-job file layout.
package pipeline

import (
	"fmt"
	"strings"
)

// LipSyncKind is the closed set of final-video strategies.
type LipSyncKind string

const (
	// LipSyncNone muxes the synthesized audio and subtitles onto the original video.
	LipSyncNone LipSyncKind = "none"
	// LipSyncSadTalker generates a talking-head video from the first frame and the synthesized audio.
	LipSyncSadTalker LipSyncKind = "sadtalker"
	// LipSyncWav2Lip re-syncs the speaker's lips in the original video to the synthesized audio.
	LipSyncWav2Lip LipSyncKind = "wav2lip"
)

// ParseLipSyncKind maps a configuration string to a strategy. Provider aliases are accepted.
func ParseLipSyncKind(s string) (LipSyncKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "mux":
		return LipSyncNone, nil
	case "sadtalker", "provider-a", "talking-head":
		return LipSyncSadTalker, nil
	case "wav2lip", "provider-b", "sync":
		return LipSyncWav2Lip, nil
	default:
		return "", fmt.Errorf("unknown lip-sync strategy %q", s)
	}
}

// TTSKind is the closed set of speech synthesis providers.
type TTSKind string

const (
	// TTSKindGTTS synthesizes through the Google Translate speech endpoint.
	TTSKindGTTS TTSKind = "gtts"
	// TTSKindElevenLabs synthesizes through the ElevenLabs text-to-speech API.
	TTSKindElevenLabs TTSKind = "elevenlabs"
)

// ParseTTSKind maps a configuration string to a provider.
func ParseTTSKind(s string) (TTSKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gtts", "google":
		return TTSKindGTTS, nil
	case "elevenlabs":
		return TTSKindElevenLabs, nil
	default:
		return "", fmt.Errorf("unknown tts provider %q", s)
	}
}
