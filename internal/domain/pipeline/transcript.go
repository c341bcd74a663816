package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Segment is one timed span of recognised speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the output of the transcription stage.
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`

	// Notes are operator-facing remarks about how the transcript was produced, such as a
	// skipped alignment pass. The pipeline copies them into the job log.
	Notes []string `json:"-"`
}

// RenderSRT renders segments as a SubRip document with 1-based cue numbers.
func RenderSRT(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('\n')
		b.WriteString(FormatSRTTimestamp(seg.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatSRTTimestamp(seg.End))
		b.WriteByte('\n')
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// FormatSRTTimestamp formats seconds as HH:MM:SS,mmm. Milliseconds are truncated.
func FormatSRTTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	whole := int(seconds)
	ms := int((seconds - float64(whole)) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", whole/3600, (whole%3600)/60, whole%60, ms)
}
