// Package transcript defines attributed transcript segments and the line
// format used when handing a transcript to a language model.
package transcript

import (
	"fmt"
	"strings"
)

// UnknownSpeaker labels text that could not be attributed to a speaker.
const UnknownSpeaker = "SPEAKER_UNKNOWN"

// Segment is a contiguous run of words attributed to one speaker. Offsets
// are in milliseconds relative to the chunk the words came from.
type Segment struct {
	SpeakerLabel string `json:"speakerLabel"`
	UserName     string `json:"userName,omitempty"`
	Text         string `json:"text"`
	StartMs      int64  `json:"startMs"`
	EndMs        int64  `json:"endMs"`
}

// Speaker is the name a segment is rendered under.
func (s Segment) Speaker() string {
	if s.UserName != "" {
		return s.UserName
	}
	return s.SpeakerLabel
}

// FormatOffset renders ms as zero padded mm:ss, truncating to whole seconds.
func FormatOffset(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Render writes one line per segment:
//
//	[00:00-00:04] SPEAKER_00: hello there
func Render(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		lines = append(lines, fmt.Sprintf(
			"[%s-%s] %s: %s",
			FormatOffset(s.StartMs),
			FormatOffset(s.EndMs),
			s.Speaker(),
			s.Text,
		))
	}
	return strings.Join(lines, "\n")
}

// WithNames returns a copy of segments with UserName filled in from names,
// keyed by speaker label. The input is left untouched.
func WithNames(segments []Segment, names map[string]string) []Segment {
	out := make([]Segment, len(segments))
	copy(out, segments)
	for i := range out {
		if name, ok := names[out[i].SpeakerLabel]; ok && out[i].UserName == "" {
			out[i].UserName = name
		}
	}
	return out
}
