// Package pipeline runs transcription and diarization over each audio chunk,
// attributes the transcribed words to speakers, and requests summaries.
package pipeline

import (
	"math"
	"strings"

	"node.town/huddle/diarize"
	"node.town/huddle/etc"
	"node.town/huddle/stt"
	"node.town/huddle/transcript"
)

// Merge attributes each transcribed word to a diarized speaker and groups
// consecutive words by speaker. It is pure and deterministic.
//
// A word belongs to the first segment containing its midpoint. Failing
// that it goes to the segment with the nearest edge, the earliest segment
// winning ties. Without diarization everything is attributed to
// transcript.UnknownSpeaker as one segment carrying the transcription text,
// trimmed of surrounding whitespace, or the joined words when that text is
// blank.
func Merge(tr *stt.Result, dr *diarize.Result) []transcript.Segment {
	words := tr.Words

	if dr == nil || len(dr.Segments) == 0 {
		seg := transcript.Segment{
			SpeakerLabel: transcript.UnknownSpeaker,
			Text:         strings.TrimSpace(tr.Text),
		}
		if len(words) > 0 {
			seg.StartMs = etc.SecondsToMillis(words[0].Start)
			seg.EndMs = etc.SecondsToMillis(words[len(words)-1].End)
			if seg.Text == "" {
				seg.Text = joinWords(words)
			}
		}
		return []transcript.Segment{seg}
	}

	labels := make([]string, len(words))
	for i, w := range words {
		labels[i] = attribute(w, dr.Segments)
	}

	segments := []transcript.Segment{}
	start := 0
	for i := 1; i <= len(words); i++ {
		if i < len(words) && labels[i] == labels[start] {
			continue
		}
		group := words[start:i]
		segments = append(segments, transcript.Segment{
			SpeakerLabel: labels[start],
			Text:         joinWords(group),
			StartMs:      etc.SecondsToMillis(group[0].Start),
			EndMs:        etc.SecondsToMillis(group[len(group)-1].End),
		})
		start = i
	}
	return segments
}

func attribute(w stt.Word, segments []diarize.Segment) string {
	mid := (w.Start + w.End) / 2 * 1000
	best := segments[0]
	bestDistance := math.Inf(1)

	for _, seg := range segments {
		startMs, endMs := float64(seg.StartMs), float64(seg.EndMs)
		if mid >= startMs && mid <= endMs {
			return seg.SpeakerLabel
		}
		distance := math.Min(math.Abs(mid-startMs), math.Abs(mid-endMs))
		if distance < bestDistance {
			bestDistance = distance
			best = seg
		}
	}
	return best.SpeakerLabel
}

func joinWords(words []stt.Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Word
	}
	return strings.Join(parts, " ")
}
