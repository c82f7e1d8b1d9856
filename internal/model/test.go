package model

import (
	"sort"

	"github.com/google/uuid"
)

// Kind enumerates the four test modules.
type Kind string

const (
	KindReading   Kind = "READING"
	KindWriting   Kind = "WRITING"
	KindListening Kind = "LISTENING"
	KindSpeaking  Kind = "SPEAKING"
)

// Valid reports whether k is one of the known test kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindReading, KindWriting, KindListening, KindSpeaking:
		return true
	}
	return false
}

// Variant distinguishes continuous mock tests from pausable thematic practice.
type Variant string

const (
	VariantMock     Variant = "MOCK"
	VariantThematic Variant = "THEMATIC"
)

// Test is the material served to a test session. It never carries correct answers.
type Test struct {
	ID              uuid.UUID      `json:"id"`
	Title           string         `json:"title"`
	Kind            Kind           `json:"kind"`
	Variant         Variant        `json:"variant"`
	DurationSeconds *int           `json:"duration_seconds"`
	TotalQuestions  int            `json:"total_questions"`
	Parts           []Part         `json:"parts"`
	Speaking        []SpeakingPart `json:"speaking,omitempty"`
}

// Part is one passage, listening section, writing task or speaking part.
type Part struct {
	ID              int    `json:"id"`
	OrderKey        int    `json:"order_key"`
	Title           string `json:"title"`
	QuestionNumbers []int  `json:"question_numbers"`
	AudioURL        string `json:"audio_url,omitempty"`
}

// HasQuestion reports whether question number n belongs to the part.
func (p Part) HasQuestion(n int) bool {
	for _, q := range p.QuestionNumbers {
		if q == n {
			return true
		}
	}
	return false
}

// SortParts orders parts by OrderKey ascending, breaking ties by ID.
func SortParts(parts []Part) []Part {
	out := make([]Part, len(parts))
	copy(out, parts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderKey != out[j].OrderKey {
			return out[i].OrderKey < out[j].OrderKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AudioTracks derives the listening playlist from parts that carry audio.
func (t *Test) AudioTracks() []AudioTrack {
	tracks := make([]AudioTrack, 0, len(t.Parts))
	for _, p := range t.Parts {
		if p.AudioURL == "" {
			continue
		}
		tracks = append(tracks, AudioTrack{
			PartID:    p.ID,
			OrderKey:  p.OrderKey,
			SourceURL: p.AudioURL,
		})
	}
	return tracks
}

// PreloadState is the load status of a single audio track.
type PreloadState string

const (
	PreloadPending PreloadState = "PENDING"
	PreloadReady   PreloadState = "READY"
	PreloadFailed  PreloadState = "FAILED"
)

// AudioTrack is one listening section's audio file.
type AudioTrack struct {
	PartID       int          `json:"part_id"`
	OrderKey     int          `json:"order_key"`
	SourceURL    string       `json:"source_url"`
	PreloadState PreloadState `json:"preload_state"`
}

// SpeakingPart carries per-part timings and the prompts to answer.
type SpeakingPart struct {
	PartID            int                `json:"part_id"`
	PrepTimeSeconds   int                `json:"prep_time_seconds"`
	AnswerTimeSeconds int                `json:"answer_time_seconds"`
	Questions         []SpeakingQuestion `json:"questions"`
}

// SpeakingQuestion is a single prompt. Content may contain HTML.
type SpeakingQuestion struct {
	Number  int    `json:"number"`
	Content string `json:"content"`
}
