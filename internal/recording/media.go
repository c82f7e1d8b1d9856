package recording

import (
	"context"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Stream is an acquired microphone input.
type Stream interface {
	Release()
}

// Graph is the processing chain between the microphone and the recorder.
type Graph interface {
	Close() error
}

// Recorder captures the graph output in timesliced chunks delivered to the
// sink given at construction. Flush must deliver buffered data before it
// returns.
type Recorder interface {
	Start(timeslice time.Duration) error
	Pause() error
	Resume() error
	Flush() error
	Stop() error
}

// Backend acquires and wires the capture resources.
type Backend interface {
	OpenMicrophone(ctx context.Context) (Stream, error)
	BuildGraph(stream Stream, cfg GraphConfig) (Graph, error)
	NewRecorder(graph Graph, sink func(chunk []byte)) (Recorder, error)
}

// Speech reads question text aloud.
type Speech interface {
	Speak(text string)
	Cancel()
}

// Compressor mirrors the dynamics compressor parameters.
type Compressor struct {
	ThresholdDB float64 `json:"threshold_db"`
	KneeDB      float64 `json:"knee_db"`
	Ratio       float64 `json:"ratio"`
	AttackSec   float64 `json:"attack_sec"`
	ReleaseSec  float64 `json:"release_sec"`
}

// GraphConfig describes mic → high-pass → low-pass → compressor → {destination, analyser}.
type GraphConfig struct {
	HighPassHz      float64    `json:"high_pass_hz"`
	LowPassHz       float64    `json:"low_pass_hz"`
	Compressor      Compressor `json:"compressor"`
	AnalyserFFTSize int        `json:"analyser_fft_size"`
}

// DefaultGraph removes rumble and hiss and evens out speech levels.
var DefaultGraph = GraphConfig{
	HighPassHz: 100,
	LowPassHz:  8000,
	Compressor: Compressor{
		ThresholdDB: -24,
		KneeDB:      30,
		Ratio:       12,
		AttackSec:   0.003,
		ReleaseSec:  0.25,
	},
	AnalyserFFTSize: 2048,
}

// PlainText strips markup from question content for speech synthesis.
func PlainText(content string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
			b.WriteByte(' ')
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}
