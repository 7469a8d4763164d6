package realtime

import (
	"github.com/flowpbx/callbridge/internal/tools"
)

// Config describes one realtime session.
type Config struct {
	Model           string
	Instructions    string
	Voice           string
	Speed           float64
	Temperature     float64
	InputFormat     string
	OutputFormat    string
	TranscribeInput bool
	Tools           []tools.Definition
}

const (
	defaultVoice  = "marin"
	defaultFormat = "g711_ulaw" // both carriers stream 8kHz mu-law
	defaultSpeed  = 1.1
	defaultTemp   = 0.6
)

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	Speed                   float64              `json:"speed,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
	Tools                   []tools.Definition   `json:"tools"`
	ToolChoice              string               `json:"tool_choice"`
}

func (c Config) session() sessionConfig {
	s := sessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		Speed:             c.Speed,
		Temperature:       c.Temperature,
		InputAudioFormat:  c.InputFormat,
		OutputAudioFormat: c.OutputFormat,
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   200,
			SilenceDurationMS: 200,
		},
		Tools:      c.Tools,
		ToolChoice: "auto",
	}
	if s.Voice == "" {
		s.Voice = defaultVoice
	}
	if s.Speed == 0 {
		s.Speed = defaultSpeed
	}
	if s.Temperature == 0 {
		s.Temperature = defaultTemp
	}
	if s.InputAudioFormat == "" {
		s.InputAudioFormat = defaultFormat
	}
	if s.OutputAudioFormat == "" {
		s.OutputAudioFormat = defaultFormat
	}
	if s.Tools == nil {
		s.Tools = []tools.Definition{}
	}
	if c.TranscribeInput {
		s.InputAudioTranscription = &transcriptionConfig{Model: "whisper-1"}
	}
	return s
}
