package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Server event types the bridge reacts to.
const (
	EventAudioDelta          = "response.audio.delta"
	EventAudioDone           = "response.audio.done"
	EventFunctionCallDone    = "response.function_call_arguments.done"
	EventInputTranscript     = "conversation.item.input_audio_transcription.completed"
	EventTranscriptDelta     = "response.audio_transcript.delta"
	EventTranscriptDone      = "response.audio_transcript.done"
	EventResponseDone        = "response.done"
	EventSpeechStarted       = "input_audio_buffer.speech_started"
	EventSpeechStopped       = "input_audio_buffer.speech_stopped"
	EventSessionCreated      = "session.created"
	EventSessionUpdated      = "session.updated"
	EventError               = "error"
	eventOutputAudioDelta    = "response.output_audio.delta"
	eventOutputAudioDone     = "response.output_audio.done"
	eventOutputTranscriptDel = "response.output_audio_transcript.delta"
	eventOutputTranscriptEnd = "response.output_audio_transcript.done"
)

// GA event names are folded onto the names the bridge handles.
var eventAliases = map[string]string{
	eventOutputAudioDelta:    EventAudioDelta,
	eventOutputAudioDone:     EventAudioDone,
	eventOutputTranscriptDel: EventTranscriptDelta,
	eventOutputTranscriptEnd: EventTranscriptDone,
}

// Event is a decoded server event.
type Event struct {
	Type      string
	Audio     []byte // decoded audio for audio deltas
	Text      string // transcript text or transcript delta
	CallID    string // function call id
	Name      string // function name
	Arguments string // JSON-encoded function arguments
	Err       *ServerError
}

// ServerError is the payload of an "error" server event.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime %s: %s", e.Type, e.Message)
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	CallID     string       `json:"call_id"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	Error      *ServerError `json:"error"`
}

func decodeEvent(data []byte) (Event, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decoding server event: %w", err)
	}

	typ := raw.Type
	if alias, ok := eventAliases[typ]; ok {
		typ = alias
	}
	ev := Event{Type: typ}

	switch typ {
	case EventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("decoding audio delta: %w", err)
		}
		ev.Audio = audio
	case EventTranscriptDelta:
		ev.Text = raw.Delta
	case EventTranscriptDone, EventInputTranscript:
		ev.Text = raw.Transcript
	case EventFunctionCallDone:
		ev.CallID = raw.CallID
		ev.Name = raw.Name
		ev.Arguments = raw.Arguments
	case EventError:
		ev.Err = raw.Error
		if ev.Err == nil {
			ev.Err = &ServerError{Type: "error", Message: "unspecified"}
		}
	}
	return ev, nil
}

// Client events.

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemCreate struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

type responseCreate struct {
	Type string `json:"type"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}
