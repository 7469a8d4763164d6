package carrier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Twilio implements the Twilio Media Streams envelope.
type Twilio struct{}

type twilioFrame struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
	Start    *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	StreamSid string `json:"streamSid,omitempty"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type twilioMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func (Twilio) Name() string { return "twilio" }

func (Twilio) Decode(data []byte) (Frame, error) {
	var raw twilioFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	f := Frame{Event: raw.Event, StreamID: raw.StreamSid}
	switch raw.Event {
	case EventConnected:
		f.Protocol = raw.Protocol
		f.Version = raw.Version
	case EventStart:
		if raw.Start != nil {
			f.StreamID = raw.Start.StreamSid
			f.ProviderCallID = raw.Start.CallSid
		}
	case EventMedia:
		if raw.Media != nil && raw.Media.Payload != "" {
			audio, err := base64.StdEncoding.DecodeString(raw.Media.Payload)
			if err != nil {
				return Frame{}, fmt.Errorf("decoding media payload: %w", err)
			}
			f.Payload = audio
		}
	case EventMark:
		if raw.Mark != nil {
			f.Mark = raw.Mark.Name
		}
	}
	return f, nil
}

func (Twilio) EncodeMedia(streamID string, audio []byte) ([]byte, error) {
	m := twilioMedia{Event: EventMedia, StreamSid: streamID}
	m.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(m)
}
