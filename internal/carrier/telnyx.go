package carrier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Telnyx implements the Telnyx media streaming envelope. The stream id is a
// top-level field and the call is identified by its call control id.
type Telnyx struct{}

type telnyxFrame struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	Start    *struct {
		CallControlID string `json:"call_control_id"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type telnyxMedia struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
	Media    struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func (Telnyx) Name() string { return "telnyx" }

func (Telnyx) Decode(data []byte) (Frame, error) {
	var raw telnyxFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	f := Frame{Event: raw.Event, StreamID: raw.StreamID}
	switch raw.Event {
	case EventStart:
		if raw.Start != nil {
			f.ProviderCallID = raw.Start.CallControlID
		}
	case EventMedia:
		if raw.Media != nil && raw.Media.Payload != "" {
			audio, err := base64.StdEncoding.DecodeString(raw.Media.Payload)
			if err != nil {
				return Frame{}, fmt.Errorf("decoding media payload: %w", err)
			}
			f.Payload = audio
		}
	}
	return f, nil
}

func (Telnyx) EncodeMedia(streamID string, audio []byte) ([]byte, error) {
	m := telnyxMedia{Event: EventMedia, StreamID: streamID}
	m.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(m)
}
