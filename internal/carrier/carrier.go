// Package carrier decodes and encodes the JSON media-stream envelopes used by
// telephony carriers.
package carrier

import (
	"errors"
	"strings"
)

// Event names shared by the supported carriers.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// ErrMalformedFrame is returned for frames that are not valid JSON envelopes.
var ErrMalformedFrame = errors.New("malformed carrier frame")

// Frame is a decoded inbound carrier event. Only the fields relevant to the
// event are populated.
type Frame struct {
	Event          string
	StreamID       string
	ProviderCallID string
	Payload        []byte // decoded audio for media events
	Mark           string
	Protocol       string
	Version        string
}

// Carrier converts between a carrier's wire envelope and Frame.
type Carrier interface {
	Name() string
	Decode(data []byte) (Frame, error)
	EncodeMedia(streamID string, audio []byte) ([]byte, error)
}

var carriers = map[string]Carrier{
	"twilio": Twilio{},
	"telnyx": Telnyx{},
}

// Lookup returns the carrier registered under name (case-insensitive).
func Lookup(name string) (Carrier, bool) {
	c, ok := carriers[strings.ToLower(name)]
	return c, ok
}

// Names returns the supported carrier names.
func Names() []string {
	return []string{"telnyx", "twilio"}
}
