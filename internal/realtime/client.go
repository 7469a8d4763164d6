// Package realtime is a client for JSON-over-WebSocket realtime
// conversational AI sessions.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/resilience"
)

// ErrSessionClosed is returned by Next once the session has ended.
var ErrSessionClosed = errors.New("realtime session closed")

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBuffer      = 64
)

// Session is one live realtime conversation.
type Session interface {
	SendAudio(ctx context.Context, audio []byte) error
	SendFunctionOutput(ctx context.Context, callID, output string) error
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens realtime sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}

// WSDialer opens sessions over WebSocket.
type WSDialer struct {
	URL    string
	APIKey string
	Logger *slog.Logger
}

// Dial connects, starts the read loop and sends the session configuration.
// Handshake rejections surface as *resilience.StatusError.
func (d *WSDialer) Dial(ctx context.Context, cfg Config) (Session, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime url: %w", err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	if d.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("realtime connect: %w", &resilience.StatusError{Code: resp.StatusCode, Message: string(body)})
		}
		return nil, fmt.Errorf("realtime connect: %w", err)
	}

	logger := slog.Default()
	if d.Logger != nil {
		logger = d.Logger
	}
	s := newWSSession(conn, logger)

	if err := s.writeJSON(ctx, sessionUpdate{Type: "session.update", Session: cfg.session()}); err != nil {
		s.Close()
		return nil, fmt.Errorf("configuring realtime session: %w", err)
	}
	logger.Info("realtime session configured", "model", cfg.Model, "tool_count", len(cfg.Tools))
	return s, nil
}

type wsSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events  chan Event
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex

	errMu   sync.Mutex
	readErr error
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	s := &wsSession{
		conn:   conn,
		logger: logger.With("subsystem", "realtime"),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSession) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("reading realtime event: %w", err))
			}
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			s.logger.Warn("skipping undecodable realtime event", "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) setErr(err error) {
	s.errMu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.errMu.Unlock()
}

func (s *wsSession) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return ErrSessionClosed
}

func (s *wsSession) writeJSON(ctx context.Context, v any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// SendAudio appends caller audio to the input buffer.
func (s *wsSession) SendAudio(ctx context.Context, audio []byte) error {
	return s.writeJSON(ctx, audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

// SendFunctionOutput returns a tool result and asks the model to continue.
func (s *wsSession) SendFunctionOutput(ctx context.Context, callID, output string) error {
	err := s.writeJSON(ctx, itemCreate{
		Type: "conversation.item.create",
		Item: functionOutputItem{Type: "function_call_output", CallID: callID, Output: output},
	})
	if err != nil {
		return fmt.Errorf("sending function output: %w", err)
	}
	if err := s.writeJSON(ctx, responseCreate{Type: "response.create"}); err != nil {
		return fmt.Errorf("requesting response: %w", err)
	}
	return nil
}

// Next blocks for the next server event.
func (s *wsSession) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, s.err()
		}
		return ev, nil
	}
}

// Close ends the session. It is safe to call more than once.
func (s *wsSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
