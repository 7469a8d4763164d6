package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/callbridge/internal/carrier"
	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/realtime"
	"github.com/flowpbx/callbridge/internal/resilience"
	"github.com/flowpbx/callbridge/internal/tools"
)

// Loop exits. Every loop returns a non-nil error so the errgroup cancels
// its sibling.
var (
	errStreamStopped = errors.New("carrier stream stopped")
	errCarrierClosed = errors.New("carrier disconnected")
	errHangup        = errors.New("agent ended the call")
)

// Failure reasons reported to metrics.
const (
	reasonCarrierError = "carrier_error"
	reasonSessionError = "session_error"
	reasonCanceled     = "canceled"
	reasonSetup        = "session_setup"
)

const closeWriteTimeout = time.Second

// carrierError is an I/O failure on the carrier connection.
type carrierError struct {
	op  string
	err error
}

func (e *carrierError) Error() string { return e.op + ": " + e.err.Error() }
func (e *carrierError) Unwrap() error { return e.err }

// Session is the bridge for one carrier connection.
type Session struct {
	b          *Bridge
	conn       Conn
	call       Call
	logger     *slog.Logger
	transcript *Transcript

	state     atomic.Int32
	startedAt time.Time

	mu             sync.Mutex
	streamID       string
	providerCallID string

	hangupRequested atomic.Bool
	writeMu         sync.Mutex
}

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Transcript returns the call transcript.
func (s *Session) Transcript() *Transcript { return s.transcript }

// ProviderCallID returns the carrier call id captured from the start event.
func (s *Session) ProviderCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerCallID
}

func (s *Session) ids() (streamID, providerCallID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID, s.providerCallID
}

// setState moves to the given state. Error is absorbing.
func (s *Session) setState(to State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateError || State(cur) == to {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			s.logger.Debug("call state changed", "from", State(cur).String(), "to", to.String())
			return
		}
	}
}

type callSetup struct {
	agent      *models.Agent
	timezone   string
	config     realtime.Config
	dispatcher *tools.Dispatcher
}

// Run drives the call through Connecting, Streaming, Draining and Closed.
func (s *Session) Run(ctx context.Context) error {
	deps := s.b.deps
	log := s.logger
	s.startedAt = deps.Now()

	if deps.Registry != nil {
		deps.Registry.Register(ctx, s.call.ID, s.call.AgentID, s.call.PhoneNumber,
			map[string]string{"carrier": s.call.Carrier.Name()})
	}
	defer func() {
		if deps.Registry != nil {
			deps.Registry.Unregister(context.WithoutCancel(ctx), s.call.ID)
		}
		s.setState(StateClosed)
		log.Info("call closed", "state", s.State().String(), "duration", deps.Now().Sub(s.startedAt).String())
	}()

	setup, err := s.prepare(ctx)
	if err != nil {
		log.Warn("call rejected during setup", "error", err)
		s.closeCarrier(closeFor(err))
		return err
	}

	deps.Metrics.RecordCallStart(s.call.Carrier.Name())

	ai, err := s.openSession(ctx, setup.config)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionSetup, err)
		log.Error("opening realtime session", "error", err)
		s.closeCarrier(closeFor(err))
		deps.Metrics.RecordCallEnd(s.call.Carrier.Name(), reasonSetup, deps.Now().Sub(s.startedAt))
		return err
	}
	defer ai.Close()

	s.setState(StateStreaming)
	log.Info("call streaming", "agent_name", setup.agent.Name, "tools", setup.dispatcher.Names())

	streamErr := s.stream(ctx, ai, setup)
	reason := failureReason(ctx, streamErr)

	s.setState(StateDraining)
	s.drain(context.WithoutCancel(ctx), ai, setup, reason)
	s.closeCarrier(websocket.CloseNormalClosure, "")

	deps.Metrics.RecordCallEnd(s.call.Carrier.Name(), reason, deps.Now().Sub(s.startedAt))
	if reason != "" {
		s.setState(StateError)
		log.Warn("call ended with error", "reason", reason, "error", streamErr)
		return streamErr
	}
	log.Info("call ended", "cause", streamErr)
	return nil
}

// prepare loads the agent and builds the realtime session configuration.
func (s *Session) prepare(ctx context.Context) (*callSetup, error) {
	deps := s.b.deps

	agent, err := deps.Agents.GetByID(ctx, s.call.AgentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	if !agent.IsActive {
		return nil, ErrAgentInactive
	}

	ok, err := deps.Users.Exists(ctx, agent.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading agent owner: %w", err)
	}
	if !ok {
		return nil, ErrOwnerNotFound
	}

	timezone := "UTC"
	if deps.Workspaces != nil {
		ws, err := deps.Workspaces.GetForAgent(ctx, agent.ID)
		if err != nil {
			s.logger.Warn("loading workspace, using UTC", "error", err)
		} else if ws != nil && ws.Timezone != "" {
			timezone = ws.Timezone
		}
	}

	env := tools.Env{
		AgentID:    agent.ID,
		CallID:     s.call.ID,
		Timezone:   timezone,
		WebhookURL: agent.WebhookURL,
		Hangup:     s.requestHangup,
	}
	var dispatcher *tools.Dispatcher
	if deps.Catalog != nil {
		dispatcher = deps.Catalog.Dispatcher(agent.EnabledTools, env)
	} else {
		dispatcher = tools.NewDispatcher(nil, deps.Logger)
	}

	return &callSetup{
		agent:      agent,
		timezone:   timezone,
		dispatcher: dispatcher,
		config: realtime.Config{
			Model:           deps.Model,
			Instructions:    realtime.BuildInstructions(agent.SystemPrompt, agent.Language, timezone, deps.Now()),
			Voice:           agent.Voice,
			Temperature:     agent.Temperature,
			TranscribeInput: agent.EnableTranscript,
			Tools:           dispatcher.Definitions(),
		},
	}, nil
}

// openSession establishes the realtime session as one retryable operation.
func (s *Session) openSession(ctx context.Context, cfg realtime.Config) (realtime.Session, error) {
	dialer := s.b.deps.Dialer
	dial := func(ctx context.Context) (realtime.Session, error) {
		sess, err := dialer.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			sess.Close()
			return nil, ctx.Err()
		}
		return sess, nil
	}
	if s.b.deps.Realtime == nil {
		return dial(ctx)
	}
	return resilience.Do(ctx, s.b.deps.Realtime, dial)
}

// stream runs the inbound and outbound loops until one of them ends.
func (s *Session) stream(ctx context.Context, ai realtime.Session, setup *callSetup) error {
	g, gctx := errgroup.WithContext(ctx)

	// Unblock a pending carrier read once either loop is done.
	stop := context.AfterFunc(gctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	g.Go(func() error { return s.inbound(gctx, ai) })
	g.Go(func() error { return s.outbound(gctx, ai, setup) })
	return g.Wait()
}

// inbound forwards carrier audio to the realtime session.
func (s *Session) inbound(ctx context.Context, ai realtime.Session) error {
	c := s.call.Carrier
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errCarrierClosed
			}
			return &carrierError{op: "reading carrier frame", err: err}
		}

		frame, err := c.Decode(data)
		if err != nil {
			s.logger.Warn("skipping carrier frame", "error", err)
			continue
		}

		switch frame.Event {
		case carrier.EventConnected:
			s.logger.Debug("carrier stream connected", "protocol", frame.Protocol, "version", frame.Version)

		case carrier.EventStart:
			s.onStart(ctx, frame)

		case carrier.EventMedia:
			if len(frame.Payload) == 0 {
				continue
			}
			if err := ai.SendAudio(ctx, frame.Payload); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("forwarding audio: %w", err)
			}

		case carrier.EventStop:
			s.logger.Info("carrier stream stopped")
			return errStreamStopped

		case carrier.EventMark:
			s.logger.Debug("carrier mark", "name", frame.Mark)
		}
	}
}

// onStart captures the carrier identifiers and opens the call record.
func (s *Session) onStart(ctx context.Context, frame carrier.Frame) {
	deps := s.b.deps

	s.mu.Lock()
	s.streamID = frame.StreamID
	s.providerCallID = frame.ProviderCallID
	s.mu.Unlock()

	s.logger.Info("carrier stream started", "stream_id", frame.StreamID, "provider_call_id", frame.ProviderCallID)

	if frame.ProviderCallID == "" {
		return
	}
	if deps.Registry != nil {
		deps.Registry.Register(ctx, s.call.ID, s.call.AgentID, s.call.PhoneNumber, map[string]string{
			"carrier":          s.call.Carrier.Name(),
			"provider_call_id": frame.ProviderCallID,
			"stream_id":        frame.StreamID,
		})
	}
	if deps.Records != nil {
		rec := &models.CallRecord{
			ProviderCallID: frame.ProviderCallID,
			AgentID:        s.call.AgentID,
			Carrier:        s.call.Carrier.Name(),
			PhoneNumber:    s.call.PhoneNumber,
			StartedAt:      s.startedAt.UTC(),
		}
		if err := deps.Records.Create(ctx, rec); err != nil {
			s.logger.Warn("creating call record", "error", err)
		}
	}
}

// outbound relays realtime events back to the carrier and routes function
// calls.
func (s *Session) outbound(ctx context.Context, ai realtime.Session, setup *callSetup) error {
	transcribe := setup.agent.EnableTranscript
	hangupIn := 0

	for {
		ev, err := ai.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime session: %w", err)
		}

		switch ev.Type {
		case realtime.EventAudioDelta:
			if err := s.sendMedia(ev.Audio); err != nil {
				return err
			}

		case realtime.EventFunctionCallDone:
			s.handleFunctionCall(ctx, ai, setup.dispatcher, ev)
			if s.hangupRequested.Swap(false) {
				// Let the current response and the goodbye response finish.
				hangupIn = 2
			}

		case realtime.EventInputTranscript:
			if transcribe {
				s.transcript.AddUser(ev.Text)
			}

		case realtime.EventTranscriptDelta:
			if transcribe {
				s.transcript.AppendAssistant(ev.Text)
			}

		case realtime.EventTranscriptDone:
			if transcribe {
				s.transcript.FlushAssistant(ev.Text)
			}

		case realtime.EventResponseDone:
			if hangupIn > 0 {
				hangupIn--
				if hangupIn == 0 {
					return errHangup
				}
			}

		case realtime.EventError:
			s.logger.Warn("realtime error event", "error", ev.Err)

		case realtime.EventSpeechStarted, realtime.EventSpeechStopped,
			realtime.EventSessionCreated, realtime.EventSessionUpdated, realtime.EventAudioDone:
			s.logger.Debug("realtime event", "type", ev.Type)
		}
	}
}

// sendMedia frames audio for the carrier. Audio that arrives before the
// start event has no stream to play on and is dropped.
func (s *Session) sendMedia(audio []byte) error {
	streamID, _ := s.ids()
	if streamID == "" {
		s.logger.Debug("dropping audio before stream start", "bytes", len(audio))
		return nil
	}
	data, err := s.call.Carrier.EncodeMedia(streamID, audio)
	if err != nil {
		return fmt.Errorf("encoding carrier media: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &carrierError{op: "writing carrier media", err: err}
	}
	return nil
}

func (s *Session) handleFunctionCall(ctx context.Context, ai realtime.Session, d *tools.Dispatcher, ev realtime.Event) {
	start := time.Now()
	result := d.Execute(ctx, ev.Name, ev.Arguments)
	s.b.deps.Metrics.RecordToolCall(ev.Name, result.OK())
	s.logger.Info("function call handled", "tool", ev.Name,
		"success", result.OK(), "duration_ms", time.Since(start).Milliseconds())

	if err := ai.SendFunctionOutput(ctx, ev.CallID, result.JSON()); err != nil {
		s.logger.Warn("returning function output", "tool", ev.Name, "error", err)
	}
}

func (s *Session) requestHangup(reason string) {
	s.logger.Info("agent requested hang up", "reason", reason)
	s.hangupRequested.Store(true)
}

// drain flushes the transcript, releases the realtime session and persists
// the call outcome.
func (s *Session) drain(ctx context.Context, ai realtime.Session, setup *callSetup, reason string) {
	deps := s.b.deps

	s.transcript.FlushAssistant("")
	if err := ai.Close(); err != nil {
		s.logger.Debug("closing realtime session", "error", err)
	}

	_, providerCallID := s.ids()
	if providerCallID == "" || deps.Records == nil {
		return
	}

	saved := false
	if setup.agent.EnableTranscript {
		if err := deps.Records.SaveTranscript(ctx, providerCallID, s.call.AgentID, s.transcript.Format()); err != nil {
			s.logger.Error("saving transcript", "provider_call_id", providerCallID, "error", err)
		} else {
			saved = true
			s.logger.Info("transcript saved", "entries", len(s.transcript.Entries()))
		}
	}

	status := models.CallStatusCompleted
	if reason != "" {
		status = models.CallStatusFailed
	}
	if err := deps.Records.Finish(ctx, providerCallID, status, deps.Now()); err != nil {
		s.logger.Warn("finishing call record", "error", err)
	}

	if saved && deps.Evaluator != nil {
		deps.Evaluator.Trigger(providerCallID)
	}
}

// closeCarrier sends a close frame and closes the carrier connection.
func (s *Session) closeCarrier(code int, text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("sending carrier close", "error", err)
	}
	s.conn.Close()
}

// closeFor maps a setup error to a close code and reason.
func closeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return CloseAgentNotFound, "Agent not found"
	case errors.Is(err, ErrAgentInactive):
		return CloseAgentInactive, "Agent is not active"
	case errors.Is(err, ErrOwnerNotFound):
		return CloseOwnerNotFound, "Agent owner not found"
	default:
		return CloseSessionSetup, "Session setup failed"
	}
}

// failureReason classifies how streaming ended. Normal endings return "".
func failureReason(ctx context.Context, err error) string {
	switch {
	case err == nil,
		errors.Is(err, errStreamStopped),
		errors.Is(err, errCarrierClosed),
		errors.Is(err, errHangup),
		errors.Is(err, realtime.ErrSessionClosed):
		return ""
	case ctx.Err() != nil:
		return reasonCanceled
	case errors.As(err, new(*carrierError)):
		return reasonCarrierError
	default:
		return reasonSessionError
	}
}
