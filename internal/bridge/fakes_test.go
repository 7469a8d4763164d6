package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/carrier"
	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/realtime"
	"github.com/flowpbx/callbridge/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errDeadline = errors.New("i/o timeout")

// fakeConn is a carrier connection fed from a channel of frames.
type fakeConn struct {
	in chan []byte

	deadline     chan struct{}
	deadlineOnce sync.Once

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	closeText string
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), deadline: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-c.deadline:
		return 0, nil, errDeadline
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCode = int(data[0])<<8 | int(data[1])
		c.closeText = string(data[2:])
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		c.deadlineOnce.Do(func() { close(c.deadline) })
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) closedWith() (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText, c.closed
}

func twilioFrame(event string, fields string) []byte {
	if fields == "" {
		return []byte(fmt.Sprintf(`{"event":%q}`, event))
	}
	return []byte(fmt.Sprintf(`{"event":%q,%s}`, event, fields))
}

func twilioStart(streamSid, callSid string) []byte {
	return twilioFrame(carrier.EventStart, fmt.Sprintf(`"start":{"streamSid":%q,"callSid":%q}`, streamSid, callSid))
}

func twilioMedia(audio []byte) []byte {
	return twilioFrame(carrier.EventMedia, fmt.Sprintf(`"media":{"payload":%q}`, base64.StdEncoding.EncodeToString(audio)))
}

// fakeAI is a realtime session driven by a channel of events.
type fakeAI struct {
	events chan realtime.Event
	failWith error

	mu      sync.Mutex
	audio   [][]byte
	outputs map[string]string
	closes  int
}

func newFakeAI() *fakeAI {
	return &fakeAI{events: make(chan realtime.Event, 64), outputs: make(map[string]string)}
}

func (a *fakeAI) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = append(a.audio, audio)
	return nil
}

func (a *fakeAI) SendFunctionOutput(ctx context.Context, callID, output string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputs[callID] = output
	return nil
}

func (a *fakeAI) Next(ctx context.Context) (realtime.Event, error) {
	select {
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	case ev, ok := <-a.events:
		if !ok {
			if a.failWith != nil {
				return realtime.Event{}, a.failWith
			}
			return realtime.Event{}, realtime.ErrSessionClosed
		}
		return ev, nil
	}
}

func (a *fakeAI) Close() error {
	a.mu.Lock()
	a.closes++
	a.mu.Unlock()
	return nil
}

func (a *fakeAI) audioFrames() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.audio))
	copy(out, a.audio)
	return out
}

func (a *fakeAI) output(callID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.outputs[callID]
	return out, ok
}

func (a *fakeAI) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}

type fakeDialer struct {
	session *fakeAI
	err     error

	mu     sync.Mutex
	dials  int
	config realtime.Config
}

func (d *fakeDialer) Dial(ctx context.Context, cfg realtime.Config) (realtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.config = cfg
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeAgents map[string]*models.Agent

func (f fakeAgents) Create(ctx context.Context, a *models.Agent) error { f[a.ID] = a; return nil }
func (f fakeAgents) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	return f[id], nil
}
func (f fakeAgents) SetActive(ctx context.Context, id string, active bool) error {
	f[id].IsActive = active
	return nil
}

type fakeUsers map[string]bool

func (f fakeUsers) Create(ctx context.Context, u *models.User) error { f[u.ID] = true; return nil }
func (f fakeUsers) Exists(ctx context.Context, id string) (bool, error) {
	return f[id], nil
}

type fakeWorkspaces struct{ ws *models.Workspace }

func (f fakeWorkspaces) Create(ctx context.Context, ws *models.Workspace) error { return nil }
func (f fakeWorkspaces) GetByID(ctx context.Context, id string) (*models.Workspace, error) {
	return f.ws, nil
}
func (f fakeWorkspaces) GetForAgent(ctx context.Context, agentID string) (*models.Workspace, error) {
	return f.ws, nil
}

type fakeRecords struct {
	mu          sync.Mutex
	created     []models.CallRecord
	transcripts map[string]string
	finished    map[string]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{transcripts: map[string]string{}, finished: map[string]string{}}
}

func (f *fakeRecords) Create(ctx context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *rec)
	return nil
}

func (f *fakeRecords) GetByProviderCallID(ctx context.Context, id string) (*models.CallRecord, error) {
	return nil, nil
}

func (f *fakeRecords) SaveTranscript(ctx context.Context, providerCallID, agentID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[providerCallID] = text
	return nil
}

func (f *fakeRecords) Finish(ctx context.Context, providerCallID, status string, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[providerCallID] = status
	return nil
}

func (f *fakeRecords) ListRecent(ctx context.Context, limit, offset int) ([]models.CallRecord, error) {
	return nil, nil
}

func (f *fakeRecords) Count(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeRecords) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRecords) transcript(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transcripts[id]
	return t, ok
}

func (f *fakeRecords) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished[id]
}

type fakeRegistry struct {
	mu         sync.Mutex
	active     map[string]map[string]string
	registered int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{active: map[string]map[string]string{}}
}

func (r *fakeRegistry) Register(ctx context.Context, callID, agentID, phone string, meta map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[callID] = meta
	r.registered++
	return true
}

func (r *fakeRegistry) Unregister(ctx context.Context, callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, callID)
	return true
}

func (r *fakeRegistry) has(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[callID]
	return ok
}

func (r *fakeRegistry) meta(callID string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[callID]
}

// echoTool returns its arguments.
type echoTool struct{}

func (echoTool) Name() string { return "echo" }
func (echoTool) Definition() tools.Definition {
	return tools.Definition{Type: "function", Name: "echo", Parameters: map[string]any{"type": "object"}}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	return tools.Success(map[string]any{"echo": args["text"]}), nil
}

// harness wires a Bridge to fakes.
type fakeEvaluator struct {
	mu        sync.Mutex
	triggered []string
}

func (e *fakeEvaluator) Trigger(providerCallID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggered = append(e.triggered, providerCallID)
}

func (e *fakeEvaluator) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.triggered...)
}

type harness struct {
	bridge    *Bridge
	conn      *fakeConn
	ai        *fakeAI
	dialer    *fakeDialer
	agents    fakeAgents
	users     fakeUsers
	records   *fakeRecords
	registry  *fakeRegistry
	evaluator *fakeEvaluator
	call      Call
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ai := newFakeAI()
	h := &harness{
		conn:      newFakeConn(),
		ai:        ai,
		dialer:    &fakeDialer{session: ai},
		agents:    fakeAgents{},
		users:     fakeUsers{"owner-1": true},
		records:   newFakeRecords(),
		registry:  newFakeRegistry(),
		evaluator: &fakeEvaluator{},
	}
	h.agents["agent-1"] = &models.Agent{
		ID:               "agent-1",
		UserID:           "owner-1",
		Name:             "Front desk",
		SystemPrompt:     "Answer questions.",
		Language:         "en-US",
		Voice:            "marin",
		EnabledTools:     []string{"echo", "end_call"},
		IsActive:         true,
		EnableTranscript: true,
	}

	catalog := tools.NewCatalog(nil, testLogger())
	tools.RegisterBuiltins(catalog, nil)
	catalog.Register("echo", func(env tools.Env) tools.Tool { return echoTool{} })

	h.bridge = New(Deps{
		Agents:     h.agents,
		Workspaces: fakeWorkspaces{ws: &models.Workspace{ID: "ws-1", Timezone: "America/New_York"}},
		Users:      h.users,
		Records:    h.records,
		Dialer:     h.dialer,
		Catalog:    catalog,
		Registry:   h.registry,
		Evaluator:  h.evaluator,
		Logger:     testLogger(),
		Model:      "gpt-realtime-2025-08-28",
	})
	tw, _ := carrier.Lookup("twilio")
	h.call = Call{ID: "call-1", Carrier: tw, AgentID: "agent-1", PhoneNumber: "+15550001111"}
	return h
}

// start runs the session in the background and returns a channel with its
// result.
func (h *harness) start(ctx context.Context) (*Session, <-chan error) {
	s := h.bridge.NewSession(h.conn, h.call)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

// barrier waits until the outbound loop has handled every event queued
// before it.
func (h *harness) barrier(t *testing.T, id string) {
	t.Helper()
	h.ai.events <- realtime.Event{Type: realtime.EventFunctionCallDone, CallID: id, Name: "echo", Arguments: `{}`}
	waitFor(t, "outbound barrier "+id, func() bool {
		_, ok := h.ai.output(id)
		return ok
	})
}
