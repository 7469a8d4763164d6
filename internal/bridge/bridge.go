// Package bridge relays audio between a carrier media stream and a realtime
// AI session for the lifetime of one phone call.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/carrier"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/metrics"
	"github.com/flowpbx/callbridge/internal/realtime"
	"github.com/flowpbx/callbridge/internal/resilience"
	"github.com/flowpbx/callbridge/internal/tools"
)

// Setup failures. Each maps to its own carrier close code.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentInactive = errors.New("agent is not active")
	ErrOwnerNotFound = errors.New("agent owner not found")
	ErrSessionSetup  = errors.New("realtime session setup failed")
)

// Carrier WebSocket close codes sent when setup fails.
const (
	CloseAgentNotFound = 4004
	CloseAgentInactive = 4003
	CloseOwnerNotFound = 4005
	CloseSessionSetup  = websocket.CloseInternalServerErr
)

// Conn is the carrier side of a call. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Registry records active calls. Failures are absorbed by the implementation.
type Registry interface {
	Register(ctx context.Context, callID, agentID, phoneNumber string, metadata map[string]string) bool
	Unregister(ctx context.Context, callID string) bool
}

// Evaluator scores a call once its transcript is saved. Trigger must not
// block.
type Evaluator interface {
	Trigger(providerCallID string)
}

// Deps are the collaborators shared by every call.
type Deps struct {
	Agents     database.AgentRepository
	Workspaces database.WorkspaceRepository
	Users      database.UserRepository
	Records    database.CallRecordRepository
	Dialer     realtime.Dialer
	Catalog    *tools.Catalog
	Registry   Registry
	Realtime   *resilience.Policy // guards session establishment; may be nil
	Metrics    *metrics.CallMetrics
	Evaluator  Evaluator // optional
	Logger     *slog.Logger

	Model string // realtime model name
	Now   func() time.Time
}

// Bridge creates a Session per carrier connection.
type Bridge struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Bridge.
func New(deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Bridge{deps: deps, logger: deps.Logger.With("subsystem", "bridge")}
}

// Call identifies an admitted carrier connection.
type Call struct {
	ID          string // bridge-assigned; the registry key
	Carrier     carrier.Carrier
	AgentID     string
	PhoneNumber string
}

// NewSession prepares a session for conn without starting it.
func (b *Bridge) NewSession(conn Conn, call Call) *Session {
	s := &Session{
		b:          b,
		conn:       conn,
		call:       call,
		transcript: NewTranscript(),
		logger: b.logger.With(
			"call_id", call.ID,
			"agent_id", call.AgentID,
			"carrier", call.Carrier.Name(),
		),
	}
	s.transcript.now = b.deps.Now
	return s
}

// Serve runs the call on conn until either side goes away. The returned
// error is nil for calls that ended normally.
func (b *Bridge) Serve(ctx context.Context, conn Conn, call Call) error {
	return b.NewSession(conn, call).Run(ctx)
}
