package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/admission"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/carrier"
)

// CloseTryAgainLater is sent to carriers turned away by admission.
const CloseTryAgainLater = websocket.CloseTryAgainLater

// handleTelephony accepts a carrier media stream, admits the call and hands
// it to the bridge. The caller number is taken from the "from" query
// parameter when the carrier's stream URL carries one.
func (s *Server) handleTelephony(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "carrier")
	c, ok := carrier.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown carrier")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if msg := validateID("agent id", agentID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	phone := r.URL.Query().Get("from")
	if msg := validatePhoneNumber("from", phone); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Warn("carrier websocket upgrade failed", "carrier", name, "error", err)
		return
	}

	call := bridge.Call{
		ID:          uuid.NewString(),
		Carrier:     c,
		AgentID:     agentID,
		PhoneNumber: phone,
	}
	logger := s.logger.With("call_id", call.ID, "agent_id", agentID, "carrier", name)
	logger.Info("carrier websocket connected")

	s.calls.Add(1)
	defer s.calls.Done()

	// A carrier that hangs up while queued cancels its admission.
	admitCtx, cancelAdmit := context.WithCancel(r.Context())
	defer cancelAdmit()
	cc := watchCarrierConn(conn, c, cancelAdmit)

	d := s.deps.Admission.Admit(admitCtx, admission.Request{
		CallID:      call.ID,
		AgentID:     agentID,
		PhoneNumber: phone,
		Metadata:    map[string]string{"carrier": name},
	})
	if d.Outcome != admission.Admitted {
		logger.Warn("call not admitted", "reason", d.Reason, "queued", d.Queued)
		msg := websocket.FormatCloseMessage(CloseTryAgainLater, "try again later")
		cc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		cc.Close()
		return
	}
	if d.Queued {
		logger.Info("call admitted from queue", "waited", d.Waited.Round(time.Millisecond).String())
	}
	cc.admit()

	if err := s.deps.Calls.Serve(r.Context(), cc, call); err != nil {
		logger.Warn("call ended with error", "error", err)
	}
}
