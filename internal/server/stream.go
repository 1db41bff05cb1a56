package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// PLAN STREAMING
// =============================================================================

// planRequest is the payload for both streaming surfaces: the POST
// /v1/plan body and the first websocket frame on /v1/ws/plan.
type planRequest struct {
	Intent string `json:"intent" validate:"required,min=1"`
	UserID string `json:"user_id" validate:"omitempty,max=128"`
}

// wsHandshakeWait bounds how long the websocket handler waits for the
// client's opening plan frame before giving up on the connection.
const wsHandshakeWait = 10 * time.Second

// handlePlanSSE runs the planner and streams its events as server-sent
// events: "id" carries the sequence number, the event name carries the
// planner event kind, and "data" carries the full event document. The
// stream ends after the terminal "complete" event.
func (s *Server) handlePlanSSE(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, core.NewCapability("connection does not support streaming", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.streams.Add(1)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for ev := range s.agent.Plan(ctx, req.Intent, orLocal(req.UserID)) {
		payload, err := json.Marshal(ev)
		if err != nil {
			logging.ServerWarn("plan event marshal failed: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload); err != nil {
			logging.ServerDebug("sse client went away: %v", err)
			return
		}
		flusher.Flush()
	}
}

// handlePlanWS relays planner events over a websocket. The client sends
// one plan frame and receives every event as a JSON message, then a
// normal closure once the plan completes. Closing the connection early
// cancels the underlying plan.
func (s *Server) handlePlanWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		logging.ServerWarn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	var req planRequest
	if err := conn.ReadJSON(&req); err != nil {
		closeWS(conn, websocket.ClosePolicyViolation, "expected a plan request frame")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		verr := core.NewValidation("", "invalid plan request: "+err.Error())
		if werr := conn.WriteJSON(map[string]string{
			"error": verr.Error(),
			"kind":  core.KindOf(verr).String(),
		}); werr != nil {
			logging.ServerDebug("websocket error frame failed: %v", werr)
		}
		closeWS(conn, websocket.ClosePolicyViolation, "invalid plan request")
		return
	}
	conn.SetReadDeadline(time.Time{})

	s.streams.Add(1)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only serve disconnect detection from here on; the deferred
	// Close unblocks the reader when the handler returns.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range s.agent.Plan(ctx, req.Intent, orLocal(req.UserID)) {
		if err := conn.WriteJSON(ev); err != nil {
			logging.ServerDebug("websocket client went away: %v", err)
			return
		}
	}
	closeWS(conn, websocket.CloseNormalClosure, "plan complete")
}

// closeWS sends a close frame and ignores delivery failures; the
// deferred Close tears the connection down either way. Reasons must
// stay short: control frames cap the payload at 125 bytes.
func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		logging.ServerDebug("websocket close frame failed: %v", err)
	}
}
