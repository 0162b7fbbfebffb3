// ABOUTME: HTTP handlers for the agent protocol: handshake, poll and result reporting
// ABOUTME: Authenticates signed requests and seals payloads under the session key

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/kex"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/session"
)

// maxHandshakeBody bounds the handshake request; it carries one public key.
const maxHandshakeBody = 64 << 10

var errInvalidPayload = errors.New("invalid result payload")

// handleHandshake starts a session for an agent.
func (g *Gateway) handleHandshake(w http.ResponseWriter, r *http.Request) {
	remote := remoteHost(r)
	if !g.limiter.allow(remote) {
		g.logger.Warn("handshake rate limited", "remote", remote)
		w.Header().Set("Retry-After", "1")
		sendJSONError(w, http.StatusTooManyRequests, "too many handshakes")
		return
	}

	var req protocol.HandshakeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHandshakeBody)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, protocol.ErrBadHandshake.Error())
		return
	}

	res, err := g.exchanger.BeginHandshake(r.Context(), kex.HandshakeParams{
		AgentID:   req.AgentID,
		PublicKey: req.PublicKey,
		Platform:  req.Platform,
		Version:   req.Version,
		Remote:    remote,
	})
	if err != nil {
		g.sendError(w, "handshake", err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.HandshakeResponse{
		AgentID:      res.AgentID,
		SessionID:    res.SessionID,
		EncryptedKey: res.EncryptedKey,
		Rotation:     res.Rotation,
		ExpiresAt:    res.ExpiresAt,
	})
}

// maxSignedBody bounds authenticated request bodies: a sealed, base64
// encoded payload plus envelope.
func (g *Gateway) maxSignedBody() int64 {
	return 2*int64(g.config.Commands.MaxPayloadBytes) + 64<<10
}

// authenticate reads the body and validates the request signature. On
// failure the response has already been written.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (*session.Grant, []byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxSignedBody()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, nil, false
		}
		sendJSONError(w, http.StatusBadRequest, "reading request body")
		return nil, nil, false
	}

	ts, err := strconv.ParseInt(r.Header.Get(protocol.HeaderTimestamp), 10, 64)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, protocol.ErrUnauthorized.Error())
		return nil, nil, false
	}

	grant, err := g.sessions.Validate(r.Context(), session.AuthRequest{
		AgentID:   r.Header.Get(protocol.HeaderAgentID),
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: ts,
		Nonce:     r.Header.Get(protocol.HeaderNonce),
		Signature: r.Header.Get(protocol.HeaderSignature),
		Body:      body,
	})
	if err != nil {
		g.sendError(w, "authenticate", err)
		return nil, nil, false
	}
	return grant, body, true
}

// handlePoll hands the agent its next command, long polling when asked to.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	grant, body, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	var req protocol.PollRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid poll request")
			return
		}
	}
	wait := min(time.Duration(max(req.WaitSeconds, 0))*time.Second, g.config.Agents.MaxPollWait)

	cmd, err := g.engine.Poll(r.Context(), grant.AgentID, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The agent went away; the command, if any, stays dispatched
			// until its deadline.
			return
		}
		g.sendError(w, "poll", err)
		return
	}

	resp := protocol.PollResponse{Rotation: grant.Offer}
	if cmd != nil {
		sealed, err := protocol.Seal(grant.Keys.Payload, cmd.Payload, []byte(grant.AgentID))
		if err != nil {
			g.sendError(w, "poll", fmt.Errorf("sealing command %s: %w", cmd.ID, err))
			return
		}
		resp.Command = &protocol.CommandEnvelope{
			ID:       cmd.ID,
			GroupID:  cmd.GroupID,
			Priority: cmd.Priority,
			Payload:  sealed,
			Deadline: cmd.Deadline,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResults records an agent's result report.
func (g *Gateway) handleResults(w http.ResponseWriter, r *http.Request) {
	grant, body, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	var report protocol.ResultReport
	if err := json.Unmarshal(body, &report); err != nil || report.CommandID == "" {
		sendJSONError(w, http.StatusBadRequest, "invalid result report")
		return
	}

	var payload []byte
	if len(report.Payload) > 0 {
		var err error
		payload, err = protocol.Open(grant.Keys.Payload, report.Payload, []byte(grant.AgentID))
		if err != nil {
			g.logger.Warn("result payload rejected", "agent_id", grant.AgentID, "command_id", report.CommandID)
			sendJSONError(w, http.StatusBadRequest, errInvalidPayload.Error())
			return
		}
	}

	ack, err := g.engine.ReportResult(r.Context(), dispatch.ResultParams{
		AgentID:   grant.AgentID,
		CommandID: report.CommandID,
		Status:    report.Status,
		ErrorCode: report.ErrorCode,
		Payload:   payload,
	})
	if err != nil {
		g.sendError(w, "result", err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.ResultAck{
		Accepted:  ack.Accepted,
		Duplicate: ack.Duplicate,
		Rotation:  grant.Offer,
	})
}

// httpStatus maps an error onto its HTTP status and public message.
func httpStatus(err error) (int, string) {
	if errors.Is(err, dispatch.ErrInvalidResult) {
		return http.StatusBadRequest, dispatch.ErrInvalidResult.Error()
	}
	public := protocol.Public(err)
	switch public {
	case protocol.ErrBadHandshake:
		return http.StatusBadRequest, public.Error()
	case protocol.ErrUnauthorized:
		return http.StatusUnauthorized, public.Error()
	case protocol.ErrUnknownOrStaleCommand:
		return http.StatusConflict, public.Error()
	case protocol.ErrPersistenceUnavailable:
		return http.StatusServiceUnavailable, public.Error()
	default:
		return http.StatusInternalServerError, protocol.ErrInternal.Error()
	}
}

// sendError logs err with its detail and writes the public form.
func (g *Gateway) sendError(w http.ResponseWriter, op string, err error) {
	code, msg := httpStatus(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error("agent request failed", "op", op, "error", err)
	} else {
		g.logger.Debug("agent request rejected", "op", op, "error", err)
	}
	sendJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError sends a JSON error response with the given status code and message.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
