// ABOUTME: JSON message shapes exchanged between agents and the dispatch gateway
// ABOUTME: Byte fields travel as standard base64 via encoding/json

package protocol

import "time"

// HTTP paths of the agent API.
const (
	PathHandshake = "/v1/handshake"
	PathPoll      = "/v1/poll"
	PathResults   = "/v1/results"
)

// Headers carried by every authenticated agent request.
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderNonce     = "X-Agent-Nonce"
	HeaderSignature = "X-Agent-Signature"
)

// HandshakeRequest opens a session. AgentID may be empty, in which case the
// server mints one.
type HandshakeRequest struct {
	AgentID   string `json:"agent_id,omitempty"`
	PublicKey string `json:"public_key"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`
}

// HandshakeResponse carries the session key encrypted under the agent's
// public key. The plaintext key never leaves the server otherwise.
type HandshakeResponse struct {
	AgentID      string    `json:"agent_id"`
	SessionID    string    `json:"session_id"`
	EncryptedKey []byte    `json:"encrypted_key"`
	Rotation     int       `json:"rotation"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PollRequest asks for the next command. WaitSeconds enables long polling,
// capped by the server.
type PollRequest struct {
	WaitSeconds int `json:"wait_seconds,omitempty"`
}

// PollResponse holds at most one command.
type PollResponse struct {
	Command  *CommandEnvelope `json:"command,omitempty"`
	Rotation *RotationOffer   `json:"rotation,omitempty"`
}

// CommandEnvelope is a dispatched command. Payload is sealed under the session
// payload key with the agent id as additional data.
type CommandEnvelope struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"group_id,omitempty"`
	Priority int       `json:"priority"`
	Payload  []byte    `json:"payload"`
	Deadline time.Time `json:"deadline"`
}

// RotationOffer delivers a rotated session key. It is repeated on every
// authenticated response until the agent signs a request with the new key.
type RotationOffer struct {
	SessionID    string `json:"session_id"`
	EncryptedKey []byte `json:"encrypted_key"`
	Rotation     int    `json:"rotation"`
}

// ResultStatus is the agent-reported outcome of a command.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// Valid reports whether s is a known status.
func (s ResultStatus) Valid() bool {
	return s == StatusSuccess || s == StatusError
}

// ResultReport is pushed by an agent when a command finishes.
type ResultReport struct {
	CommandID string       `json:"command_id"`
	Status    ResultStatus `json:"status"`
	ErrorCode int          `json:"error_code,omitempty"`
	Payload   []byte       `json:"payload,omitempty"`
}

// ResultAck acknowledges a report. Duplicate is set when the command already
// had a canonical result and this report was ignored.
type ResultAck struct {
	Accepted  bool           `json:"accepted"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Rotation  *RotationOffer `json:"rotation,omitempty"`
}

// ErrorResponse is the body of every non-2xx agent API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
