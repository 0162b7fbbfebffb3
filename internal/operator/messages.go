// ABOUTME: Request and response messages of the operator service
// ABOUTME: Converters from store types never copy session key material

package operator

import (
	"time"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/store"
)

type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AgentInfo summarises one agent.
type AgentInfo struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	State       string    `json:"state"`
	Fingerprint string    `json:"fingerprint"`
	SessionID   string    `json:"session_id,omitempty"`
	Rotation    int       `json:"rotation"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`
	Queued      int       `json:"queued"`
	InFlight    int       `json:"in_flight"`
}

type ListAgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}

// EnqueueRequest targets exactly one of AgentID, All or AgentIDs.
type EnqueueRequest struct {
	AgentID  string   `json:"agent_id,omitempty"`
	All      bool     `json:"all,omitempty"`
	AgentIDs []string `json:"agent_ids,omitempty"`
	Payload  []byte   `json:"payload"`
	Priority int      `json:"priority,omitempty"`
	GroupID  string   `json:"group_id,omitempty"`
}

type Assignment struct {
	CommandID string `json:"command_id"`
	AgentID   string `json:"agent_id"`
}

type EnqueueResponse struct {
	GroupID  string       `json:"group_id,omitempty"`
	Commands []Assignment `json:"commands"`
	Skipped  []string     `json:"skipped,omitempty"`
}

// StatusRequest names one agent, or "all".
type StatusRequest struct {
	AgentID string `json:"agent_id"`
}

type CommandInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	GroupID      string    `json:"group_id,omitempty"`
	Target       string    `json:"target"`
	Priority     int       `json:"priority"`
	State        string    `json:"state"`
	IssuedBy     string    `json:"issued_by"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	DispatchedAt time.Time `json:"dispatched_at,omitzero"`
	Deadline     time.Time `json:"deadline,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Reason       string    `json:"reason,omitempty"`
}

type ResultInfo struct {
	CommandID   string    `json:"command_id"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	ErrorCode   int       `json:"error_code,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type AgentStatus struct {
	Agent    AgentInfo     `json:"agent"`
	Queued   []CommandInfo `json:"queued"`
	InFlight []CommandInfo `json:"in_flight"`
	Results  []ResultInfo  `json:"results"`
}

type StatusResponse struct {
	Agents []AgentStatus `json:"agents"`
}

type GetResultRequest struct {
	CommandID string `json:"command_id"`
}

// GetResultResponse has a nil Result until the agent reports.
type GetResultResponse struct {
	Command CommandInfo `json:"command"`
	Result  *ResultInfo `json:"result,omitempty"`
}

type GroupStatusRequest struct {
	GroupID string `json:"group_id"`
}

type GroupStatusResponse struct {
	GroupID   string `json:"group_id"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Expired   int    `json:"expired"`
	Total     int    `json:"total"`
	Concluded bool   `json:"concluded"`
}

type RotateSessionRequest struct {
	AgentID string `json:"agent_id"`
}

type RotateSessionResponse struct {
	SessionID string    `json:"session_id"`
	Rotation  int       `json:"rotation"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RevokeAgentRequest struct {
	AgentID string `json:"agent_id"`
}

type RevokeAgentResponse struct {
	PurgedCommands int `json:"purged_commands"`
}

// AuditLogRequest filters the audit log. Empty fields match everything.
type AuditLogRequest struct {
	Actor    string     `json:"actor,omitempty"`
	Action   string     `json:"action,omitempty"`
	TargetID string     `json:"target_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

type AuditEntry struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type AuditLogResponse struct {
	Entries []AuditEntry `json:"entries"`
}

func agentInfo(snap dispatch.AgentSnapshot) AgentInfo {
	a := snap.Agent
	info := AgentInfo{
		ID:          a.ID,
		Platform:    a.Platform,
		Version:     a.Version,
		State:       string(a.State),
		Fingerprint: a.Fingerprint,
		SessionID:   a.SessionID,
		CreatedAt:   a.CreatedAt,
		LastSeen:    a.LastSeen,
		Queued:      len(snap.Queued),
		InFlight:    len(snap.InFlight),
	}
	if snap.Session != nil {
		info.Rotation = snap.Session.Rotation
	}
	return info
}

func commandInfo(c *store.Command) CommandInfo {
	return CommandInfo{
		ID:           c.ID,
		AgentID:      c.AgentID,
		GroupID:      c.GroupID,
		Target:       string(c.Target),
		Priority:     c.Priority,
		State:        string(c.State),
		IssuedBy:     c.IssuedBy,
		EnqueuedAt:   c.EnqueuedAt,
		DispatchedAt: c.DispatchedAt,
		Deadline:     c.Deadline,
		FinishedAt:   c.FinishedAt,
		Reason:       c.Reason,
	}
}

func resultInfo(r *store.Result) ResultInfo {
	return ResultInfo{
		CommandID:   r.CommandID,
		AgentID:     r.AgentID,
		Status:      string(r.Status),
		ErrorCode:   r.ErrorCode,
		Payload:     r.Payload,
		CompletedAt: r.CompletedAt,
	}
}

func commandInfos(cmds []*store.Command) []CommandInfo {
	out := make([]CommandInfo, len(cmds))
	for i, c := range cmds {
		out[i] = commandInfo(c)
	}
	return out
}
