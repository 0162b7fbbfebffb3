// ABOUTME: OperatorService implementation over the dispatch engine and operator authenticator
// ABOUTME: Maps dispatch, queue and store errors onto gRPC status codes

package operator

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/queue"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/store"
)

// AuditReader lists audit entries.
type AuditReader interface {
	ListAuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error)
}

// Server implements OperatorServiceServer.
type Server struct {
	engine *dispatch.Engine
	authn  *auth.Authenticator
	audit  AuditReader
	logger *slog.Logger
}

// NewServer creates an operator service backed by engine.
func NewServer(engine *dispatch.Engine, authn *auth.Authenticator, audit AuditReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		authn:  authn,
		audit:  audit,
		logger: logger.With("component", "operator"),
	}
}

var _ OperatorServiceServer = (*Server)(nil)

// toStatus converts a domain error into a gRPC status error. Anything
// unrecognised is logged and reported as Internal without detail.
func (s *Server) toStatus(op string, err error) error {
	var throttled *auth.ThrottledError
	switch {
	case errors.As(err, &throttled):
		return status.Error(codes.ResourceExhausted, throttled.Error())
	case errors.Is(err, auth.ErrBadCredentials):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, agent.ErrAgentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, queue.ErrPayloadTooLarge):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, queue.ErrGroupExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, queue.ErrNoTargets),
		errors.Is(err, queue.ErrAgentRevoked),
		errors.Is(err, queue.ErrAgentExpired),
		errors.Is(err, session.ErrNotActive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, protocol.ErrPersistenceUnavailable):
		return status.Error(codes.Unavailable, protocol.ErrPersistenceUnavailable.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error("operator request failed", "op", op, "error", err)
	return status.Error(codes.Internal, protocol.ErrInternal.Error())
}

// Login exchanges an operator name and password for a token.
func (s *Server) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if req.Name == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "name and password required")
	}
	token, expires, err := s.authn.Login(ctx, req.Name, req.Password, auth.PeerAddr(ctx))
	if err != nil {
		return nil, s.toStatus("login", err)
	}
	return &LoginResponse{Token: token, ExpiresAt: expires}, nil
}

// ListAgents returns every known agent with its queue depth.
func (s *Server) ListAgents(ctx context.Context, _ *emptypb.Empty) (*ListAgentsResponse, error) {
	snaps, err := s.engine.Snapshot(ctx, dispatch.AllAgents)
	if err != nil {
		return nil, s.toStatus("list agents", err)
	}
	slices.SortFunc(snaps, func(a, b dispatch.AgentSnapshot) int {
		return cmp.Compare(a.Agent.ID, b.Agent.ID)
	})

	agents := make([]AgentInfo, len(snaps))
	for i, snap := range snaps {
		agents[i] = agentInfo(snap)
	}
	return &ListAgentsResponse{Agents: agents}, nil
}

// Enqueue queues a command for one agent, every active agent, or a set.
func (s *Server) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	forms := 0
	if req.AgentID != "" {
		forms++
	}
	if req.All {
		forms++
	}
	if len(req.AgentIDs) > 0 {
		forms++
	}
	if forms != 1 {
		return nil, status.Error(codes.InvalidArgument, "exactly one of agent_id, all or agent_ids required")
	}
	if req.AgentID == dispatch.AllAgents {
		return nil, status.Error(codes.InvalidArgument, `use "all": true to target every agent`)
	}

	res, err := s.engine.Enqueue(ctx, queue.EnqueueParams{
		Target: queue.Target{
			AgentID:  req.AgentID,
			All:      req.All,
			AgentIDs: req.AgentIDs,
		},
		Payload:  req.Payload,
		Priority: req.Priority,
		GroupID:  req.GroupID,
		IssuedBy: auth.Actor(ctx),
	})
	if err != nil {
		return nil, s.toStatus("enqueue", err)
	}

	resp := &EnqueueResponse{
		GroupID:  res.GroupID,
		Commands: make([]Assignment, len(res.Commands)),
		Skipped:  res.Skipped,
	}
	for i, a := range res.Commands {
		resp.Commands[i] = Assignment{CommandID: a.CommandID, AgentID: a.AgentID}
	}
	return resp, nil
}

// Status returns queue and result detail for one agent, or every agent.
func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	if req.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id required")
	}
	snaps, err := s.engine.Snapshot(ctx, req.AgentID)
	if err != nil {
		return nil, s.toStatus("status", err)
	}

	resp := &StatusResponse{Agents: make([]AgentStatus, len(snaps))}
	for i, snap := range snaps {
		st := AgentStatus{
			Agent:    agentInfo(snap),
			Queued:   commandInfos(snap.Queued),
			InFlight: commandInfos(snap.InFlight),
			Results:  make([]ResultInfo, len(snap.Results)),
		}
		for j, r := range snap.Results {
			st.Results[j] = resultInfo(r)
		}
		resp.Agents[i] = st
	}
	return resp, nil
}

// GetResult returns a command and its result, if one was reported.
func (s *Server) GetResult(ctx context.Context, req *GetResultRequest) (*GetResultResponse, error) {
	if req.CommandID == "" {
		return nil, status.Error(codes.InvalidArgument, "command_id required")
	}
	cr, err := s.engine.Result(ctx, req.CommandID)
	if err != nil {
		return nil, s.toStatus("get result", err)
	}
	resp := &GetResultResponse{Command: commandInfo(cr.Command)}
	if cr.Result != nil {
		r := resultInfo(cr.Result)
		resp.Result = &r
	}
	return resp, nil
}

// GroupStatus aggregates the commands of a group.
func (s *Server) GroupStatus(ctx context.Context, req *GroupStatusRequest) (*GroupStatusResponse, error) {
	if req.GroupID == "" {
		return nil, status.Error(codes.InvalidArgument, "group_id required")
	}
	g, err := s.engine.GroupStatus(ctx, req.GroupID)
	if err != nil {
		return nil, s.toStatus("group status", err)
	}
	return &GroupStatusResponse{
		GroupID:   g.GroupID,
		Pending:   g.Pending,
		Completed: g.Completed,
		Failed:    g.Failed,
		Expired:   g.Expired,
		Total:     g.Total,
		Concluded: g.Concluded(),
	}, nil
}

// RotateSession issues a new session key to an agent.
func (s *Server) RotateSession(ctx context.Context, req *RotateSessionRequest) (*RotateSessionResponse, error) {
	if req.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id required")
	}
	sess, err := s.engine.Rotate(ctx, req.AgentID, auth.Actor(ctx))
	if err != nil {
		return nil, s.toStatus("rotate session", err)
	}
	return &RotateSessionResponse{
		SessionID: sess.ID,
		Rotation:  sess.Rotation,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// RevokeAgent ends an agent's session and expires its queued commands.
func (s *Server) RevokeAgent(ctx context.Context, req *RevokeAgentRequest) (*RevokeAgentResponse, error) {
	if req.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id required")
	}
	purged, err := s.engine.Revoke(ctx, req.AgentID, auth.Actor(ctx))
	if err != nil {
		return nil, s.toStatus("revoke agent", err)
	}
	return &RevokeAgentResponse{PurgedCommands: purged}, nil
}

// AuditLog lists audit entries, newest first.
func (s *Server) AuditLog(ctx context.Context, req *AuditLogRequest) (*AuditLogResponse, error) {
	var f store.AuditFilter
	if req.Actor != "" {
		f.Actor = &req.Actor
	}
	if req.Action != "" {
		action := store.AuditAction(req.Action)
		if !slices.Contains(store.ValidAuditActions, action) {
			return nil, status.Errorf(codes.InvalidArgument, "unknown audit action %q", req.Action)
		}
		f.Action = &action
	}
	if req.TargetID != "" {
		f.TargetID = &req.TargetID
	}
	if req.Since != nil {
		since := req.Since.UTC()
		f.Since = &since
	}
	f.Limit = req.Limit

	entries, err := s.audit.ListAuditLog(ctx, f)
	if err != nil {
		return nil, s.toStatus("audit log", err)
	}

	resp := &AuditLogResponse{Entries: make([]AuditEntry, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = AuditEntry{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		}
	}
	return resp, nil
}
