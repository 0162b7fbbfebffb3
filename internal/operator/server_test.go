// ABOUTME: End-to-end tests of the operator service over an in-memory gRPC connection
// ABOUTME: Runs the real interceptor chain, dispatch engine and session manager on MockStore

package operator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/kex"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/queue"
	"github.com/2389/coven-dispatch/internal/replay"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/store"
)

const (
	operatorName     = "alice"
	operatorPassword = "correct-horse-battery"
)

var testSecret = []byte("operator-test-secret-32-bytes!!!")

var agentKey = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	client   OperatorServiceClient
	engine   *dispatch.Engine
	store    *store.MockStore
	agents   *agent.Registry
	sessions *session.Manager
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	env := &testEnv{
		store:  store.NewMockStore(),
		agents: agent.NewRegistry(logger),
	}
	cache := replay.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	var err error
	env.sessions, err = session.New(session.Params{
		Store:  env.store,
		Agents: env.agents,
		Replay: cache,
		Config: session.DefaultConfig(),
		Logger: logger,
	})
	require.NoError(t, err)

	q := queue.New(env.store, env.agents, queue.Config{MaxPayloadBytes: 64}, logger, nil)
	env.engine = dispatch.New(dispatch.Params{
		Store:    env.store,
		Agents:   env.agents,
		Sessions: env.sessions,
		Queue:    q,
		Logger:   logger,
	})

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	authn, err := auth.NewAuthenticator(env.store, verifier, time.Hour, logger)
	require.NoError(t, err)
	_, err = authn.CreateOperator(ctx, operatorName, operatorPassword, store.System)
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		auth.UnaryInterceptor(env.store, verifier, PublicMethods, logger),
		auth.RequireRole("/"+ServiceName+"/", auth.RoleOperator, PublicMethods),
	))
	RegisterOperatorServiceServer(srv, NewServer(env.engine, authn, env.store, logger))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	env.client = NewOperatorServiceClient(conn)

	resp, err := env.client.Login(ctx, &LoginRequest{Name: operatorName, Password: operatorPassword})
	require.NoError(t, err)
	env.token = resp.Token
	return env
}

func (e *testEnv) ctx() context.Context {
	return WithToken(context.Background(), e.token)
}

// seedAgent registers an active agent with no session.
func (e *testEnv) seedAgent(t *testing.T, id string) {
	t.Helper()
	a := &store.Agent{
		ID:          id,
		PublicKey:   "pem",
		Fingerprint: "fp-" + id,
		State:       store.AgentActive,
		CreatedAt:   time.Now(),
		LastSeen:    time.Now(),
	}
	require.NoError(t, e.store.UpsertAgent(context.Background(), a))
	cp := *a
	l := e.agents.LockOrCreate(id)
	l.Set(&cp)
	l.Unlock()
}

// connectAgent runs a handshake and signs one request so the session is
// active.
func (e *testEnv) connectAgent(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	der, err := x509.MarshalPKIXPublicKey(&agentKey().PublicKey)
	require.NoError(t, err)

	res, err := kex.New(e.sessions, nil).BeginHandshake(ctx, kex.HandshakeParams{
		AgentID:   id,
		PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	})
	require.NoError(t, err)

	key, err := protocol.UnwrapSessionKey(agentKey(), res.EncryptedKey)
	require.NoError(t, err)
	keys, err := protocol.DeriveKeys(key)
	require.NoError(t, err)
	nonce, err := protocol.NewNonce()
	require.NoError(t, err)

	ts := time.Now().Unix()
	_, err = e.sessions.Validate(ctx, session.AuthRequest{
		AgentID:   id,
		Method:    "POST",
		Path:      protocol.PathPoll,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: protocol.Sign(keys.MAC, protocol.CanonicalRequest("POST", protocol.PathPoll, ts, nonce, nil)),
	})
	require.NoError(t, err)
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "error: %v", err)
}

func TestOperatorService_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.ListAgents(context.Background(), &emptypb.Empty{})
	requireCode(t, err, codes.Unauthenticated)

	_, err = env.client.ListAgents(WithToken(context.Background(), "not-a-token"), &emptypb.Empty{})
	requireCode(t, err, codes.Unauthenticated)

	resp, err := env.client.ListAgents(env.ctx(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Empty(t, resp.Agents)
}

func TestOperatorService_Login(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.Login(ctx, &LoginRequest{Name: operatorName})
	requireCode(t, err, codes.InvalidArgument)

	_, err = env.client.Login(ctx, &LoginRequest{Name: operatorName, Password: "wrong-password-here"})
	requireCode(t, err, codes.Unauthenticated)

	// The failure above put this peer into backoff.
	_, err = env.client.Login(ctx, &LoginRequest{Name: operatorName, Password: operatorPassword})
	requireCode(t, err, codes.ResourceExhausted)

	entries, err := env.store.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	var logins int
	for _, e := range entries {
		if e.Action == store.AuditLogin {
			logins++
		}
	}
	assert.Equal(t, 1, logins, "only the setup login succeeded")
}

func TestOperatorService_EnqueueAndResults(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		env.seedAgent(t, id)
	}
	ctx := env.ctx()

	resp, err := env.client.Enqueue(ctx, &EnqueueRequest{All: true, Payload: []byte("uptime"), Priority: 3})
	require.NoError(t, err)
	require.Len(t, resp.Commands, 3)
	require.NotEmpty(t, resp.GroupID)

	agents, err := env.client.ListAgents(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	require.Len(t, agents.Agents, 3)
	assert.Equal(t, "a1", agents.Agents[0].ID)
	for _, a := range agents.Agents {
		assert.Equal(t, 1, a.Queued)
	}

	cmd, err := env.engine.Poll(context.Background(), "a1", 0)
	require.NoError(t, err)
	require.NotNil(t, cmd)

	got, err := env.client.GetResult(ctx, &GetResultRequest{CommandID: cmd.ID})
	require.NoError(t, err)
	assert.Equal(t, string(store.CommandDispatched), got.Command.State)
	assert.Equal(t, operatorName, got.Command.IssuedBy)
	assert.Nil(t, got.Result)

	_, err = env.engine.ReportResult(context.Background(), dispatch.ResultParams{
		AgentID:   "a1",
		CommandID: cmd.ID,
		Status:    protocol.StatusSuccess,
		Payload:   []byte("up 3 days"),
	})
	require.NoError(t, err)

	got, err = env.client.GetResult(ctx, &GetResultRequest{CommandID: cmd.ID})
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "up 3 days", string(got.Result.Payload))
	assert.Equal(t, string(protocol.StatusSuccess), got.Result.Status)

	group, err := env.client.GroupStatus(ctx, &GroupStatusRequest{GroupID: resp.GroupID})
	require.NoError(t, err)
	assert.Equal(t, 3, group.Total)
	assert.Equal(t, 1, group.Completed)
	assert.Equal(t, 2, group.Pending)
	assert.False(t, group.Concluded)

	st, err := env.client.Status(ctx, &StatusRequest{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, st.Agents, 1)
	assert.Empty(t, st.Agents[0].Queued)
	assert.Empty(t, st.Agents[0].InFlight)
	require.Len(t, st.Agents[0].Results, 1)

	all, err := env.client.Status(ctx, &StatusRequest{AgentID: dispatch.AllAgents})
	require.NoError(t, err)
	assert.Len(t, all.Agents, 3)
}

func TestOperatorService_ErrorCodes(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "a1")
	ctx := env.ctx()

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"enqueue without target", func() error {
			_, err := env.client.Enqueue(ctx, &EnqueueRequest{Payload: []byte("x")})
			return err
		}, codes.InvalidArgument},
		{"enqueue with two targets", func() error {
			_, err := env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "a1", All: true})
			return err
		}, codes.InvalidArgument},
		{"enqueue oversized payload", func() error {
			_, err := env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "a1", Payload: make([]byte, 65)})
			return err
		}, codes.InvalidArgument},
		{"enqueue unknown agent", func() error {
			_, err := env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "ghost"})
			return err
		}, codes.NotFound},
		{"enqueue set with no active agent", func() error {
			_, err := env.client.Enqueue(ctx, &EnqueueRequest{AgentIDs: []string{"ghost"}})
			return err
		}, codes.FailedPrecondition},
		{"status unknown agent", func() error {
			_, err := env.client.Status(ctx, &StatusRequest{AgentID: "ghost"})
			return err
		}, codes.NotFound},
		{"result unknown command", func() error {
			_, err := env.client.GetResult(ctx, &GetResultRequest{CommandID: "nope"})
			return err
		}, codes.NotFound},
		{"unknown group", func() error {
			_, err := env.client.GroupStatus(ctx, &GroupStatusRequest{GroupID: "nope"})
			return err
		}, codes.NotFound},
		{"rotate without session", func() error {
			_, err := env.client.RotateSession(ctx, &RotateSessionRequest{AgentID: "a1"})
			return err
		}, codes.FailedPrecondition},
		{"rotate unknown agent", func() error {
			_, err := env.client.RotateSession(ctx, &RotateSessionRequest{AgentID: "ghost"})
			return err
		}, codes.NotFound},
		{"audit log bad action", func() error {
			_, err := env.client.AuditLog(ctx, &AuditLogRequest{Action: "launch"})
			return err
		}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, tt.call(), tt.code)
		})
	}
}

func TestOperatorService_EnqueueReusedGroupID(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "a1")
	ctx := env.ctx()

	resp, err := env.client.Enqueue(ctx, &EnqueueRequest{All: true, GroupID: "patch-tuesday"})
	require.NoError(t, err)
	assert.Equal(t, "patch-tuesday", resp.GroupID)

	_, err = env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "a1", GroupID: "patch-tuesday"})
	requireCode(t, err, codes.AlreadyExists)

	group, err := env.client.GroupStatus(ctx, &GroupStatusRequest{GroupID: "patch-tuesday"})
	require.NoError(t, err)
	assert.Equal(t, 1, group.Total)
}

func TestOperatorService_PersistenceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "a1")
	env.store.SetWriteError(protocol.ErrPersistenceUnavailable)

	_, err := env.client.Enqueue(env.ctx(), &EnqueueRequest{AgentID: "a1", Payload: []byte("x")})
	requireCode(t, err, codes.Unavailable)
}

func TestOperatorService_RotateAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	env.connectAgent(t, "edge-1")
	ctx := env.ctx()

	rot, err := env.client.RotateSession(ctx, &RotateSessionRequest{AgentID: "edge-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, rot.Rotation)
	assert.NotEmpty(t, rot.SessionID)

	_, err = env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "edge-1", Payload: []byte("a")})
	require.NoError(t, err)
	_, err = env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "edge-1", Payload: []byte("b")})
	require.NoError(t, err)

	rev, err := env.client.RevokeAgent(ctx, &RevokeAgentRequest{AgentID: "edge-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, rev.PurgedCommands)

	_, err = env.client.Enqueue(ctx, &EnqueueRequest{AgentID: "edge-1", Payload: []byte("c")})
	requireCode(t, err, codes.FailedPrecondition)

	history, err := env.client.AuditLog(ctx, &AuditLogRequest{TargetID: "edge-1"})
	require.NoError(t, err)
	actions := make([]string, 0, len(history.Entries))
	for _, e := range history.Entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, string(store.AuditHandshake))
	assert.Contains(t, actions, string(store.AuditRevokeAgent))

	rotations, err := env.client.AuditLog(ctx, &AuditLogRequest{Action: string(store.AuditRotateSession)})
	require.NoError(t, err)
	require.Len(t, rotations.Entries, 1)
	assert.Equal(t, rot.SessionID, rotations.Entries[0].TargetID)

	revokes, err := env.client.AuditLog(ctx, &AuditLogRequest{Action: string(store.AuditRevokeAgent)})
	require.NoError(t, err)
	require.Len(t, revokes.Entries, 1)
	assert.Equal(t, operatorName, revokes.Entries[0].Actor)
}
