// ABOUTME: Tests for dispatch-admin commands against an in-memory operator client
// ABOUTME: Covers config precedence, token handling, request building and rendering

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/coven-dispatch/internal/operator"
)

type fakeClient struct {
	operator.OperatorServiceClient

	server  string
	tokens  []string
	enqueue *operator.EnqueueRequest
	audit   *operator.AuditLogRequest
	revoked string
	closed  bool
}

func (f *fakeClient) record(ctx context.Context) {
	md, _ := metadata.FromOutgoingContext(ctx)
	f.tokens = append(f.tokens, strings.Join(md.Get("authorization"), ","))
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func (f *fakeClient) Login(ctx context.Context, in *operator.LoginRequest, _ ...grpc.CallOption) (*operator.LoginResponse, error) {
	f.record(ctx)
	if in.Name != "alice" || in.Password != "hunter22" {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return &operator.LoginResponse{Token: "tok-alice", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeClient) ListAgents(ctx context.Context, _ *emptypb.Empty, _ ...grpc.CallOption) (*operator.ListAgentsResponse, error) {
	f.record(ctx)
	return &operator.ListAgentsResponse{Agents: []operator.AgentInfo{
		{ID: "host-1", State: "active", Platform: "linux", Fingerprint: "SHA256:abcdefghijklmnopqrstuvwxyz", Queued: 2},
		{ID: "host-2", State: "pending"},
	}}, nil
}

func (f *fakeClient) Enqueue(ctx context.Context, in *operator.EnqueueRequest, _ ...grpc.CallOption) (*operator.EnqueueResponse, error) {
	f.record(ctx)
	f.enqueue = in
	resp := &operator.EnqueueResponse{GroupID: in.GroupID, Skipped: []string{"host-9"}}
	for _, id := range append([]string{in.AgentID}, in.AgentIDs...) {
		if id != "" {
			resp.Commands = append(resp.Commands, operator.Assignment{CommandID: "cmd-" + id, AgentID: id})
		}
	}
	return resp, nil
}

func (f *fakeClient) GetResult(ctx context.Context, in *operator.GetResultRequest, _ ...grpc.CallOption) (*operator.GetResultResponse, error) {
	f.record(ctx)
	resp := &operator.GetResultResponse{Command: operator.CommandInfo{ID: in.CommandID, AgentID: "host-1", State: "completed"}}
	if in.CommandID == "cmd-bin" {
		resp.Result = &operator.ResultInfo{CommandID: in.CommandID, Status: "completed", Payload: []byte{0xff, 0x00}}
	} else if in.CommandID != "cmd-pending" {
		resp.Result = &operator.ResultInfo{CommandID: in.CommandID, Status: "failed", ErrorCode: 3, Payload: []byte("disk full")}
	}
	return resp, nil
}

func (f *fakeClient) RevokeAgent(ctx context.Context, in *operator.RevokeAgentRequest, _ ...grpc.CallOption) (*operator.RevokeAgentResponse, error) {
	f.record(ctx)
	f.revoked = in.AgentID
	return &operator.RevokeAgentResponse{PurgedCommands: 4}, nil
}

func (f *fakeClient) AuditLog(ctx context.Context, in *operator.AuditLogRequest, _ ...grpc.CallOption) (*operator.AuditLogResponse, error) {
	f.record(ctx)
	f.audit = in
	return &operator.AuditLogResponse{Entries: []operator.AuditEntry{
		{Actor: "alice", Action: "enqueue", TargetType: "agent", TargetID: "host-1"},
	}}, nil
}

// newTestApp isolates config and token lookup in a temp dir.
func newTestApp(t *testing.T) (*app, *fakeClient) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("COVEN_TOKEN", "")
	fake := &fakeClient{}
	a := &app{
		v: viper.New(),
		dial: func(server string) (operator.OperatorServiceClient, io.Closer, error) {
			fake.server = server
			return fake, fake, nil
		},
		stdin:        strings.NewReader(""),
		readPassword: func() (string, error) { return "hunter22", nil },
	}
	return a, fake
}

func run(a *app, args ...string) (string, error) {
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigPrecedence(t *testing.T) {
	a, fake := newTestApp(t)
	dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "coven")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "admin.yaml"),
		[]byte("server: file-host:1\ntoken: file-token\ntimeout: 3s\n"), 0600))

	_, err := run(a, "agents")
	require.NoError(t, err)
	assert.Equal(t, "file-host:1", fake.server)
	assert.Equal(t, []string{"Bearer file-token"}, fake.tokens)
	assert.Equal(t, 3*time.Second, a.cfg.Timeout)

	t.Setenv("DISPATCH_SERVER", "env-host:2")
	a, fake = newTestApp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "coven"), 0700))
	_, err = run(a, "agents", "--token", "flag-token")
	require.NoError(t, err)
	assert.Equal(t, "env-host:2", fake.server)
	assert.Equal(t, []string{"Bearer flag-token"}, fake.tokens)

	a, fake = newTestApp(t)
	_, err = run(a, "agents", "--server", "flag-host:3", "--token", "x")
	require.NoError(t, err)
	assert.Equal(t, "flag-host:3", fake.server)
}

func TestConfig_Invalid(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := run(a, "agents", "--output", "yaml", "--token", "x")
	assert.ErrorContains(t, err, "invalid output format")

	a, _ = newTestApp(t)
	_, err = run(a, "agents", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--token", "x")
	assert.ErrorContains(t, err, "reading config file")
}

func TestToken_FallbackOrder(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := run(a, "agents")
	assert.ErrorContains(t, err, "not logged in")

	a, fake := newTestApp(t)
	t.Setenv("COVEN_TOKEN", "env-token")
	_, err = run(a, "agents")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer env-token"}, fake.tokens)
}

func TestLogin_SavesToken(t *testing.T) {
	a, fake := newTestApp(t)
	a.stdin = strings.NewReader("alice\n")

	out, err := run(a, "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as alice")
	assert.Equal(t, []string{""}, fake.tokens, "login must not send a token")
	assert.True(t, fake.closed)

	path := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "coven", "token")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-alice\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The saved token authenticates later commands.
	_, err = run(a, "agents")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-alice", fake.tokens[len(fake.tokens)-1])
}

func TestLogin_Rejected(t *testing.T) {
	a, _ := newTestApp(t)
	a.readPassword = func() (string, error) { return "wrong", nil }
	_, err := run(a, "login", "--name", "alice")
	assert.ErrorContains(t, err, "login failed")
}

func TestAgents_TextAndJSON(t *testing.T) {
	a, _ := newTestApp(t)
	out, err := run(a, "agents", "--token", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "FINGERPRINT")
	assert.Contains(t, out, "host-1")
	assert.Contains(t, out, "SHA256:abcdefghi...")

	a, _ = newTestApp(t)
	out, err = run(a, "agents", "--token", "x", "-o", "json")
	require.NoError(t, err)
	var resp operator.ListAgentsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Agents, 2)
}

func TestEnqueue_Targets(t *testing.T) {
	a, fake := newTestApp(t)
	out, err := run(a, "enqueue", "--token", "x", "--agents", "host-1,host-2", "--payload", "uptime", "--priority", "5", "--group", "g1")
	require.NoError(t, err)
	require.NotNil(t, fake.enqueue)
	assert.Equal(t, []string{"host-1", "host-2"}, fake.enqueue.AgentIDs)
	assert.Equal(t, []byte("uptime"), fake.enqueue.Payload)
	assert.Equal(t, 5, fake.enqueue.Priority)
	assert.Equal(t, "g1", fake.enqueue.GroupID)
	assert.Contains(t, out, "Queued 2 command(s)")
	assert.Contains(t, out, "Skipped: host-9")

	a, fake = newTestApp(t)
	a.stdin = strings.NewReader("from stdin")
	_, err = run(a, "enqueue", "--token", "x", "--all", "--payload-file", "-")
	require.NoError(t, err)
	assert.True(t, fake.enqueue.All)
	assert.Equal(t, []byte("from stdin"), fake.enqueue.Payload)
}

func TestEnqueue_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no target", []string{"--payload", "x"}, "exactly one of"},
		{"two targets", []string{"--agent", "a", "--all", "--payload", "x"}, "exactly one of"},
		{"no payload", []string{"--agent", "a"}, "--payload or --payload-file"},
		{"missing file", []string{"--agent", "a", "--payload-file", "/nonexistent/job"}, "reading payload file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, fake := newTestApp(t)
			_, err := run(a, append([]string{"enqueue", "--token", "x"}, tt.args...)...)
			assert.ErrorContains(t, err, tt.want)
			assert.Nil(t, fake.enqueue)
		})
	}
}

func TestResult_Rendering(t *testing.T) {
	a, _ := newTestApp(t)
	out, err := run(a, "result", "cmd-1", "--token", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "Code:     3")
	assert.Contains(t, out, "disk full")

	a, _ = newTestApp(t)
	out, err = run(a, "result", "cmd-bin", "--token", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "base64:/wA=")

	a, _ = newTestApp(t)
	out, err = run(a, "result", "cmd-pending", "--token", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "No result yet.")

	a, _ = newTestApp(t)
	_, err = run(a, "result", "--token", "x")
	assert.Error(t, err)
}

func TestRevoke_Confirmation(t *testing.T) {
	a, fake := newTestApp(t)
	a.stdin = strings.NewReader("n\n")
	_, err := run(a, "revoke", "host-1", "--token", "x")
	assert.ErrorContains(t, err, "aborted")
	assert.Empty(t, fake.revoked)

	a, fake = newTestApp(t)
	a.stdin = strings.NewReader("yes\n")
	out, err := run(a, "revoke", "host-1", "--token", "x")
	require.NoError(t, err)
	assert.Equal(t, "host-1", fake.revoked)
	assert.Contains(t, out, "purged 4 command(s)")

	a, fake = newTestApp(t)
	_, err = run(a, "revoke", "host-2", "--yes", "--token", "x")
	require.NoError(t, err)
	assert.Equal(t, "host-2", fake.revoked)
}

func TestAudit_Filters(t *testing.T) {
	a, fake := newTestApp(t)
	before := time.Now()
	out, err := run(a, "audit", "--token", "x", "--actor", "alice", "--since", "1h", "--limit", "10")
	require.NoError(t, err)
	require.NotNil(t, fake.audit)
	assert.Equal(t, "alice", fake.audit.Actor)
	assert.Equal(t, 10, fake.audit.Limit)
	require.NotNil(t, fake.audit.Since)
	assert.WithinDuration(t, before.Add(-time.Hour), *fake.audit.Since, 5*time.Second)
	assert.Contains(t, out, "agent:host-1")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	got, err = parseSince("2026-02-28T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("-1h", now)
	assert.Error(t, err)
	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, "(empty)", formatPayload(nil))
	assert.Equal(t, "ok", formatPayload([]byte("ok")))
	assert.Equal(t, "base64:/wA=", formatPayload([]byte{0xff, 0x00}))
}
