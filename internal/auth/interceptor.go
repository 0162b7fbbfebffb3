// ABOUTME: gRPC interceptors authenticating operators by JWT and enforcing the operator role
// ABOUTME: Extracts the bearer token from metadata and populates the auth context for handlers

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-dispatch/internal/store"
)

// OperatorLookup resolves the operator named in a token.
type OperatorLookup interface {
	GetOperatorByName(ctx context.Context, name string) (*store.Operator, error)
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// PeerAddr returns the remote address of a gRPC call, or "unknown".
func PeerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		host := p.Addr.String()
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		return host
	}
	return "unknown"
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates
// requests. Methods listed in public skip authentication.
func UnaryInterceptor(operators OperatorLookup, tokens TokenVerifier, public map[string]bool, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}

		authCtx, err := extractAuth(ctx, operators, tokens, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// RequireRole returns a gRPC unary interceptor that enforces role for every
// method under servicePrefix except the public ones. It must run after
// UnaryInterceptor.
func RequireRole(servicePrefix, role string, public map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, servicePrefix) || public[info.FullMethod] {
			return handler(ctx, req)
		}

		auth := FromContext(ctx)
		if auth == nil {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		if !auth.HasRole(role) {
			return nil, status.Errorf(codes.PermissionDenied, "%s role required", role)
		}
		return handler(ctx, req)
	}
}

// bearerToken extracts the token from an "authorization: Bearer ..." entry.
func bearerToken(md metadata.MD) (string, error) {
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization header")
	}
	header := values[0]
	if !strings.HasPrefix(header, "Bearer ") {
		return "", status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", status.Error(codes.Unauthenticated, "empty token")
	}
	return token, nil
}

// extractAuth validates the bearer token and confirms the operator still
// exists under the same id.
func extractAuth(ctx context.Context, operators OperatorLookup, tokens TokenVerifier, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	token, err := bearerToken(md)
	if err != nil {
		logAuthFailure(logger, ctx, "missing_token")
		return nil, err
	}

	claims, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_invalid", "error", err.Error())
		if errors.Is(err, ErrExpiredToken) {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	op, err := operators.GetOperatorByName(ctx, claims.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logAuthFailure(logger, ctx, "operator_not_found", "name", claims.Name)
			return nil, status.Error(codes.Unauthenticated, "operator not found")
		}
		return nil, status.Errorf(codes.Internal, "failed to look up operator: %v", err)
	}
	if op.ID != claims.Subject {
		logAuthFailure(logger, ctx, "operator_id_mismatch", "name", claims.Name)
		return nil, status.Error(codes.Unauthenticated, "operator not found")
	}

	return &AuthContext{
		OperatorID: op.ID,
		Name:       op.Name,
		Roles:      []string{RoleOperator},
	}, nil
}
