// Package auth authenticates operators of coven-dispatch.
//
// Operators log in with a name and password (bcrypt hashed in the store) and
// receive an HS256 JWT signed with auth.jwt_secret. That secret is unrelated
// to agent session keys: agents never hold operator tokens and operators
// never hold session keys.
//
// # gRPC Interceptors
//
//	grpc.ChainUnaryInterceptor(
//		auth.UnaryInterceptor(store, verifier, public, logger),
//		auth.RequireRole("/dispatch.OperatorService/", auth.RoleOperator, public),
//	)
//
// The first interceptor verifies the bearer token and attaches an
// AuthContext; the second rejects callers without the operator role.
// Methods in public (Login) skip both.
//
// # Login Throttling
//
// Failed logins back off exponentially per peer address, never per operator
// name, so a remote party cannot lock a real operator out.
package auth
