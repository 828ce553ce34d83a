// Package auth is the client for the external authentication oracle.
//
// The oracle exposes a single unary RPC, auth.AuthService/AuthenticateUser,
// carried over gRPC with a JSON codec. Calls are bounded by a short deadline
// and never retried; an unreachable oracle is reported as
// ErrOracleUnavailable so the login path can fail fast.
//
// RegisterServer and StaticUsers implement the oracle side for the
// development stub in cmd/authstub and for tests.
package auth
