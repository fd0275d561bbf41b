package protocol

import (
	"fmt"
)

// MissingTokenError indicates that no live token is cached for the
// server. It is a purely local pre-check: the caller should prompt
// re-authentication, and no network request was made.
type MissingTokenError struct {
	ServerID string
}

func (e *MissingTokenError) Error() string {
	return fmt.Sprintf("no valid token cached for server %s", e.ServerID)
}

// AuthenticationError indicates the server rejected the bearer token
// (HTTP 401). Distinct from MissingTokenError: a token was presented
// and refused, so retrying the same token is pointless.
type AuthenticationError struct {
	ServerID string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("server %s rejected the bearer token", e.ServerID)
}

// TransportError indicates a non-2xx HTTP response with no JSON-RPC
// envelope. It may be transient; retrying is the caller's discretion.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed with HTTP status %d", e.Status)
}

// ProtocolError indicates a malformed or unparseable response body.
// Treated as non-retryable; this is likely a server bug.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RPCError is a well-formed JSON-RPC error envelope, surfaced verbatim.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
