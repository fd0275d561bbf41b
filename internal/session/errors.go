package session

import (
	"errors"
	"fmt"
)

// ErrNoSession indicates an operation that requires a live session was
// invoked for a server that has neither a session in memory nor a
// persisted descriptor to rebuild one from. Callers treat this as
// "unauthenticatable", not a crash.
var ErrNoSession = errors.New("no session for server")

// ErrFlowConsumed indicates an authorization-code callback was
// completed a second time for the same flow. Browsers and remounting
// hosts re-invoke callback handlers; the second completion fails with
// this recoverable condition, distinct from a hard auth failure.
var ErrFlowConsumed = errors.New("authorization flow already completed")

// CallbackError indicates an OAuth redirect could not be finished:
// no session could be resolved for it, the identity provider reported
// an error, or the code exchange failed. The redirect is unrecoverable;
// the user must restart the flow.
type CallbackError struct {
	ServerID string
	Reason   string
	Err      error
}

func (e *CallbackError) Error() string {
	msg := "callback failed"
	if e.Reason != "" {
		msg = fmt.Sprintf("callback failed: %s", e.Reason)
	}
	if e.ServerID != "" {
		msg = fmt.Sprintf("%s (server %s)", msg, e.ServerID)
	}
	return msg
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
