package session

import (
	"context"
	"log/slog"
	"net/url"

	"mcpdock/internal/store"
)

// HandleCallback resolves an incoming OAuth redirect to the server
// whose flow just completed and finishes it. rawURL is the full
// redirect URL (query string carrying code and state); serverIDHint is
// an optional explicit hint, typically decoded by the hosting page from
// the round-tripped state parameter.
//
// Resolution order, first success wins:
//
//  1. the caller-supplied hint,
//  2. the state parameter embedded in the URL itself,
//  3. the pending-callback hint (read-and-delete),
//  4. the only session held in memory, when exactly one exists.
//
// With no resolvable candidate (several sessions in memory and no
// hint) the redirect fails with *CallbackError rather than guessing.
//
// On success the token record is recorded through the normal
// user-loaded path, so the cache, the store, and the bus all observe
// it. Returns the resolved server ID.
func (r *Registry) HandleCallback(ctx context.Context, rawURL, serverIDHint string) (string, error) {
	id := serverIDHint

	if id == "" {
		if u, err := url.Parse(rawURL); err == nil {
			if state := u.Query().Get("state"); state != "" {
				if fromState, ok := DecodeStateServerID(state); ok {
					id = fromState
				}
			}
		}
	}

	if id == "" {
		if hint, ok := store.ConsumePendingCallback(r.st); ok {
			id = hint.ServerID
		}
	}

	if id == "" {
		id = r.soleSessionID()
	}

	if id == "" {
		return "", &CallbackError{Reason: "unable to resolve the callback to a server"}
	}

	// The hint may be stale; consume it regardless so a stray value
	// never leaks into a later redirect.
	if hint, ok := store.ConsumePendingCallback(r.st); ok && hint.ServerID != id {
		slog.Debug("discarded mismatched pending callback hint",
			"hinted_server_id", hint.ServerID,
			"resolved_server_id", id,
		)
	}

	s, ok := r.GetOrRecreateSession(ctx, id)
	if !ok {
		return "", &CallbackError{ServerID: id, Reason: "no session or persisted configuration for server"}
	}

	rec, err := s.CompleteAuth(ctx, rawURL)
	if err != nil {
		return id, err
	}

	r.mu.Lock()
	r.userLoadedLocked(id, rec, true)
	r.mu.Unlock()

	slog.Debug("authorization callback completed", "server_id", id)
	return id, nil
}

// soleSessionID returns the only in-memory session's ID, or "" when
// zero or several sessions exist. Best-effort last resort: only correct
// when exactly one session is held.
func (r *Registry) soleSessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sessions) != 1 {
		return ""
	}
	for id := range r.sessions {
		return id
	}
	return ""
}
