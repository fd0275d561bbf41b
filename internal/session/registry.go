// Package session implements the session registry: the single
// authority for creating, locating, and tearing down per-server OAuth
// sessions, the token cache they feed, and the callback router that
// finishes redirect flows.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpdock/internal/config"
	"mcpdock/internal/events"
	"mcpdock/internal/protocol"
	"mcpdock/internal/store"
)

// expiryLogLead is how long before token expiry the expiring hook
// fires. The hook only logs; nothing forces a renewal.
const expiryLogLead = 60 * time.Second

// Registry owns one OAuth session per registered server and bridges
// them to the token cache and the notification bus.
//
// The sessions map is a cache: the persistent store's descriptor map is
// the source of truth, and any session evicted from memory is rebuilt
// from its persisted descriptor on demand.
type Registry struct {
	mu          sync.RWMutex
	st          store.Store
	cache       *TokenCache
	bus         *events.Bus
	sessions    map[string]*Session
	descriptors map[string]*config.ServerDescriptor

	httpClient   *http.Client
	redirectBase string
	openBrowser  func(url string) error

	expiryTimers map[string]*time.Timer
	closed       bool
}

// RegistryConfig configures a registry. Store is required.
type RegistryConfig struct {
	Store store.Store

	// Bus receives token and status events. A fresh bus is created
	// when nil.
	Bus *events.Bus

	// RedirectBase is the callback origin (scheme://host:port) used to
	// default redirect URIs, e.g. "http://127.0.0.1:43117".
	RedirectBase string

	// HTTPClient is used for discovery and token exchange. A default
	// with a 30s timeout is used when nil.
	HTTPClient *http.Client

	// OpenBrowser performs the user-facing redirect. Defaults to
	// opening the system browser; tests inject a no-op.
	OpenBrowser func(url string) error
}

// NewRegistry builds a registry, rehydrating the token cache and the
// descriptor set from the store.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry requires a store")
	}

	cache, err := NewTokenCache(cfg.Store)
	if err != nil {
		return nil, err
	}

	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	opener := cfg.OpenBrowser
	if opener == nil {
		opener = OpenBrowser
	}

	r := &Registry{
		st:           cfg.Store,
		cache:        cache,
		bus:          bus,
		sessions:     make(map[string]*Session),
		httpClient:   httpClient,
		redirectBase: cfg.RedirectBase,
		openBrowser:  opener,
		expiryTimers: make(map[string]*time.Timer),
	}

	if r.descriptors, err = r.loadDescriptors(); err != nil {
		return nil, err
	}
	return r, nil
}

// Bus returns the notification bus for this registry. Whatever owns UI
// state subscribes here.
func (r *Registry) Bus() *events.Bus {
	return r.bus
}

// TokenCache exposes the cache for the protocol client's token lookups.
func (r *Registry) TokenCache() *TokenCache {
	return r.cache
}

// Close tears down the registry: expiry timers are cancelled and the
// bus is closed. Sessions hold no connections and need no teardown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, timer := range r.expiryTimers {
		timer.Stop()
		delete(r.expiryTimers, id)
	}
	r.bus.Close()
}

// RegisterServer validates and persists the descriptor, constructs a
// session from its OIDC configuration, and probes for a restorable
// user. A validation failure returns *config.ConfigurationError and
// leaves nothing persisted.
func (r *Registry) RegisterServer(ctx context.Context, d *config.ServerDescriptor) error {
	if d != nil && d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := config.ValidateServerDescriptor(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	desc := *d
	if desc.Status == "" {
		desc.Status = config.StatusDisconnected
	}
	r.descriptors[desc.ID] = &desc
	if err := r.saveDescriptorsLocked(); err != nil {
		delete(r.descriptors, desc.ID)
		return err
	}

	r.sessions[desc.ID] = newSession(desc, r.redirectBase, r.st, r.httpClient)

	slog.Debug("server registered",
		"server_id", desc.ID,
		"name", desc.Name,
		"issuer", desc.OIDC.IssuerURL,
	)

	// Non-interactive restore probe: a live persisted token is treated
	// exactly as a user-loaded event.
	if rec, ok := r.cache.Get(desc.ID); ok && rec.Live(time.Now()) {
		r.userLoadedLocked(desc.ID, rec, false)
	}
	return nil
}

// DeregisterServer tears down everything the server owns: its session,
// its token record, its persisted descriptor, and every persisted key
// under its OAuth namespace. Deregistering an unknown ID is a no-op.
func (r *Registry) DeregisterServer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	r.stopExpiryTimerLocked(id)

	hadToken := false
	if _, ok := r.cache.Get(id); ok {
		hadToken = true
	}
	if err := r.cache.Remove(id); err != nil {
		return err
	}

	if _, ok := r.descriptors[id]; ok {
		delete(r.descriptors, id)
		if err := r.saveDescriptorsLocked(); err != nil {
			return err
		}
	}

	keys, err := r.st.Keys(store.SessionKeyPrefix(id))
	if err != nil {
		return fmt.Errorf("failed to enumerate session keys for %s: %w", id, err)
	}
	for _, key := range keys {
		if err := r.st.Delete(key); err != nil {
			return err
		}
	}

	if hadToken {
		r.bus.Publish(events.Event{Type: events.TypeTokenRemoved, ServerID: id})
	}

	slog.Debug("server deregistered", "server_id", id)
	return nil
}

// GetOrRecreateSession returns the in-memory session for the server,
// rebuilding it from the persisted descriptor when evicted. The second
// return is false when no descriptor survives either; absence is not an
// error.
func (r *Registry) GetOrRecreateSession(ctx context.Context, id string) (*Session, bool) {
	r.mu.RLock()
	if s, ok := r.sessions[id]; ok {
		r.mu.RUnlock()
		return s, true
	}
	desc, ok := r.descriptors[id]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}

	// Re-run registration against the persisted descriptor.
	if err := r.RegisterServer(ctx, desc); err != nil {
		slog.Warn("failed to recreate session from persisted descriptor",
			"server_id", id,
			"error", err.Error(),
		)
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Authenticate starts the authorization redirect for the server. It
// writes the pending-callback hint, then sends the user to the
// identity provider's authorization endpoint via the configured opener.
// The authorization URL is returned so callers can surface it when the
// browser could not be opened.
//
// A session must already exist (see GetOrRecreateSession); a concurrent
// deregister between lookup and this call surfaces as ErrNoSession.
func (r *Registry) Authenticate(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSession, id)
	}

	if err := store.WritePendingCallback(r.st, id); err != nil {
		return "", err
	}

	authURL, err := s.BeginAuth(ctx)
	if err != nil {
		return "", err
	}

	slog.Debug("authentication redirect issued", "server_id", id)

	if err := r.openBrowser(authURL); err != nil {
		slog.Warn("failed to open browser for authentication",
			"server_id", id,
			"error", err.Error(),
		)
	}
	return authURL, nil
}

// SignOut signs the server's user out. When the identity provider
// advertises RP-initiated logout, it is triggered best-effort;
// regardless of the outcome the local token record is cleared and a
// token-removed event fires.
func (r *Registry) SignOut(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}

	var idToken string
	if rec, ok := r.cache.Get(id); ok {
		idToken = rec.IDToken
	}
	r.mu.Unlock()

	if endURL := s.EndSessionURL(ctx, idToken); endURL != "" {
		if err := r.openBrowser(endURL); err != nil {
			slog.Debug("failed to open identity provider sign-out",
				"server_id", id,
				"error", err.Error(),
			)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userSignedOutLocked(id)
}

// IsAuthenticated reports whether a live token record exists for the
// server. Pure read against the token cache.
func (r *Registry) IsAuthenticated(id string) bool {
	return r.cache.IsAuthenticated(id)
}

// IDToken returns the live ID token for the server.
func (r *Registry) IDToken(id string) (string, bool) {
	return r.cache.LiveIDToken(id)
}

// Identity returns the derived identity claims for the server's cached
// token, live or not.
func (r *Registry) Identity(id string) (*Identity, bool) {
	rec, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	identity := rec.Identity
	return &identity, true
}

// GetServer returns a copy of the persisted descriptor.
func (r *Registry) GetServer(id string) (*config.ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[id]
	if !ok {
		return nil, false
	}
	copied := *desc
	return &copied, true
}

// ListServers returns copies of all persisted descriptors, sorted by
// name.
func (r *Registry) ListServers() []*config.ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*config.ServerDescriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		copied := *desc
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateServer replaces the persisted descriptor. Changing the OIDC
// configuration tears down the existing session; the next lookup
// rebuilds one from the new configuration.
func (r *Registry) UpdateServer(ctx context.Context, d *config.ServerDescriptor) error {
	if err := config.ValidateServerDescriptor(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.descriptors[d.ID]
	if !ok {
		return fmt.Errorf("unknown server: %s", d.ID)
	}

	desc := *d
	desc.Status = existing.Status
	r.descriptors[d.ID] = &desc
	if err := r.saveDescriptorsLocked(); err != nil {
		return err
	}

	if !oidcEqual(existing.OIDC, desc.OIDC) {
		// Sessions are recreated, never mutated, on config change.
		delete(r.sessions, d.ID)
		slog.Debug("session dropped after OIDC configuration change", "server_id", d.ID)
	}
	return nil
}

// UpdateTools replaces the server's tool sequence wholesale and, when
// the server had faulted, records the successful refresh.
func (r *Registry) UpdateTools(id string, tools []config.ToolDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[id]
	if !ok {
		return fmt.Errorf("unknown server: %s", id)
	}
	desc.Tools = tools

	if desc.Status == config.StatusError {
		r.setStatusLocked(id, config.StatusConnected)
	}
	return r.saveDescriptorsLocked()
}

// MarkFetchFailure records a fetch failure against a connected server.
// Auth-class failures never enter the fault state: an expired or
// rejected token calls for re-authentication, so the server drops back
// to disconnected instead.
func (r *Registry) MarkFetchFailure(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[id]
	if !ok || desc.Status != config.StatusConnected {
		return
	}

	slog.Debug("capability fetch failed",
		"server_id", id,
		"error", cause.Error(),
	)

	var missingToken *protocol.MissingTokenError
	var authErr *protocol.AuthenticationError
	if errors.As(cause, &missingToken) || errors.As(cause, &authErr) {
		r.setStatusLocked(id, config.StatusDisconnected)
		return
	}
	r.setStatusLocked(id, config.StatusError)
}

// OnExternalTokenChange re-reads the token aggregate after another
// process modified it, publishing events for records that appeared.
func (r *Registry) OnExternalTokenChange() {
	changed, err := r.cache.Reload()
	if err != nil {
		slog.Warn("failed to reload externally changed tokens", "error", err.Error())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range changed {
		if rec, ok := r.cache.Get(id); ok {
			r.userLoadedLocked(id, rec, false)
		}
	}
}

// userLoadedLocked is the single entry point for "a user is loaded for
// this server": records the token, transitions status, announces the
// event, and schedules the expiring log hook.
// REQUIRES: r.mu held.
func (r *Registry) userLoadedLocked(id string, rec *TokenRecord, persist bool) {
	if persist {
		if err := r.cache.Put(id, rec); err != nil {
			slog.Warn("failed to persist token record",
				"server_id", id,
				"error", err.Error(),
			)
		}
	}

	r.setStatusLocked(id, config.StatusConnected)
	r.scheduleExpiryLogLocked(id, rec)

	r.bus.Publish(events.Event{
		Type:     events.TypeTokenUpdated,
		ServerID: id,
		Record: &events.TokenRecord{
			IDToken:     rec.IDToken,
			AccessToken: rec.AccessToken,
			ExpiresAt:   rec.ExpiresAt,
			Email:       rec.Identity.Email,
			DisplayName: rec.Identity.DisplayName,
			Subject:     rec.Identity.Subject,
		},
	})
}

// userSignedOutLocked clears the token and announces removal.
// REQUIRES: r.mu held.
func (r *Registry) userSignedOutLocked(id string) error {
	r.stopExpiryTimerLocked(id)
	if err := r.cache.Remove(id); err != nil {
		return err
	}
	r.setStatusLocked(id, config.StatusDisconnected)
	r.bus.Publish(events.Event{Type: events.TypeTokenRemoved, ServerID: id})
	return nil
}

// setStatusLocked performs a server status transition. Illegal
// transitions are dropped with a log line; status assignment never
// happens outside this method.
// REQUIRES: r.mu held.
func (r *Registry) setStatusLocked(id string, next config.Status) {
	desc, ok := r.descriptors[id]
	if !ok {
		return
	}
	old := desc.Status
	if old == next {
		return
	}
	if !old.CanTransition(next) {
		slog.Warn("illegal status transition dropped",
			"server_id", id,
			"from", string(old),
			"to", string(next),
		)
		return
	}
	desc.Status = next
	if err := r.saveDescriptorsLocked(); err != nil {
		slog.Warn("failed to persist status change", "server_id", id, "error", err.Error())
	}

	r.bus.Publish(events.Event{
		Type:      events.TypeStatusChanged,
		ServerID:  id,
		OldStatus: old,
		NewStatus: next,
	})
}

// scheduleExpiryLogLocked arms the access-token-expiring hook. The hook
// is log-only; no renewal is forced.
// REQUIRES: r.mu held.
func (r *Registry) scheduleExpiryLogLocked(id string, rec *TokenRecord) {
	r.stopExpiryTimerLocked(id)

	lead := time.Until(time.Unix(rec.ExpiresAt, 0)) - expiryLogLead
	if lead <= 0 {
		return
	}
	r.expiryTimers[id] = time.AfterFunc(lead, func() {
		slog.Info("access token expiring soon",
			"server_id", id,
			"expires_at", time.Unix(rec.ExpiresAt, 0).Format(time.RFC3339),
		)
	})
}

// stopExpiryTimerLocked cancels a pending expiring hook.
// REQUIRES: r.mu held.
func (r *Registry) stopExpiryTimerLocked(id string) {
	if timer, ok := r.expiryTimers[id]; ok {
		timer.Stop()
		delete(r.expiryTimers, id)
	}
}

// loadDescriptors reads the persisted descriptor map.
func (r *Registry) loadDescriptors() (map[string]*config.ServerDescriptor, error) {
	raw, ok, err := r.st.Get(store.KeyServers)
	if err != nil {
		return nil, fmt.Errorf("failed to load server descriptors: %w", err)
	}

	descriptors := make(map[string]*config.ServerDescriptor)
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &descriptors); err != nil {
			return nil, fmt.Errorf("failed to decode server descriptors: %w", err)
		}
	}
	return descriptors, nil
}

// saveDescriptorsLocked mirrors the descriptor map into the store.
// REQUIRES: r.mu held.
func (r *Registry) saveDescriptorsLocked() error {
	data, err := json.Marshal(r.descriptors)
	if err != nil {
		return fmt.Errorf("failed to encode server descriptors: %w", err)
	}
	if err := r.st.Set(store.KeyServers, string(data)); err != nil {
		return fmt.Errorf("failed to persist server descriptors: %w", err)
	}
	return nil
}

// oidcEqual compares OIDC configurations field by field.
func oidcEqual(a, b config.OIDCConfig) bool {
	if a.IssuerURL != b.IssuerURL || a.ClientID != b.ClientID || a.RedirectURI != b.RedirectURI {
		return false
	}
	if len(a.Scopes) != len(b.Scopes) {
		return false
	}
	for i := range a.Scopes {
		if a.Scopes[i] != b.Scopes[i] {
			return false
		}
	}
	return true
}
