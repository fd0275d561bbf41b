package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"mcpdock/internal/config"
	"mcpdock/internal/store"
	pkgoauth "mcpdock/pkg/oauth"
)

// flowTTL bounds how long an in-flight authorization flow stays
// completable. Stale flow state is rejected at completion time.
const flowTTL = 10 * time.Minute

// Session is the runtime OAuth/OIDC client bound to one server's OIDC
// configuration. Sessions are exclusively owned by the registry, never
// shared across servers, and recreated (not mutated) when the
// configuration changes.
type Session struct {
	descriptor config.ServerDescriptor
	redirect   string
	st         store.Store
	httpClient *http.Client

	// Discovery is lazy so that registering a server needs no network
	// round trip; the first flow operation resolves the issuer.
	discoverOnce sync.Once
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauthCfg     oauth2.Config
	discoverErr  error
}

// flowState is the per-flow scratch persisted under the session's
// store namespace so that a flow begun before a process restart can
// still be completed after it.
type flowState struct {
	State       string    `json:"state"`
	Verifier    string    `json:"verifier"`
	Nonce       string    `json:"nonce"`
	RedirectURI string    `json:"redirectUri"`
	CreatedAt   time.Time `json:"createdAt"`
}

// stateEnvelope is the decoded content of the OAuth state parameter.
// Carrying the server ID lets the hosting page hand the callback
// router an explicit hint decoded from the round-tripped state.
type stateEnvelope struct {
	ServerID string `json:"serverId"`
	Nonce    string `json:"nonce"`
}

// newSession builds a session for the descriptor. redirectBase is the
// callback origin used when the descriptor leaves RedirectURI unset.
func newSession(descriptor config.ServerDescriptor, redirectBase string, st store.Store, httpClient *http.Client) *Session {
	redirect := descriptor.OIDC.RedirectURI
	if redirect == "" {
		redirect = redirectBase + "/auth/callback"
	}
	return &Session{
		descriptor: descriptor,
		redirect:   redirect,
		st:         st,
		httpClient: httpClient,
	}
}

// ID returns the server ID this session is bound to.
func (s *Session) ID() string {
	return s.descriptor.ID
}

// RedirectURI returns the redirect URI this session sends users back to.
func (s *Session) RedirectURI() string {
	return s.redirect
}

// discover resolves the issuer's OIDC configuration once.
func (s *Session) discover(ctx context.Context) error {
	s.discoverOnce.Do(func() {
		ctx = oidc.ClientContext(ctx, s.httpClient)
		provider, err := oidc.NewProvider(ctx, s.descriptor.OIDC.IssuerURL)
		if err != nil {
			s.discoverErr = fmt.Errorf("OIDC discovery for %s failed: %w", s.descriptor.OIDC.IssuerURL, err)
			return
		}
		s.provider = provider
		s.verifier = provider.Verifier(&oidc.Config{ClientID: s.descriptor.OIDC.ClientID})
		s.oauthCfg = oauth2.Config{
			ClientID:    s.descriptor.OIDC.ClientID,
			Endpoint:    provider.Endpoint(),
			RedirectURL: s.redirect,
			Scopes:      s.descriptor.OIDC.Scopes,
		}
	})
	return s.discoverErr
}

// BeginAuth prepares an authorization-code + PKCE flow and returns the
// authorization URL to send the user to. The flow scratch (state,
// verifier, nonce) is persisted under the session's store namespace
// before the URL is returned.
func (s *Session) BeginAuth(ctx context.Context) (string, error) {
	if err := s.discover(ctx); err != nil {
		return "", err
	}

	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return "", err
	}
	nonce, err := pkgoauth.GenerateNonce()
	if err != nil {
		return "", err
	}
	stateNonce, err := pkgoauth.GenerateState()
	if err != nil {
		return "", err
	}

	state, err := encodeState(stateEnvelope{ServerID: s.descriptor.ID, Nonce: stateNonce})
	if err != nil {
		return "", err
	}

	flow := flowState{
		State:       state,
		Verifier:    pkce.CodeVerifier,
		Nonce:       nonce,
		RedirectURI: s.redirect,
		CreatedAt:   time.Now(),
	}
	data, err := json.Marshal(flow)
	if err != nil {
		return "", fmt.Errorf("failed to encode flow state: %w", err)
	}
	if err := s.st.Set(s.flowKey(), string(data)); err != nil {
		return "", fmt.Errorf("failed to persist flow state: %w", err)
	}

	authURL := s.oauthCfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkce.CodeVerifier),
		oidc.Nonce(nonce),
	)
	return authURL, nil
}

// CompleteAuth finishes the flow using the full callback URL the
// identity provider redirected to. It consumes the persisted flow
// state; a second completion for the same flow fails with
// ErrFlowConsumed.
func (s *Session) CompleteAuth(ctx context.Context, rawURL string) (*TokenRecord, error) {
	callbackURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "malformed callback URL", Err: err}
	}
	query := callbackURL.Query()

	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		reason := fmt.Sprintf("identity provider returned %s", errCode)
		if desc != "" {
			reason = fmt.Sprintf("%s: %s", reason, desc)
		}
		return nil, &CallbackError{ServerID: s.ID(), Reason: reason}
	}

	code := query.Get("code")
	if code == "" {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "callback carries no authorization code"}
	}

	flow, err := s.consumeFlowState()
	if err != nil {
		return nil, err
	}

	if query.Get("state") != flow.State {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "state mismatch"}
	}

	if err := s.discover(ctx); err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := s.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "code exchange failed", Err: err}
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "token response carries no ID token"}
	}

	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "ID token verification failed", Err: err}
	}
	if idToken.Nonce != flow.Nonce {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "nonce mismatch"}
	}

	expiry := token.Expiry
	if expiry.IsZero() || idToken.Expiry.Before(expiry) {
		expiry = idToken.Expiry
	}

	return RecordFromTokens(rawIDToken, token.AccessToken, expiry), nil
}

// consumeFlowState reads and deletes the persisted flow scratch.
func (s *Session) consumeFlowState() (*flowState, error) {
	raw, ok, err := s.st.Get(s.flowKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}
	if !ok {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "no authorization flow in progress", Err: ErrFlowConsumed}
	}
	if err := s.st.Delete(s.flowKey()); err != nil {
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	var flow flowState
	if err := json.Unmarshal([]byte(raw), &flow); err != nil {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "corrupt flow state", Err: err}
	}
	if time.Since(flow.CreatedAt) > flowTTL {
		return nil, &CallbackError{ServerID: s.ID(), Reason: "authorization flow expired"}
	}
	return &flow, nil
}

// EndSessionURL returns the identity provider's end-session endpoint
// when discovery advertises one, with the ID token attached as a hint.
// The empty string means the provider does not support RP-initiated
// logout.
func (s *Session) EndSessionURL(ctx context.Context, idTokenHint string) string {
	if err := s.discover(ctx); err != nil {
		return ""
	}

	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := s.provider.Claims(&claims); err != nil || claims.EndSessionEndpoint == "" {
		return ""
	}

	endSession, err := url.Parse(claims.EndSessionEndpoint)
	if err != nil {
		return ""
	}
	if idTokenHint != "" {
		q := endSession.Query()
		q.Set("id_token_hint", idTokenHint)
		endSession.RawQuery = q.Encode()
	}
	return endSession.String()
}

// flowKey is the store key for this session's in-flight flow scratch.
func (s *Session) flowKey() string {
	return store.SessionKeyPrefix(s.descriptor.ID) + "flow"
}

// encodeState packs the state envelope as base64url JSON.
func encodeState(env stateEnvelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeStateServerID extracts the server ID carried in a round-tripped
// state parameter. The second return is false when the state was not
// produced by this client.
func DecodeStateServerID(state string) (string, bool) {
	data, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", false
	}
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.ServerID == "" {
		return "", false
	}
	return env.ServerID, true
}
