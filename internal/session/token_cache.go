package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mcpdock/internal/store"
	"mcpdock/pkg/oauth"
)

// Identity holds the derived identity claims for a token.
type Identity struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Subject     string `json:"subject,omitempty"`
}

// TokenRecord is the cached credential for one authenticated server.
//
// A record exists iff the server has completed at least one successful
// OAuth flow whose token has not been explicitly removed. Expiry is
// checked at read time; nothing deletes records in the background.
type TokenRecord struct {
	// IDToken is the OIDC ID token, presented as the bearer credential.
	IDToken string `json:"idToken"`

	// AccessToken is the OAuth access token, when the issuer granted one.
	AccessToken string `json:"accessToken,omitempty"`

	// ExpiresAt is the expiry instant in epoch seconds.
	ExpiresAt int64 `json:"expiresAt"`

	// Identity holds claims derived from the ID token.
	Identity Identity `json:"identity"`
}

// Live reports whether the record has not yet expired at the given
// instant. The comparison is exact; no safety margin is applied.
func (r *TokenRecord) Live(now time.Time) bool {
	return r != nil && now.Unix() < r.ExpiresAt
}

// TokenCache is the in-memory authority for "is this server
// authenticated". It is rehydrated from the persistent store at
// construction (pruning entries already expired) and mirrors every
// mutation back into the store.
//
// SECURITY: token values are never logged; only server IDs are.
type TokenCache struct {
	mu      sync.RWMutex
	store   store.Store
	records map[string]*TokenRecord

	// now is the clock, injectable for tests.
	now func() time.Time
}

// NewTokenCache builds a cache over the given store and rehydrates it
// from the tokens aggregate key.
func NewTokenCache(s store.Store) (*TokenCache, error) {
	c := &TokenCache{
		store:   s,
		records: make(map[string]*TokenRecord),
		now:     time.Now,
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// reload replaces the in-memory map from the persistent store,
// dropping entries that are already expired. The pruned entries are
// also removed from the store; this is the lazy half of token expiry.
func (c *TokenCache) reload() error {
	raw, ok, err := c.store.Get(store.KeyTokens)
	if err != nil {
		return fmt.Errorf("failed to load token records: %w", err)
	}

	loaded := make(map[string]*TokenRecord)
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
			return fmt.Errorf("failed to decode token records: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	pruned := 0
	for id, rec := range loaded {
		if !rec.Live(now) {
			delete(loaded, id)
			pruned++
		}
	}
	c.records = loaded

	if pruned > 0 {
		slog.Debug("pruned expired token records at load", "count", pruned)
		return c.persistLocked()
	}
	return nil
}

// Reload re-reads the store, picking up tokens written by another
// process. Returns the IDs whose records appeared or changed.
func (c *TokenCache) Reload() ([]string, error) {
	c.mu.RLock()
	before := make(map[string]string, len(c.records))
	for id, rec := range c.records {
		before[id] = rec.IDToken
	}
	c.mu.RUnlock()

	if err := c.reload(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var changed []string
	for id, rec := range c.records {
		if before[id] != rec.IDToken {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Get returns the record for the server, live or not.
func (c *TokenCache) Get(serverID string) (*TokenRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[serverID]
	return rec, ok
}

// IsAuthenticated reports whether a live record exists for the server.
func (c *TokenCache) IsAuthenticated(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[serverID]
	return ok && rec.Live(c.now())
}

// LiveIDToken returns the ID token for the server when its record is
// live. It implements the protocol client's TokenProvider.
func (c *TokenCache) LiveIDToken(serverID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[serverID]
	if !ok || !rec.Live(c.now()) {
		return "", false
	}
	return rec.IDToken, true
}

// Put stores the record and mirrors it into the persistent store.
func (c *TokenCache) Put(serverID string, rec *TokenRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[serverID] = rec
	if err := c.persistLocked(); err != nil {
		return err
	}

	slog.Debug("token record stored",
		"server_id", serverID,
		"expires_at", time.Unix(rec.ExpiresAt, 0).Format(time.RFC3339),
	)
	return nil
}

// Remove drops the record for the server. Removing an absent record is
// a no-op.
func (c *TokenCache) Remove(serverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[serverID]; !ok {
		return nil
	}
	delete(c.records, serverID)
	if err := c.persistLocked(); err != nil {
		return err
	}

	slog.Debug("token record removed", "server_id", serverID)
	return nil
}

// persistLocked mirrors the current map into the store.
// REQUIRES: c.mu held.
func (c *TokenCache) persistLocked() error {
	data, err := json.Marshal(c.records)
	if err != nil {
		return fmt.Errorf("failed to encode token records: %w", err)
	}
	if err := c.store.Set(store.KeyTokens, string(data)); err != nil {
		return fmt.Errorf("failed to persist token records: %w", err)
	}
	return nil
}

// RecordFromTokens builds a TokenRecord from raw token material,
// deriving identity claims from the ID token.
func RecordFromTokens(idToken, accessToken string, expiry time.Time) *TokenRecord {
	rec := &TokenRecord{
		IDToken:     idToken,
		AccessToken: accessToken,
		ExpiresAt:   expiry.Unix(),
	}
	if claims, err := oauth.ExtractIdentityClaims(idToken); err == nil {
		rec.Identity = Identity{
			Email:       claims.Email,
			DisplayName: claims.DisplayName,
			Subject:     claims.Subject,
		}
	}
	return rec
}
