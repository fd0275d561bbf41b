package config

import (
	"fmt"
)

// Status represents the connection status of a registered server.
//
// Status is derived state: it reflects what was known the last time the
// registry observed a token or fetch outcome for the server. The token
// cache, not Status, is authoritative for "is this server authenticated".
type Status string

const (
	// StatusDisconnected indicates no live token is known for the server.
	StatusDisconnected Status = "disconnected"

	// StatusConnected indicates a live token existed when the status was set.
	StatusConnected Status = "connected"

	// StatusError indicates a non-auth failure (e.g. capability fetch)
	// occurred while the server was connected.
	StatusError Status = "error"
)

// CanTransition reports whether moving from s to next is a legal status
// transition. Transition logic is centralized in the session registry;
// callers never assign Status values directly.
//
// Legal transitions:
//
//	disconnected --auth success--> connected
//	connected    --expiry/signout--> disconnected
//	connected    --non-auth fetch failure--> error
//	error        --successful refresh--> connected
//	error        --expiry/signout--> disconnected
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusDisconnected, "":
		return next == StatusConnected
	case StatusConnected:
		return next == StatusDisconnected || next == StatusError
	case StatusError:
		return next == StatusConnected || next == StatusDisconnected
	default:
		return false
	}
}

// OIDCConfig holds the OpenID Connect configuration for one server.
// It is immutable once a session has been created from it; changing it
// requires tearing down and recreating the session.
type OIDCConfig struct {
	// IssuerURL is the OIDC issuer, used for discovery.
	IssuerURL string `json:"issuerUrl" yaml:"issuerUrl"`

	// ClientID is the OAuth client identifier registered at the issuer.
	ClientID string `json:"clientId" yaml:"clientId"`

	// Scopes are the OAuth scopes to request. Must include "openid".
	Scopes []string `json:"scopes" yaml:"scopes"`

	// RedirectURI is where the identity provider sends the user back.
	// Defaults to <callback origin>/auth/callback when empty.
	RedirectURI string `json:"redirectUri,omitempty" yaml:"redirectUri,omitempty"`
}

// HasScope reports whether the OIDC configuration requests the scope.
func (c OIDCConfig) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ToolDescriptor describes a single tool exposed by a server.
// The tool sequence on a descriptor is replaced wholesale on refresh;
// there is no incremental merge.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ServerDescriptor is the durable configuration record for one tool
// server. Descriptors are owned by the session registry's configuration
// set and mutated only through its add/update/remove operations.
type ServerDescriptor struct {
	// ID is an opaque, caller-assigned unique identifier.
	ID string `json:"id" yaml:"id"`

	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// EndpointURL is the JSON-RPC endpoint of the tool server.
	EndpointURL string `json:"endpointUrl" yaml:"endpointUrl"`

	OIDC OIDCConfig `json:"oidc" yaml:"oidc"`

	// Status is derived, never the source of truth for authentication.
	Status Status `json:"status,omitempty" yaml:"-"`

	// Tools is the last fetched tool list, in server order.
	Tools []ToolDescriptor `json:"tools,omitempty" yaml:"-"`
}

func (d *ServerDescriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}
