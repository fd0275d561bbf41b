package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ConfigurationError reports a structurally invalid server descriptor.
// It carries every violated rule, not just the first, so callers can
// surface the full list to whoever is filling in the configuration.
type ConfigurationError struct {
	ServerID   string
	Violations []string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid server configuration"
	}
	return fmt.Sprintf("invalid server configuration: %s", strings.Join(e.Violations, "; "))
}

// ValidateServerDescriptor performs pure, side-effect-free structural
// validation of a server descriptor. It returns nil when the descriptor
// is well-formed, or a *ConfigurationError listing all violated rules.
func ValidateServerDescriptor(d *ServerDescriptor) error {
	var violations []string

	if d == nil {
		return &ConfigurationError{Violations: []string{"descriptor is nil"}}
	}

	if strings.TrimSpace(d.Name) == "" {
		violations = append(violations, "name must not be empty")
	}

	if !isHTTPURL(d.EndpointURL) {
		violations = append(violations, fmt.Sprintf("endpoint URL %q is not a well-formed http(s) URL", d.EndpointURL))
	}

	if !isHTTPURL(d.OIDC.IssuerURL) {
		violations = append(violations, fmt.Sprintf("issuer URL %q is not a well-formed http(s) URL", d.OIDC.IssuerURL))
	}

	if strings.TrimSpace(d.OIDC.ClientID) == "" {
		violations = append(violations, "clientId must not be empty")
	}

	if !d.OIDC.HasScope("openid") {
		violations = append(violations, `scopes must include "openid"`)
	}

	if d.OIDC.RedirectURI != "" && !isHTTPURL(d.OIDC.RedirectURI) {
		violations = append(violations, fmt.Sprintf("redirect URI %q is not a well-formed http(s) URL", d.OIDC.RedirectURI))
	}

	if len(violations) > 0 {
		return &ConfigurationError{ServerID: d.ID, Violations: violations}
	}
	return nil
}

// isHTTPURL reports whether s parses as an absolute http or https URL
// with a host component.
func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
