// Package protocol implements the authenticated JSON-RPC client used
// to talk to tool servers. It attaches bearer tokens from the token
// cache, accepts both plain JSON and single-event SSE response
// framing, and maps failures into a typed error taxonomy.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcpdock/internal/config"
)

// TokenProvider supplies the live bearer token for a server, if any.
// The session token cache implements this.
type TokenProvider interface {
	// LiveIDToken returns the ID token for the server and true when a
	// non-expired token is cached.
	LiveIDToken(serverID string) (string, bool)
}

// DefaultHTTPTimeout bounds tool server requests when no custom HTTP
// client is supplied.
const DefaultHTTPTimeout = 30 * time.Second

// Client issues JSON-RPC calls to tool servers.
//
// Calls carry no retry or backoff policy: every failure is reported
// synchronously to the caller, who decides whether to retry,
// re-authenticate, or give up.
type Client struct {
	httpClient *http.Client
	tokens     TokenProvider
}

// ClientConfig configures the protocol client.
type ClientConfig struct {
	// Tokens is required; calls fail fast when it has no live token.
	Tokens TokenProvider

	// HTTPClient is optional; a default with DefaultHTTPTimeout is used
	// when nil.
	HTTPClient *http.Client
}

// NewClient creates a protocol client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		httpClient: httpClient,
		tokens:     cfg.Tokens,
	}
}

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Call invokes a JSON-RPC method on the server and returns the raw
// result payload.
//
// It fails fast with *MissingTokenError when no live token is cached
// for the server; no network request is made in that case.
func (c *Client) Call(ctx context.Context, server *config.ServerDescriptor, method string, params any) (json.RawMessage, error) {
	idToken, ok := c.tokens.LiveIDToken(server.ID)
	if !ok {
		return nil, &MissingTokenError{ServerID: server.ID}
	}

	envelope := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Content-Type", "application/json")
	// The server chooses the framing; we accept either.
	req.Header.Set("Accept", "application/json, text/event-stream")

	slog.Debug("calling tool server",
		"server_id", server.ID,
		"method", method,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", server.EndpointURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthenticationError{ServerID: server.ID}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Status: resp.StatusCode, Body: string(respBody)}
	}

	payload := respBody
	if isEventStream(resp.Header.Get("Content-Type")) {
		payload, err = lastEventData(respBody)
		if err != nil {
			return nil, err
		}
	}

	var parsed rpcResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &ProtocolError{Reason: "response is not a valid JSON-RPC envelope", Err: err}
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}
	return parsed.Result, nil
}

// isEventStream reports whether the content type indicates SSE framing.
func isEventStream(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mediaType, "text/event-stream")
}

// lastEventData extracts the payload of the last "data:" line from a
// single-event SSE body. One terminal event is expected per call; this
// is not a genuine streaming consumer, so earlier data lines (keep-
// alives, duplicated envelopes) are deliberately ignored.
func lastEventData(body []byte) (json.RawMessage, error) {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			rest = strings.TrimPrefix(rest, " ")
			if strings.TrimSpace(rest) != "" {
				last = rest
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ProtocolError{Reason: "failed to scan event stream", Err: err}
	}
	if last == "" {
		return nil, &ProtocolError{Reason: "event stream contained no data line"}
	}
	return json.RawMessage(last), nil
}
