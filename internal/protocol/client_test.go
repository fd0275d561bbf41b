package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpdock/internal/config"
)

// staticTokens is a TokenProvider backed by a fixed map.
type staticTokens map[string]string

func (s staticTokens) LiveIDToken(serverID string) (string, bool) {
	tok, ok := s[serverID]
	return tok, ok
}

func testServer(endpoint string) *config.ServerDescriptor {
	return &config.ServerDescriptor{
		ID:          "s1",
		Name:        "test",
		EndpointURL: endpoint,
	}
}

func TestClient_Call_MissingTokenMakesNoRequest(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{}})
	_, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", nil)

	var missing *MissingTokenError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "s1", missing.ServerID)
	assert.Equal(t, int64(0), requests.Load(), "no network request may be made without a token")
}

func TestClient_Call_SendsEnvelopeAndHeaders(t *testing.T) {
	var gotAuth, gotAccept, gotContentType string
	var gotReq rpcRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"` + gotReq.ID + `","result":{"ok":true}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "tok-123"}})
	result, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", map[string]any{"cursor": ""})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "application/json, text/event-stream", gotAccept)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "2.0", gotReq.JSONRPC)
	assert.Equal(t, "tools/list", gotReq.Method)
	assert.NotEmpty(t, gotReq.ID)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestClient_Call_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "stale"}})
	_, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", nil)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "s1", authErr.ServerID)
}

func TestClient_Call_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "tok"}})
	_, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", nil)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusBadGateway, transportErr.Status)
}

func TestClient_Call_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "tok"}})
	_, err := c.Call(context.Background(), testServer(srv.URL), "resources/list", nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
}

func TestClient_Call_EventStreamLastDataWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"n\":1}}\n\n" +
			"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"n\":2}}\n\n"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "tok"}})
	result, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(result))
}

func TestClient_Call_EventStreamWithoutData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message\n\n"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "tok"}})
	_, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", nil)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestClient_Call_MalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Tokens: staticTokens{"s1": "tok"}})
	_, err := c.Call(context.Background(), testServer(srv.URL), "tools/list", nil)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}
