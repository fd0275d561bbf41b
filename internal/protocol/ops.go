package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"mcpdock/internal/config"
)

// Method names from the MCP wire protocol.
const (
	methodInitialize    = "initialize"
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodResourcesRead = "resources/read"
	methodPromptsList   = "prompts/list"
)

// clientName and clientVersion identify this client in the initialize
// handshake.
const (
	clientName    = "mcpdock"
	clientVersion = "0.1.0"
)

// methodNotFound is the JSON-RPC error code for an unsupported method.
const methodNotFound = -32601

// Initialize performs the protocol handshake, declaring static client
// capabilities and identity metadata.
func (c *Client) Initialize(ctx context.Context, server *config.ServerDescriptor) (*mcp.InitializeResult, error) {
	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	}

	raw, err := c.Call(ctx, server, methodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Reason: "malformed initialize result", Err: err}
	}
	return &result, nil
}

// ListTools fetches the server's tool list, in server order.
func (c *Client) ListTools(ctx context.Context, server *config.ServerDescriptor) ([]mcp.Tool, error) {
	raw, err := c.Call(ctx, server, methodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Reason: "malformed tools/list result", Err: err}
	}
	return result.Tools, nil
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, server *config.ServerDescriptor, name string, args map[string]any) (*mcp.CallToolResult, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{
		Name:      name,
		Arguments: args,
	}

	raw, err := c.Call(ctx, server, methodToolsCall, params)
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed tools/call result", Err: err}
	}
	return result, nil
}

// ListResources fetches the server's resource list.
func (c *Client) ListResources(ctx context.Context, server *config.ServerDescriptor) ([]mcp.Resource, error) {
	raw, err := c.Call(ctx, server, methodResourcesList, struct{}{})
	if err != nil {
		return nil, err
	}

	var result mcp.ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Reason: "malformed resources/list result", Err: err}
	}
	return result.Resources, nil
}

// ReadResource reads the resource at the given URI.
func (c *Client) ReadResource(ctx context.Context, server *config.ServerDescriptor, uri string) (*mcp.ReadResourceResult, error) {
	params := struct {
		URI string `json:"uri"`
	}{URI: uri}

	raw, err := c.Call(ctx, server, methodResourcesRead, params)
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseReadResourceResult(&raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed resources/read result", Err: err}
	}
	return result, nil
}

// ListPrompts fetches the server's prompt list.
func (c *Client) ListPrompts(ctx context.Context, server *config.ServerDescriptor) ([]mcp.Prompt, error) {
	raw, err := c.Call(ctx, server, methodPromptsList, struct{}{})
	if err != nil {
		return nil, err
	}

	var result mcp.ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Reason: "malformed prompts/list result", Err: err}
	}
	return result.Prompts, nil
}

// Capabilities is a snapshot of everything a server exposes.
type Capabilities struct {
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
}

// RefreshCapabilities fetches tools, resources, and prompts
// concurrently and returns a wholesale replacement snapshot.
//
// Servers that do not implement resources or prompts answer with a
// method-not-found RPC error; those lists come back empty rather than
// failing the refresh.
func (c *Client) RefreshCapabilities(ctx context.Context, server *config.ServerDescriptor) (*Capabilities, error) {
	caps := &Capabilities{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tools, err := c.ListTools(gctx, server)
		if err != nil {
			return err
		}
		caps.Tools = tools
		return nil
	})
	g.Go(func() error {
		resources, err := c.ListResources(gctx, server)
		if err != nil {
			return ignoreUnsupported(err)
		}
		caps.Resources = resources
		return nil
	})
	g.Go(func() error {
		prompts, err := c.ListPrompts(gctx, server)
		if err != nil {
			return ignoreUnsupported(err)
		}
		caps.Prompts = prompts
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return caps, nil
}

// ignoreUnsupported swallows method-not-found errors for optional
// capability listings.
func ignoreUnsupported(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == methodNotFound {
		return nil
	}
	return err
}

// ToolDescriptors converts wire tools into durable descriptors for the
// server configuration set.
func ToolDescriptors(tools []mcp.Tool) []config.ToolDescriptor {
	out := make([]config.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			_ = json.Unmarshal(data, &schema)
		}
		out = append(out, config.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out
}
