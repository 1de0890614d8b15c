// Package gwclient implements the gateway's Downstream MCP Client: a thin
// client speaking MCP Streamable-HTTP to downstream servers, carrying a
// bearer token per logical operation.
package gwclient

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

const gatewayClientName = "vmcp-gateway"

// ToolDescriptor mirrors the downstream tool shape the gateway needs to
// build a DynamicTool: name, schema, and description.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema mcp.ToolInputSchema
}

// Client is a short-lived downstream MCP connection: one instance per
// logical gateway-initiated operation (a discovery call or a proxied tool
// call), per spec.md §4.3.
type Client struct {
	url   string
	token string
}

// New constructs a Client for one downstream server invocation.
func New(url, bearerToken string) *Client {
	return &Client{url: url, token: bearerToken}
}

func (c *Client) connect(ctx context.Context) (*client.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if c.token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + c.token,
		}))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonDownstreamUnavailable,
			"creating downstream MCP client", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonDownstreamUnavailable,
			"starting downstream MCP client", err)
	}

	if _, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    gatewayClientName,
				Version: "0.1.0",
			},
		},
	}); err != nil {
		_ = mcpClient.Close()
		if isUnauthorized(err) {
			return nil, gwerrors.Wrap(gwerrors.KindUnauthenticated, gwerrors.ReasonDownstreamRejected,
				"downstream rejected initialize", err)
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonDownstreamUnavailable,
			"downstream initialize failed", err)
	}

	return mcpClient, nil
}

// ListTools performs initialize -> tools/list against the downstream server.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	mcpClient, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer mcpClient.Close()

	resp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if isUnauthorized(err) {
			return nil, gwerrors.Wrap(gwerrors.KindUnauthenticated, gwerrors.ReasonDownstreamRejected,
				"downstream rejected tools/list", err)
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonDownstreamUnavailable,
			"downstream tools/list failed", err)
	}

	out := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// CallTool performs initialize -> tools/call against the downstream server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	mcpClient, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer mcpClient.Close()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		if isUnauthorized(err) {
			return nil, gwerrors.Wrap(gwerrors.KindUnauthenticated, gwerrors.ReasonDownstreamRejected,
				"downstream rejected tools/call", err)
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonDownstreamUnavailable,
			"downstream tools/call failed", err)
	}
	return result, nil
}

// isUnauthorized reports whether err represents a downstream 401, so
// callers can invalidate a cached exchanged token and retry exactly once
// per spec.md §4.6.
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized")
}
