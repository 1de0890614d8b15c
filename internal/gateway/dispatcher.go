package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stacklok/vmcp-gateway/internal/gwauth"
	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
	"github.com/stacklok/vmcp-gateway/internal/logger"
)

// Dispatcher is the Proxy Tool Dispatcher (spec.md §4.6): per-call session
// check, role-derived authorization, token exchange, downstream invocation,
// and result/error translation. It shares the Activation Engine's tool
// registry, server registry, exchanger and cache so both components see a
// single consistent view of global and per-session state.
type Dispatcher struct {
	engine *Engine
}

// NewDispatcher constructs a Dispatcher bound to engine's registries and
// token-exchange machinery.
func NewDispatcher(engine *Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

// Call implements spec.md §4.6 steps 1-7 for a tools/call against toolName.
func (d *Dispatcher) Call(ctx context.Context, session *Session, principal *gwauth.Principal, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	tool, ok := d.engine.tools.Get(toolName)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindNotFound, gwerrors.ReasonTool, fmt.Sprintf("tool %q not found", toolName))
	}

	if !session.IsEnabled(tool.OwningServer) {
		return nil, gwerrors.New(gwerrors.KindPreconditionFailed, gwerrors.ReasonNotEnabled,
			fmt.Sprintf("server %q is not enabled in this session; call enable_server first", tool.OwningServer))
	}

	if err := validateArguments(tool.InputSchema, args); err != nil {
		return nil, err
	}

	desc, err := d.engine.servers.Get(tool.OwningServer)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindNotFound, gwerrors.ReasonServer, fmt.Sprintf("server %q not found", tool.OwningServer))
	}

	if desc.RequiredRole != "" && !principal.HasRole(desc.RequiredRole) {
		return nil, gwerrors.New(gwerrors.KindPermissionDenied, "",
			fmt.Sprintf("access denied: subject lacks required role %q for server %q", desc.RequiredRole, tool.OwningServer))
	}

	token, err := d.engine.exchangeForAudience(ctx, principal, desc.Audience)
	if err != nil {
		return nil, err
	}

	result, err := d.invoke(ctx, desc.URL, token.AccessToken, toolName, args)
	if err == nil {
		return result, nil
	}

	gwErr, ok := gwerrors.As(err)
	if !ok || gwErr.Reason != gwerrors.ReasonDownstreamRejected {
		return nil, err
	}

	// spec.md §4.6 step 6 / P7: on downstream 401, invalidate any cached
	// exchanged token and retry the exchange+call exactly once.
	logger.WarnContext(ctx, "downstream rejected call, retrying once after re-exchange",
		"tool", toolName, "server", tool.OwningServer)
	d.engine.invalidateCache(principal, desc.Audience)

	token, err = d.engine.exchangeForAudience(ctx, principal, desc.Audience)
	if err != nil {
		return nil, err
	}
	result, err = d.invoke(ctx, desc.URL, token.AccessToken, toolName, args)
	if err != nil {
		if gwErr, ok := gwerrors.As(err); ok && gwErr.Reason == gwerrors.ReasonDownstreamRejected {
			return nil, gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonDownstreamRejected,
				fmt.Sprintf("downstream server %q rejected the exchanged token after retry", tool.OwningServer))
		}
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) invoke(ctx context.Context, url, token, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	client := d.engine.newClient(url, token)
	return client.CallTool(ctx, toolName, args)
}

// validateArguments checks args against schema (spec.md §4.6 step 3),
// translating any violation into InvalidArgument.
func validateArguments(schema mcp.ToolInputSchema, args map[string]any) error {
	schemaDoc := map[string]any{
		"type": schemaType(schema.Type),
	}
	if schema.Properties != nil {
		schemaDoc["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		schemaDoc["required"] = schema.Required
	}

	schemaLoader := gojsonschema.NewGoLoader(schemaDoc)
	docLoader := gojsonschema.NewGoLoader(asDocument(args))

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindInvalidArgument, "", "invalid tool arguments", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return gwerrors.New(gwerrors.KindInvalidArgument, "", "arguments do not match tool schema: "+strings.Join(msgs, "; "))
	}
	return nil
}

func schemaType(t string) string {
	if t == "" {
		return "object"
	}
	return t
}

// asDocument guards against a nil arguments map, which gojsonschema treats
// differently from an empty object.
func asDocument(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
