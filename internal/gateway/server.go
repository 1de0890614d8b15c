package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/vmcp-gateway/internal/gwauth"
	"github.com/stacklok/vmcp-gateway/internal/gwauth/token"
	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
	"github.com/stacklok/vmcp-gateway/internal/logger"
	"github.com/stacklok/vmcp-gateway/internal/registry"
)

const (
	mcpEndpointPath = "/mcp"
	requestIDHeader = "X-Request-Id"

	toolSearchServers = "search_servers"
	toolEnableServer  = "enable_server"
	toolResetGateway  = "_reset_gateway"
)

// requestIDContextKey scopes the per-request correlation id attached by
// requestIDMiddleware so it never collides with another package's context
// key (same pattern as gwauth.principalContextKey).
type requestIDContextKey struct{}

// Server is the inbound MCP Server Surface (spec.md §4.7): it terminates
// client connections, authenticates every request, and exposes the three
// built-in tools plus every DynamicTool the Activation Engine has
// registered.
type Server struct {
	cfg        ServerConfig
	validator  *token.Validator
	servers    *registry.Registry
	tools      *ToolRegistry
	sessions   *Store
	engine     *Engine
	dispatcher *Dispatcher

	mcpServer *server.MCPServer
	router    chi.Router
}

// ServerConfig configures the Server's HTTP surface and the WWW-Authenticate
// challenge it presents on authentication failures.
type ServerConfig struct {
	Host            string
	Port            int
	Issuer          string
	GatewayName     string
	GatewayVersion  string
	ResourceMetadataURL string // RFC 9728 resource metadata hint; empty disables the hint
}

// NewServer wires the MCP Server Surface to the already-constructed
// Activation Engine and Dispatcher. validator performs the JWKS Verifier
// check on every inbound request, per spec.md §4.1/§4.4.
func NewServer(cfg ServerConfig, validator *token.Validator, servers *registry.Registry, tools *ToolRegistry, sessions *Store, engine *Engine, dispatcher *Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		validator:  validator,
		servers:    servers,
		tools:      tools,
		sessions:   sessions,
		engine:     engine,
		dispatcher: dispatcher,
	}

	s.mcpServer = server.NewMCPServer(
		cfg.GatewayName, cfg.GatewayVersion,
		server.WithToolCapabilities(true),
		server.WithToolFilter(s.sessionToolFilter),
	)
	s.registerBuiltinTools()

	s.router = s.buildRouter()
	return s
}

// Handler returns the top-level http.Handler for the gateway process.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the gateway's HTTP surface until ctx is cancelled,
// then shuts it down gracefully. It mirrors the teacher's Slowloris-hardened
// *http.Server wrapper and signal-driven graceful-shutdown pattern.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gateway listening on http://%s%s", addr, mcpEndpointPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildRouter assembles the chi router: request-id correlation, the
// authenticated /mcp endpoint, and an unauthenticated /healthz probe.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	streamable := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(mcpEndpointPath),
		server.WithHTTPContextFunc(s.attachPrincipalToContext),
	)

	r.Handle(mcpEndpointPath, s.authMiddleware(streamable))
	r.Get("/healthz", s.healthHandler)

	return r
}

// requestIDMiddleware stamps every inbound request with a correlation id
// (SPEC_FULL.md SUPPLEMENTED FEATURES: per-call logging), generating one
// with google/uuid when the caller didn't supply X-Request-Id.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// authMiddleware implements spec.md §4.1/I4: the JWKS Verifier runs before
// any MCP processing, including initialize. A missing or invalid token is a
// transport-level 401 with a WWW-Authenticate challenge, never an MCP
// tool-error.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken, err := bearerToken(r)
		if err != nil {
			s.writeUnauthorized(w, r, err)
			return
		}

		principal, err := s.validator.ValidateToken(r.Context(), rawToken)
		if err != nil {
			s.writeUnauthorized(w, r, err)
			return
		}

		ctx := gwauth.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonMissingToken, "missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonMissingToken, "Authorization header is not a Bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}

// writeUnauthorized renders a 401 with a WWW-Authenticate challenge per
// RFC 6750 §3 and, when configured, the RFC 9728 resource-metadata hint.
func (s *Server) writeUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	reason := "invalid_token"
	gwErr, ok := gwerrors.As(err)
	if ok && gwErr.Reason == gwerrors.ReasonMissingToken {
		reason = "invalid_request"
	}

	challenge := fmt.Sprintf("Bearer realm=%q, error=%q", s.cfg.Issuer, reason)
	if s.cfg.ResourceMetadataURL != "" {
		challenge = fmt.Sprintf("%s, resource_metadata=%q", challenge, s.cfg.ResourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge)

	logger.WarnContext(r.Context(), "rejecting unauthenticated request",
		"request_id", requestIDFromContext(r.Context()), "error", err)

	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason, "message": err.Error()})
}

// attachPrincipalToContext carries the Principal the auth middleware already
// placed on the *http.Request's context into the context mcp-go hands its
// handlers, the same capture idiom the teacher uses to thread request-scoped
// state through WithHTTPContextFunc.
func (s *Server) attachPrincipalToContext(ctx context.Context, r *http.Request) context.Context {
	if p, ok := gwauth.PrincipalFromContext(r.Context()); ok {
		ctx = gwauth.WithPrincipal(ctx, p)
	}
	if id := requestIDFromContext(r.Context()); id != "" {
		ctx = context.WithValue(ctx, requestIDContextKey{}, id)
	}
	return ctx
}

// noSessionResult renders spec.md §7's InvalidArgument/NoSession as a tool
// result. mcp-go's StreamableHTTPServer already rejects a request carrying
// no Mcp-Session-Id before a handler ever runs; this path covers the
// residual case of a session id mcp-go accepted but that sessionFromContext
// could not resolve (e.g. the client session was torn down mid-request).
func noSessionResult() *mcp.CallToolResult {
	err := gwerrors.New(gwerrors.KindInvalidArgument, gwerrors.ReasonNoSession, "no active Mcp-Session-Id for this request")
	return mcp.NewToolResultError(err.Code() + ": " + err.Message)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"servers":       s.servers.Len(),
		"dynamic_tools": s.tools.Len(),
		"sessions":      s.sessions.Len(),
	})
}

// sessionToolFilter implements spec.md I3's per-session tool visibility:
// every DynamicTool is registered globally, but tools/list returns only the
// built-ins plus the tools belonging to servers this session has enabled.
func (s *Server) sessionToolFilter(ctx context.Context, all []mcp.Tool) []mcp.Tool {
	gwSession, ok := s.sessionFromContext(ctx)
	if !ok {
		return builtinToolsOnly(all)
	}

	out := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		if isBuiltinTool(t.Name) {
			out = append(out, t)
			continue
		}
		dyn, ok := s.tools.Get(t.Name)
		if ok && gwSession.IsEnabled(dyn.OwningServer) {
			out = append(out, t)
		}
	}
	return out
}

func builtinToolsOnly(all []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		if isBuiltinTool(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

func isBuiltinTool(name string) bool {
	switch name {
	case toolSearchServers, toolEnableServer, toolResetGateway:
		return true
	default:
		return false
	}
}

// sessionFromContext resolves the gateway.Session for the mcp-go-assigned
// session id carried on ctx, registering one on first sight. mcp-go owns
// Mcp-Session-Id generation and lifecycle (it returns a fresh id on
// initialize and validates it on every subsequent request); the gateway
// layers its own per-session activation state on top, keyed by that same id,
// rather than minting a second competing identifier.
func (s *Server) sessionFromContext(ctx context.Context) (*Session, bool) {
	clientSession := server.ClientSessionFromContext(ctx)
	if clientSession == nil {
		return nil, false
	}
	id := clientSession.SessionID()
	if id == "" {
		return nil, false
	}

	if gwSession, ok := s.sessions.Get(id); ok {
		return gwSession, true
	}

	gwSession := NewSession(id)
	s.sessions.put(id, gwSession)
	return gwSession, true
}

// registerBuiltinTools installs search_servers, enable_server and
// _reset_gateway (spec.md §4.7); all dynamically-registered proxy tools are
// added later by the Activation Engine via the shared ToolRegistry and
// pushed into s.mcpServer from handleEnableServer.
func (s *Server) registerBuiltinTools() {
	s.mcpServer.AddTool(mcp.NewTool(toolSearchServers,
		mcp.WithDescription("Search the catalog of downstream MCP servers available to activate."),
		mcp.WithString("query", mcp.Description("Optional case-insensitive substring match on server name; omit to list all servers.")),
	), s.handleSearchServers)

	s.mcpServer.AddTool(mcp.NewTool(toolEnableServer,
		mcp.WithDescription("Activate a downstream MCP server for this session, exposing its tools."),
		mcp.WithString("server_name", mcp.Required(), mcp.Description("Name of the server to activate, as returned by search_servers.")),
	), s.handleEnableServer)

	s.mcpServer.AddTool(mcp.NewTool(toolResetGateway,
		mcp.WithDescription("Clear every server this session has activated. Globally registered tools are unaffected."),
	), s.handleResetGateway)
}

func (s *Server) handleSearchServers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gwSession, ok := s.sessionFromContext(ctx)
	if !ok {
		return noSessionResult(), nil
	}

	query, _ := req.GetArguments()["query"].(string)
	results := s.engine.Search(query, gwSession)

	body, err := json.Marshal(map[string]any{"servers": results, "total": len(results)})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding search results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (s *Server) handleEnableServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gwSession, ok := s.sessionFromContext(ctx)
	if !ok {
		return noSessionResult(), nil
	}
	principal, ok := gwauth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated principal in context"), nil
	}

	serverName, ok := req.GetArguments()["server_name"].(string)
	if !ok || serverName == "" {
		return mcp.NewToolResultError("server_name is required"), nil
	}

	result, err := s.engine.Enable(ctx, gwSession, serverName, principal)
	if err != nil {
		logger.ErrorContext(ctx, "enable_server transport-level failure", "server", serverName, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("internal error activating %q: %v", serverName, err)), nil
	}

	if result.Success {
		// Publish the newly discovered proxy tools process-wide; mcp-go
		// de-duplicates by name, so redundant activations from other
		// sessions are harmless no-ops here.
		s.publishDynamicTools(serverName)
	}

	return toolResultFromEnable(serverName, result), nil
}

func toolResultFromEnable(serverName string, result *EnableResult) *mcp.CallToolResult {
	if result.Success {
		body, _ := json.Marshal(map[string]any{
			"success": true,
			"server":  serverName,
			"tools":   result.Tools,
		})
		return mcp.NewToolResultText(string(body))
	}

	code := string(result.ErrorKind)
	if result.ErrorReason != "" {
		code = code + "/" + string(result.ErrorReason)
	}
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"server":  serverName,
		"error":   code,
		"message": result.Message,
	})
	return mcp.NewToolResultText(string(body))
}

func (s *Server) handleResetGateway(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gwSession, ok := s.sessionFromContext(ctx)
	if !ok {
		return noSessionResult(), nil
	}
	s.engine.Reset(gwSession)
	return mcp.NewToolResultText(`{"success":true}`), nil
}

// publishDynamicTools registers every tool owned by serverName with the
// underlying mcp-go server. Every call re-adds all of that server's tools,
// including names mcp-go already knows about.
func (s *Server) publishDynamicTools(serverName string) {
	var toAdd []server.ServerTool
	for _, dyn := range s.tools.List() {
		if dyn.OwningServer != serverName {
			continue
		}
		toAdd = append(toAdd, server.ServerTool{
			Tool: mcp.Tool{
				Name:        dyn.ToolName,
				Description: dyn.Description,
				InputSchema: dyn.InputSchema,
			},
			Handler: s.dynamicToolHandler(dyn.ToolName),
		})
	}
	if len(toAdd) > 0 {
		s.mcpServer.AddTools(toAdd...)
	}
}

// dynamicToolHandler closes over toolName and forwards every call to the
// Proxy Tool Dispatcher, translating its error taxonomy into an MCP
// tool-error rather than a protocol-level failure (spec.md §4.6/§7: tool
// execution failures are rendered as {success:false} content, not transport
// errors).
func (s *Server) dynamicToolHandler(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		gwSession, ok := s.sessionFromContext(ctx)
		if !ok {
			return noSessionResult(), nil
		}
		principal, ok := gwauth.PrincipalFromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("no authenticated principal in context"), nil
		}

		args := req.GetArguments()
		result, err := s.dispatcher.Call(ctx, gwSession, principal, toolName, args)
		if err != nil {
			logger.WarnContext(ctx, "tool call failed", "tool", toolName, "error", err)
			return mcp.NewToolResultError(string(gwerrors.KindOf(err)) + ": " + err.Error()), nil
		}
		return result, nil
	}
}
