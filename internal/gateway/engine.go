package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2"

	"github.com/stacklok/vmcp-gateway/internal/gwauth"
	"github.com/stacklok/vmcp-gateway/internal/gwauth/tokenexchange"
	"github.com/stacklok/vmcp-gateway/internal/gwclient"
	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
	"github.com/stacklok/vmcp-gateway/internal/logger"
	"github.com/stacklok/vmcp-gateway/internal/registry"
)

// Exchanger mints an audience-scoped downstream credential from an inbound
// principal's token (the RFC 8693 Token-Exchange Client contract, spec.md
// §4.2). Declared as an interface here so the Activation Engine and
// Dispatcher can be tested without a live IdP.
type Exchanger interface {
	ExchangeToken(ctx context.Context, subjectToken, targetAudience string) (*oauth2.Token, error)
}

// DownstreamClient is the Downstream MCP Client contract (spec.md §4.3) the
// Activation Engine and Dispatcher depend on.
type DownstreamClient interface {
	ListTools(ctx context.Context) ([]gwclient.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// DownstreamClientFactory builds a short-lived DownstreamClient for one
// logical operation against url, authenticated with token.
type DownstreamClientFactory func(url, token string) DownstreamClient

// DefaultDownstreamClientFactory adapts internal/gwclient.New to the
// DownstreamClient interface.
func DefaultDownstreamClientFactory(url, token string) DownstreamClient {
	return gwclient.New(url, token)
}

// keyedMutex serializes operations on a dynamic set of string keys, used to
// single-flight enable(server) within a session per spec.md §5 ("single-
// flight on enable(server) for the same session and server").
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// SearchResult is one row of a search_servers response (spec.md §4.5).
type SearchResult struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Enabled      bool   `json:"enabled"`
	RequiredRole string `json:"required_role"`
}

// EnableResult is the outcome of an enable_server call (spec.md §4.5/§4.7).
type EnableResult struct {
	Success bool
	Tools   []string
	// ErrorKind/ErrorReason/Message are populated when Success is false, in
	// the gwerrors taxonomy shape so the MCP surface can render a consistent
	// {success, error, message} tool response.
	ErrorKind   gwerrors.Kind
	ErrorReason gwerrors.Reason
	Message     string
}

// Engine is the Activation Engine (spec.md §4.5): it owns per-session
// activation state and the global DynamicTool registry, and performs
// discovery and dynamic registration on enable.
type Engine struct {
	servers   *registry.Registry
	tools     *ToolRegistry
	exchanger Exchanger
	cache     *tokenexchange.Cache // nil disables the optional exchange cache
	newClient DownstreamClientFactory

	enableLocks *keyedMutex
}

// NewEngine constructs an Engine. cache may be nil to disable the optional
// exchanged-token cache (spec.md §6 exchange_cache_enabled=false).
func NewEngine(servers *registry.Registry, tools *ToolRegistry, exchanger Exchanger, cache *tokenexchange.Cache, newClient DownstreamClientFactory) *Engine {
	if newClient == nil {
		newClient = DefaultDownstreamClientFactory
	}
	return &Engine{
		servers:     servers,
		tools:       tools,
		exchanger:   exchanger,
		cache:       cache,
		newClient:   newClient,
		enableLocks: newKeyedMutex(),
	}
}

// Search implements spec.md §4.5's search contract: substring, case-
// insensitive match on name (empty query matches all), enabled computed
// against the calling session. Per the Open Question resolution recorded in
// SPEC_FULL.md, results are never filtered by role — required_role is
// surfaced on every row instead so a client can explain a PermissionDenied
// without a second round trip.
func (e *Engine) Search(query string, session *Session) []SearchResult {
	needle := strings.ToLower(strings.TrimSpace(query))

	all := e.servers.List()
	out := make([]SearchResult, 0, len(all))
	for _, desc := range all {
		if needle != "" && !strings.Contains(strings.ToLower(desc.Name), needle) {
			continue
		}
		out = append(out, SearchResult{
			Name:         desc.Name,
			Description:  desc.Description,
			Enabled:      session.IsEnabled(desc.Name),
			RequiredRole: desc.RequiredRole,
		})
	}
	return out
}

// Enable implements the enable algorithm of spec.md §4.5. It returns a nil
// error for every business-level failure (unknown server, missing role,
// name collision) — those are reported in EnableResult so the MCP surface
// can render them as a tool response rather than a transport error. A
// non-nil error indicates a genuine transport/internal failure.
func (e *Engine) Enable(ctx context.Context, session *Session, serverName string, principal *gwauth.Principal) (*EnableResult, error) {
	unlock := e.enableLocks.lock(session.ID + "|" + serverName)
	defer unlock()

	desc, err := e.servers.Get(serverName)
	if err != nil {
		return &EnableResult{
			Success:     false,
			ErrorKind:   gwerrors.KindNotFound,
			ErrorReason: gwerrors.ReasonServer,
			Message:     fmt.Sprintf("server %q not found", serverName),
		}, nil
	}

	// Idempotence (spec.md §4.5 step 2, invariant P4): re-activating an
	// already-enabled server returns the previously recorded list unchanged.
	if tools, ok := session.Tools(serverName); ok {
		return &EnableResult{Success: true, Tools: tools}, nil
	}

	// Fast-path role pre-check (step 3): never contact the IdP for a caller
	// who plainly lacks the role.
	if desc.RequiredRole != "" && !principal.HasRole(desc.RequiredRole) {
		return &EnableResult{
			Success:   false,
			ErrorKind: gwerrors.KindPermissionDenied,
			Message:   fmt.Sprintf("access denied: subject lacks required role %q for server %q", desc.RequiredRole, serverName),
		}, nil
	}

	token, err := e.exchangeForAudience(ctx, principal, desc.Audience)
	if err != nil {
		if gwErr, ok := gwerrors.As(err); ok && (gwErr.Kind == gwerrors.KindPermissionDenied || gwErr.Kind == gwerrors.KindUnauthenticated) {
			return &EnableResult{Success: false, ErrorKind: gwErr.Kind, ErrorReason: gwErr.Reason, Message: gwErr.Message}, nil
		}
		return nil, err
	}

	downstream := e.newClient(desc.URL, token.AccessToken)
	descriptors, err := downstream.ListTools(ctx)
	if err != nil {
		// spec.md §4.5 edge case: a failure after token exchange but before
		// registration leaves no session state and no global registry
		// change. Surfaced as a business failure, not a transport error,
		// since the caller (another agent) needs a renderable message.
		if gwErr, ok := gwerrors.As(err); ok {
			return &EnableResult{Success: false, ErrorKind: gwErr.Kind, ErrorReason: gwErr.Reason, Message: gwErr.Message}, nil
		}
		return nil, err
	}

	toolNames := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if regErr := e.tools.Register(DynamicTool{
			ToolName:     d.Name,
			OwningServer: serverName,
			Description:  d.Description,
			InputSchema:  d.InputSchema,
		}); regErr != nil {
			gwErr, _ := gwerrors.As(regErr)
			return &EnableResult{Success: false, ErrorKind: gwErr.Kind, ErrorReason: gwErr.Reason, Message: gwErr.Message}, nil
		}
		toolNames = append(toolNames, d.Name)
	}
	sort.Strings(toolNames)

	session.enable(serverName, toolNames)
	logger.InfoContext(ctx, "server activated", "server", serverName, "session", session.ID, "tools", len(toolNames))

	return &EnableResult{Success: true, Tools: toolNames}, nil
}

// Reset clears the caller's session activations. It never unregisters
// global DynamicTools (spec.md §9 Open Question, bound "no" by this
// implementation; see R2).
func (e *Engine) Reset(session *Session) {
	session.Reset()
}

// exchangeForAudience performs a cache-checked token exchange, mirroring the
// cache-lookup-then-mint path the Dispatcher also uses for proxied calls.
func (e *Engine) exchangeForAudience(ctx context.Context, principal *gwauth.Principal, audience string) (*oauth2.Token, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Get(principal.RawToken, audience); ok {
			return &oauth2.Token{AccessToken: cached.Token, TokenType: cached.TokenType, Expiry: cached.ExpiresAt}, nil
		}
	}

	token, err := e.exchanger.ExchangeToken(ctx, principal.RawToken, audience)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Put(principal.RawToken, audience, &tokenexchange.CachedToken{
			Token:     token.AccessToken,
			TokenType: token.TokenType,
			ExpiresAt: token.Expiry,
		})
	}
	return token, nil
}

// invalidateCache drops any cached exchanged token for (principal, audience),
// used by the Dispatcher's downstream-401 retry path (spec.md §4.6 step 6).
func (e *Engine) invalidateCache(principal *gwauth.Principal, audience string) {
	if e.cache != nil {
		e.cache.Invalidate(principal.RawToken, audience)
	}
}
