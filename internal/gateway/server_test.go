package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/vmcp-gateway/internal/gwauth/token"
	"github.com/stacklok/vmcp-gateway/internal/registry"
)

// --- pure-function tests -----------------------------------------------

func TestIsBuiltinTool(t *testing.T) {
	t.Parallel()
	assert.True(t, isBuiltinTool(toolSearchServers))
	assert.True(t, isBuiltinTool(toolEnableServer))
	assert.True(t, isBuiltinTool(toolResetGateway))
	assert.False(t, isBuiltinTool("get_forecast"))
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	_, err := bearerToken(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "Basic xyz")
	_, err = bearerToken(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	tok, err := bearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)
}

func TestToolResultFromEnable_Success(t *testing.T) {
	t.Parallel()

	result := toolResultFromEnable("weather", &EnableResult{Success: true, Tools: []string{"get_forecast"}})
	require.Len(t, result.Content, 1)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, `"success":true`)
	assert.Contains(t, text.Text, "get_forecast")
}

func TestToolResultFromEnable_Failure(t *testing.T) {
	t.Parallel()

	result := toolResultFromEnable("admin-tools", &EnableResult{
		Success: false, ErrorKind: "PermissionDenied", Message: "access denied",
	})
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, `"success":false`)
	assert.Contains(t, text.Text, "PermissionDenied")
}

// --- JWKS-backed integration tests ---------------------------------------

// testIdP serves a single RSA signing key as a JWKS document and mints
// RS256 tokens against it, standing in for a real OIDC provider the way
// httptest.NewServer stands in for a real downstream MCP backend.
type testIdP struct {
	srv     *httptest.Server
	key     *rsa.PrivateKey
	kid     string
	issuer  string
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &testIdP{key: key, kid: "test-key-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": idp.kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	idp.srv = httptest.NewServer(mux)
	idp.issuer = idp.srv.URL
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *testIdP) jwksURL() string { return idp.srv.URL + "/jwks" }

func (idp *testIdP) mint(t *testing.T, subject string, roles []string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   idp.issuer,
		"sub":   subject,
		"aud":   "vmcp-gateway",
		"exp":   time.Now().Add(ttl).Unix(),
		"iat":   time.Now().Unix(),
		"roles": roles,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = idp.kid
	signed, err := tok.SignedString(idp.key)
	require.NoError(t, err)
	return signed
}

func newTestValidator(t *testing.T, idp *testIdP) *token.Validator {
	t.Helper()
	v, err := token.NewValidator(context.Background(), token.Config{
		Issuer:   idp.issuer,
		Audience: "vmcp-gateway",
		JWKSURL:  idp.jwksURL(),
	})
	require.NoError(t, err)
	return v
}

func newTestCatalog(t *testing.T, backendURL string) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse([]byte(fmt.Sprintf(`
servers:
  weather:
    description: Weather lookups
    url: %s
    audience: mcp-weather
`, backendURL)))
	require.NoError(t, err)
	return reg
}

// startEchoBackend mirrors the teacher's real-in-process-backend test
// helper: a minimal downstream MCP server exposing one "echo" tool.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	mcpSrv := mcpserver.NewMCPServer("echo-backend", "1.0.0")
	mcpSrv.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("Echoes input"), mcp.WithString("input", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			input, _ := req.GetArguments()["input"].(string)
			return mcp.NewToolResultText(input), nil
		},
	)
	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv)
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

func newTestGatewayServer(t *testing.T, idp *testIdP, catalog *registry.Registry, exchanger Exchanger) *Server {
	t.Helper()
	validator := newTestValidator(t, idp)
	tools := NewToolRegistry()
	sessions := NewStore()
	engine := NewEngine(catalog, tools, exchanger, nil, DefaultDownstreamClientFactory)
	dispatcher := NewDispatcher(engine)

	return NewServer(ServerConfig{
		Issuer:         idp.issuer,
		GatewayName:    "vmcp-gateway-test",
		GatewayVersion: "0.0.0-test",
	}, validator, catalog, tools, sessions, engine, dispatcher)
}

func postMCP(t *testing.T, baseURL string, body map[string]any, token, sessionID string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, baseURL+mcpEndpointPath, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_HealthHandler_RequiresNoAuth(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	catalog := newTestCatalog(t, "https://unused.invalid/mcp")
	s := newTestGatewayServer(t, idp, catalog, &fakeExchanger{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MCP_MissingAuth_Returns401WithChallenge(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	catalog := newTestCatalog(t, "https://unused.invalid/mcp")
	s := newTestGatewayServer(t, idp, catalog, &fakeExchanger{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp := postMCP(t, ts.URL, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"}, "", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestServer_MCP_ExpiredToken_Returns401(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	catalog := newTestCatalog(t, "https://unused.invalid/mcp")
	s := newTestGatewayServer(t, idp, catalog, &fakeExchanger{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	expired := idp.mint(t, "user-1", nil, -time.Hour)
	resp := postMCP(t, ts.URL, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-06-18", "capabilities": map[string]any{}, "clientInfo": map[string]any{"name": "t", "version": "1"}},
	}, expired, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_SearchAndEnable_EndToEnd(t *testing.T) {
	t.Parallel()

	backendURL := startEchoBackend(t)
	idp := newTestIdP(t)
	catalog := newTestCatalog(t, backendURL)
	exchanger := &fakeExchanger{token: &oauth2.Token{AccessToken: "exchanged"}}
	s := newTestGatewayServer(t, idp, catalog, exchanger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	validToken := idp.mint(t, "user-1", []string{"viewer"}, time.Hour)

	initResp := postMCP(t, ts.URL, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-06-18", "capabilities": map[string]any{}, "clientInfo": map[string]any{"name": "t", "version": "1"}},
	}, validToken, "")
	defer initResp.Body.Close()
	require.Equal(t, http.StatusOK, initResp.StatusCode)

	sessionID := initResp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	enableResp := postMCP(t, ts.URL, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": toolEnableServer, "arguments": map[string]any{"server_name": "weather"}},
	}, validToken, sessionID)
	defer enableResp.Body.Close()
	assert.Equal(t, http.StatusOK, enableResp.StatusCode)
}
