package gateway

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/vmcp-gateway/internal/gwclient"
	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

// countingFactory builds a fresh sequencedClient per call, recording how many times CallTool was invoked across every
// client so the retry-exactly-once invariant (P7) can be asserted.
type countingFactory struct {
	calls   int32
	results []func() (*mcp.CallToolResult, error)
}

func (c *countingFactory) client() DownstreamClientFactory {
	return func(_, _ string) DownstreamClient {
		return &sequencedClient{parent: c}
	}
}

type sequencedClient struct {
	parent *countingFactory
}

func (s *sequencedClient) ListTools(_ context.Context) ([]gwclient.ToolDescriptor, error) {
	return nil, nil
}

func (s *sequencedClient) CallTool(_ context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
	idx := atomic.AddInt32(&s.parent.calls, 1) - 1
	if int(idx) >= len(s.parent.results) {
		return nil, gwerrors.New(gwerrors.KindInternal, "", "no scripted result for call")
	}
	return s.parent.results[idx]()
}

func newDispatcherEngine(t *testing.T, factory DownstreamClientFactory, exchanger Exchanger) (*Engine, *ToolRegistry) {
	t.Helper()
	tools := NewToolRegistry()
	engine := NewEngine(testRegistry(t), tools, exchanger, nil, factory)
	return engine, tools
}

func TestDispatcher_Call_ToolNotFound(t *testing.T) {
	t.Parallel()

	engine, _ := newDispatcherEngine(t, nil, &fakeExchanger{})
	d := NewDispatcher(engine)
	session := NewSession("sess-1")

	_, err := d.Call(context.Background(), session, testPrincipal(), "no_such_tool", nil)
	require.Error(t, err)
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindNotFound, gwErr.Kind)
}

func TestDispatcher_Call_ServerNotEnabledInSession(t *testing.T) {
	t.Parallel()

	engine, tools := newDispatcherEngine(t, nil, &fakeExchanger{})
	require.NoError(t, tools.Register(DynamicTool{ToolName: "get_forecast", OwningServer: "weather"}))
	d := NewDispatcher(engine)
	session := NewSession("sess-1") // weather never enabled

	_, err := d.Call(context.Background(), session, testPrincipal(), "get_forecast", nil)
	require.Error(t, err)
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindPreconditionFailed, gwErr.Kind)
	assert.Equal(t, gwerrors.ReasonNotEnabled, gwErr.Reason)
}

func TestDispatcher_Call_ArgumentsFailSchemaValidation(t *testing.T) {
	t.Parallel()

	engine, tools := newDispatcherEngine(t, nil, &fakeExchanger{})
	require.NoError(t, tools.Register(DynamicTool{
		ToolName:     "get_forecast",
		OwningServer: "weather",
		InputSchema: mcp.ToolInputSchema{
			Type:     "object",
			Required: []string{"city"},
			Properties: map[string]any{
				"city": map[string]any{"type": "string"},
			},
		},
	}))
	d := NewDispatcher(engine)
	session := NewSession("sess-1")
	session.enable("weather", []string{"get_forecast"})

	_, err := d.Call(context.Background(), session, testPrincipal(), "get_forecast", map[string]any{})
	require.Error(t, err)
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindInvalidArgument, gwErr.Kind)
}

func TestDispatcher_Call_Success(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{results: []func() (*mcp.CallToolResult, error){
		func() (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("72F and sunny")}}, nil
		},
	}}
	exchanger := &fakeExchanger{token: &oauth2.Token{AccessToken: "exchanged"}}
	engine, tools := newDispatcherEngine(t, factory.client(), exchanger)
	require.NoError(t, tools.Register(DynamicTool{
		ToolName: "get_forecast", OwningServer: "weather",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}))
	d := NewDispatcher(engine)
	session := NewSession("sess-1")
	session.enable("weather", []string{"get_forecast"})

	result, err := d.Call(context.Background(), session, testPrincipal(), "get_forecast", map[string]any{"city": "Seattle"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
}

func TestDispatcher_Call_RetriesExactlyOnceOnDownstream401(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{results: []func() (*mcp.CallToolResult, error){
		func() (*mcp.CallToolResult, error) {
			return nil, gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonDownstreamRejected, "stale token")
		},
		func() (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("ok after retry")}}, nil
		},
	}}
	exchanger := &fakeExchanger{token: &oauth2.Token{AccessToken: "exchanged"}}
	cacheEngine, tools := newDispatcherEngine(t, factory.client(), exchanger)
	require.NoError(t, tools.Register(DynamicTool{
		ToolName: "get_forecast", OwningServer: "weather",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}))
	d := NewDispatcher(cacheEngine)
	session := NewSession("sess-1")
	session.enable("weather", []string{"get_forecast"})

	result, err := d.Call(context.Background(), session, testPrincipal(), "get_forecast", map[string]any{})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&factory.calls))
}

func TestDispatcher_Call_FailsAfterSecondDownstream401(t *testing.T) {
	t.Parallel()

	rejected := func() (*mcp.CallToolResult, error) {
		return nil, gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonDownstreamRejected, "stale token")
	}
	factory := &countingFactory{results: []func() (*mcp.CallToolResult, error){rejected, rejected}}
	exchanger := &fakeExchanger{token: &oauth2.Token{AccessToken: "exchanged"}}
	engine, tools := newDispatcherEngine(t, factory.client(), exchanger)
	require.NoError(t, tools.Register(DynamicTool{
		ToolName: "get_forecast", OwningServer: "weather",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}))
	d := NewDispatcher(engine)
	session := NewSession("sess-1")
	session.enable("weather", []string{"get_forecast"})

	_, err := d.Call(context.Background(), session, testPrincipal(), "get_forecast", map[string]any{})
	require.Error(t, err)
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindUnauthenticated, gwErr.Kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&factory.calls))
}
