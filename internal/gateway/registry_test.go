package gateway

import (
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	err := r.Register(DynamicTool{ToolName: "get_forecast", OwningServer: "weather", Description: "forecast"})
	require.NoError(t, err)

	tool, ok := r.Get("get_forecast")
	require.True(t, ok)
	assert.Equal(t, "weather", tool.OwningServer)
	assert.Equal(t, 1, r.Len())
}

func TestToolRegistry_Register_SameOwnerIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(DynamicTool{ToolName: "get_forecast", OwningServer: "weather"}))
	require.NoError(t, r.Register(DynamicTool{ToolName: "get_forecast", OwningServer: "weather"}))

	assert.Equal(t, 1, r.Len())
}

func TestToolRegistry_Register_NameCollisionAcrossServers(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(DynamicTool{ToolName: "search", OwningServer: "weather"}))

	err := r.Register(DynamicTool{ToolName: "search", OwningServer: "calculator"})
	require.Error(t, err)

	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindConflict, gwErr.Kind)
	assert.Equal(t, gwerrors.ReasonToolNameCollision, gwErr.Reason)

	assert.Equal(t, 1, r.Len())
}

func TestToolRegistry_List_PreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(DynamicTool{ToolName: "c", OwningServer: "weather"}))
	require.NoError(t, r.Register(DynamicTool{ToolName: "a", OwningServer: "weather"}))
	require.NoError(t, r.Register(DynamicTool{ToolName: "b", OwningServer: "weather"}))

	var names []string
	for _, t := range r.List() {
		names = append(names, t.ToolName)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestToolRegistry_Get_Missing(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestToolRegistry_ConcurrentRegister(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Register(DynamicTool{
				ToolName:     "shared_tool",
				OwningServer: "weather",
				InputSchema:  mcp.ToolInputSchema{Type: "object"},
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
}
