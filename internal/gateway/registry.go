package gateway

import (
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

// DynamicTool is a proxy entry (spec.md §3): a tool advertised by the
// gateway whose invocation forwards to a downstream server. Tools are
// modeled as data — schema plus a uniform dispatch target — never as
// per-tool generated code (spec.md §9 REDESIGN FLAG).
type DynamicTool struct {
	ToolName     string
	OwningServer string
	Description  string
	InputSchema  mcp.ToolInputSchema
}

// ToolRegistry is the process-global table of DynamicTools described in
// spec.md §3 and §4.5: proxies are registered once, globally, and live
// until process exit; per-session visibility is tracked separately in
// Session.enabled. Insertion order is preserved for the stable tools/list
// ordering spec.md §4.7 requires (built-ins first, then insertion order).
type ToolRegistry struct {
	mu     sync.Mutex
	byName map[string]*DynamicTool
	order  []string
}

// NewToolRegistry constructs an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byName: make(map[string]*DynamicTool)}
}

// Register adds tool to the registry. Registration is idempotent for the
// same owning server (re-activation by another session is a no-op); a tool
// name already owned by a *different* server is a configuration error
// (spec.md invariant I2, Conflict/ToolNameCollision).
//
// The registry's own lock is held only for the map mutation, never across a
// downstream or IdP call, per spec.md §5.
func (r *ToolRegistry) Register(tool DynamicTool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byName[tool.ToolName]
	if !ok {
		stored := tool
		r.byName[tool.ToolName] = &stored
		r.order = append(r.order, tool.ToolName)
		return nil
	}

	if existing.OwningServer != tool.OwningServer {
		return gwerrors.New(gwerrors.KindConflict, gwerrors.ReasonToolNameCollision,
			fmt.Sprintf("tool %q is already registered by server %q, cannot register for %q",
				tool.ToolName, existing.OwningServer, tool.OwningServer))
	}
	return nil
}

// Get looks up a DynamicTool by name.
func (r *ToolRegistry) Get(name string) (*DynamicTool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.byName[name]
	return tool, ok
}

// List returns every registered tool in insertion order.
func (r *ToolRegistry) List() []*DynamicTool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DynamicTool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len reports the number of globally registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
