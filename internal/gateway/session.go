// Package gateway implements the Activation Engine, Proxy Tool Dispatcher,
// and inbound MCP Server Surface described in spec.md §4.5-§4.7: the parts
// of the gateway that own per-session state and the process-global dynamic
// tool registry.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

// sessionIDBytes is 256 bits, comfortably above spec.md's "≥ 128 bits"
// requirement for the Mcp-Session-Id value. Deliberately not a UUID: a v4
// UUID carries only 122 random bits and its layout leaks a version nibble,
// neither of which the spec asks for, so the session id is generated from a
// dedicated CSPRNG source instead of github.com/google/uuid.
const sessionIDBytes = 32

// NewSessionID returns a fresh, cryptographically random opaque session
// identifier suitable for the Mcp-Session-Id header.
func NewSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", gwerrors.Wrap(gwerrors.KindInternal, "", "generating session id", err)
	}
	return hex.EncodeToString(buf), nil
}

// Session is the per-inbound-client conversation state described in
// spec.md §3's McpSession: the set of servers the caller has activated and,
// for each, the tool names that activation introduced.
type Session struct {
	// ID is the opaque Mcp-Session-Id value assigned at initialize.
	ID string

	mu       sync.RWMutex
	enabled  map[string][]string // server name -> activated tool names
}

// NewSession constructs an empty Session for the given id.
func NewSession(id string) *Session {
	return &Session{ID: id, enabled: make(map[string][]string)}
}

// IsEnabled reports whether server has been activated in this session
// (spec.md invariant I3).
func (s *Session) IsEnabled(server string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enabled[server]
	return ok
}

// Tools returns the tool names activated for server in this session, and
// whether the server has been activated at all.
func (s *Session) Tools(server string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools, ok := s.enabled[server]
	if !ok {
		return nil, false
	}
	out := make([]string, len(tools))
	copy(out, tools)
	return out, true
}

// enable records server as activated with the given tool names. Unexported:
// only the Activation Engine decides when a server becomes enabled.
func (s *Session) enable(server string, tools []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recorded := make([]string, len(tools))
	copy(recorded, tools)
	s.enabled[server] = recorded
}

// Reset clears every activation recorded for this session (the
// `_reset_gateway` built-in and R2). It does not touch the global dynamic
// tool registry — other sessions may still depend on those registrations,
// per spec.md §9's Open Question resolution.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = make(map[string][]string)
}

// EnabledServerNames returns the servers currently enabled in this session,
// in no particular order.
func (s *Session) EnabledServerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		out = append(out, name)
	}
	return out
}

// Store is the process-wide table of live sessions, keyed by
// Mcp-Session-Id. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create assigns a new session id and registers an empty Session for it.
func (st *Store) Create() (*Session, error) {
	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	sess := NewSession(id)

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()

	return sess, nil
}

// Get looks up a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// put registers an already-constructed Session under id. Unexported: used
// by the MCP Server Surface to lazily adopt a session id that mcp-go's own
// StreamableHTTPServer assigned, rather than by Store's own callers, which
// mint ids via Create.
func (st *Store) put(id string, sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[id]; exists {
		return
	}
	st.sessions[id] = sess
}

// Delete drops a session entirely (process shutdown bookkeeping / tests);
// normal resets use Session.Reset instead, which keeps the session alive.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
