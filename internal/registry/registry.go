// Package registry loads and exposes the static catalog of downstream MCP
// servers. The catalog is read once at startup and never mutated; it is
// safe for unsynchronized concurrent reads for the remainder of the
// process's life.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

// ServerDescriptor is an immutable catalog entry for one downstream MCP
// server.
type ServerDescriptor struct {
	Name         string `yaml:"-"`
	Description  string `yaml:"description"`
	URL          string `yaml:"url"`
	Audience     string `yaml:"audience"`
	RequiredRole string `yaml:"required_role"`
}

// document is the on-disk shape of the server catalog file.
type document struct {
	Servers map[string]ServerDescriptor `yaml:"servers"`
}

// Registry is a read-only, name-indexed view of the server catalog.
type Registry struct {
	byName map[string]ServerDescriptor
	names  []string // insertion order, stable across process lifetime
}

// Load parses a YAML catalog document from path and validates every entry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server catalog %q: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Registry from raw YAML bytes, enforcing non-empty names
// and required fields on every entry.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing server catalog: %w", err)
	}

	reg := &Registry{byName: make(map[string]ServerDescriptor, len(doc.Servers))}

	// Sort keys for a deterministic insertion order, since Go map iteration
	// is randomized and §4.7 requires a stable tools/list ordering that is
	// ultimately rooted in registry enumeration order.
	keys := make([]string, 0, len(doc.Servers))
	for name := range doc.Servers {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	for _, name := range keys {
		desc := doc.Servers[name]
		if name == "" {
			return nil, gwerrors.New(gwerrors.KindInvalidArgument, "", "server catalog entry has empty name")
		}
		if desc.URL == "" {
			return nil, gwerrors.New(gwerrors.KindInvalidArgument, "", fmt.Sprintf("server %q missing url", name))
		}
		if desc.Audience == "" {
			return nil, gwerrors.New(gwerrors.KindInvalidArgument, "", fmt.Sprintf("server %q missing audience", name))
		}
		desc.Name = name
		reg.byName[name] = desc
		reg.names = append(reg.names, name)
	}

	return reg, nil
}

// Get looks up a server by name.
func (r *Registry) Get(name string) (ServerDescriptor, error) {
	desc, ok := r.byName[name]
	if !ok {
		return ServerDescriptor{}, gwerrors.New(gwerrors.KindNotFound, gwerrors.ReasonServer,
			fmt.Sprintf("server %q not found", name))
	}
	return desc, nil
}

// List returns every descriptor sorted by server name; the order of entries
// in the catalog document is not preserved.
func (r *Registry) List() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

// Len returns the number of catalog entries.
func (r *Registry) Len() int { return len(r.names) }
