package mcp

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/snapmark/internal/config"
)

// StrategyKind is how snapmark talks to a server.
type StrategyKind string

const (
	// StrategyStdio drives the server with JSON-RPC over stdio.
	StrategyStdio StrategyKind = "stdio"

	// StrategyCustom runs the server once per capture with the payload
	// file path as its last argument.
	StrategyCustom StrategyKind = "custom"
)

// ServerConfig describes one spawnable server.
type ServerConfig struct {
	Name     string
	Command  string
	Args     []string
	Env      map[string]string
	Enabled  bool
	Strategy string // "", "stdio" or "custom"

	// Include and Exclude filter the tools bridged into the agent
	// runtime. See BridgeTools.
	Include []string
	Exclude []string
}

// Kind selects the interaction strategy. An explicit Strategy wins;
// otherwise a server whose args mention "stdio", or whose command name
// ends in "-mcp-server", is treated as stdio. Everything else is custom.
func (c ServerConfig) Kind() StrategyKind {
	switch StrategyKind(c.Strategy) {
	case StrategyStdio, StrategyCustom:
		return StrategyKind(c.Strategy)
	}
	if slices.Contains(c.Args, "stdio") {
		return StrategyStdio
	}
	if strings.HasSuffix(filepath.Base(c.Command), "-mcp-server") {
		return StrategyStdio
	}
	return StrategyCustom
}

// Environ returns Env as sorted KEY=VALUE pairs for appending to the
// parent environment.
func (c ServerConfig) Environ() []string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// clone returns a deep copy so a running session never observes later
// registry edits.
func (c ServerConfig) clone() ServerConfig {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Include = slices.Clone(c.Include)
	out.Exclude = slices.Clone(c.Exclude)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Registry holds the known servers by unique name. It is safe for
// concurrent use; readers get copies.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewRegistry creates a registry holding the given servers.
func NewRegistry(servers ...ServerConfig) (*Registry, error) {
	r := &Registry{servers: make(map[string]ServerConfig)}
	for _, s := range servers {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// FromConfig builds a registry from loaded configuration. When MCP is
// disabled the registry is empty.
func FromConfig(cfg *config.Config) *Registry {
	r := &Registry{servers: make(map[string]ServerConfig)}
	if !cfg.MCP.Enabled {
		return r
	}
	for _, name := range cfg.ServerNames() {
		s := cfg.MCP.Servers[name]
		r.servers[name] = ServerConfig{
			Name:     name,
			Command:  s.Command,
			Args:     s.Args,
			Env:      s.Env,
			Enabled:  s.IsEnabled(),
			Strategy: s.Strategy,
			Include:  s.Include,
			Exclude:  s.Exclude,
		}.clone()
	}
	return r
}

// Add registers or replaces a server.
func (r *Registry) Add(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server name is required")
	}
	if s.Command == "" {
		return fmt.Errorf("server %s: command is required", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.Name] = s.clone()
	return nil
}

// Remove deletes a server and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.servers[name]
	delete(r.servers, name)
	return ok
}

// Get returns a copy of the named server's configuration.
func (r *Registry) Get(name string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return s.clone(), true
}

// Names returns all server names, enabled or not, in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns copies of the enabled servers ordered by name.
func (r *Registry) Enabled() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServerConfig
	for _, s := range r.servers {
		if s.Enabled {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
