// Package tools hosts the capability runtimes agents can be bound to. Each
// tool exposes a name and an invoke-with-args contract; the engine never
// introspects what a tool does.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// Tool is one named capability runtime.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry maps tool names to runtimes.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Later registrations replace earlier ones.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a named tool. Unknown names fail with not_found.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", schema.ErrNotFound, name)
	}
	return t.Execute(ctx, args), nil
}

// Default builds the registry of built-in runtimes rooted at workspace.
func Default(workspace string) *Registry {
	r := NewRegistry()
	r.Register(NewFilesystemTool(workspace))
	r.Register(NewShellTool(workspace))
	r.Register(NewBrowserTool())
	r.Register(NewSearchTool())
	r.Register(NewResearchTool())
	r.Register(NewGitTool(workspace))
	r.Register(NewTestRunnerTool(workspace))
	return r
}
