package router

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/fentz26/swarmq/internal/models"
)

func cloneTool(t *Tool) Tool {
	c := *t
	if t.Keywords != nil {
		c.Keywords = append([]string(nil), t.Keywords...)
	}
	if t.Args != nil {
		c.Args = append([]string(nil), t.Args...)
	}
	if t.Modes != nil {
		c.Modes = append([]models.Mode(nil), t.Modes...)
	}
	return c
}

type entry struct {
	tool    Tool
	pattern *regexp.Regexp
}

// Registry manages the reusable tools a task can be routed to.
type Registry struct {
	tools   map[string]*entry
	version uint64
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
	}
}

// NewRegistryFromConfig registers every tool in cfg.
func NewRegistryFromConfig(cfg *Config) (*Registry, error) {
	r := NewRegistry()
	for _, tool := range cfg.Tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or updates a tool.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	e := &entry{tool: cloneTool(&tool)}
	if tool.Pattern != "" {
		re, err := regexp.Compile(tool.Pattern)
		if err != nil {
			return fmt.Errorf("tool %q pattern: %w", tool.Name, err)
		}
		e.pattern = re
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = e
	r.version++
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	t := cloneTool(&e.tool)
	return &t, true
}

// List returns all tools sorted by priority (desc), then name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		tools = append(tools, cloneTool(&e.tool))
	}
	sortTools(tools)
	return tools
}

// Enable enables a tool.
func (r *Registry) Enable(name string) error {
	return r.update(name, func(t *Tool) { t.Enabled = true })
}

// Disable disables a tool.
func (r *Registry) Disable(name string) error {
	return r.update(name, func(t *Tool) { t.Enabled = false })
}

// MarkValidated records that a tool has been verified and may receive tasks.
func (r *Registry) MarkValidated(name string, validated bool) error {
	return r.update(name, func(t *Tool) { t.Validated = validated })
}

func (r *Registry) update(name string, f func(*Tool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool %q not found", name)
	}
	f(&e.tool)
	r.version++
	return nil
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Version changes whenever the registry is modified.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// candidates returns a snapshot of routable tools with compiled patterns.
func (r *Registry) candidates() ([]entry, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entry, 0, len(r.tools))
	for _, e := range r.tools {
		if e.tool.Enabled && e.tool.Validated {
			out = append(out, entry{tool: cloneTool(&e.tool), pattern: e.pattern})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return less(&out[i].tool, &out[j].tool)
	})
	return out, r.version
}

func sortTools(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool {
		return less(&tools[i], &tools[j])
	})
}

func less(a, b *Tool) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Name < b.Name
}
