// Package handlers performs the work of scheduled occurrences. Router is the
// schedule.Executor used by the daemon: reminders go to a ReminderDelivery,
// automations to the Tool registered under the payload's tool name.
package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Call is one automation run handed to a Tool
type Call struct {
	ActionID     string
	RunID        string
	AccountID    string
	AgentID      string
	ChatID       string // payload chat_id, else the action's chat
	Arguments    map[string]any
	ScheduledFor string // RFC3339
}

// Result is what a Tool reports on success
type Result struct {
	Summary     string
	DeliveryRef string
}

// Tool runs automations. Tools decode their own arguments.
type Tool interface {
	// Name is the tool_name automations refer to
	Name() string

	// Run performs the call. Tools must honor ctx cancellation.
	Run(ctx context.Context, call Call) (Result, error)
}

// ToolRegistry maps tool names to tools. Safe for concurrent use.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool under its name.
// Panics if a tool is already registered with that name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tool already registered: %s", name))
	}
	r.tools[name] = tool
}

// Get returns the tool for name, or nil
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has checks if a tool is registered for name
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// Names returns registered tool names, sorted
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
