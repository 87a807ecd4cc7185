// Package tools catalogs the local handlers the gateway can run on the
// model's behalf: file access, shell commands, search, web fetch, notebook
// rendering, and todo tracking. The registry carries the metadata the
// executor enforces (timeouts, size caps, permission flags, input schemas);
// the handlers themselves stay policy-free.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/claudegate/claudegate/internal/config"
)

// Categories the executor's security policy distinguishes.
const (
	CategoryFileOps  = "file_ops"
	CategorySystem   = "system"
	CategorySearch   = "search"
	CategoryWeb      = "web"
	CategoryNotebook = "notebook"
	CategoryTodo     = "todo"
)

// Handler executes one tool invocation. Implementations honor ctx
// cancellation and return either an output value or an error; truncation,
// timeouts, and policy belong to the executor.
type Handler func(ctx context.Context, toolUseID string, input map[string]any) (any, error)

// Definition describes one registered tool. Zero TimeoutS or MaxOutputBytes
// defer to the executor's configured defaults.
type Definition struct {
	Name               string
	Category           string
	Description        string
	TimeoutS           int
	MaxInputBytes      int
	MaxOutputBytes     int
	RequiresPermission bool
	InputSchema        map[string]any
}

type registration struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to definitions and handlers. Registration happens
// at startup; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = registration{def: def, handler: handler}
	return nil
}

// Lookup returns the definition and handler for name.
func (r *Registry) Lookup(name string) (Definition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.tools[name]
	if !ok {
		return Definition{}, nil, false
	}
	return reg.def, reg.handler, true
}

// Definitions lists every registered tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterDefaults wires the built-in handler suite. File-touching tools
// resolve relative paths under cfg.WorkspaceDir; todos persist in the given
// store for the lifetime of their request.
func RegisterDefaults(r *Registry, cfg config.Tools, todos *TodoStore) error {
	workspace := cfg.WorkspaceDir
	defaults := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "read_file",
				Category:    CategoryFileOps,
				Description: "Read a file from the workspace. Supports optional offset (1-based start line) and limit (max lines).",
				TimeoutS:    10,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":   map[string]any{"type": "string", "description": "File path, absolute or relative to the workspace"},
						"offset": map[string]any{"type": "integer", "minimum": 1},
						"limit":  map[string]any{"type": "integer", "minimum": 1},
					},
					"required": []any{"path"},
				},
			},
			handler: readFileHandler(workspace),
		},
		{
			def: Definition{
				Name:               "write_file",
				Category:           CategoryFileOps,
				Description:        "Write content to a file, creating parent directories as needed. Overwrites existing files.",
				TimeoutS:           10,
				MaxInputBytes:      512 * 1024,
				RequiresPermission: true,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "Destination path, absolute or relative to the workspace"},
						"content": map[string]any{"type": "string"},
					},
					"required": []any{"path", "content"},
				},
			},
			handler: writeFileHandler(workspace),
		},
		{
			def: Definition{
				Name:        "list_directory",
				Category:    CategoryFileOps,
				Description: "List the entries of a directory (non-recursive) with sizes.",
				TimeoutS:    10,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Directory path, defaults to the workspace root"},
					},
				},
			},
			handler: listDirectoryHandler(workspace),
		},
		{
			def: Definition{
				Name:        "bash",
				Category:    CategorySystem,
				Description: "Run a shell command in the workspace. Only allowlisted commands are permitted.",
				TimeoutS:    30,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{"type": "string"},
					},
					"required": []any{"command"},
				},
			},
			handler: bashHandler(workspace),
		},
		{
			def: Definition{
				Name:        "glob",
				Category:    CategorySearch,
				Description: "Find files matching a glob pattern. Supports ** for recursive matching.",
				TimeoutS:    15,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string"},
						"path":    map[string]any{"type": "string", "description": "Root directory, defaults to the workspace"},
					},
					"required": []any{"pattern"},
				},
			},
			handler: globHandler(workspace),
		},
		{
			def: Definition{
				Name:        "grep",
				Category:    CategorySearch,
				Description: "Search file contents under a directory with a regular expression. Returns file:line matches.",
				TimeoutS:    15,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string", "description": "Go regular expression"},
						"path":    map[string]any{"type": "string", "description": "Root directory, defaults to the workspace"},
						"include": map[string]any{"type": "string", "description": "Only search files whose name matches this glob"},
					},
					"required": []any{"pattern"},
				},
			},
			handler: grepHandler(workspace),
		},
		{
			def: Definition{
				Name:        "web_fetch",
				Category:    CategoryWeb,
				Description: "Fetch a URL over HTTP(S). HTML responses are converted to Markdown; other content is returned as-is.",
				TimeoutS:    20,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{"type": "string"},
					},
					"required": []any{"url"},
				},
			},
			handler: webFetchHandler(),
		},
		{
			def: Definition{
				Name:        "notebook_read",
				Category:    CategoryNotebook,
				Description: "Read a Jupyter notebook (.ipynb) and render its cells and outputs as text.",
				TimeoutS:    10,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
					"required": []any{"path"},
				},
			},
			handler: notebookReadHandler(workspace),
		},
		{
			def: Definition{
				Name:        "todo_write",
				Category:    CategoryTodo,
				Description: "Replace the request's todo list. Each todo has content and a status of pending, in_progress, or completed.",
				TimeoutS:    5,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"todos": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"content":  map[string]any{"type": "string"},
									"status":   map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed"}},
									"priority": map[string]any{"type": "string"},
									"id":       map[string]any{"type": "string"},
								},
								"required": []any{"content"},
							},
						},
					},
					"required": []any{"todos"},
				},
			},
			handler: todoWriteHandler(todos),
		},
	}

	for _, d := range defaults {
		if err := r.Register(d.def, d.handler); err != nil {
			return err
		}
	}
	return nil
}

// stringArg returns input[key] when it is a string, else "".
func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// intArg returns input[key] as an int, tolerating the float64 that
// encoding/json produces, else fallback.
func intArg(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
