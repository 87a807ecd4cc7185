package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/claudegate/claudegate/internal/logging"
)

// TodoItem is one entry in a request's todo list.
type TodoItem struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
	ID       string `json:"id,omitempty"`
}

// TodoStore keeps todo lists keyed by request id. Lists live only as long as
// their request; the server drops them when the request finishes.
type TodoStore struct {
	mu    sync.Mutex
	lists map[string][]TodoItem
}

// NewTodoStore returns an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{lists: make(map[string][]TodoItem)}
}

// Replace swaps the list stored under key.
func (s *TodoStore) Replace(key string, items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = items
}

// Get returns the list stored under key.
func (s *TodoStore) Get(key string) []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists[key]
}

// Drop removes the list stored under key.
func (s *TodoStore) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, key)
}

// todoWriteHandler replaces the request's todo list and renders the new
// state. The list is keyed by request id when the context carries one, else
// by the tool_use id, so concurrent requests never share lists.
func todoWriteHandler(store *TodoStore) Handler {
	return func(ctx context.Context, toolUseID string, input map[string]any) (any, error) {
		rawItems, ok := input["todos"].([]any)
		if !ok {
			return nil, fmt.Errorf("todos must be an array")
		}

		items := make([]TodoItem, 0, len(rawItems))
		for i, raw := range rawItems {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("todo %d is not an object", i)
			}
			item := TodoItem{
				Content:  stringArg(m, "content"),
				Status:   stringArg(m, "status"),
				Priority: stringArg(m, "priority"),
				ID:       stringArg(m, "id"),
			}
			if item.Content == "" {
				return nil, fmt.Errorf("todo %d is missing content", i)
			}
			if item.Status == "" {
				item.Status = "pending"
			}
			items = append(items, item)
		}

		key := logging.RequestID(ctx)
		if key == "" {
			key = toolUseID
		}
		store.Replace(key, items)

		var b strings.Builder
		for _, item := range items {
			fmt.Fprintf(&b, "%s %s\n", statusMark(item.Status), item.Content)
		}
		if b.Len() == 0 {
			return "todo list cleared", nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

func statusMark(status string) string {
	switch status {
	case "completed":
		return "[x]"
	case "in_progress":
		return "[~]"
	default:
		return "[ ]"
	}
}
