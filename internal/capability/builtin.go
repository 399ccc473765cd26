package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidewheel/tidewheel/internal/state"
)

// MemoryDescriptor declares the built-in memory capability.
func MemoryDescriptor() Descriptor {
	return Descriptor{
		Name:        "memory",
		Description: "Store and retrieve long-term notes.",
		Actions: []Action{
			{
				Name:        "store",
				Description: "Store the content as a memory.",
				Parameters: []Parameter{
					{Name: "content", Description: "Text to remember.", Required: true},
					{Name: "tags", Description: "Comma-separated tags."},
				},
			},
			{
				Name:        "search",
				Description: "Search memories by substring.",
				Parameters: []Parameter{
					{Name: "query", Description: "Search text.", Required: true},
				},
			},
			{Name: "list", Description: "List all memories."},
		},
	}
}

// MemoryHandler backs the memory capability with a Memories store.
type MemoryHandler struct {
	store state.Memories
}

func NewMemoryHandler(store state.Memories) *MemoryHandler {
	return &MemoryHandler{store: store}
}

func (h *MemoryHandler) Execute(_ context.Context, inv Invocation) (string, error) {
	switch inv.Action {
	case "store":
		content := inv.Content
		if content == "" {
			content = inv.Params["content"]
		}
		if content == "" {
			return "", fmt.Errorf("memory store: content is required")
		}
		var tags []string
		if raw := inv.Params["tags"]; raw != "" {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tags = append(tags, t)
				}
			}
		}
		m, err := h.store.Add(content, tags...)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("stored memory %s", m.ID), nil
	case "search":
		memories, err := h.store.Search(inv.Params["query"])
		if err != nil {
			return "", err
		}
		return formatMemories(memories), nil
	case "list":
		memories, err := h.store.List()
		if err != nil {
			return "", err
		}
		return formatMemories(memories), nil
	default:
		return "", fmt.Errorf("memory: unknown action %q", inv.Action)
	}
}

func formatMemories(memories []*state.Memory) string {
	if len(memories) == 0 {
		return "no memories found"
	}
	var sb strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&sb, "[%s] %s\n", m.ID, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// VariableDescriptor declares the built-in variable capability, the
// explicit surface over the same store the "output" param convention
// writes through.
func VariableDescriptor() Descriptor {
	return Descriptor{
		Name:        "variable",
		Description: "Read and write persistent global variables.",
		Actions: []Action{
			{
				Name:        "set",
				Description: "Set a variable.",
				Parameters: []Parameter{
					{Name: "name", Description: "Variable name.", Required: true},
					{Name: "value", Description: "Value to store.", Required: true},
					{Name: "note", Description: "Optional note about the value."},
				},
			},
			{
				Name:        "get",
				Description: "Read a variable.",
				Parameters: []Parameter{
					{Name: "name", Description: "Variable name.", Required: true},
				},
			},
			{Name: "list", Description: "List all variables."},
		},
	}
}

// VariableHandler backs the variable capability with a Variables store.
type VariableHandler struct {
	vars state.Variables
}

func NewVariableHandler(vars state.Variables) *VariableHandler {
	return &VariableHandler{vars: vars}
}

func (h *VariableHandler) Execute(ctx context.Context, inv Invocation) (string, error) {
	switch inv.Action {
	case "set":
		name := inv.Params["name"]
		if name == "" {
			return "", fmt.Errorf("variable set: name is required")
		}
		if err := h.vars.Set(ctx, name, inv.Params["value"], inv.Params["note"]); err != nil {
			return "", err
		}
		return fmt.Sprintf("set %s", name), nil
	case "get":
		name := inv.Params["name"]
		val, ok, err := h.vars.Get(ctx, name)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("variable %q not set", name)
		}
		return val, nil
	case "list":
		vars, err := h.vars.List(ctx)
		if err != nil {
			return "", err
		}
		if len(vars) == 0 {
			return "no variables set", nil
		}
		var sb strings.Builder
		for _, v := range vars {
			fmt.Fprintf(&sb, "%s=%s\n", v.Key, v.Value)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	default:
		return "", fmt.Errorf("variable: unknown action %q", inv.Action)
	}
}
