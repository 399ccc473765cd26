package capability

import "context"

// Parameter describes one named argument an action accepts. Required
// parameters are validated before an extracted invocation is accepted.
type Parameter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Action is one verb a capability exposes.
type Action struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Parameters  []Parameter `yaml:"parameters,omitempty"`
}

// Descriptor declares a capability: its name, what it does, and the
// actions it supports. Registered alongside a Handler.
type Descriptor struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Actions     []Action `yaml:"actions"`
}

// Invocation is one resolved request against a capability: placeholders
// already substituted, identity params already injected.
type Invocation struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Action  string            `yaml:"action"`
	Params  map[string]string `yaml:"params,omitempty"`
	Content string            `yaml:"content,omitempty"`
}

// Handler executes invocations for one capability. Implementations must
// be safe for concurrent use; the chain executor and the scheduler may
// both hold a reference.
type Handler interface {
	Execute(ctx context.Context, inv Invocation) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv Invocation) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, inv Invocation) (string, error) {
	return f(ctx, inv)
}

func (a Action) requiredParams() []string {
	var req []string
	for _, p := range a.Parameters {
		if p.Required {
			req = append(req, p.Name)
		}
	}
	return req
}
