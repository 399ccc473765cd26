package orchestrator

import "time"

// RecoveryCounter is the named failure counter that bounds recursive
// error recovery for one context.
const RecoveryCounter = "error_recovery_attempts"

// ExtractedCapability is one requested operation, as produced by the
// tag parser. Substitution produces a new value; the original is never
// mutated in place.
type ExtractedCapability struct {
	Name     string            `yaml:"name" json:"name"`
	Action   string            `yaml:"action" json:"action"`
	Content  string            `yaml:"content,omitempty" json:"content,omitempty"`
	Params   map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Priority int               `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// clone returns a deep copy so substitution and identity injection
// never alias the caller's params map.
func (c ExtractedCapability) clone() ExtractedCapability {
	out := c
	out.Params = make(map[string]string, len(c.Params))
	for k, v := range c.Params {
		out.Params[k] = v
	}
	return out
}

// CapabilityResult is the outcome of one invocation. It always refers
// to the resolved capability that was actually attempted, never the
// pre-substitution template. Immutable once recorded.
type CapabilityResult struct {
	Capability ExtractedCapability `yaml:"capability" json:"capability"`
	Success    bool                `yaml:"success" json:"success"`
	Data       string              `yaml:"data,omitempty" json:"data,omitempty"`
	Error      string              `yaml:"error,omitempty" json:"error,omitempty"`
	Timestamp  time.Time           `yaml:"timestamp" json:"timestamp"`
}

// Context is the unit-of-work state for one user request. Created per
// request, discarded after the chain and any recovery finish; never
// persisted. Not safe for concurrent use.
type Context struct {
	Capabilities    []ExtractedCapability
	Results         []CapabilityResult
	CurrentStep     int
	UserID          string
	MessageID       string
	OriginalMessage string
	FailureCounts   map[string]int

	// Clarification holds the model's reply when recovery asked for a
	// correction and got a question back instead. Callers surface it to
	// the user.
	Clarification string
}

func NewContext(userID, messageID, originalMessage string, caps []ExtractedCapability) *Context {
	return &Context{
		Capabilities:    caps,
		UserID:          userID,
		MessageID:       messageID,
		OriginalMessage: originalMessage,
		FailureCounts:   make(map[string]int),
	}
}

// FailedResults returns the results with Success == false, in order.
func (c *Context) FailedResults() []CapabilityResult {
	var failed []CapabilityResult
	for _, r := range c.Results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return failed
}

func (c *Context) succeededResults() []CapabilityResult {
	var ok []CapabilityResult
	for _, r := range c.Results {
		if r.Success {
			ok = append(ok, r)
		}
	}
	return ok
}
