package orchestrator

import (
	"encoding/json"
	"strings"
)

const (
	capTagOpen  = "[capability]"
	capTagClose = "[/capability]"
)

// capabilityJSON is the shape we expect inside [capability]...[/capability].
type capabilityJSON struct {
	Name     string            `json:"name"`
	Action   string            `json:"action"`
	Content  string            `json:"content,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

// ParseCapabilities extracts capability invocations from model output.
// Blocks that are not valid JSON or lack a name or action are skipped;
// a truncated or partially streamed block must never become an
// executable invocation. Returns nil when the text carries no tags.
func ParseCapabilities(text string) []ExtractedCapability {
	var caps []ExtractedCapability
	rest := text
	for {
		start := strings.Index(rest, capTagOpen)
		if start < 0 {
			break
		}
		rest = rest[start+len(capTagOpen):]
		end := strings.Index(rest, capTagClose)
		if end < 0 {
			break
		}
		body := strings.TrimSpace(rest[:end])
		rest = rest[end+len(capTagClose):]

		var block capabilityJSON
		if err := json.Unmarshal([]byte(body), &block); err != nil {
			continue
		}
		if block.Name == "" || block.Action == "" {
			continue
		}
		if block.Params == nil {
			block.Params = make(map[string]string)
		}
		caps = append(caps, ExtractedCapability{
			Name:     block.Name,
			Action:   block.Action,
			Content:  block.Content,
			Params:   block.Params,
			Priority: block.Priority,
		})
	}
	if len(caps) == 0 {
		return nil
	}
	return caps
}
