package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/tidewheel/tidewheel/internal/metrics"
	"github.com/tidewheel/tidewheel/internal/provider"
)

// Recovery asks the language model to correct failed invocations and
// re-executes its proposals. Bounded by the context's shared
// error_recovery_attempts counter, so recursion cannot run away no
// matter how many steps fail per pass.
type Recovery struct {
	llm     LLMClient
	runner  *Runner
	metrics *metrics.Metrics
}

type RecoveryOption func(*Recovery)

func WithRecoveryMetrics(m *metrics.Metrics) RecoveryOption {
	return func(r *Recovery) { r.metrics = m }
}

func NewRecovery(llm LLMClient, runner *Runner, opts ...RecoveryOption) *Recovery {
	r := &Recovery{llm: llm, runner: runner}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attempt runs one recovery pass over octx's failed results and
// recurses while it is converging. Returns true once no failures
// remain. The counter increments on every pass regardless of outcome,
// so the model is consulted at most maxRetries times cumulatively.
func (r *Recovery) Attempt(ctx context.Context, octx *Context, maxRetries int) bool {
	failed := octx.FailedResults()
	if len(failed) == 0 {
		return true
	}
	if octx.FailureCounts[RecoveryCounter] >= maxRetries {
		return false
	}
	octx.FailureCounts[RecoveryCounter]++
	if r.metrics != nil {
		r.metrics.RecoveryAttempts.Inc()
	}

	resp, err := r.llm.Complete(ctx, &provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: recoverySystemPrompt},
			{Role: provider.RoleUser, Content: correctionPrompt(octx.OriginalMessage, failed)},
		},
	})
	if err != nil {
		log.Printf("recovery: model call: %v", err)
		return false
	}

	corrected := ParseCapabilities(resp.Content)
	if len(corrected) == 0 {
		// The model asked for clarification instead of proposing a
		// fix. The caller surfaces this text to the user.
		octx.Clarification = strings.TrimSpace(resp.Content)
		return false
	}

	// Retry results supersede the failures they correct: the context
	// keeps every success plus the fresh attempts.
	kept := octx.succeededResults()
	for _, cap := range corrected {
		result := r.runner.ExecuteWithRetry(ctx, cap, octx.UserID, octx.MessageID, DefaultMaxStepRetries)
		kept = append(kept, result)
	}
	octx.Results = kept
	octx.CurrentStep = len(octx.Results)

	remaining := octx.FailedResults()
	if len(remaining) == 0 {
		return true
	}
	if len(remaining) < len(failed) {
		return r.Attempt(ctx, octx, maxRetries)
	}
	return false
}

const recoverySystemPrompt = `Some automated operations failed. Propose corrected invocations as
[capability]{"name": "...", "action": "...", "params": {...}, "content": "..."}[/capability]
blocks, one per operation. If you cannot correct them without more
information from the user, ask for it in plain text instead.`

func correctionPrompt(originalMessage string, failed []CapabilityResult) string {
	var sb strings.Builder
	sb.WriteString("The user asked: ")
	sb.WriteString(originalMessage)
	sb.WriteString("\n\nThese operations failed:\n")
	for i, f := range failed {
		fmt.Fprintf(&sb, "%d. %s.%s", i+1, f.Capability.Name, f.Capability.Action)
		if len(f.Capability.Params) > 0 {
			sb.WriteString(" with ")
			sb.WriteString(formatParams(f.Capability.Params))
		}
		if f.Capability.Content != "" {
			fmt.Fprintf(&sb, "\n   content: %s", f.Capability.Content)
		}
		fmt.Fprintf(&sb, "\n   error: %s\n", f.Error)
	}
	return sb.String()
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%q", k, params[k])
	}
	return sb.String()
}
