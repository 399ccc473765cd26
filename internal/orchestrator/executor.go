package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/tidewheel/tidewheel/internal/metrics"
	"github.com/tidewheel/tidewheel/internal/provider"
	"github.com/tidewheel/tidewheel/internal/state"
)

const (
	// DefaultMaxStepRetries is the attempt budget per chain step.
	DefaultMaxStepRetries = 3
	// DefaultMaxRecoveryRetries bounds recursive error recovery.
	DefaultMaxRecoveryRetries = 2
)

// narrationSkip lists write-only capabilities whose results carry
// nothing worth a model call to narrate.
var narrationSkip = map[string]bool{
	"memory":   true,
	"variable": true,
	"goal":     true,
	"todo":     true,
}

// LLMClient is the narrow language-model surface the orchestrator uses.
type LLMClient interface {
	Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// StepEvent is one unit of streamed progress.
type StepEvent struct {
	MessageID  string `json:"message_id"`
	Step       int    `json:"step"`
	Capability string `json:"capability"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Narration  string `json:"narration,omitempty"`
}

// Publisher receives step events as the chain advances.
type Publisher interface {
	Publish(ev StepEvent)
}

// Executor drives one capability chain to completion: substitute,
// invoke with retries, record, and finally hand leftover failures to
// the recovery loop. Steps run strictly one at a time; each step's
// output must be visible before the next step's placeholders resolve.
type Executor struct {
	runner    *Runner
	gateway   Gateway
	vars      state.Variables
	llm       LLMClient
	recovery  *Recovery
	publisher Publisher
	metrics   *metrics.Metrics

	maxStepRetries     int
	maxRecoveryRetries int
}

type ExecutorOption func(*Executor)

// WithNarration enables per-step narration through the given model
// client. Narration output may carry newly discovered capability tags.
func WithNarration(llm LLMClient) ExecutorOption {
	return func(e *Executor) { e.llm = llm }
}

func WithRecovery(r *Recovery) ExecutorOption {
	return func(e *Executor) { e.recovery = r }
}

func WithPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func WithStepRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxStepRetries = n }
}

func WithRecoveryRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRecoveryRetries = n }
}

func NewExecutor(runner *Runner, gateway Gateway, vars state.Variables, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:             runner,
		gateway:            gateway,
		vars:               vars,
		maxStepRetries:     DefaultMaxStepRetries,
		maxRecoveryRetries: DefaultMaxRecoveryRetries,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes octx's worklist by index. The loop re-reads the length
// every iteration because narration may append newly discovered
// capabilities behind the cursor. A step failure never aborts the rest
// of the chain; recovery runs once at the end if failures remain.
func (e *Executor) Run(ctx context.Context, octx *Context) error {
	for i := 0; i < len(octx.Capabilities); i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chain cancelled at step %d: %w", octx.CurrentStep, err)
		}

		resolved := Substitute(ctx, octx.Capabilities[i], octx.Results, e.vars)
		result := e.runner.ExecuteWithRetry(ctx, resolved, octx.UserID, octx.MessageID, e.maxStepRetries)
		octx.Results = append(octx.Results, result)
		octx.CurrentStep++

		if e.metrics != nil {
			e.metrics.StepsTotal.WithLabelValues(resolved.Name, outcomeLabel(result.Success)).Inc()
		}

		if result.Success {
			e.storeOutput(ctx, resolved, result)
		} else {
			log.Printf("executor: step %d (%s.%s) failed: %s", octx.CurrentStep, resolved.Name, resolved.Action, result.Error)
		}

		narration := ""
		if e.llm != nil && e.shouldNarrate(octx, i, result) {
			narration = e.narrate(ctx, octx, result)
		}

		if e.publisher != nil {
			e.publisher.Publish(StepEvent{
				MessageID:  octx.MessageID,
				Step:       octx.CurrentStep,
				Capability: resolved.Name,
				Action:     resolved.Action,
				Success:    result.Success,
				Data:       result.Data,
				Error:      result.Error,
				Narration:  narration,
			})
		}
	}

	if e.recovery != nil && len(octx.FailedResults()) > 0 {
		if recovered := e.recovery.Attempt(ctx, octx, e.maxRecoveryRetries); !recovered {
			log.Printf("executor: recovery exhausted with %d failure(s) outstanding", len(octx.FailedResults()))
		}
	}
	return nil
}

// storeOutput persists a successful step's data under the key named by
// its "output" param, observable by later steps and future chains.
func (e *Executor) storeOutput(ctx context.Context, cap ExtractedCapability, result CapabilityResult) {
	key := cap.Params["output"]
	if key == "" || e.vars == nil {
		return
	}
	note := fmt.Sprintf("output of %s.%s", cap.Name, cap.Action)
	if err := e.vars.Set(ctx, key, result.Data, note); err != nil {
		log.Printf("executor: storing output %q: %v", key, err)
	}
}

// shouldNarrate applies the cost-control skips: no narration for the
// last step (nothing left to chain against), for write-only
// capabilities, for single-step chains, or for failed steps.
func (e *Executor) shouldNarrate(octx *Context, index int, result CapabilityResult) bool {
	if !result.Success {
		return false
	}
	if len(octx.Capabilities) == 1 {
		return false
	}
	if index == len(octx.Capabilities)-1 {
		return false
	}
	if narrationSkip[result.Capability.Name] {
		return false
	}
	return true
}

// narrate asks the model to describe one step's result. Capability tags
// found in the narration are validated and appended to the worklist.
func (e *Executor) narrate(ctx context.Context, octx *Context, result CapabilityResult) string {
	resp, err := e.llm.Complete(ctx, &provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: narrationSystemPrompt},
			{Role: provider.RoleUser, Content: narrationUserPrompt(octx, result)},
		},
	})
	if err != nil {
		log.Printf("executor: narration: %v", err)
		return ""
	}

	e.appendDiscovered(octx, ParseCapabilities(resp.Content))
	return stripCapabilityTags(resp.Content)
}

// appendDiscovered enqueues validated extractions behind the cursor.
// Invalid ones are dropped, never executed: a partially streamed block
// must not become a live invocation.
func (e *Executor) appendDiscovered(octx *Context, discovered []ExtractedCapability) {
	var valid []ExtractedCapability
	for _, cap := range discovered {
		if err := e.validateExtraction(cap); err != nil {
			log.Printf("executor: dropping extracted %s.%s: %v", cap.Name, cap.Action, err)
			continue
		}
		valid = append(valid, cap)
	}
	// Priority is a position hint among the discovered batch only.
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Priority < valid[j].Priority })
	octx.Capabilities = append(octx.Capabilities, valid...)
}

func (e *Executor) validateExtraction(cap ExtractedCapability) error {
	required, ok := e.gateway.RequiredParams(cap.Name, cap.Action)
	if !ok {
		return fmt.Errorf("not registered")
	}
	for _, name := range required {
		if name == "content" {
			if cap.Content == "" {
				return fmt.Errorf("missing required content")
			}
			continue
		}
		if cap.Params[name] == "" {
			return fmt.Errorf("missing required param %q", name)
		}
	}
	return nil
}

const narrationSystemPrompt = `You narrate the progress of an automated task, one step at a time.
Describe the step result below in one or two sentences for the user.
If the result calls for a follow-up operation, emit it as a
[capability]{"name": "...", "action": "...", "params": {...}}[/capability] block.`

func narrationUserPrompt(octx *Context, result CapabilityResult) string {
	var sb strings.Builder
	sb.WriteString("Original request: ")
	sb.WriteString(octx.OriginalMessage)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Step %d ran %s.%s and returned:\n%s\n",
		octx.CurrentStep, result.Capability.Name, result.Capability.Action, result.Data)
	return sb.String()
}

func stripCapabilityTags(text string) string {
	for {
		start := strings.Index(text, capTagOpen)
		if start < 0 {
			return strings.TrimSpace(text)
		}
		end := strings.Index(text[start:], capTagClose)
		if end < 0 {
			return strings.TrimSpace(text[:start])
		}
		text = text[:start] + text[start+end+len(capTagClose):]
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
