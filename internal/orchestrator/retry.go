package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewheel/tidewheel/internal/capability"
	"github.com/tidewheel/tidewheel/internal/metrics"
)

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// identityCapabilities need the caller's identity injected into params.
// Everything else receives params untouched.
var identityCapabilities = map[string]bool{
	"scheduler": true,
	"memory":    true,
}

// Gateway is the registry surface the orchestrator consumes: dispatch
// plus the parameter schema needed to validate extracted invocations.
// *capability.Registry satisfies it.
type Gateway interface {
	Execute(ctx context.Context, inv capability.Invocation) (string, error)
	RequiredParams(name, action string) ([]string, bool)
}

// Runner executes one capability invocation with bounded, sequential
// retries. Attempts never overlap so error text stays attributable to a
// specific attempt.
type Runner struct {
	gateway   Gateway
	baseDelay time.Duration
	maxDelay  time.Duration
	metrics   *metrics.Metrics
}

type RunnerOption func(*Runner)

// WithBackoff overrides the retry delays. The delay before attempt n+1
// is base*n capped at max: monotonic non-decreasing and bounded.
func WithBackoff(base, max time.Duration) RunnerOption {
	return func(r *Runner) {
		r.baseDelay = base
		r.maxDelay = max
	}
}

func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func NewRunner(gateway Gateway, opts ...RunnerOption) *Runner {
	r := &Runner{
		gateway:   gateway,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ExecuteWithRetry invokes cap through the gateway, retrying up to
// maxRetries total attempts. The returned result carries the resolved
// capability that was attempted; on final failure the error text keeps
// the underlying cause.
func (r *Runner) ExecuteWithRetry(ctx context.Context, cap ExtractedCapability, userID, messageID string, maxRetries int) CapabilityResult {
	if maxRetries < 1 {
		maxRetries = 1
	}

	resolved := cap.clone()
	if identityCapabilities[resolved.Name] {
		if userID != "" {
			resolved.Params["user_id"] = userID
		}
		if messageID != "" {
			resolved.Params["message_id"] = messageID
		}
	}

	inv := capability.Invocation{
		ID:      "inv_" + uuid.New().String(),
		Name:    resolved.Name,
		Action:  resolved.Action,
		Params:  resolved.Params,
		Content: resolved.Content,
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		data, err := r.gateway.Execute(ctx, inv)
		if err == nil {
			return CapabilityResult{
				Capability: resolved,
				Success:    true,
				Data:       data,
				Timestamp:  time.Now(),
			}
		}
		lastErr = err

		var unknown *capability.UnknownError
		if errors.As(err, &unknown) {
			// The registry will not change between attempts.
			break
		}

		if attempt < maxRetries {
			if r.metrics != nil {
				r.metrics.RetriesTotal.Inc()
			}
			if err := r.wait(ctx, r.delay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	return CapabilityResult{
		Capability: resolved,
		Success:    false,
		Error:      fmt.Sprintf("%s.%s failed after %d attempt(s): %v", resolved.Name, resolved.Action, maxRetries, lastErr),
		Timestamp:  time.Now(),
	}
}

func (r *Runner) delay(attempt int) time.Duration {
	d := r.baseDelay * time.Duration(attempt)
	if d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
