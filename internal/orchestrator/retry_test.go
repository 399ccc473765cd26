package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tidewheel/tidewheel/internal/capability"
)

// fakeGateway fails each capability a configured number of times
// before succeeding, and records the invocations it saw.
type fakeGateway struct {
	failures map[string]int // remaining failures per capability name
	required map[string][]string
	unknown  map[string]bool
	calls    []capability.Invocation
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		failures: make(map[string]int),
		required: make(map[string][]string),
		unknown:  make(map[string]bool),
	}
}

func (g *fakeGateway) Execute(_ context.Context, inv capability.Invocation) (string, error) {
	g.calls = append(g.calls, inv)
	if g.unknown[inv.Name] {
		return "", &capability.UnknownError{Name: inv.Name}
	}
	if g.failures[inv.Name] > 0 {
		g.failures[inv.Name]--
		return "", fmt.Errorf("%s backend unavailable", inv.Name)
	}
	return "data from " + inv.Name, nil
}

func (g *fakeGateway) RequiredParams(name, action string) ([]string, bool) {
	if g.unknown[name] {
		return nil, false
	}
	req, ok := g.required[name]
	if !ok {
		return nil, true
	}
	return req, ok
}

func (g *fakeGateway) callsFor(name string) int {
	n := 0
	for _, inv := range g.calls {
		if inv.Name == name {
			n++
		}
	}
	return n
}

func newTestRunner(gw Gateway) *Runner {
	return NewRunner(gw, WithBackoff(0, 0))
}

func TestExecuteWithRetrySucceedsFirstAttempt(t *testing.T) {
	gw := newFakeGateway()
	runner := newTestRunner(gw)

	result := runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "fetch", Action: "get"}, "", "", 3)

	if !result.Success {
		t.Fatalf("Success = false: %s", result.Error)
	}
	if result.Data != "data from fetch" {
		t.Errorf("Data = %q", result.Data)
	}
	if got := gw.callsFor("fetch"); got != 1 {
		t.Errorf("gateway calls = %d", got)
	}
}

func TestExecuteWithRetryRecoversWithinBudget(t *testing.T) {
	gw := newFakeGateway()
	gw.failures["fetch"] = 2
	runner := newTestRunner(gw)

	result := runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "fetch", Action: "get"}, "", "", 3)

	if !result.Success {
		t.Fatalf("expected success on 3rd attempt: %s", result.Error)
	}
	if got := gw.callsFor("fetch"); got != 3 {
		t.Errorf("gateway calls = %d, want 3", got)
	}
}

func TestExecuteWithRetryExhaustedKeepsCause(t *testing.T) {
	gw := newFakeGateway()
	gw.failures["fetch"] = 10
	runner := newTestRunner(gw)

	result := runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "fetch", Action: "get"}, "", "", 3)

	if result.Success {
		t.Fatal("expected failure")
	}
	if got := gw.callsFor("fetch"); got != 3 {
		t.Errorf("gateway calls = %d, want 3", got)
	}
	if !strings.Contains(result.Error, "backend unavailable") {
		t.Errorf("error %q must keep the underlying cause", result.Error)
	}
	if !strings.Contains(result.Error, "3 attempt(s)") {
		t.Errorf("error %q must name the attempt count", result.Error)
	}
}

func TestExecuteWithRetryUnknownCapabilityNotRetried(t *testing.T) {
	gw := newFakeGateway()
	gw.unknown["ghost"] = true
	runner := newTestRunner(gw)

	result := runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "ghost", Action: "walk"}, "", "", 3)

	if result.Success {
		t.Fatal("expected failure")
	}
	if got := gw.callsFor("ghost"); got != 1 {
		t.Errorf("gateway calls = %d, unknown capability must not retry", got)
	}
}

func TestExecuteWithRetryIdentityInjection(t *testing.T) {
	gw := newFakeGateway()
	runner := newTestRunner(gw)

	runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "memory", Action: "store", Params: map[string]string{}},
		"user-1", "msg-1", 1)
	runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "fetch", Action: "get", Params: map[string]string{}},
		"user-1", "msg-1", 1)

	memInv := gw.calls[0]
	if memInv.Params["user_id"] != "user-1" || memInv.Params["message_id"] != "msg-1" {
		t.Errorf("memory params = %v, want identity injected", memInv.Params)
	}
	fetchInv := gw.calls[1]
	if _, ok := fetchInv.Params["user_id"]; ok {
		t.Errorf("fetch params = %v, identity must not leak outside the allow-list", fetchInv.Params)
	}
}

func TestExecuteWithRetryDoesNotMutateCaller(t *testing.T) {
	gw := newFakeGateway()
	runner := newTestRunner(gw)

	params := map[string]string{"k": "v"}
	runner.ExecuteWithRetry(context.Background(),
		ExtractedCapability{Name: "memory", Action: "store", Params: params},
		"user-1", "msg-1", 1)

	if _, ok := params["user_id"]; ok {
		t.Error("caller's params map was mutated")
	}
}

func TestExecuteWithRetryCancelledContext(t *testing.T) {
	gw := newFakeGateway()
	gw.failures["fetch"] = 10
	runner := NewRunner(gw, WithBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := runner.ExecuteWithRetry(ctx,
		ExtractedCapability{Name: "fetch", Action: "get"}, "", "", 3)
	if result.Success {
		t.Fatal("expected failure under cancelled context")
	}
	if got := gw.callsFor("fetch"); got != 0 {
		t.Errorf("gateway calls = %d, cancelled context must short-circuit", got)
	}
}

func TestDelayMonotonicAndBounded(t *testing.T) {
	runner := NewRunner(newFakeGateway(), WithBackoff(100*time.Millisecond, 250*time.Millisecond))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := runner.delay(attempt)
		if d < prev {
			t.Errorf("delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d > 250*time.Millisecond {
			t.Errorf("delay(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
}
