package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidewheel/tidewheel/internal/metrics"
)

const (
	// DefaultTick is the shared polling period.
	DefaultTick = 3 * time.Second
	// DefaultMaxAttempts is the poll ceiling used when Track is given
	// zero. At the default tick this allows five minutes of polling.
	DefaultMaxAttempts = 100
	// DefaultMaxOrphanRetries bounds recovery resubmissions per job,
	// carried across re-registrations.
	DefaultMaxOrphanRetries = 2
)

// ErrJobTimeout marks a job that never reached a terminal status
// within its attempt ceiling. Distinct from ErrJobOrphaned so callers
// can tell "it never finished" apart from "we lost track of it".
var ErrJobTimeout = errors.New("job timed out before reaching a terminal status")

// ErrJobOrphaned marks a job whose remote record vanished and could
// not be recovered.
var ErrJobOrphaned = errors.New("job permanently lost")

// Callbacks is the notification set for one tracked job. OnComplete
// and OnError fire at most once, after the job is already
// unregistered. OnOrphaned, when set, may return a replacement job id
// to re-register under.
type Callbacks struct {
	OnComplete func(response string)
	OnError    func(err error)
	OnProgress func(partial string)
	OnOrphaned func() (newID string, ok bool)
}

type trackedJob struct {
	id            string
	callbacks     Callbacks
	maxAttempts   int
	attempts      int
	orphanRetries int
	createdAt     time.Time
}

// Monitor polls every registered remote job from one shared timer: one
// wheel, not one timer per job. Registered state is owned exclusively
// by the Monitor; ticks process the job set sequentially.
type Monitor struct {
	mu     sync.Mutex
	jobs   map[string]*trackedJob
	client StatusClient

	tick             time.Duration
	maxOrphanRetries int
	metrics          *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Monitor)

func WithTick(d time.Duration) Option {
	return func(m *Monitor) { m.tick = d }
}

func WithMaxOrphanRetries(n int) Option {
	return func(m *Monitor) { m.maxOrphanRetries = n }
}

func WithMonitorMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

func New(client StatusClient, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		jobs:             make(map[string]*trackedJob),
		client:           client,
		tick:             DefaultTick,
		maxOrphanRetries: DefaultMaxOrphanRetries,
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the wheel. Stop cancels it and waits for the current
// tick to drain.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll(m.ctx)
		}
	}
}

// placeholderIDs are values upstream templating or a half-parsed model
// response may hand us in place of a real job id.
var placeholderIDs = map[string]bool{
	"":          true,
	"null":      true,
	"undefined": true,
	"none":      true,
	"pending":   true,
}

// Track registers a job id with its callback set. maxAttempts <= 0
// selects DefaultMaxAttempts. Rejects placeholder ids outright rather
// than silently tracking a useless entry.
func (m *Monitor) Track(id string, callbacks Callbacks, maxAttempts int) error {
	id = strings.TrimSpace(id)
	if placeholderIDs[strings.ToLower(id)] {
		return fmt.Errorf("monitor: invalid job id %q", id)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[id]; exists {
		return fmt.Errorf("monitor: job %q already tracked", id)
	}
	m.jobs[id] = &trackedJob{
		id:          id,
		callbacks:   callbacks,
		maxAttempts: maxAttempts,
		createdAt:   time.Now(),
	}
	if m.metrics != nil {
		m.metrics.TrackedJobs.Inc()
	}
	return nil
}

// Untrack removes a job. Calling it twice is a no-op the second time;
// the bool reports whether the id was still tracked.
func (m *Monitor) Untrack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Monitor) removeLocked(id string) bool {
	if _, ok := m.jobs[id]; !ok {
		return false
	}
	delete(m.jobs, id)
	if m.metrics != nil {
		m.metrics.TrackedJobs.Dec()
	}
	return true
}

// Tracked reports whether id is currently registered.
func (m *Monitor) Tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

// poll is one pass of the wheel: every registered job queried exactly
// once, in stable order.
func (m *Monitor) poll(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.WheelTicks.Inc()
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.mu.Lock()
		job, ok := m.jobs[id]
		m.mu.Unlock()
		if !ok {
			// Untracked between snapshot and visit.
			continue
		}
		m.pollJob(ctx, job)
	}
}

func (m *Monitor) pollJob(ctx context.Context, job *trackedJob) {
	status, err := m.client.JobStatus(ctx, job.id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			m.handleOrphan(job)
			return
		}
		// A transient query error degrades toward the same timeout
		// ceiling a still-pending tick would.
		log.Printf("monitor: job %q status query: %v", job.id, err)
		m.advance(job)
		return
	}

	switch status.Status {
	case StatusCompleted:
		// Unregister first so duplicate delivery cannot fire
		// OnComplete twice.
		if m.Untrack(job.id) {
			m.countOutcome("completed")
			if job.callbacks.OnComplete != nil {
				job.callbacks.OnComplete(preferResponse(status))
			}
		}
	case StatusFailed:
		if m.Untrack(job.id) {
			m.countOutcome("failed")
			if job.callbacks.OnError != nil {
				msg := status.Error
				if msg == "" {
					msg = "job failed"
				}
				job.callbacks.OnError(fmt.Errorf("job %q: %s", job.id, msg))
			}
		}
	default:
		if status.PartialResponse != "" && job.callbacks.OnProgress != nil {
			job.callbacks.OnProgress(status.PartialResponse)
		}
		m.advance(job)
	}
}

// advance counts one non-terminal tick and enforces the hard attempt
// ceiling.
func (m *Monitor) advance(job *trackedJob) {
	m.mu.Lock()
	job.attempts++
	timedOut := job.attempts >= job.maxAttempts
	if timedOut {
		m.removeLocked(job.id)
	}
	m.mu.Unlock()

	if timedOut {
		m.countOutcome("timeout")
		if job.callbacks.OnError != nil {
			job.callbacks.OnError(fmt.Errorf("job %q: %w after %d polls", job.id, ErrJobTimeout, job.attempts))
		}
	}
}

// handleOrphan runs the recovery hook, bounded per job across
// re-registrations: the orphan-retry counter carries over to the
// replacement id while the attempt counter resets.
func (m *Monitor) handleOrphan(job *trackedJob) {
	m.mu.Lock()
	exhausted := job.callbacks.OnOrphaned == nil || job.orphanRetries >= m.maxOrphanRetries
	if !exhausted {
		job.orphanRetries++
	}
	m.mu.Unlock()

	if exhausted {
		m.failOrphan(job)
		return
	}

	newID, ok := job.callbacks.OnOrphaned()
	newID = strings.TrimSpace(newID)
	if !ok || placeholderIDs[strings.ToLower(newID)] {
		m.failOrphan(job)
		return
	}

	m.mu.Lock()
	if _, stillTracked := m.jobs[job.id]; !stillTracked {
		m.mu.Unlock()
		return
	}
	delete(m.jobs, job.id)
	m.jobs[newID] = &trackedJob{
		id:            newID,
		callbacks:     job.callbacks,
		maxAttempts:   job.maxAttempts,
		orphanRetries: job.orphanRetries,
		createdAt:     job.createdAt,
	}
	m.mu.Unlock()
	log.Printf("monitor: job %q orphaned, re-registered as %q (recovery %d/%d)",
		job.id, newID, job.orphanRetries, m.maxOrphanRetries)
}

func (m *Monitor) failOrphan(job *trackedJob) {
	if !m.Untrack(job.id) {
		return
	}
	m.countOutcome("orphaned")
	if job.callbacks.OnError != nil {
		job.callbacks.OnError(fmt.Errorf("job %q: %w after %d recovery attempt(s)",
			job.id, ErrJobOrphaned, job.orphanRetries))
	}
}

func (m *Monitor) countOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.JobOutcomes.WithLabelValues(outcome).Inc()
	}
}

func preferResponse(status *JobStatus) string {
	if status.Response != "" {
		return status.Response
	}
	return status.PartialResponse
}
