// Package scheduler triggers capability chains on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/tidewheel/tidewheel/internal/orchestrator"
)

// ChainRunner executes one orchestration context; the executor
// satisfies it.
type ChainRunner interface {
	Run(ctx context.Context, octx *orchestrator.Context) error
}

// Job is one scheduled chain trigger.
type Job struct {
	Name      string            `yaml:"name" json:"name"`
	Schedule  string            `yaml:"schedule" json:"schedule"` // standard 5-field cron expression
	Action    string            `yaml:"action" json:"action"`     // capability.action
	Params    map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Content   string            `yaml:"content,omitempty" json:"content,omitempty"`
	Paused    bool              `yaml:"paused,omitempty" json:"paused,omitempty"`
	Source    string            `yaml:"source,omitempty" json:"source,omitempty"`         // "config" or "dynamic"
	CreatedBy string            `yaml:"created_by,omitempty" json:"created_by,omitempty"` // user who created the job
}

var (
	ErrConfigProtected = fmt.Errorf("config-defined jobs cannot be modified or removed")
	ErrNotAuthorized   = fmt.Errorf("not authorized: only designated approvers can manage scheduled jobs")
)

func (j *Job) parseAction() (capName, action string, err error) {
	parts := strings.SplitN(j.Action, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid action format %q, expected capability.action", j.Action)
	}
	return parts[0], parts[1], nil
}

type scheduledJob struct {
	job   Job
	entry cron.EntryID // 0 while paused
}

// Scheduler owns one cron engine for all jobs. Dynamic jobs persist as
// YAML under the data dir and survive restarts.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*scheduledJob
	runner  ChainRunner
	cron    *cron.Cron
	dataDir string

	approvers      map[string]bool
	maxJobsPerUser int

	ctx    context.Context
	cancel context.CancelFunc
}

func New(runner ChainRunner, dataDir string) *Scheduler {
	return NewWithPolicy(runner, dataDir, nil, 0)
}

// NewWithPolicy creates a scheduler with governance rules.
// approvers: if non-empty, only listed users can create/delete/update dynamic jobs.
// maxPerUser: if > 0, limits dynamic jobs per user.
func NewWithPolicy(runner ChainRunner, dataDir string, approvers []string, maxPerUser int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	aMap := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		aMap[a] = true
	}
	return &Scheduler{
		jobs:           make(map[string]*scheduledJob),
		runner:         runner,
		cron:           cron.New(),
		dataDir:        dataDir,
		approvers:      aMap,
		maxJobsPerUser: maxPerUser,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (s *Scheduler) isApprover(userID string) bool {
	if len(s.approvers) == 0 {
		return true
	}
	return s.approvers[userID]
}

func (s *Scheduler) countUserJobs(userID string) int {
	count := 0
	for _, sj := range s.jobs {
		if sj.job.Source == "dynamic" && sj.job.CreatedBy == userID {
			count++
		}
	}
	return count
}

// Start loads static and persisted dynamic jobs and starts the engine.
func (s *Scheduler) Start(staticJobs []Job) error {
	for i := range staticJobs {
		staticJobs[i].Source = "config"
		if err := s.addJob(staticJobs[i]); err != nil {
			log.Printf("scheduler: skipping static job %q: %v", staticJobs[i].Name, err)
		}
	}

	dynamicJobs, err := s.loadDynamic()
	if err != nil {
		log.Printf("scheduler: loading dynamic jobs: %v", err)
	}
	for _, j := range dynamicJobs {
		j.Source = "dynamic"
		if err := s.addJob(j); err != nil {
			log.Printf("scheduler: skipping dynamic job %q: %v", j.Name, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the engine and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// AddJob creates a new dynamic job at runtime.
func (s *Scheduler) AddJob(job Job, userID string) error {
	if !s.isApprover(userID) {
		return ErrNotAuthorized
	}
	job.Source = "dynamic"
	job.CreatedBy = userID

	if s.maxJobsPerUser > 0 {
		s.mu.RLock()
		count := s.countUserJobs(userID)
		s.mu.RUnlock()
		if count >= s.maxJobsPerUser {
			return fmt.Errorf("job limit reached: user %q already has %d jobs (max %d)", userID, count, s.maxJobsPerUser)
		}
	}

	if err := s.addJob(job); err != nil {
		return err
	}
	return s.persistDynamic()
}

// RemoveJob stops and removes a job by name. Config-defined jobs cannot be removed.
func (s *Scheduler) RemoveJob(name, userID string) error {
	if !s.isApprover(userID) {
		return ErrNotAuthorized
	}
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if sj.job.Source == "config" {
		s.mu.Unlock()
		return ErrConfigProtected
	}
	if sj.entry != 0 {
		s.cron.Remove(sj.entry)
	}
	delete(s.jobs, name)
	s.mu.Unlock()

	return s.persistDynamic()
}

// PauseJob detaches a job from the engine without forgetting it.
func (s *Scheduler) PauseJob(name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if sj.entry != 0 {
		s.cron.Remove(sj.entry)
		sj.entry = 0
	}
	sj.job.Paused = true
	s.mu.Unlock()

	return s.persistDynamic()
}

// ResumeJob reattaches a paused job.
func (s *Scheduler) ResumeJob(name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if !sj.job.Paused {
		s.mu.Unlock()
		return fmt.Errorf("job %q is not paused", name)
	}
	sj.job.Paused = false
	job := sj.job
	entry, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("resuming job %q: %w", name, err)
	}
	sj.entry = entry
	s.mu.Unlock()

	return s.persistDynamic()
}

// UpdateJob changes the schedule of an existing dynamic job.
func (s *Scheduler) UpdateJob(name, userID, schedule string) error {
	if !s.isApprover(userID) {
		return ErrNotAuthorized
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if sj.job.Source == "config" {
		s.mu.Unlock()
		return ErrConfigProtected
	}
	if sj.entry != 0 {
		s.cron.Remove(sj.entry)
		sj.entry = 0
	}
	sj.job.Schedule = schedule
	sj.job.Paused = false
	job := sj.job
	entry, err := s.cron.AddFunc(schedule, func() { s.execute(job) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("updating job %q: %w", name, err)
	}
	sj.entry = entry
	s.mu.Unlock()

	return s.persistDynamic()
}

// ListJobs returns all registered jobs.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, sj := range s.jobs {
		out = append(out, sj.job)
	}
	return out
}

// GetJob returns a job by name.
func (s *Scheduler) GetJob(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return sj.job, true
}

func (s *Scheduler) addJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule for job %q: %w", job.Name, err)
	}
	if _, _, err := job.parseAction(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}

	sj := &scheduledJob{job: job}
	if !job.Paused {
		entry, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) })
		if err != nil {
			return fmt.Errorf("scheduling job %q: %w", job.Name, err)
		}
		sj.entry = entry
	}
	s.jobs[job.Name] = sj
	return nil
}

// execute builds a single-step orchestration context for the job and
// runs it through the chain executor.
func (s *Scheduler) execute(job Job) {
	capName, action, err := job.parseAction()
	if err != nil {
		log.Printf("scheduler: job %q bad action: %v", job.Name, err)
		return
	}

	params := make(map[string]string, len(job.Params))
	for k, v := range job.Params {
		params[k] = v
	}
	octx := orchestrator.NewContext(
		"scheduler:"+job.Name,
		"sched_"+uuid.New().String(),
		fmt.Sprintf("scheduled job %q", job.Name),
		[]orchestrator.ExtractedCapability{{
			Name:    capName,
			Action:  action,
			Params:  params,
			Content: job.Content,
		}},
	)

	if err := s.runner.Run(s.ctx, octx); err != nil {
		log.Printf("scheduler: job %q execution error: %v", job.Name, err)
		return
	}
	if failed := octx.FailedResults(); len(failed) > 0 {
		log.Printf("scheduler: job %q finished with %d failure(s): %s", job.Name, len(failed), failed[0].Error)
	}
}

func (s *Scheduler) persistPath() string {
	return filepath.Join(s.dataDir, "scheduler", "jobs.yaml")
}

func (s *Scheduler) persistDynamic() error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.RLock()
	var dynamicJobs []Job
	for _, sj := range s.jobs {
		if sj.job.Source == "dynamic" {
			dynamicJobs = append(dynamicJobs, sj.job)
		}
	}
	s.mu.RUnlock()

	dir := filepath.Dir(s.persistPath())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating scheduler dir: %w", err)
	}

	data, err := yaml.Marshal(dynamicJobs)
	if err != nil {
		return fmt.Errorf("marshaling jobs: %w", err)
	}

	return os.WriteFile(s.persistPath(), data, 0600)
}

func (s *Scheduler) loadDynamic() ([]Job, error) {
	if s.dataDir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.persistPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}

	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}
	return jobs, nil
}
