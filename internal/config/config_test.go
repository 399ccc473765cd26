package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
data_dir: /var/lib/tidewheel
providers:
  main:
    base_url: https://api.example.com
    api_key: ${TW_TEST_API_KEY}
    api: openai-completions
    model: gpt-4o-mini
llm:
  narration: main
  recovery: main
orchestrator:
  max_step_retries: 5
  max_recovery_retries: 3
variables:
  backend: sqlite
monitor:
  job_service_url: http://jobs.internal
  tick: 2s
  max_orphan_retries: 1
listen:
  stream: :8080
  metrics: :9090
scheduler:
  approvers: [alice]
  max_jobs_per_user: 4
  jobs:
    - name: nightly
      schedule: "0 2 * * *"
      action: report.daily
capabilities:
  - script_dir: /etc/tidewheel/scripts/weather
    descriptor:
      name: weather
      description: Weather lookups.
      actions:
        - name: current
          parameters:
            - name: city
              required: true
`

func TestParseFullConfig(t *testing.T) {
	t.Setenv("TW_TEST_API_KEY", "sk-test-123")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Providers["main"].APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, ${ENV} not expanded", cfg.Providers["main"].APIKey)
	}
	if cfg.Orchestrator.MaxStepRetries != 5 || cfg.Orchestrator.MaxRecoveryRetries != 3 {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	tick, err := cfg.Monitor.TickDuration()
	if err != nil || tick.Seconds() != 2 {
		t.Errorf("tick = (%v, %v)", tick, err)
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Name != "nightly" {
		t.Errorf("jobs = %+v", cfg.Scheduler.Jobs)
	}
	if len(cfg.Capabilities) != 1 || cfg.Capabilities[0].Descriptor.Name != "weather" {
		t.Errorf("capabilities = %+v", cfg.Capabilities)
	}
	req := cfg.Capabilities[0].Descriptor.Actions[0].Parameters[0]
	if req.Name != "city" || !req.Required {
		t.Errorf("parameter = %+v", req)
	}
}

func TestParseLeavesUnsetEnvVerbatim(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  p:
    api_key: ${DEFINITELY_NOT_SET_ANYWHERE}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers["p"].APIKey != "${DEFINITELY_NOT_SET_ANYWHERE}" {
		t.Errorf("api_key = %q", cfg.Providers["p"].APIKey)
	}
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown backend", "variables:\n  backend: etcd\n", "unknown variables backend"},
		{"redis without addr", "variables:\n  backend: redis\n", "redis.addr is required"},
		{"sqlite without data dir", "variables:\n  backend: sqlite\n", "data_dir is required"},
		{"bad tick", "monitor:\n  tick: soon\n", "monitor.tick"},
		{"unknown llm provider", "llm:\n  narration: ghost\n", "unknown provider"},
		{"script capability without name", "capabilities:\n  - script_dir: /x\n", "descriptor name"},
		{"script capability without dir", "capabilities:\n  - descriptor:\n      name: x\n", "script_dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /tmp/tw\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/tw" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
