package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidewheel/tidewheel/internal/capability"
	"github.com/tidewheel/tidewheel/internal/scheduler"
)

type Config struct {
	DataDir      string                    `yaml:"data_dir"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	LLM          LLMConfig                 `yaml:"llm"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Variables    VariablesConfig           `yaml:"variables"`
	Monitor      MonitorConfig             `yaml:"monitor"`
	Listen       ListenConfig              `yaml:"listen"`
	Scheduler    SchedulerConfig           `yaml:"scheduler"`
	Capabilities []ScriptCapabilityConfig  `yaml:"capabilities"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	API     string `yaml:"api"`
	Model   string `yaml:"model"`
}

type LLMConfig struct {
	// Provider names (keys of Providers) used for narration and
	// recovery. Empty disables the respective model calls.
	Narration string `yaml:"narration"`
	Recovery  string `yaml:"recovery"`
}

type OrchestratorConfig struct {
	MaxStepRetries     int `yaml:"max_step_retries"`
	MaxRecoveryRetries int `yaml:"max_recovery_retries"`
}

type VariablesConfig struct {
	Backend string      `yaml:"backend"` // "memory", "sqlite" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MonitorConfig struct {
	JobServiceURL    string `yaml:"job_service_url"`
	Tick             string `yaml:"tick"`
	MaxAttempts      int    `yaml:"max_attempts"`
	MaxOrphanRetries int    `yaml:"max_orphan_retries"`
}

func (c MonitorConfig) TickDuration() (time.Duration, error) {
	if c.Tick == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Tick)
}

type ListenConfig struct {
	Stream  string `yaml:"stream"`
	Metrics string `yaml:"metrics"`
}

type SchedulerConfig struct {
	Approvers      []string        `yaml:"approvers,omitempty"`
	MaxJobsPerUser int             `yaml:"max_jobs_per_user,omitempty"`
	Jobs           []scheduler.Job `yaml:"jobs,omitempty"`
}

// ScriptCapabilityConfig declares a Lua-scripted capability: the
// descriptor the registry advertises plus the directory holding one
// script per action.
type ScriptCapabilityConfig struct {
	Descriptor capability.Descriptor `yaml:"descriptor"`
	ScriptDir  string                `yaml:"script_dir"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandSecrets(cfg *Config) {
	for name, p := range cfg.Providers {
		p.BaseURL = expandEnv(p.BaseURL)
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Variables.Redis.Addr = expandEnv(cfg.Variables.Redis.Addr)
	cfg.Variables.Redis.Password = expandEnv(cfg.Variables.Redis.Password)
	cfg.Monitor.JobServiceURL = expandEnv(cfg.Monitor.JobServiceURL)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandSecrets(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Variables.Backend {
	case "", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown variables backend %q", c.Variables.Backend)
	}
	if c.Variables.Backend == "redis" && c.Variables.Redis.Addr == "" {
		return fmt.Errorf("config: variables.redis.addr is required for the redis backend")
	}
	if c.Variables.Backend == "sqlite" && c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required for the sqlite backend")
	}
	if _, err := c.Monitor.TickDuration(); err != nil {
		return fmt.Errorf("config: monitor.tick: %w", err)
	}
	for _, name := range []string{c.LLM.Narration, c.LLM.Recovery} {
		if name == "" {
			continue
		}
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("config: llm references unknown provider %q", name)
		}
	}
	for _, sc := range c.Capabilities {
		if sc.Descriptor.Name == "" {
			return fmt.Errorf("config: script capability needs a descriptor name")
		}
		if sc.ScriptDir == "" {
			return fmt.Errorf("config: script capability %q needs a script_dir", sc.Descriptor.Name)
		}
	}
	return nil
}
