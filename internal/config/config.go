package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentcouncil/internal/domain"
)

// Config models council.yml.
type Config struct {
	Council   CouncilConfig               `yaml:"council"`
	Retry     RetryConfig                 `yaml:"retry"`
	Server    ServerConfig                `yaml:"server"`
	Telemetry TelemetryConfig             `yaml:"telemetry"`
	Webhooks  []WebhookConfig             `yaml:"webhooks"`
	Defaults  domain.ProjectCouncilConfig `yaml:"defaults"`
}

type CouncilConfig struct {
	Workers          int           `yaml:"workers"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	ProposalTTL      time.Duration `yaml:"proposal_ttl"`
	SignoffTTL       time.Duration `yaml:"signoff_ttl"`
	LogRetention     time.Duration `yaml:"log_retention"`
}

type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	BasePath         string `yaml:"base_path"`
	JWTSecret        string `yaml:"jwt_secret"`
	AllowActorHeader bool   `yaml:"allow_actor_header"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	ProjectID      string   `yaml:"project_id"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Key identifies the webhook for cursor bookkeeping.
func (w WebhookConfig) Key() string {
	if strings.TrimSpace(w.ID) != "" {
		return w.ID
	}
	return w.URL
}

// Default returns the built-in configuration used when council.yml is absent.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default council config: %v", err))
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Council.Workers <= 0 {
		return fmt.Errorf("council.workers must be positive")
	}
	if c.Council.DispatchInterval <= 0 || c.Council.WatchdogInterval <= 0 || c.Council.SweepInterval <= 0 {
		return fmt.Errorf("council intervals must be positive")
	}
	if c.Council.RequestTimeout <= 0 {
		return fmt.Errorf("council.request_timeout must be positive")
	}
	if c.Council.TaskTimeout <= 0 {
		return fmt.Errorf("council.task_timeout must be positive")
	}
	if c.Council.MaxRetries < 0 {
		return fmt.Errorf("council.max_retries must not be negative")
	}
	if c.Council.ProposalTTL < 0 || c.Council.SignoffTTL < 0 || c.Council.LogRetention < 0 {
		return fmt.Errorf("council ttl values must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	seen := map[string]struct{}{}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if _, ok := seen[hook.Key()]; ok {
			return fmt.Errorf("webhooks[%d] duplicates %s", i, hook.Key())
		}
		seen[hook.Key()] = struct{}{}
	}
	return ValidatePolicy(c.Defaults)
}

// ValidatePolicy checks a project council policy.
func ValidatePolicy(p domain.ProjectCouncilConfig) error {
	if p.DefaultStrictness != "" && !p.DefaultStrictness.Valid() {
		return fmt.Errorf("invalid default_strictness %q", p.DefaultStrictness)
	}
	for phase, s := range p.PhaseStrictness {
		if strings.TrimSpace(phase) == "" {
			return fmt.Errorf("invalid phase_strictness: empty phase")
		}
		if !s.Valid() {
			return fmt.Errorf("phase %s has invalid strictness %q", phase, s)
		}
	}
	for _, id := range p.EnabledAgents {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("invalid enabled_agents: empty id")
		}
	}
	if p.ProposalQuorum < 0 {
		return fmt.Errorf("invalid proposal_quorum: must not be negative")
	}
	return nil
}

// DefaultPolicy returns the seed policy for a project.
func (c *Config) DefaultPolicy(projectID string) domain.ProjectCouncilConfig {
	p := c.Defaults
	p.ProjectID = projectID
	if p.DefaultStrictness == "" {
		p.DefaultStrictness = domain.StrictnessRequired
	}
	return p
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "council.yml")
}

// Load reads and validates council.yml, falling back to Default when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses council.yml on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PolicyFromYAML parses a standalone project policy document.
func PolicyFromYAML(data []byte) (domain.ProjectCouncilConfig, error) {
	var p domain.ProjectCouncilConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if p.DefaultStrictness == "" {
		p.DefaultStrictness = domain.StrictnessRequired
	}
	return p, ValidatePolicy(p)
}

// PolicyFromFile reads a project policy from the given path.
func PolicyFromFile(path string) (domain.ProjectCouncilConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ProjectCouncilConfig{}, err
	}
	return PolicyFromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `council:
  workers: 4
  dispatch_interval: 250ms
  watchdog_interval: 5s
  sweep_interval: 30s
  request_timeout: 30s
  task_timeout: 5m
  max_retries: 3
  proposal_ttl: 24h
  signoff_ttl: 0s
  log_retention: 720h

retry:
  base_delay: 1s
  max_delay: 1m
  multiplier: 2

server:
  addr: 127.0.0.1:7420
  base_path: /v0
  allow_actor_header: true

telemetry:
  enabled: false
  service_name: agent-council

defaults:
  default_strictness: required
  phase_strictness:
    outline: advisory
    draft: required
    publish: blocking
  auto_approve:
    state.refresh: true
`
