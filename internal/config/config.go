package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models towerline.yml.
type Config struct {
	Policy struct {
		AllowedRepoPrefixes []string `yaml:"allowed_repo_prefixes"`
		MinTimeBudget       int      `yaml:"min_time_budget_seconds"`
		MaxTimeBudget       int      `yaml:"max_time_budget_seconds"`
		DefaultTimeBudget   int      `yaml:"default_time_budget_seconds"`
	} `yaml:"policy"`
	Worker struct {
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		Executor            string `yaml:"executor"`
	} `yaml:"worker"`
	Review struct {
		AutoApprove        bool     `yaml:"auto_approve"`
		QualifyingVerdicts []string `yaml:"qualifying_verdicts"`
	} `yaml:"review"`
	Trace struct {
		RootURI string `yaml:"root_uri"`
	} `yaml:"trace"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace. Missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(workspace)
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Policy.MinTimeBudget <= 0 {
		return fmt.Errorf("config.policy.min_time_budget_seconds must be positive")
	}
	if c.Policy.MaxTimeBudget < c.Policy.MinTimeBudget {
		return fmt.Errorf("config.policy.max_time_budget_seconds must be >= min")
	}
	if c.Policy.DefaultTimeBudget < c.Policy.MinTimeBudget || c.Policy.DefaultTimeBudget > c.Policy.MaxTimeBudget {
		return fmt.Errorf("config.policy.default_time_budget_seconds must be within [min, max]")
	}
	for _, p := range c.Policy.AllowedRepoPrefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.policy.allowed_repo_prefixes contains empty prefix")
		}
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.worker.poll_interval_seconds must be positive")
	}
	if c.Worker.Executor == "" {
		return fmt.Errorf("config.worker.executor is required")
	}
	for _, v := range c.Review.QualifyingVerdicts {
		switch v {
		case "pass", "fail", "partial", "pending":
		default:
			return fmt.Errorf("config.review.qualifying_verdicts contains unknown verdict %q", v)
		}
	}
	if c.Trace.RootURI == "" {
		return fmt.Errorf("config.trace.root_uri is required")
	}
	return nil
}

func (c *Config) applyDefaults(workspace string) {
	d := Default(workspace)
	if c.Policy.MinTimeBudget == 0 {
		c.Policy.MinTimeBudget = d.Policy.MinTimeBudget
	}
	if c.Policy.MaxTimeBudget == 0 {
		c.Policy.MaxTimeBudget = d.Policy.MaxTimeBudget
	}
	if c.Policy.DefaultTimeBudget == 0 {
		c.Policy.DefaultTimeBudget = d.Policy.DefaultTimeBudget
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = d.Worker.PollIntervalSeconds
	}
	if c.Worker.Executor == "" {
		c.Worker.Executor = d.Worker.Executor
	}
	if len(c.Review.QualifyingVerdicts) == 0 {
		c.Review.QualifyingVerdicts = d.Review.QualifyingVerdicts
	}
	if c.Trace.RootURI == "" {
		c.Trace.RootURI = d.Trace.RootURI
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "towerline.yml")
}

// Default returns the default Config for a workspace. The repo allowlist is
// empty, which denies every enqueue until prefixes are configured.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Policy.MinTimeBudget = 30
	cfg.Policy.MaxTimeBudget = 86400
	cfg.Policy.DefaultTimeBudget = 900
	cfg.Worker.PollIntervalSeconds = 2
	cfg.Worker.Executor = "stub"
	cfg.Review.AutoApprove = false
	cfg.Review.QualifyingVerdicts = []string{"pass"}
	if workspace == "" {
		workspace = "."
	}
	cfg.Trace.RootURI = "file://" + filepath.Join(workspace, ".towerline", "traces")
	cfg.Server.Addr = "127.0.0.1:7713"
	return &cfg
}

// FromYAML parses config from raw YAML bytes without applying defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for tl config init.
func GenerateDefault(workspace string) string {
	d := Default(workspace)
	return fmt.Sprintf(defaultTemplate, d.Trace.RootURI)
}

const defaultTemplate = `policy:
  # Empty allowlist denies all repositories. Add org prefixes to accept work,
  # e.g. "myorg/".
  allowed_repo_prefixes: []
  min_time_budget_seconds: 30
  max_time_budget_seconds: 86400
  default_time_budget_seconds: 900

worker:
  poll_interval_seconds: 2
  executor: stub

review:
  auto_approve: false
  qualifying_verdicts: [pass]

trace:
  root_uri: %s

server:
  addr: 127.0.0.1:7713
`
