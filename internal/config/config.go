// Package config implements the orchestrator's recognized configuration
// surface from spec §6: a YAML file overlaid with environment variables
// and an optional .env file, producing the tunables every other package's
// Config struct accepts.
//
// Grounded on kadirpekel-hector's cmd/hector/config_loader.go
// (LoadConfig → SetDefaults → Validate pipeline) and
// codeready-toolchain-tarsy's pkg/config/loader.go (typed YAML struct
// unmarshaled with gopkg.in/yaml.v3, env-var expansion before parsing,
// godotenv.Load for local .env overlay in cmd/tarsy/main.go).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ToolBinderStrategy mirrors internal/toolbind.Strategy as a plain string
// so this package does not need to import internal/toolbind just to parse
// a config value.
type ToolBinderStrategy string

const (
	ToolBinderMinimal     ToolBinderStrategy = "minimal"
	ToolBinderProgressive ToolBinderStrategy = "progressive"
	ToolBinderFull        ToolBinderStrategy = "full"
)

// Config is the root configuration structure spec §6 names.
type Config struct {
	ModelPerAgent map[string]string `yaml:"model_per_agent,omitempty"`

	ToolBinderStrategy ToolBinderStrategy `yaml:"tool_binder_strategy,omitempty"`
	MaxToolIterations  int                `yaml:"max_tool_iterations,omitempty"`

	LLMTimeoutMS  int `yaml:"llm_timeout_ms,omitempty"`
	ToolTimeoutMS int `yaml:"tool_timeout_ms,omitempty"`

	KeepaliveIntervalMS int `yaml:"keepalive_interval_ms,omitempty"`

	IntentLLMFallback   bool `yaml:"intent_llm_fallback,omitempty"`
	EnableIntentRouting *bool `yaml:"enable_intent_routing,omitempty"`

	ApprovalExpirySeconds int `yaml:"approval_expiry_s,omitempty"`
	LockDefaultTTLSeconds int `yaml:"lock_default_ttl_s,omitempty"`

	// Server holds listen-address/port settings not named explicitly in
	// spec §6 but required to actually serve internal/api's router.
	Server ServerConfig `yaml:"server,omitempty"`

	// Store/Locks/Redis/IssueTracker hold connection settings for this
	// deployment's backing services. Values support ${VAR} environment
	// expansion, same as codeready-toolchain-tarsy's envexpand.go.
	Store        StoreConfig        `yaml:"store,omitempty"`
	Locks        LocksConfig        `yaml:"locks,omitempty"`
	Redis        RedisConfig        `yaml:"redis,omitempty"`
	IssueTracker IssueTrackerConfig `yaml:"issue_tracker,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // memory|sqlite|postgres|mysql
	DSN    string `yaml:"dsn,omitempty"`
}

type LocksConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

type RedisConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type IssueTrackerConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Load reads a YAML config file at path, expanding ${VAR}/$VAR references
// against the process environment before parsing (same technique as
// codeready-toolchain-tarsy's ExpandEnv), applies SetDefaults, and
// validates the result. envFile, if non-empty, is loaded with godotenv
// before the environment is read, matching cmd/tarsy/main.go's
// godotenv.Load(envPath) startup step.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// SetDefaults fills every zero-valued tunable with the default spec §4
// names for it.
func (c *Config) SetDefaults() {
	if c.ToolBinderStrategy == "" {
		c.ToolBinderStrategy = ToolBinderProgressive
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	if c.LLMTimeoutMS <= 0 {
		c.LLMTimeoutMS = 60_000
	}
	if c.ToolTimeoutMS <= 0 {
		c.ToolTimeoutMS = 30_000
	}
	if c.KeepaliveIntervalMS <= 0 {
		c.KeepaliveIntervalMS = 15_000
	}
	if c.ApprovalExpirySeconds <= 0 {
		c.ApprovalExpirySeconds = 24 * 60 * 60
	}
	if c.LockDefaultTTLSeconds <= 0 {
		c.LockDefaultTTLSeconds = 30
	}
	if c.EnableIntentRouting == nil {
		yes := true
		c.EnableIntentRouting = &yes
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
}

// Validate rejects a configuration spec §6 could not make sense of.
func (c *Config) Validate() error {
	switch c.ToolBinderStrategy {
	case ToolBinderMinimal, ToolBinderProgressive, ToolBinderFull:
	default:
		return fmt.Errorf("tool_binder_strategy: unrecognized value %q", c.ToolBinderStrategy)
	}
	if c.KeepaliveIntervalMS > 15_000 {
		return fmt.Errorf("keepalive_interval_ms: %d exceeds spec's 15s ceiling", c.KeepaliveIntervalMS)
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("store.driver: unrecognized value %q", c.Store.Driver)
	}
	return nil
}

// IntentRoutingEnabled reports the rollback switch's resolved value.
func (c *Config) IntentRoutingEnabled() bool {
	return c.EnableIntentRouting == nil || *c.EnableIntentRouting
}

func (c *Config) LLMTimeout() time.Duration  { return time.Duration(c.LLMTimeoutMS) * time.Millisecond }
func (c *Config) ToolTimeout() time.Duration { return time.Duration(c.ToolTimeoutMS) * time.Millisecond }
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}
func (c *Config) ApprovalExpiry() time.Duration {
	return time.Duration(c.ApprovalExpirySeconds) * time.Second
}
func (c *Config) LockDefaultTTL() time.Duration {
	return time.Duration(c.LockDefaultTTLSeconds) * time.Second
}

// ModelFor returns the configured model id for agentName, or fallback if
// none is configured.
func (c *Config) ModelFor(agentName, fallback string) string {
	if model, ok := c.ModelPerAgent[agentName]; ok && model != "" {
		return model
	}
	return fallback
}
