// Package config provides configuration management for aideator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AIDEATOR_SERVER_ADDR.
const EnvPrefix = "AIDEATOR"

// Config holds all configuration for the aideator server and CLI.
type Config struct {
	// DataDir holds the SQLite databases and sandbox payload files.
	DataDir string `mapstructure:"data_dir"`

	Server  ServerConfig  `mapstructure:"server"`
	Runs    RunsConfig    `mapstructure:"runs"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	GitHub  GitHubConfig  `mapstructure:"github"`
	Secrets SecretsConfig `mapstructure:"secrets"`
}

// ServerConfig configures the HTTP server and live delivery.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// URL is where CLI commands reach a running server.
	URL string `mapstructure:"url"`
	// IdentityHeader names the trusted upstream header carrying the user id.
	// Empty means every request runs as LocalUser.
	IdentityHeader    string        `mapstructure:"identity_header"`
	LocalUser         string        `mapstructure:"local_user"`
	QueueSize         int           `mapstructure:"queue_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CloseGrace        time.Duration `mapstructure:"close_grace"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// RunsConfig bounds run requests and their execution.
type RunsConfig struct {
	MaxVariations   int `mapstructure:"max_variations"`
	MaxPromptLength int `mapstructure:"max_prompt_length"`
	// Concurrency caps simultaneously executing variations per run; 0 means all.
	Concurrency      int           `mapstructure:"concurrency"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	CloneTimeout     time.Duration `mapstructure:"clone_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	StatusInterval   time.Duration `mapstructure:"status_interval"`
	// ControlAckTimeout bounds how long a cancel waits for the owning
	// process before tearing the run down itself.
	ControlAckTimeout time.Duration `mapstructure:"control_ack_timeout"`
	// JobsDir holds scheduled run definitions. Empty disables the scheduler.
	JobsDir string `mapstructure:"jobs_dir"`
}

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	// Backend is one of docker, kube or dagger.
	Backend          string        `mapstructure:"backend"`
	Image            string        `mapstructure:"image"`
	Entrypoint       []string      `mapstructure:"entrypoint"`
	CPUs             int           `mapstructure:"cpus"`
	MemoryMB         int           `mapstructure:"memory_mb"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	ProvisionRetries int           `mapstructure:"provision_retries"`
	ProvisionBackoff time.Duration `mapstructure:"provision_backoff"`

	Docker DockerConfig `mapstructure:"docker"`
	Kube   KubeConfig   `mapstructure:"kube"`
}

// DockerConfig holds docker backend settings.
type DockerConfig struct {
	Network      string `mapstructure:"network"`
	BuildContext string `mapstructure:"build_context"`
}

// KubeConfig holds cluster-job backend settings.
type KubeConfig struct {
	Namespace        string        `mapstructure:"namespace"`
	Context          string        `mapstructure:"context"`
	ServiceAccount   string        `mapstructure:"service_account"`
	TTLAfterFinished time.Duration `mapstructure:"ttl_after_finished"`
	PodStartTimeout  time.Duration `mapstructure:"pod_start_timeout"`
}

// RelayConfig configures the event relay and its retention.
type RelayConfig struct {
	// Backend is memory (single process) or sqlite (shared file).
	Backend         string        `mapstructure:"backend"`
	Path            string        `mapstructure:"path"`
	MaxLen          int           `mapstructure:"max_len"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	JanitorSchedule string        `mapstructure:"janitor_schedule"`
	OpTimeout       time.Duration `mapstructure:"op_timeout"`
	ReadBlock       time.Duration `mapstructure:"read_block"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// NotifyConfig configures run-finished notifications.
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	SlackChannel    string `mapstructure:"slack_channel"`
}

// GitHubConfig configures repository resolution and the issues webhook.
type GitHubConfig struct {
	Token string `mapstructure:"token"`
	// BaseURL targets GitHub Enterprise; empty means github.com.
	BaseURL string `mapstructure:"base_url"`
	// WebhookSecret enables POST /webhooks/github. Issues carrying
	// TriggerLabel start runs.
	WebhookSecret string `mapstructure:"webhook_secret"`
	TriggerLabel  string `mapstructure:"trigger_label"`
}

// SecretsConfig holds credentials forwarded into sandboxes.
type SecretsConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
}

// Backends lists the supported sandbox backends.
var Backends = []string{"docker", "kube", "dagger"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("server.addr", ":7080")
	v.SetDefault("server.url", "http://localhost:7080")
	v.SetDefault("server.identity_header", "")
	v.SetDefault("server.local_user", "local")
	v.SetDefault("server.queue_size", 256)
	v.SetDefault("server.heartbeat_interval", 15*time.Second)
	v.SetDefault("server.close_grace", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("runs.max_variations", 5)
	v.SetDefault("runs.max_prompt_length", 20000)
	v.SetDefault("runs.concurrency", 0)
	v.SetDefault("runs.provision_timeout", 5*time.Minute)
	v.SetDefault("runs.clone_timeout", 5*time.Minute)
	v.SetDefault("runs.execution_timeout", time.Hour)
	v.SetDefault("runs.status_interval", 2*time.Second)
	v.SetDefault("runs.control_ack_timeout", 10*time.Second)
	v.SetDefault("runs.jobs_dir", "")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "aideator-agent:latest")
	v.SetDefault("sandbox.entrypoint", []string{})
	v.SetDefault("sandbox.cpus", 2)
	v.SetDefault("sandbox.memory_mb", 2048)
	v.SetDefault("sandbox.call_timeout", 2*time.Minute)
	v.SetDefault("sandbox.provision_retries", 2)
	v.SetDefault("sandbox.provision_backoff", 2*time.Second)
	v.SetDefault("sandbox.docker.network", "")
	v.SetDefault("sandbox.docker.build_context", "")
	v.SetDefault("sandbox.kube.namespace", "aideator")
	v.SetDefault("sandbox.kube.context", "")
	v.SetDefault("sandbox.kube.service_account", "")
	v.SetDefault("sandbox.kube.ttl_after_finished", 10*time.Minute)
	v.SetDefault("sandbox.kube.pod_start_timeout", 5*time.Minute)

	v.SetDefault("relay.backend", "sqlite")
	v.SetDefault("relay.path", "")
	v.SetDefault("relay.max_len", 10000)
	v.SetDefault("relay.max_age", 24*time.Hour)
	v.SetDefault("relay.janitor_schedule", "@every 1m")
	v.SetDefault("relay.op_timeout", 2*time.Second)
	v.SetDefault("relay.read_block", time.Second)

	v.SetDefault("store.path", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.slack_channel", "")

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.trigger_label", "aideator")

	v.SetDefault("secrets.anthropic_api_key", "")
	v.SetDefault("secrets.openai_api_key", "")
}

// Load reads configuration. Values are resolved in order: environment
// variable > config file > default. When path is empty the first of
// ./aideator.yaml and <data dir>/config.yaml that exists is used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Secrets also answer to their conventional names.
	_ = v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("secrets.anthropic_api_key", EnvPrefix+"_SECRETS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("secrets.openai_api_key", EnvPrefix+"_SECRETS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("notify.slack_webhook_url", EnvPrefix+"_NOTIFY_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL")

	if path == "" {
		path = findConfigFile(v.GetString("data_dir"))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func findConfigFile(dataDir string) string {
	for _, p := range []string{"aideator.yaml", filepath.Join(dataDir, "config.yaml")} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// FilePath returns the config file Load would read for explicit, or the
// path a new one should be written to when none exists yet.
func FilePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dataDir := os.Getenv(EnvPrefix + "_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	if p := findConfigFile(dataDir); p != "" {
		return p
	}
	return filepath.Join(dataDir, "config.yaml")
}

func (c *Config) applyDerived() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "aideator.db")
	}
	if c.Relay.Path == "" {
		c.Relay.Path = filepath.Join(c.DataDir, "relay.db")
	}
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(contains(Backends, c.Sandbox.Backend), "unsupported sandbox.backend %q, must be one of %s",
		c.Sandbox.Backend, strings.Join(Backends, ", "))
	check(c.Sandbox.Image != "", "sandbox.image is required")
	check(c.Sandbox.CPUs > 0, "sandbox.cpus must be positive, got %d", c.Sandbox.CPUs)
	check(c.Sandbox.MemoryMB > 0, "sandbox.memory_mb must be positive, got %d", c.Sandbox.MemoryMB)
	check(c.Sandbox.CallTimeout > 0, "sandbox.call_timeout must be positive")
	check(c.Sandbox.ProvisionRetries >= 0, "sandbox.provision_retries must not be negative")

	check(c.Runs.MaxVariations >= 1, "runs.max_variations must be at least 1, got %d", c.Runs.MaxVariations)
	check(c.Runs.MaxPromptLength > 0, "runs.max_prompt_length must be positive")
	check(c.Runs.Concurrency >= 0, "runs.concurrency must not be negative")
	check(c.Runs.ProvisionTimeout > 0, "runs.provision_timeout must be positive")
	check(c.Runs.ExecutionTimeout > 0, "runs.execution_timeout must be positive")
	check(c.Runs.StatusInterval > 0, "runs.status_interval must be positive")
	check(c.Runs.ControlAckTimeout > 0, "runs.control_ack_timeout must be positive")

	check(c.Server.QueueSize > 0, "server.queue_size must be positive, got %d", c.Server.QueueSize)
	check(c.Server.HeartbeatInterval > 0, "server.heartbeat_interval must be positive")
	check(c.Server.CloseGrace >= 0, "server.close_grace must not be negative")

	check(c.Relay.Backend == "memory" || c.Relay.Backend == "sqlite",
		"unsupported relay.backend %q, must be memory or sqlite", c.Relay.Backend)
	check(c.Relay.MaxLen >= 0, "relay.max_len must not be negative")
	check(c.Relay.OpTimeout > 0, "relay.op_timeout must be positive")

	check(c.Logging.Mode == "production" || c.Logging.Mode == "development",
		"invalid logging.mode %q, must be production or development", c.Logging.Mode)

	return errors.Join(errs...)
}

// SandboxEnv returns environment variables to pass to sandboxes.
func (c *Config) SandboxEnv() []string {
	var env []string
	if c.GitHub.Token != "" {
		env = append(env, "GITHUB_TOKEN="+c.GitHub.Token)
	}
	if c.Secrets.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.Secrets.AnthropicAPIKey)
	}
	if c.Secrets.OpenAIAPIKey != "" {
		env = append(env, "OPENAI_API_KEY="+c.Secrets.OpenAIAPIKey)
	}
	return env
}

// NotifyEnabled reports whether a Slack webhook is configured.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.SlackWebhookURL != ""
}

// IssueWebhookEnabled reports whether GitHub issues may start runs. Both a
// webhook secret and a token for posting comments are required.
func (c *Config) IssueWebhookEnabled() bool {
	return c.GitHub.WebhookSecret != "" && c.GitHub.Token != ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aideator"
	}
	return filepath.Join(home, ".aideator")
}
