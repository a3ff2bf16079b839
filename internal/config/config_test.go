package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aideator/aideator-sub000/internal/config"
)

// clearConfigEnv makes sure variables from the outer process don't leak into
// "defaults" tests.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AIDEATOR_DATA_DIR",
		"AIDEATOR_SERVER_ADDR",
		"AIDEATOR_SANDBOX_BACKEND",
		"AIDEATOR_RUNS_MAX_VARIATIONS",
		"AIDEATOR_GITHUB_TOKEN",
		"GITHUB_TOKEN",
		"ANTHROPIC_API_KEY",
		"OPENAI_API_KEY",
		"SLACK_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func loadIn(t *testing.T, path string) *config.Config {
	t.Helper()
	t.Setenv("AIDEATOR_DATA_DIR", t.TempDir())
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	cfg := loadIn(t, "")

	assert.Equal(t, ":7080", cfg.Server.Addr)
	assert.Equal(t, "docker", cfg.Sandbox.Backend)
	assert.Equal(t, 5, cfg.Runs.MaxVariations)
	assert.Equal(t, time.Hour, cfg.Runs.ExecutionTimeout)
	assert.Equal(t, 256, cfg.Server.QueueSize)
	assert.Equal(t, 15*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, "sqlite", cfg.Relay.Backend)
	assert.Equal(t, filepath.Join(cfg.DataDir, "aideator.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "relay.db"), cfg.Relay.Path)
	assert.Empty(t, cfg.GitHub.Token)
	assert.False(t, cfg.NotifyEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AIDEATOR_SERVER_ADDR", ":9999")
	t.Setenv("AIDEATOR_RUNS_MAX_VARIATIONS", "8")
	t.Setenv("AIDEATOR_RUNS_EXECUTION_TIMEOUT", "90m")
	t.Setenv("AIDEATOR_SANDBOX_BACKEND", "kube")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	cfg := loadIn(t, "")
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Runs.MaxVariations)
	assert.Equal(t, 90*time.Minute, cfg.Runs.ExecutionTimeout)
	assert.Equal(t, "kube", cfg.Sandbox.Backend)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
	assert.Equal(t, "sk-ant", cfg.Secrets.AnthropicAPIKey)
}

func TestLoad_File(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "aideator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sandbox:
  backend: dagger
  image: ghcr.io/acme/agent:1
  entrypoint: ["/bin/agent", "--json"]
relay:
  backend: memory
  max_len: 50
notify:
  slack_webhook_url: https://hooks.slack.test/x
`), 0o600))

	cfg := loadIn(t, path)
	assert.Equal(t, "dagger", cfg.Sandbox.Backend)
	assert.Equal(t, "ghcr.io/acme/agent:1", cfg.Sandbox.Image)
	assert.Equal(t, []string{"/bin/agent", "--json"}, cfg.Sandbox.Entrypoint)
	assert.Equal(t, "memory", cfg.Relay.Backend)
	assert.Equal(t, 50, cfg.Relay.MaxLen)
	assert.True(t, cfg.NotifyEnabled())
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "aideator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":1000\"\n"), 0o600))
	t.Setenv("AIDEATOR_SERVER_ADDR", ":2000")

	assert.Equal(t, ":2000", loadIn(t, path).Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AIDEATOR_DATA_DIR", t.TempDir())
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AIDEATOR_DATA_DIR", t.TempDir())
	t.Setenv("AIDEATOR_SANDBOX_BACKEND", "podman")
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sandbox.backend")
}

func validConfig(t *testing.T) *config.Config {
	clearConfigEnv(t)
	return loadIn(t, "")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero variations", func(c *config.Config) { c.Runs.MaxVariations = 0 }, "runs.max_variations"},
		{"zero queue", func(c *config.Config) { c.Server.QueueSize = 0 }, "server.queue_size"},
		{"zero heartbeat", func(c *config.Config) { c.Server.HeartbeatInterval = 0 }, "server.heartbeat_interval"},
		{"negative timeout", func(c *config.Config) { c.Runs.ExecutionTimeout = -time.Second }, "runs.execution_timeout"},
		{"relay backend", func(c *config.Config) { c.Relay.Backend = "redis" }, "relay.backend"},
		{"logging mode", func(c *config.Config) { c.Logging.Mode = "loud" }, "logging.mode"},
		{"no image", func(c *config.Config) { c.Sandbox.Image = "" }, "sandbox.image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSandboxEnv(t *testing.T) {
	cfg := &config.Config{}
	assert.Empty(t, cfg.SandboxEnv())

	cfg.GitHub.Token = "ghp"
	cfg.Secrets.OpenAIAPIKey = "sk"
	assert.Equal(t, []string{"GITHUB_TOKEN=ghp", "OPENAI_API_KEY=sk"}, cfg.SandboxEnv())
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := &config.Config{DataDir: dir}
	require.NoError(t, cfg.EnsureDataDir())
	assert.DirExists(t, dir)
}

func TestFilePath(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	t.Setenv("AIDEATOR_DATA_DIR", dir)

	assert.Equal(t, "custom.yaml", config.FilePath("custom.yaml"))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), config.FilePath(""))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  addr: :9000\n"), 0o600))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), config.FilePath(""))
}
