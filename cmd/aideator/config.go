package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aideator/aideator-sub000/internal/config"
)

// configKey describes a single configuration value.
type configKey struct {
	Key    string
	Desc   string
	Secret bool
	get    func(*config.Config) string
}

// allConfigKeys lists the commonly edited values in display order. Any other
// key from the config file layout can still be set.
var allConfigKeys = []configKey{
	{"server.addr", "HTTP listen address", false, func(c *config.Config) string { return c.Server.Addr }},
	{"server.identity_header", "Trusted header carrying the user id", false, func(c *config.Config) string { return c.Server.IdentityHeader }},
	{"sandbox.backend", "Sandbox backend (docker, kube, dagger)", false, func(c *config.Config) string { return c.Sandbox.Backend }},
	{"sandbox.image", "Agent sandbox image", false, func(c *config.Config) string { return c.Sandbox.Image }},
	{"sandbox.kube.namespace", "Namespace for cluster jobs", false, func(c *config.Config) string { return c.Sandbox.Kube.Namespace }},
	{"runs.max_variations", "Maximum variations per run", false, func(c *config.Config) string { return strconv.Itoa(c.Runs.MaxVariations) }},
	{"runs.execution_timeout", "Per-variation execution limit", false, func(c *config.Config) string { return c.Runs.ExecutionTimeout.String() }},
	{"relay.backend", "Event relay (memory, sqlite)", false, func(c *config.Config) string { return c.Relay.Backend }},
	{"github.token", "GitHub token for cloning and default branches", true, func(c *config.Config) string { return c.GitHub.Token }},
	{"github.webhook_secret", "Secret for signed GitHub issue webhooks", true, func(c *config.Config) string { return c.GitHub.WebhookSecret }},
	{"github.trigger_label", "Issue label that starts a run", false, func(c *config.Config) string { return c.GitHub.TriggerLabel }},
	{"secrets.anthropic_api_key", "Anthropic API key", true, func(c *config.Config) string { return c.Secrets.AnthropicAPIKey }},
	{"secrets.openai_api_key", "OpenAI API key", true, func(c *config.Config) string { return c.Secrets.OpenAIAPIKey }},
	{"notify.slack_webhook_url", "Slack webhook for run notifications", true, func(c *config.Config) string { return c.Notify.SlackWebhookURL }},
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage aideator configuration",
	Long: `Manage aideator configuration.

Configuration is read from ./aideator.yaml or ~/.aideator/config.yaml and
can be overridden by AIDEATOR_* environment variables.

  aideator config set KEY VALUE      Set a single config value
  aideator config show               Show the effective configuration
  aideator config check              Validate config and backend tooling
  aideator config path               Print config file path`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value using its dotted key. Example:
  aideator config set sandbox.backend kube`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Display the configured values after file and environment overrides. Secrets are masked.",
	RunE:  runConfigShow,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and backend tooling",
	RunE:  runConfigCheck,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath(configPath))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// loadConfigFile reads the YAML document at path. A missing file is empty.
func loadConfigFile(path string) (map[string]any, error) {
	values := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

// saveConfigFile writes values as YAML, readable only by the owner since it
// may carry secrets.
func saveConfigFile(path string, values map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	header := "# aideator configuration\n# Managed by: aideator config\n# AIDEATOR_* environment variables override these values.\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}

// setPath stores value under a dotted key, creating nested maps as needed.
func setPath(values map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	m := values
	for i, p := range parts[:len(parts)-1] {
		next, ok := m[p]
		if !ok {
			child := make(map[string]any)
			m[p] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is not a section", strings.Join(parts[:i+1], "."))
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
	return nil
}

// scalar keeps numbers and booleans typed in the YAML output.
func scalar(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func findKey(name string) (configKey, bool) {
	for _, ck := range allConfigKeys {
		if ck.Key == name {
			return ck, true
		}
	}
	return configKey{}, false
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// runConfigSet sets a single key in the config file.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	path := config.FilePath(configPath)

	values, err := loadConfigFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := setPath(values, key, scalar(value)); err != nil {
		return err
	}
	if err := saveConfigFile(path, values); err != nil {
		return err
	}

	display := value
	if ck, ok := findKey(key); ok && ck.Secret {
		display = maskSecret(value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s in %s\n", key, display, path)
	return nil
}

// runConfigShow displays the current effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\nData dir:    %s\n\n", config.FilePath(configPath), cfg.DataDir)

	for _, ck := range allConfigKeys {
		value := ck.get(cfg)
		display := dimmedStyle.Render("(not set)")
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}
		fmt.Fprintf(out, "  %-27s %s\n", ck.Key, display)
	}
	return nil
}

// runConfigCheck validates the configuration and looks for the CLI the
// selected backend drives.
func runConfigCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	printSummaryLine(out, "configuration valid", err == nil)
	if err != nil {
		return err
	}

	var bin string
	switch cfg.Sandbox.Backend {
	case "kube":
		bin = "kubectl"
	default:
		// dagger provisions its engine through the local container runtime.
		bin = "docker"
	}
	_, lookErr := exec.LookPath(bin)
	printSummaryLine(out, fmt.Sprintf("%s found for %s backend", bin, cfg.Sandbox.Backend), lookErr == nil)
	printSummaryLine(out, "github token set", cfg.GitHub.Token != "")
	printSummaryLine(out, "llm api key set", cfg.Secrets.AnthropicAPIKey != "" || cfg.Secrets.OpenAIAPIKey != "")
	if lookErr != nil {
		return fmt.Errorf("%s not found in PATH", bin)
	}
	return nil
}

func printSummaryLine(w io.Writer, label string, ok bool) {
	mark := completedStyle.Render("✓")
	if !ok {
		mark = runningStyle.Render("!")
	}
	fmt.Fprintf(w, "  %s  %s\n", mark, label)
}
