// aideator
//
// Runs one coding prompt against a repository in several isolated sandboxes
// at once and streams every variation's output live.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	serverURL  string
	configPath string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:   "aideator",
	Short: "aideator - parallel coding agent runs",
	Long: `aideator runs a coding prompt against a repository in several isolated
sandboxes in parallel and streams each variation's output live.

  aideator config init                                 Write a starter config file
  aideator serve                                       Start the server
  aideator run "fix the bug" --repo owner/repo -n 3    Start a run
  aideator list                                        List runs
  aideator status <id>                                 Show run and variation states
  aideator logs <id> --follow                          Stream run output
  aideator cancel <id>                                 Cancel a run`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AIDEATOR_SERVER_URL", "http://localhost:7080"), "aideator server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./aideator.yaml or ~/.aideator/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("AIDEATOR_USER"), "user id sent in the identity header")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
