package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aideator/aideator-sub000/pkg/model"
)

var (
	runRepo       string
	runBranch     string
	runVariations int
	runFollow     bool
	runConfig     []string

	logsFollow  bool
	logsVerbose bool
	logsIdle    time.Duration

	listLimit int
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Start a run",
	Long: `Start a run of the prompt against a repository. Each variation executes
in its own sandbox.

  aideator run "add input validation" --repo owner/repo -n 3 --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := parseKeyValues(runConfig)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		c := newClient(serverURL, userID)
		created, err := c.CreateRun(ctx, createRunRequest{
			Repo:       runRepo,
			Branch:     runBranch,
			Prompt:     args[0],
			Variations: runVariations,
			Config:     cfg,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s (%s)\n", titleStyle.Render("Run started:"), created.RunID, renderStatus(string(created.Status)))
		if !runFollow {
			fmt.Fprintln(out, dimmedStyle.Render("Follow with: aideator logs "+created.RunID+" --follow"))
			return nil
		}
		return followRun(ctx, cmd, c, created.RunID)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show a run's event stream",
	Long: `Print the retained events of a run. With --follow the stream stays open
until the run completes and reconnects from the last seen position if the
connection drops. Without it, printing stops once the stream goes idle.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		c := newClient(serverURL, userID)
		if logsFollow {
			return followRun(ctx, cmd, c, args[0])
		}
		return printBacklog(ctx, cmd, c, args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show run and variation states",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newClient(serverURL, userID).GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderRun(cmd.OutOrStdout(), run)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := newClient(serverURL, userID).ListRuns(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		renderRunList(cmd.OutOrStdout(), runs)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a run",
	Long:  "Cancel a run. Every active sandbox of the run is terminated. Cancelling a finished run is a no-op.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(serverURL, userID).CancelRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", titleStyle.Render("Cancelling run"), args[0])
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runRepo, "repo", "r", "", "repository (owner/repo)")
	runCmd.Flags().StringVarP(&runBranch, "branch", "b", "", "branch (default: repository default branch)")
	runCmd.Flags().IntVarP(&runVariations, "variations", "n", 1, "number of parallel variations")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "stream output until the run completes")
	runCmd.Flags().StringArrayVar(&runConfig, "set", nil, "backend config KEY=VALUE forwarded to the sandbox (repeatable)")
	_ = runCmd.MarkFlagRequired("repo")

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream until the run completes")
	logsCmd.Flags().BoolVarP(&logsVerbose, "verbose", "v", false, "include agent log events")
	logsCmd.Flags().DurationVar(&logsIdle, "idle", time.Second, "without --follow, stop after this long without events")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum runs to show")

	rootCmd.AddCommand(runCmd, logsCmd, statusCmd, listCmd, cancelCmd)
}

func followRun(ctx context.Context, cmd *cobra.Command, c *apiClient, runID string) error {
	out := cmd.OutOrStdout()
	err := c.follow(ctx, runID, func(f sseFrame) error {
		renderEvent(out, f.Event, logsVerbose)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// printBacklog prints events until run_complete or until no event arrived
// within logsIdle.
func printBacklog(ctx context.Context, cmd *cobra.Command, c *apiClient, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := time.AfterFunc(logsIdle, cancel)
	defer idle.Stop()

	out := cmd.OutOrStdout()
	_, err := c.Stream(ctx, runID, "", func(f sseFrame) error {
		idle.Reset(logsIdle)
		renderEvent(out, f.Event, logsVerbose)
		if f.Event.Type == model.EventRunComplete {
			return errStreamDone
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}
