package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aideator/aideator-sub000/pkg/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

// variationColors keeps each variation's prefix stable across a stream.
var variationColors = []lipgloss.Color{"39", "170", "214", "42", "204", "111", "178", "141"}

func variationPrefix(v int) string {
	if v == model.RunLevel {
		return titleStyle.Render("[run]")
	}
	c := variationColors[v%len(variationColors)]
	return lipgloss.NewStyle().Foreground(c).Render(fmt.Sprintf("[v%d]", v))
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(model.VariationCompleted):
		return completedStyle
	case string(model.VariationFailed):
		return errorStyle
	case string(model.VariationCancelled):
		return dimmedStyle
	case string(model.VariationRunning), string(model.VariationProvisioning):
		return runningStyle
	}
	return dimmedStyle
}

func renderStatus(status string) string {
	return statusStyle(status).Render(status)
}

// renderEvent writes one stream event. It returns false for frames that
// produce no output.
func renderEvent(w io.Writer, ev *model.Event, verbose bool) bool {
	prefix := variationPrefix(ev.Variation)
	switch ev.Type {
	case model.EventAgentOutput:
		var d model.OutputData
		if json.Unmarshal(ev.Data, &d) != nil {
			return false
		}
		fmt.Fprintf(w, "%s %s\n", prefix, d.Line)
	case model.EventAgentLog:
		if !verbose {
			return false
		}
		fmt.Fprintf(w, "%s %s\n", prefix, dimmedStyle.Render(string(ev.Data)))
	case model.EventAgentError:
		var d model.ErrorData
		if json.Unmarshal(ev.Data, &d) != nil {
			return false
		}
		fmt.Fprintf(w, "%s %s %s\n", prefix, errorStyle.Render("error:"), d.Message)
	case model.EventAgentComplete:
		var d model.CompleteData
		if json.Unmarshal(ev.Data, &d) != nil {
			return false
		}
		fmt.Fprintf(w, "%s %s (%d lines)\n", prefix, completedStyle.Render("done"), d.Lines)
	case model.EventVariationStatus:
		var d model.StatusData
		if json.Unmarshal(ev.Data, &d) != nil {
			return false
		}
		line := fmt.Sprintf("%s %s %s", prefix, dimmedStyle.Render("status"), renderStatus(string(d.Status)))
		if d.Error != "" {
			line += " " + dimmedStyle.Render(d.Error)
		}
		fmt.Fprintln(w, line)
	case model.EventRunComplete:
		var d model.RunCompleteData
		if json.Unmarshal(ev.Data, &d) != nil {
			return false
		}
		fmt.Fprintf(w, "%s %s succeeded=%d failed=%d cancelled=%d\n",
			prefix, renderStatus(string(d.Status)), d.Succeeded, d.Failed, d.Cancelled)
	default:
		return false
	}
	return true
}

// renderRun writes a run summary with one line per variation.
func renderRun(w io.Writer, run *runDetail) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Run"), run.ID)
	field := func(k, v string) {
		fmt.Fprintf(w, "  %s %s\n", headerStyle.Render(fmt.Sprintf("%-10s", k)), v)
	}
	field("Status", renderStatus(string(run.Status)))
	repo := run.Repo
	if run.Branch != "" {
		repo += "@" + run.Branch
	}
	field("Repo", repo)
	field("Prompt", truncate(run.Prompt, 80))
	field("Created", fmt.Sprintf("%s (%s)", run.CreatedAt.Local().Format(time.DateTime), humanize.Time(run.CreatedAt)))
	if run.CompletedAt != nil {
		field("Completed", fmt.Sprintf("%s (took %s)", run.CompletedAt.Local().Format(time.DateTime),
			strings.TrimSpace(humanize.RelTime(run.CreatedAt, *run.CompletedAt, "", ""))))
	}
	if run.Error != "" {
		field("Error", errorStyle.Render(run.Error))
	}
	if len(run.VariationStates) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, v := range run.VariationStates {
		line := fmt.Sprintf("  %s %s", variationPrefix(v.Index), renderStatus(string(v.Status)))
		if v.Error != "" {
			line += " " + dimmedStyle.Render(truncate(v.Error, 80))
		}
		fmt.Fprintln(w, line)
	}
}

// renderRunList writes one line per run, newest first.
func renderRunList(w io.Writer, runs []*model.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimmedStyle.Render("No runs yet."))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-36s  %-10s  %-3s  %-24s  %-16s  %s", "ID", "STATUS", "N", "REPO", "CREATED", "PROMPT")))
	for _, r := range runs {
		status := statusStyle(string(r.Status)).Render(fmt.Sprintf("%-10s", r.Status))
		fmt.Fprintf(w, "%-36s  %s  %-3d  %-24s  %-16s  %s\n", r.ID, status, r.Variations,
			truncate(r.Repo, 24), humanize.Time(r.CreatedAt), truncate(r.Prompt, 40))
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
