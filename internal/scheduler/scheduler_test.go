package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
)

type mockSubmitter struct {
	mu     sync.Mutex
	calls  []orchestrator.Request
	reject map[string]error
}

func (m *mockSubmitter) Submit(_ context.Context, req orchestrator.Request) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reject[req.Repo]; err != nil {
		return nil, err
	}
	m.calls = append(m.calls, req)
	return &model.Run{ID: fmt.Sprintf("run-%d", len(m.calls)), Repo: req.Repo}, nil
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func writeJob(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseJobFile(t *testing.T) {
	path := writeJob(t, t.TempDir(), "test.yaml", `schedule: "0 9 * * MON"
repos:
  - org/api
  - org/frontend
prompt: "Audit for outdated deps and TODOs older than 90 days."
variations: 3
config:
  model: fast
`)

	job, err := parseJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * MON", job.Schedule)
	assert.Equal(t, []string{"org/api", "org/frontend"}, job.Repos)
	assert.Equal(t, 3, job.Variations)
	assert.Equal(t, map[string]string{"model": "fast"}, job.Config)
	assert.NotEmpty(t, job.Prompt)
}

func TestParseJobFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing schedule", "repos: [org/api]\nprompt: test\n", "schedule is required"},
		{"bad schedule", "schedule: \"every tuesday\"\nrepos: [org/api]\nprompt: test\n", "invalid schedule"},
		{"missing repos", "schedule: \"* * * * *\"\nprompt: test\n", "at least one repo"},
		{"missing prompt", "schedule: \"* * * * *\"\nrepos: [org/api]\n", "prompt is required"},
		{"not yaml", "schedule: [unclosed\n", "invalid YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeJob(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := parseJobFile(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseJobFile_DefaultVariations(t *testing.T) {
	path := writeJob(t, t.TempDir(), "one.yaml", "schedule: \"@daily\"\nrepos: [org/api]\nprompt: test\n")
	job, err := parseJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Variations)
}

func TestLoadJobs(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "weekly.yaml", "schedule: \"0 9 * * MON\"\nrepos: [org/api, org/web]\nprompt: \"Run weekly audit\"\n")
	writeJob(t, dir, "deps.yml", "name: dependency-check\nschedule: \"0 0 * * *\"\nrepos: [org/api]\nprompt: \"Check dependencies\"\n")
	writeJob(t, dir, "readme.txt", "ignore me")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	s := New(dir, &mockSubmitter{}, zaptest.NewLogger(t))
	require.NoError(t, s.LoadJobs())

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	names := []string{jobs[0].Name, jobs[1].Name}
	assert.ElementsMatch(t, []string{"weekly", "dependency-check"}, names)
}

func TestLoadJobs_EmptyAndMissingDir(t *testing.T) {
	s := New(t.TempDir(), &mockSubmitter{}, zaptest.NewLogger(t))
	require.NoError(t, s.LoadJobs())
	assert.Empty(t, s.Jobs())

	s = New(filepath.Join(t.TempDir(), "missing"), &mockSubmitter{}, zaptest.NewLogger(t))
	require.NoError(t, s.LoadJobs())
	assert.Empty(t, s.Jobs())
}

func TestLoadJobs_BadFile(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "broken.yaml", "repos: [org/api]\n")
	s := New(dir, &mockSubmitter{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, s.LoadJobs(), "broken.yaml")
}

func TestRunJob(t *testing.T) {
	sub := &mockSubmitter{}
	s := New("", sub, zaptest.NewLogger(t))

	ids, err := s.RunJob(context.Background(), Job{
		Name:       "audit",
		Schedule:   "* * * * *",
		Repos:      []string{"org/api", "org/web"},
		Prompt:     "run audit",
		Variations: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, ids)

	require.Len(t, sub.calls, 2)
	assert.Equal(t, "org/api", sub.calls[0].Repo)
	assert.Equal(t, "org/web", sub.calls[1].Repo)
	assert.Equal(t, "run audit", sub.calls[0].Prompt)
	assert.Equal(t, 2, sub.calls[0].Variations)
	assert.Equal(t, "scheduler:audit", sub.calls[0].RequesterID)
}

func TestRunJob_RejectionDoesNotStopOtherRepos(t *testing.T) {
	rejected := errors.New("repo not found")
	sub := &mockSubmitter{reject: map[string]error{"org/gone": rejected}}
	s := New("", sub, zaptest.NewLogger(t))

	ids, err := s.RunJob(context.Background(), Job{
		Name: "audit", Repos: []string{"org/gone", "org/web"}, Prompt: "p", Variations: 1,
	})
	assert.ErrorIs(t, err, rejected)
	assert.ErrorContains(t, err, "org/gone")
	assert.Equal(t, []string{"run-1"}, ids)
}

func TestStartFiresJobs(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "often.yaml", "schedule: \"@every 1s\"\nrepos: [org/api]\nprompt: tick\n")

	sub := &mockSubmitter{}
	s := New(dir, sub, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return sub.count() >= 1 }, 5*time.Second, 20*time.Millisecond)
}
