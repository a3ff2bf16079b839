// Package scheduler starts runs on cron schedules. Jobs are defined as YAML
// files in a configurable directory; each firing submits one run per repo.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
)

// Submitter starts runs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*model.Run, error)
}

// Job defines a scheduled run from a YAML file.
type Job struct {
	Name       string            `yaml:"name"`
	Schedule   string            `yaml:"schedule"`
	Repos      []string          `yaml:"repos"`
	Branch     string            `yaml:"branch"`
	Prompt     string            `yaml:"prompt"`
	Variations int               `yaml:"variations"`
	Config     map[string]string `yaml:"config"`
}

// RequesterID attributes runs started by the job.
func (j Job) RequesterID() string {
	return "scheduler:" + j.Name
}

// Scheduler loads jobs and submits their runs on schedule.
type Scheduler struct {
	mu        sync.Mutex
	jobs      []Job
	submitter Submitter
	jobsDir   string
	log       *zap.Logger
	cron      *cron.Cron

	// SubmitTimeout bounds one job firing.
	SubmitTimeout time.Duration
}

// New creates a Scheduler that reads jobs from the given directory.
func New(jobsDir string, submitter Submitter, log *zap.Logger) *Scheduler {
	return &Scheduler{
		jobsDir:       jobsDir,
		submitter:     submitter,
		log:           log.Named("scheduler"),
		cron:          cron.New(),
		SubmitTimeout: time.Minute,
	}
}

// LoadJobs reads all .yaml files from the jobs directory. A missing
// directory yields no jobs.
func (s *Scheduler) LoadJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = nil

	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading jobs directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		job, err := parseJobFile(filepath.Join(s.jobsDir, name))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		if job.Name == "" {
			job.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		s.jobs = append(s.jobs, *job)
	}

	return nil
}

// Jobs returns a copy of the loaded jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Job, len(s.jobs))
	copy(cp, s.jobs)
	return cp
}

// Start loads the jobs and schedules each of them.
func (s *Scheduler) Start() error {
	if err := s.LoadJobs(); err != nil {
		return err
	}
	for _, job := range s.Jobs() {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.fire(job) }); err != nil {
			return fmt.Errorf("scheduling job %s: %w", job.Name, err)
		}
		s.log.Info("job scheduled", zap.String("job", job.Name), zap.String("schedule", job.Schedule),
			zap.Strings("repos", job.Repos))
	}
	s.cron.Start()
	return nil
}

// Stop waits for a firing job to finish submitting.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.SubmitTimeout)
	defer cancel()
	if _, err := s.RunJob(ctx, job); err != nil {
		s.log.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
	}
}

// RunJob submits one run per repo. A repo that is rejected does not stop
// the others; the returned error joins every rejection.
func (s *Scheduler) RunJob(ctx context.Context, job Job) ([]string, error) {
	var ids []string
	var errs []error
	for _, repo := range job.Repos {
		run, err := s.submitter.Submit(ctx, orchestrator.Request{
			RequesterID: job.RequesterID(),
			Repo:        repo,
			Branch:      job.Branch,
			Prompt:      job.Prompt,
			Variations:  job.Variations,
			Config:      job.Config,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("starting run for %s: %w", repo, err))
			continue
		}
		s.log.Info("scheduled run started", zap.String("job", job.Name), zap.String("repo", repo),
			zap.String("run_id", run.ID))
		ids = append(ids, run.ID)
	}
	return ids, errors.Join(errs...)
}

func parseJobFile(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if job.Schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	if len(job.Repos) == 0 {
		return nil, fmt.Errorf("at least one repo is required")
	}
	if job.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if job.Variations == 0 {
		job.Variations = 1
	}

	return &job, nil
}
