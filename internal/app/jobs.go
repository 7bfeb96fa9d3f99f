package app

import (
	"context"

	"github.com/ajitpratap0/opsflow/internal/orchestrator"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// jobsFile is the YAML document listing job definitions.
type jobsFile struct {
	Jobs []models.ETLJob `yaml:"jobs"`
}

// presence records which optional keys a job entry spelled out.
type presence struct {
	Jobs []map[string]interface{} `yaml:"jobs"`
}

// ReadJobs parses a jobs file. Jobs are active unless they say otherwise
// and inherit maxRetries when they set no max_retries.
func ReadJobs(path string, maxRetries int) ([]models.ETLJob, error) {
	var f jobsFile
	if err := config.LoadYAML(path, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read jobs file")
	}
	var p presence
	if err := config.LoadYAML(path, &p); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read jobs file")
	}
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.ID == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "jobs[%d]: id is required", i)
		}
		if j.Name == "" {
			j.Name = j.ID
		}
		if !j.JobType.Valid() {
			return nil, errors.Newf(errors.ErrorTypeConfig, "job %s: unknown job_type %q", j.ID, j.JobType)
		}
		if _, ok := p.Jobs[i]["active"]; !ok {
			j.Active = true
		}
		if _, ok := p.Jobs[i]["max_retries"]; !ok {
			j.MaxRetries = maxRetries
		}
	}
	return f.Jobs, nil
}

// LoadJobs reads path and saves every job through the supervisor. Jobs are
// saved dependencies first so a file may list them in any order.
func (a *App) LoadJobs(ctx context.Context, path, principal string) ([]models.ETLJob, error) {
	jobs, err := ReadJobs(path, a.Config.Retry.MaxAttempts)
	if err != nil {
		return nil, err
	}
	existing, err := a.Repo.ListJobs(ctx, false)
	if err != nil {
		return nil, err
	}
	fromFile := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		fromFile[j.ID] = true
	}
	all := append([]models.ETLJob(nil), jobs...)
	for _, j := range existing {
		if !fromFile[j.ID] {
			all = append(all, j)
		}
	}
	ordered, err := orchestrator.DependencyOrder(all)
	if err != nil {
		return nil, err
	}
	saved := make([]models.ETLJob, 0, len(jobs))
	for i := range ordered {
		j := &ordered[i]
		if !fromFile[j.ID] {
			continue
		}
		if err := a.Supervisor.SaveJob(ctx, j, principal); err != nil {
			return nil, err
		}
		saved = append(saved, *j)
	}
	return saved, nil
}
