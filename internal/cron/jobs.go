package cron

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Policy restricts what a cron-driven agent run may do.
type Policy struct {
	AllowedTools  []string `yaml:"allowed_tools" json:"allowedTools,omitempty"`
	MaxIterations int      `yaml:"max_iterations" json:"maxIterations,omitempty"`
}

// JobConfig is one scheduled prompt.
type JobConfig struct {
	ID       string  `yaml:"id" json:"id"`
	Schedule string  `yaml:"schedule" json:"schedule"`
	Prompt   string  `yaml:"prompt" json:"prompt"`
	Enabled  *bool   `yaml:"enabled" json:"enabled"`
	Timezone string  `yaml:"timezone" json:"timezone,omitempty"`
	Policy   *Policy `yaml:"policy" json:"policy,omitempty"`
}

// EnabledOrDefault treats an omitted enabled flag as true.
func (j JobConfig) EnabledOrDefault() bool {
	return j.Enabled == nil || *j.Enabled
}

type jobsFile struct {
	Jobs []JobConfig `yaml:"jobs"`
}

// LoadDir reads every .yaml/.yml job file in a directory and returns
// the combined job list sorted by id. A missing directory is an empty
// set, not an error.
func LoadDir(dir string) ([]JobConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []JobConfig
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var f jobsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		jobs = append(jobs, f.Jobs...)
	}
	if err := validateJobs(jobs); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func validateJobs(jobs []JobConfig) error {
	g := gronx.New()
	seen := map[string]bool{}
	for _, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("cron job has no id")
		}
		if seen[j.ID] {
			return fmt.Errorf("duplicate cron job id %q", j.ID)
		}
		seen[j.ID] = true
		if j.Prompt == "" {
			return fmt.Errorf("cron job %s has no prompt", j.ID)
		}
		if !g.IsValid(j.Schedule) {
			return fmt.Errorf("cron job %s: invalid schedule %q", j.ID, j.Schedule)
		}
		if j.Timezone != "" {
			if _, err := time.LoadLocation(j.Timezone); err != nil {
				return fmt.Errorf("cron job %s: invalid timezone %q", j.ID, j.Timezone)
			}
		}
	}
	return nil
}
