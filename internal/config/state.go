package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RunState records the outcome of the most recent sync run.
type RunState struct {
	RunID      string    `yaml:"run_id"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Outcome    string    `yaml:"outcome"`
	Summary    struct {
		Created   int `yaml:"created"`
		Updated   int `yaml:"updated"`
		Deleted   int `yaml:"deleted"`
		Unchanged int `yaml:"unchanged"`
	} `yaml:"summary"`
	Reload string `yaml:"reload"`
	Error  string `yaml:"error,omitempty"`
}

func LoadRunState(ctx context.Context, path string) (RunState, error) {
	var state RunState

	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("read state file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse state file %q: %w", path, err)
	}

	return state, nil
}

// SaveRunState replaces the state file atomically.
func SaveRunState(ctx context.Context, path string, state RunState) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure state dir %q: %w", dir, err)
		}
	}

	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp state file %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state file %q: %w", path, err)
	}

	return nil
}
