// Package store persists run artifacts on the filesystem: the run directory
// layout, the per-epoch patch checkpoints, and the JSONL loss trace.
//
// Error handling conventions:
//   - Return NotFoundError when a run does not exist
//   - Return descriptive errors for I/O and serialization failures
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// RunStore manages run directories under <baseDir>/runs/<runID>/, where the
// run ID is <timestamp>_<patch-name>.
//
// Thread-safety: directory creation and config writes use atomic filesystem
// operations and need no locks.
type RunStore struct {
	baseDir string
}

// NewRunStore creates a filesystem-backed run store. The base directory is
// created if it does not exist.
func NewRunStore(baseDir string) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "runs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &RunStore{baseDir: baseDir}, nil
}

// NotFoundError indicates a run directory does not exist.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return "run not found: " + e.RunID
}

// Run is a handle to one run directory and its artifacts.
type Run struct {
	id  string
	dir string
}

// CreateRun creates a fresh run directory named <timestamp>_<name> with its
// patches subdirectory.
func (s *RunStore) CreateRun(name string, now time.Time) (*Run, error) {
	id := now.Format("20060102-150405") + "_" + name
	run := &Run{id: id, dir: filepath.Join(s.baseDir, "runs", id)}

	for _, sub := range []string{"", "patches", "snapshots"} {
		if err := os.MkdirAll(filepath.Join(run.dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
	}
	slog.Debug("Run created", "run_id", id, "dir", run.dir)
	return run, nil
}

// OpenRun opens an existing run directory by ID.
func (s *RunStore) OpenRun(id string) (*Run, error) {
	dir := filepath.Join(s.baseDir, "runs", id)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat run directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run path is not a directory: %s", dir)
	}
	return &Run{id: id, dir: dir}, nil
}

// ListRuns returns the IDs of all runs, sorted lexically (and therefore
// chronologically, given the timestamp prefix).
func (s *RunStore) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "runs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.id
}

// Dir returns the run directory path.
func (r *Run) Dir() string {
	return r.dir
}

// SaveConfig atomically writes the run configuration as config.json.
func (r *Run) SaveConfig(cfg any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	path := filepath.Join(r.dir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

// LoadConfig reads config.json into cfg.
func (r *Run) LoadConfig(cfg any) error {
	data, err := os.ReadFile(filepath.Join(r.dir, "config.json"))
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// PatchPath returns the checkpoint artifact path for one epoch.
func (r *Run) PatchPath(patchName string, epoch int) string {
	return filepath.Join(r.dir, "patches", fmt.Sprintf("%s_epoch_%d.png", patchName, epoch))
}

// SnapshotPath returns the path for a periodic patch snapshot at a step.
func (r *Run) SnapshotPath(step int) string {
	return filepath.Join(r.dir, "snapshots", fmt.Sprintf("step_%06d.png", step))
}

// AppliedDir returns the directory for debug composite dumps, creating it
// on first use.
func (r *Run) AppliedDir() (string, error) {
	dir := filepath.Join(r.dir, "applied")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create applied directory: %w", err)
	}
	return dir, nil
}

var epochPattern = regexp.MustCompile(`_epoch_(\d+)\.png$`)

// LatestPatch returns the highest-epoch patch checkpoint of the run.
func (r *Run) LatestPatch() (path string, epoch int, err error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, "patches"))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read patches directory: %w", err)
	}

	epoch = -1
	for _, e := range entries {
		m := epochPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		if n > epoch {
			epoch = n
			path = filepath.Join(r.dir, "patches", e.Name())
		}
	}
	if epoch < 0 {
		return "", 0, fmt.Errorf("run %s has no patch checkpoints", r.id)
	}
	return path, epoch, nil
}
