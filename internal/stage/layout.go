// Package stage implements input localization and output delocalization.
//
// Staging layout, shared by every backend variant:
//
//	<root>/common            inputs shared across jobs (read-only)
//	<root>/jobs/<job>/inputs per-job staged inputs
//	<root>/jobs/<job>/workspace  job cwd; outputs are written here
//	<root>/outputs/<job>/<name>  delocalized outputs
package stage

import (
	"os"
	"path/filepath"
)

// Layout resolves the staging directory tree under one root.
type Layout struct {
	Root string

	// OutputRoot overrides where delocalized outputs land. Empty means
	// <root>/outputs, which disappears with the staging tree on cleanup.
	OutputRoot string
}

// CommonDir is where shared read-only inputs are staged once per batch.
func (l Layout) CommonDir() string { return filepath.Join(l.Root, "common") }

// JobsDir holds one subdirectory per job.
func (l Layout) JobsDir() string { return filepath.Join(l.Root, "jobs") }

// OutputDir is the stable destination for delocalized outputs.
func (l Layout) OutputDir() string {
	if l.OutputRoot != "" {
		return l.OutputRoot
	}
	return filepath.Join(l.Root, "outputs")
}

// JobDir is the per-job staging directory.
func (l Layout) JobDir(name string) string { return filepath.Join(l.JobsDir(), name) }

// InputDir holds a job's privately staged inputs.
func (l Layout) InputDir(name string) string { return filepath.Join(l.JobDir(name), "inputs") }

// WorkspaceDir is the job's working directory on the execution node.
func (l Layout) WorkspaceDir(name string) string { return filepath.Join(l.JobDir(name), "workspace") }

// JobOutputDir is where one job's collected outputs land.
func (l Layout) JobOutputDir(name string) string { return filepath.Join(l.OutputDir(), name) }

// Create makes the batch-level directories.
func (l Layout) Create() error {
	for _, dir := range []string{l.Root, l.CommonDir(), l.JobsDir(), l.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StreamInput is a deferred fetch the worker contract performs at job
// startup: the source is piped through a FIFO at Dest rather than staged.
type StreamInput struct {
	Name   string
	Source string
	Dest   string
}

// StagedJob is the result of localizing one job's inputs.
type StagedJob struct {
	JobName      string
	JobDir       string
	InputDir     string
	WorkspaceDir string

	// Inputs maps logical names to staged paths or literal values.
	Inputs map[string]string

	// Streams lists stream-mode inputs, materialized at job startup.
	Streams []StreamInput

	// Env is the worker-contract environment for this job.
	Env map[string]string
}
