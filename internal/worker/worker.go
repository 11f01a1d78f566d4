// Package worker builds the execution-node artifacts for a staged job:
// the setup script establishing the job environment, the entry script
// wrapping the user command, a JSON input manifest, and the exit-status
// marker protocol the backends poll against.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sled/internal/job"
	"sled/internal/stage"
)

// Artifact file names inside a job's staging directory.
const (
	SetupScript  = "setup.sh"
	EntryScript  = "entry.sh"
	ManifestFile = "inputs.json"
	ExitMarker   = ".exitstatus"
)

// Files lists the artifact paths written for one job.
type Files struct {
	Setup    string
	Entry    string
	Manifest string
}

// manifestEntry describes one resolved input in the manifest.
type manifestEntry struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Mode   string `json:"mode,omitempty"`
	Path   string `json:"path"`
}

// Write materializes the worker artifacts into the staged job directory.
// The entry script is what backends actually submit.
func Write(spec *job.Spec, staged *stage.StagedJob) (Files, error) {
	files := Files{
		Setup:    filepath.Join(staged.JobDir, SetupScript),
		Entry:    filepath.Join(staged.JobDir, EntryScript),
		Manifest: filepath.Join(staged.JobDir, ManifestFile),
	}

	if err := os.WriteFile(files.Setup, []byte(setupScript(spec, staged)), 0o755); err != nil {
		return Files{}, fmt.Errorf("failed to write setup script: %w", err)
	}
	if err := os.WriteFile(files.Entry, []byte(entryScript(spec, staged, files.Setup)), 0o755); err != nil {
		return Files{}, fmt.Errorf("failed to write entry script: %w", err)
	}

	manifest, err := buildManifest(spec, staged)
	if err != nil {
		return Files{}, err
	}
	if err := os.WriteFile(files.Manifest, manifest, 0o644); err != nil {
		return Files{}, fmt.Errorf("failed to write manifest: %w", err)
	}
	return files, nil
}

// setupScript exports the job environment, materializes stream inputs as
// FIFOs fed by background fetches, and enters the workspace.
func setupScript(spec *job.Spec, staged *stage.StagedJob) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -euo pipefail\n\n")

	// Deterministic export order so reruns produce identical scripts.
	keys := make([]string, 0, len(staged.Env))
	for k := range staged.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var varNames []string
	for _, k := range keys {
		if !strings.HasPrefix(k, "SLED_") {
			varNames = append(varNames, k)
		}
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(staged.Env[k]))
	}

	userKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		userKeys = append(userKeys, k)
	}
	sort.Strings(userKeys)
	for _, k := range userKeys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(spec.Env[k]))
	}

	fmt.Fprintf(&b, "export SLED_JOB_VARS=%s\n", shellQuote(strings.Join(varNames, ":")))

	for _, s := range staged.Streams {
		fmt.Fprintf(&b, "\nmkfifo %s\n", shellQuote(s.Dest))
		fmt.Fprintf(&b, "(curl -fsSL %s > %s; rm -f %s) &\n",
			shellQuote(s.Source), shellQuote(s.Dest), shellQuote(s.Dest))
	}

	b.WriteString("\ncd \"$SLED_JOB_ROOT\"\n")
	return b.String()
}

// entryScript sources the setup script, runs the command, and records the
// exit status in the marker file before propagating it.
func entryScript(spec *job.Spec, staged *stage.StagedJob, setupPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "source %s\n", shellQuote(setupPath))
	b.WriteString("set +e\n")

	parts := make([]string, len(spec.Command))
	for i, arg := range spec.Command {
		parts[i] = shellQuote(arg)
	}
	fmt.Fprintf(&b, "%s\n", strings.Join(parts, " "))

	b.WriteString("code=$?\n")
	fmt.Fprintf(&b, "echo \"$code\" > %s\n", shellQuote(filepath.Join(staged.JobDir, ExitMarker)))
	b.WriteString("exit \"$code\"\n")
	return b.String()
}

func buildManifest(spec *job.Spec, staged *stage.StagedJob) ([]byte, error) {
	entries := make([]manifestEntry, 0, len(spec.Inputs))
	for _, in := range spec.Inputs {
		entries = append(entries, manifestEntry{
			Name:   in.Name,
			Source: in.Source,
			Mode:   string(in.Mode),
			Path:   staged.Inputs[in.Name],
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadExitStatus reads the marker a completed entry script left behind.
// ok is false when the marker does not exist yet.
func ReadExitStatus(jobDir string) (code int, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(jobDir, ExitMarker))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	code, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("malformed exit marker: %w", err)
	}
	return code, true, nil
}

// shellQuote single-quotes a value for safe interpolation into bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
