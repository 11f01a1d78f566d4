package stage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sled/internal/apperrors"
	"sled/internal/job"
)

// CollectResult is the outcome of delocalizing one job.
type CollectResult struct {
	// Outputs maps each declared output name to the collected file paths.
	Outputs map[string][]string

	// Warnings holds non-fatal collection problems: declared outputs with
	// no match after a successful run, or files that could not be copied.
	Warnings []error
}

// Delocalizer collects declared outputs from job workspaces into the
// stable output directory. Collection never fails a job: every problem
// surfaces as a warning on the result instead.
type Delocalizer struct {
	layout  Layout
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewDelocalizer creates a Delocalizer over the same layout the Localizer
// staged into.
func NewDelocalizer(layout Layout, metrics MetricsRecorder) *Delocalizer {
	return &Delocalizer{
		layout:  layout,
		logger:  slog.With("component", "delocalizer"),
		metrics: metrics,
	}
}

// Delocalize copies every file under the job's workspace that matches a
// declared output pattern into outputs/<job>/<name>/. Patterns match
// against both the path relative to the workspace and the bare basename,
// so "*.bam" finds files in nested directories too.
//
// succeeded controls the missing-output rule: a declared output with no
// match is a warning only when the job actually succeeded.
func (d *Delocalizer) Delocalize(ctx context.Context, spec *job.Spec, succeeded bool) CollectResult {
	start := time.Now()
	res := d.collect(ctx, spec, succeeded)
	if d.metrics != nil {
		d.metrics.RecordDelocalize(ctx, time.Since(start).Seconds(), len(res.Warnings))
	}
	return res
}

func (d *Delocalizer) collect(ctx context.Context, spec *job.Spec, succeeded bool) CollectResult {
	res := CollectResult{Outputs: make(map[string][]string, len(spec.Outputs))}
	if len(spec.Outputs) == 0 {
		return res
	}

	workspace := d.layout.WorkspaceDir(spec.Name)

	for _, out := range spec.Outputs {
		if err := ctx.Err(); err != nil {
			res.Warnings = append(res.Warnings, apperrors.Delocalization(spec.Name, "collect", err))
			return res
		}

		matches, err := d.matchPattern(workspace, out.Pattern)
		if err != nil {
			res.Warnings = append(res.Warnings, apperrors.Delocalization(spec.Name, "collect.walk", err))
			continue
		}

		if len(matches) == 0 {
			if succeeded {
				res.Warnings = append(res.Warnings, apperrors.MissingOutput(spec.Name, out.Name, out.Pattern))
			}
			continue
		}

		destDir := filepath.Join(d.layout.JobOutputDir(spec.Name), out.Name)
		for _, match := range matches {
			dest := altPath(filepath.Join(destDir, filepath.Base(match)))
			if _, err := copyFile(match, dest); err != nil {
				res.Warnings = append(res.Warnings, apperrors.Delocalization(spec.Name, "collect.copy", err))
				continue
			}
			res.Outputs[out.Name] = append(res.Outputs[out.Name], dest)
		}
	}

	d.logger.Debug("Job delocalized", "job", spec.Name, "outputs", len(res.Outputs), "warnings", len(res.Warnings))
	return res
}

// matchPattern walks the workspace and returns regular files whose
// workspace-relative path or basename matches the glob.
func (d *Delocalizer) matchPattern(workspace, pattern string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(workspace, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A vanished workspace means nothing to collect.
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			matches = append(matches, path)
			return nil
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}
