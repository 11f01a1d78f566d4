package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sled/internal/apperrors"
	"sled/internal/job"
)

// MetricsRecorder is an optional interface for recording staging metrics.
type MetricsRecorder interface {
	RecordLocalize(ctx context.Context, durationSeconds float64, bytes int64, success bool)
	RecordDelocalize(ctx context.Context, durationSeconds float64, warnings int)
}

// Localizer resolves a job's declared inputs into concrete paths on the
// staging tree before submission. It retains no job state beyond a single
// Localize call, except the batch-wide shared-input cache.
type Localizer struct {
	layout  Layout
	client  *http.Client
	logger  *slog.Logger
	metrics MetricsRecorder

	mu     sync.Mutex
	shared map[string]*sharedEntry
}

// sharedEntry stages one read-only source exactly once per batch.
type sharedEntry struct {
	once  sync.Once
	path  string
	bytes int64
	err   error
}

// NewLocalizer creates a Localizer rooted at the given staging directory,
// creating the batch-level layout. outputRoot relocates collected outputs
// outside the staging tree; empty keeps them under <root>/outputs.
func NewLocalizer(root, outputRoot string, metrics MetricsRecorder) (*Localizer, error) {
	layout := Layout{Root: root, OutputRoot: outputRoot}
	if err := layout.Create(); err != nil {
		return nil, fmt.Errorf("failed to create staging layout: %w", err)
	}
	return &Localizer{
		layout:  layout,
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  slog.With("component", "localizer"),
		metrics: metrics,
		shared:  make(map[string]*sharedEntry),
	}, nil
}

// Layout returns the staging layout.
func (l *Localizer) Layout() Layout { return l.layout }

// Localize stages every input binding of one job. Fail fast: sources are
// checked before anything touches the filesystem, and a partially staged
// job directory is removed on error so a job that will not be submitted
// leaves nothing behind.
func (l *Localizer) Localize(ctx context.Context, spec *job.Spec) (*StagedJob, error) {
	start := time.Now()
	staged, bytes, err := l.localize(ctx, spec)

	if l.metrics != nil {
		l.metrics.RecordLocalize(ctx, time.Since(start).Seconds(), bytes, err == nil)
	}
	return staged, err
}

func (l *Localizer) localize(ctx context.Context, spec *job.Spec) (*StagedJob, int64, error) {
	// Check every source before staging anything.
	for _, in := range spec.Inputs {
		if err := l.checkSource(in); err != nil {
			return nil, 0, err
		}
	}

	staged := &StagedJob{
		JobName:      spec.Name,
		JobDir:       l.layout.JobDir(spec.Name),
		InputDir:     l.layout.InputDir(spec.Name),
		WorkspaceDir: l.layout.WorkspaceDir(spec.Name),
		Inputs:       make(map[string]string, len(spec.Inputs)),
	}

	for _, dir := range []string{staged.InputDir, staged.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, 0, apperrors.LocalizationWrap(spec.Name, "stage.mkdir", err)
		}
	}

	var totalBytes int64
	for _, in := range spec.Inputs {
		n, err := l.stageInput(ctx, spec.Name, in, staged)
		if err != nil {
			// Never leave a partially staged job behind.
			if rmErr := os.RemoveAll(staged.JobDir); rmErr != nil {
				l.logger.Warn("Failed to clean partially staged job", "job", spec.Name, "error", rmErr)
			}
			return nil, 0, err
		}
		totalBytes += n
	}

	staged.Env = l.environment(staged)
	l.logger.Debug("Job localized", "job", spec.Name, "inputs", len(spec.Inputs), "bytes", totalBytes)
	return staged, totalBytes, nil
}

// checkSource validates one binding without staging it.
func (l *Localizer) checkSource(in job.InputBinding) error {
	mode := effectiveMode(in)
	switch mode {
	case job.ModeLiteral:
		return nil
	case job.ModeSymlink:
		if isRemote(in.Source) {
			return apperrors.Localization("", fmt.Sprintf("input %q: cannot symlink remote source %q", in.Name, in.Source))
		}
		fallthrough
	case job.ModeCopy:
		if isRemote(in.Source) {
			return nil
		}
		if _, err := os.Stat(in.Source); err != nil {
			return apperrors.Localization("", fmt.Sprintf("input %q: source %q: %v", in.Name, in.Source, err))
		}
		return nil
	case job.ModeStream:
		if !isRemote(in.Source) {
			// Degrades to an eager copy below; the file must exist.
			if _, err := os.Stat(in.Source); err != nil {
				return apperrors.Localization("", fmt.Sprintf("input %q: source %q: %v", in.Name, in.Source, err))
			}
		}
		return nil
	default: // auto: anything that is neither a file nor a URL binds as a literal
		return nil
	}
}

// effectiveMode resolves ModeAuto into a concrete staging action.
func effectiveMode(in job.InputBinding) job.StageMode {
	mode := in.Mode
	if mode == "" {
		mode = job.ModeAuto
	}
	if mode != job.ModeAuto {
		return mode
	}
	if isRemote(in.Source) {
		return job.ModeCopy
	}
	if info, err := os.Stat(in.Source); err == nil && !info.IsDir() {
		return job.ModeCopy
	}
	return job.ModeLiteral
}

// stageInput materializes one binding and records it in staged.Inputs.
func (l *Localizer) stageInput(ctx context.Context, jobName string, in job.InputBinding, staged *StagedJob) (int64, error) {
	switch effectiveMode(in) {
	case job.ModeLiteral:
		staged.Inputs[in.Name] = in.Source
		return 0, nil

	case job.ModeSymlink:
		source, err := filepath.Abs(in.Source)
		if err != nil {
			return 0, apperrors.LocalizationWrap(jobName, "stage.abs", err)
		}
		dest := altPath(filepath.Join(staged.InputDir, filepath.Base(in.Source)))
		if err := os.Symlink(source, dest); err != nil {
			return 0, apperrors.LocalizationWrap(jobName, "stage.symlink", err)
		}
		staged.Inputs[in.Name] = dest
		return 0, nil

	case job.ModeStream:
		if isRemote(in.Source) {
			// Materialized as a FIFO by the worker contract at job startup.
			dest := altPath(filepath.Join(staged.InputDir, filepath.Base(in.Source)))
			staged.Streams = append(staged.Streams, StreamInput{Name: in.Name, Source: in.Source, Dest: dest})
			staged.Inputs[in.Name] = dest
			return 0, nil
		}
		l.logger.Warn("Stream mode for local source, staging eagerly", "job", jobName, "input", in.Name)
		fallthrough

	default: // copy
		path, bytes, err := l.stageShared(ctx, jobName, in.Source)
		if err != nil {
			return 0, err
		}
		staged.Inputs[in.Name] = path
		return bytes, nil
	}
}

// stageShared stages a read-only source into the common directory exactly
// once per batch, keyed by a hash of the source reference. Jobs sharing a
// node therefore share one immutable copy and cannot corrupt each other's
// view. Stream and symlink modes never pass through here.
func (l *Localizer) stageShared(ctx context.Context, jobName, source string) (string, int64, error) {
	key := sourceKey(source)

	l.mu.Lock()
	entry, ok := l.shared[key]
	if !ok {
		entry = &sharedEntry{}
		l.shared[key] = entry
	}
	l.mu.Unlock()

	entry.once.Do(func() {
		dest := filepath.Join(l.layout.CommonDir(), key+"-"+filepath.Base(source))
		if isRemote(source) {
			entry.bytes, entry.err = fetch(ctx, l.client, source, dest)
		} else {
			entry.bytes, entry.err = copyFile(source, dest)
		}
		entry.path = dest
	})

	if entry.err != nil {
		return "", 0, apperrors.LocalizationWrap(jobName, "stage.copy", entry.err)
	}
	return entry.path, entry.bytes, nil
}

// environment builds the worker-contract environment for a staged job.
func (l *Localizer) environment(staged *StagedJob) map[string]string {
	env := map[string]string{
		"SLED_ROOT":       l.layout.Root,
		"SLED_COMMON":     l.layout.CommonDir(),
		"SLED_JOBS":       l.layout.JobsDir(),
		"SLED_OUTPUT":     l.layout.OutputDir(),
		"SLED_JOB_ROOT":   staged.WorkspaceDir,
		"SLED_JOB_INPUTS": staged.InputDir,
	}
	for name, value := range staged.Inputs {
		env[name] = value
	}
	return env
}

// RemoveJob deletes a job's staging directory after delocalization.
func (l *Localizer) RemoveJob(name string) error {
	return os.RemoveAll(l.layout.JobDir(name))
}

// Cleanup removes the whole staging tree.
func (l *Localizer) Cleanup() error {
	return os.RemoveAll(l.layout.Root)
}

// sourceKey hashes a source reference for the shared cache.
func sourceKey(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:8])
}

// altPath returns path, or a ._alt-suffixed variant if path already exists,
// so two bindings with the same basename cannot clobber each other.
func altPath(path string) string {
	for {
		if _, err := os.Lstat(path); err != nil {
			return path
		}
		ext := filepath.Ext(path)
		path = path[:len(path)-len(ext)] + "._alt" + ext
	}
}
