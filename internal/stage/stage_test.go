package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sled/internal/apperrors"
	"sled/internal/job"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalizeCopyAndLiteral(t *testing.T) {
	t.Parallel()

	src := writeFile(t, filepath.Join(t.TempDir(), "reads.fq"), "ACGT")
	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	spec := &job.Spec{
		Name:    "align-0",
		Command: []string{"true"},
		Inputs: []job.InputBinding{
			{Name: "reads", Source: src},
			{Name: "threads", Source: "4", Mode: job.ModeLiteral},
		},
	}

	staged, err := loc.Localize(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	if staged.Inputs["threads"] != "4" {
		t.Errorf("literal binding = %q, want %q", staged.Inputs["threads"], "4")
	}

	stagedPath := staged.Inputs["reads"]
	data, err := os.ReadFile(stagedPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ACGT" {
		t.Errorf("staged content = %q, want %q", data, "ACGT")
	}
	if filepath.Dir(stagedPath) != loc.Layout().CommonDir() {
		t.Errorf("copy staged under %s, want common dir", filepath.Dir(stagedPath))
	}

	for _, key := range []string{"SLED_ROOT", "SLED_COMMON", "SLED_JOBS", "SLED_OUTPUT", "SLED_JOB_ROOT", "SLED_JOB_INPUTS", "reads", "threads"} {
		if staged.Env[key] == "" {
			t.Errorf("env missing %s", key)
		}
	}
}

func TestLocalizeSharesRepeatedSources(t *testing.T) {
	t.Parallel()

	src := writeFile(t, filepath.Join(t.TempDir(), "ref.fa"), "reference")
	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		spec := &job.Spec{
			Name:    name,
			Command: []string{"true"},
			Inputs:  []job.InputBinding{{Name: "ref", Source: src, Mode: job.ModeCopy}},
		}
		staged, err := loc.Localize(context.Background(), spec)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, staged.Inputs["ref"])
	}

	if paths[0] != paths[1] || paths[1] != paths[2] {
		t.Errorf("repeated source staged to distinct paths: %v", paths)
	}
}

func TestLocalizeIsDeterministic(t *testing.T) {
	t.Parallel()

	src := writeFile(t, filepath.Join(t.TempDir(), "in.txt"), "payload")
	root := t.TempDir()

	spec := &job.Spec{
		Name:    "repeat",
		Command: []string{"true"},
		Inputs:  []job.InputBinding{{Name: "data", Source: src}},
	}

	loc1, err := NewLocalizer(root, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := loc1.Localize(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	firstData, err := os.ReadFile(first.Inputs["data"])
	if err != nil {
		t.Fatal(err)
	}

	// A fresh engine over the same root and spec lands on the same bytes
	// at the same paths.
	loc2, err := NewLocalizer(root, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := loc2.Localize(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if second.Inputs["data"] != first.Inputs["data"] {
		t.Errorf("paths differ across runs: %q vs %q", first.Inputs["data"], second.Inputs["data"])
	}
	secondData, err := os.ReadFile(second.Inputs["data"])
	if err != nil {
		t.Fatal(err)
	}
	if string(firstData) != string(secondData) {
		t.Errorf("content differs across runs")
	}
}

func TestLocalizeSymlink(t *testing.T) {
	t.Parallel()

	src := writeFile(t, filepath.Join(t.TempDir(), "big.db"), "db")
	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	spec := &job.Spec{
		Name:    "linker",
		Command: []string{"true"},
		Inputs:  []job.InputBinding{{Name: "db", Source: src, Mode: job.ModeSymlink}},
	}
	staged, err := loc.Localize(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	target, err := os.Readlink(staged.Inputs["db"])
	if err != nil {
		t.Fatalf("expected symlink at %s: %v", staged.Inputs["db"], err)
	}
	if target != src {
		t.Errorf("symlink target = %q, want %q", target, src)
	}
}

func TestLocalizeMissingSourceFailsBeforeStaging(t *testing.T) {
	t.Parallel()

	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	spec := &job.Spec{
		Name:    "doomed",
		Command: []string{"true"},
		Inputs: []job.InputBinding{
			{Name: "ok", Source: writeFile(t, filepath.Join(t.TempDir(), "ok.txt"), "x"), Mode: job.ModeCopy},
			{Name: "gone", Source: "/nonexistent/never.txt", Mode: job.ModeCopy},
		},
	}

	_, err = loc.Localize(context.Background(), spec)
	if !errors.Is(err, apperrors.ErrLocalization) {
		t.Fatalf("expected localization error, got %v", err)
	}

	// Fail fast: nothing was staged for the job.
	if _, statErr := os.Stat(loc.Layout().JobDir("doomed")); !os.IsNotExist(statErr) {
		t.Errorf("job dir exists after failed localization")
	}
}

func TestLocalizeRejectsRemoteSymlink(t *testing.T) {
	t.Parallel()

	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	spec := &job.Spec{
		Name:    "bad",
		Command: []string{"true"},
		Inputs:  []job.InputBinding{{Name: "x", Source: "https://example.com/f", Mode: job.ModeSymlink}},
	}
	if _, err := loc.Localize(context.Background(), spec); !errors.Is(err, apperrors.ErrLocalization) {
		t.Fatalf("expected localization error, got %v", err)
	}
}

func TestLocalizeStreamDefersRemoteFetch(t *testing.T) {
	t.Parallel()

	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	spec := &job.Spec{
		Name:    "streamer",
		Command: []string{"true"},
		Inputs:  []job.InputBinding{{Name: "feed", Source: "https://example.com/data.gz", Mode: job.ModeStream}},
	}
	staged, err := loc.Localize(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	if len(staged.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(staged.Streams))
	}
	if staged.Streams[0].Source != "https://example.com/data.gz" {
		t.Errorf("stream source = %q", staged.Streams[0].Source)
	}
	// Nothing fetched eagerly.
	if _, err := os.Stat(staged.Streams[0].Dest); !os.IsNotExist(err) {
		t.Errorf("stream dest materialized eagerly")
	}
}

func TestAltPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if got := altPath(path); got != path {
		t.Errorf("fresh path rewritten to %q", got)
	}
	writeFile(t, path, "x")
	if got := altPath(path); got != filepath.Join(dir, "data._alt.txt") {
		t.Errorf("collision path = %q", got)
	}
}

func TestDelocalize(t *testing.T) {
	t.Parallel()

	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	spec := &job.Spec{
		Name:    "writer",
		Command: []string{"true"},
		Outputs: []job.OutputBinding{
			{Name: "bam", Pattern: "*.bam"},
			{Name: "logs", Pattern: "logs/*.txt"},
		},
	}
	staged, err := loc.Localize(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(staged.WorkspaceDir, "out.bam"), "bam")
	writeFile(t, filepath.Join(staged.WorkspaceDir, "nested", "deep.bam"), "bam2")
	writeFile(t, filepath.Join(staged.WorkspaceDir, "logs", "run.txt"), "log")

	deloc := NewDelocalizer(loc.Layout(), nil)
	res := deloc.Delocalize(context.Background(), spec, true)

	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	// Basename matching reaches nested files too.
	if got := len(res.Outputs["bam"]); got != 2 {
		t.Errorf("bam outputs = %d, want 2", got)
	}
	if got := len(res.Outputs["logs"]); got != 1 {
		t.Errorf("logs outputs = %d, want 1", got)
	}
	for _, paths := range res.Outputs {
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				t.Errorf("collected output missing: %v", err)
			}
		}
	}
}

func TestDelocalizeMissingOutput(t *testing.T) {
	t.Parallel()

	loc, err := NewLocalizer(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	spec := &job.Spec{
		Name:    "empty",
		Command: []string{"true"},
		Outputs: []job.OutputBinding{{Name: "bam", Pattern: "*.bam"}},
	}
	if _, err := loc.Localize(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	deloc := NewDelocalizer(loc.Layout(), nil)

	// A successful job with no matching file warns.
	res := deloc.Delocalize(context.Background(), spec, true)
	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], apperrors.ErrMissingOutput) {
		t.Errorf("want one missing-output warning, got %v", res.Warnings)
	}

	// A failed job producing nothing is not warned about.
	res = deloc.Delocalize(context.Background(), spec, false)
	if len(res.Warnings) != 0 {
		t.Errorf("failed job should not warn on missing outputs, got %v", res.Warnings)
	}
}
