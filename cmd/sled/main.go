// sled runs a batch of jobs against a compute backend and writes one
// result record per job.
//
// Usage:
//
//	sled [-backend dummy|slurm|transient] [-o results.json] batch.json
//
// The batch file is a JSON array of job specifications. Everything else
// is configured through SLED_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sled/internal/backend"
	"sled/internal/backend/dummy"
	"sled/internal/backend/slurm"
	"sled/internal/backend/transient"
	"sled/internal/config"
	"sled/internal/controller"
	"sled/internal/job"
	"sled/internal/notify"
	"sled/internal/observability"
	"sled/internal/stage"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Batch run failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	svcCfg := config.LoadServiceConfig()

	backendFlag := flag.String("backend", svcCfg.BackendKind, "backend variant: dummy, slurm, or transient")
	outFlag := flag.String("o", "", "write results JSON to this file instead of stdout")
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: sled [flags] <batch.json>")
	}

	specs, err := loadBatch(flag.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	go serveMetrics(svcCfg.MetricsPort, metricsHandler)

	stagingRoot := svcCfg.StagingRoot
	if stagingRoot == "" {
		stagingRoot = filepath.Join(os.TempDir(), "sled-"+job.NewBatchID())
	}

	localizer, err := stage.NewLocalizer(stagingRoot, svcCfg.OutputRoot, metrics)
	if err != nil {
		return err
	}

	ctlCfg := config.LoadControllerConfig()
	if !ctlCfg.KeepStaging {
		defer func() {
			if err := localizer.Cleanup(); err != nil {
				slog.Warn("Failed to clean staging tree", "error", err)
			}
		}()
	}

	be, err := buildBackend(*backendFlag, stagingRoot)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Nop{}
	if svcCfg.NotifyURL != "" {
		mem := notify.NewMemory(notify.MemoryConfig{
			URL:        svcCfg.NotifyURL,
			SigningKey: svcCfg.NotifyKey,
		}, metrics)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer closeCancel()
			if err := mem.Close(closeCtx); err != nil {
				slog.Warn("Notifier close", "error", err)
			}
		}()
		notifier = mem
	}

	ctl, err := controller.New(controller.Options{
		Backend:   be,
		Localizer: localizer,
		Notifier:  notifier,
		Metrics:   metrics,
		Config:    ctlCfg,
	})
	if err != nil {
		return err
	}

	// First signal cancels the batch gracefully, second exits hard.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Warn("Signal received, cancelling batch")
		ctl.Cancel(context.Background())
		<-sigCh
		slog.Error("Second signal, exiting")
		os.Exit(1)
	}()

	slog.Info("Batch starting", "batch", ctl.BatchID(), "jobs", len(specs), "backend", be.Kind())
	results, runErr := ctl.Run(ctx, specs)

	if results != nil {
		if err := writeResults(*outFlag, results); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	for _, r := range results {
		if r.State != job.Succeeded.String() {
			return fmt.Errorf("%d of %d jobs did not succeed", countNotSucceeded(results), len(results))
		}
	}
	return nil
}

func buildBackend(kind, stagingRoot string) (backend.Backend, error) {
	switch kind {
	case "dummy":
		return dummy.New(dummy.Options{
			QueueDelay: 10 * time.Millisecond,
			RunDelay:   50 * time.Millisecond,
		}), nil
	case "slurm":
		return slurm.New(slurm.Options{
			Partition: config.GetEnv("SLED_SLURM_PARTITION", ""),
		}), nil
	case "transient":
		return transient.New(config.LoadTransientConfig(), stagingRoot)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func loadBatch(path string) ([]*job.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var specs []*job.Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	return specs, nil
}

func writeResults(path string, results []job.Result) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func countNotSucceeded(results []job.Result) int {
	n := 0
	for _, r := range results {
		if r.State != job.Succeeded.String() {
			n++
		}
	}
	return n
}

func serveMetrics(port string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	addr := ":" + port
	slog.Info("Metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("Metrics server stopped", "error", err)
	}
}
