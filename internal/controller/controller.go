// Package controller drives a batch of jobs through its full lifecycle:
// validation, cluster startup, localization, admission-controlled
// submission, polling, output collection, and teardown.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sled/internal/apperrors"
	"sled/internal/backend"
	"sled/internal/config"
	"sled/internal/job"
	"sled/internal/notify"
	"sled/internal/observability"
	"sled/internal/stage"
	"sled/pkg/backoff"
)

// Phase is the batch-level position in the run.
type Phase int

const (
	Accepting Phase = iota
	Staging
	Dispatching
	Monitoring
	Collecting
	Done
)

func (p Phase) String() string {
	switch p {
	case Accepting:
		return "accepting"
	case Staging:
		return "staging"
	case Dispatching:
		return "dispatching"
	case Monitoring:
		return "monitoring"
	case Collecting:
		return "collecting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Options wires the controller's collaborators. Backend and Localizer are
// required; the rest default to no-ops.
type Options struct {
	Backend     backend.Backend
	Localizer   *stage.Localizer
	Delocalizer *stage.Delocalizer
	Notifier    notify.Notifier
	Metrics     *observability.Metrics
	Config      config.ControllerConfig
}

// Controller owns every Job record for one batch run. Backends only ever
// see specs and staged paths; job state lives here.
type Controller struct {
	backend     backend.Backend
	localizer   *stage.Localizer
	delocalizer *stage.Delocalizer
	notifier    notify.Notifier
	metrics     *observability.Metrics
	cfg         config.ControllerConfig
	logger      *slog.Logger

	batchID string
	jobs    []*job.Job

	// slots bounds |{Submitted, Running}|; held from just before submit
	// until the job reaches a terminal state.
	slots      chan struct{}
	stageSem   chan struct{}
	collectSem chan struct{}

	mu           sync.Mutex
	phase        Phase
	started      bool
	undispatched int

	// dispatched closes once every job has either been handed to the
	// backend or left the submission pipeline without reaching it.
	dispatched chan struct{}

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// New creates a controller for one batch run. Controllers are single-use.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Localizer == nil {
		return nil, fmt.Errorf("localizer is required")
	}

	cfg := opts.Config
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollRetries < 0 {
		cfg.PollRetries = 0
	}
	if cfg.UnknownGrace <= 0 {
		cfg.UnknownGrace = 3
	}
	if cfg.StageWorkers <= 0 {
		cfg.StageWorkers = 8
	}
	if cfg.CollectWorkers <= 0 {
		cfg.CollectWorkers = 8
	}

	delocalizer := opts.Delocalizer
	if delocalizer == nil {
		// A nil *Metrics wrapped in the interface would be non-nil to the
		// recorder's own guard, so only convert when there is a recorder.
		var recorder stage.MetricsRecorder
		if opts.Metrics != nil {
			recorder = opts.Metrics
		}
		delocalizer = stage.NewDelocalizer(opts.Localizer.Layout(), recorder)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	batchID := job.NewBatchID()
	return &Controller{
		backend:     opts.Backend,
		localizer:   opts.Localizer,
		delocalizer: delocalizer,
		notifier:    notifier,
		metrics:     opts.Metrics,
		cfg:         cfg,
		logger:      slog.With("component", "controller", "batch", batchID),
		batchID:     batchID,
		slots:       make(chan struct{}, cfg.MaxConcurrent),
		stageSem:    make(chan struct{}, cfg.StageWorkers),
		collectSem:  make(chan struct{}, cfg.CollectWorkers),
		dispatched:  make(chan struct{}),
		cancelled:   make(chan struct{}),
	}, nil
}

// BatchID returns the generated identifier for this run.
func (c *Controller) BatchID() string { return c.batchID }

// Phase returns the batch-level phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.logger.Debug("Batch phase", "phase", p.String())
}

// Jobs returns the controller's job records, in submission order.
func (c *Controller) Jobs() []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs
}

// Cancel requests batch-level cancellation: every non-terminal job is
// driven to Killed, and jobs that already reached a terminal state still
// get their outputs collected.
func (c *Controller) Cancel(ctx context.Context) {
	c.cancelOnce.Do(func() {
		c.logger.Info("Batch cancellation requested")
		close(c.cancelled)

		for _, j := range c.Jobs() {
			if j.State().Active() {
				if err := c.backend.Kill(ctx, j.BackendID()); err != nil {
					c.logger.Warn("Failed to kill job", "job", j.Spec.Name, "error", err)
				}
			}
		}
	})
}

func (c *Controller) isCancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

// Run executes the whole batch and returns one result record per job, in
// input order. Single-job failures never abort the batch; validation and
// cluster provisioning failures do.
func (c *Controller) Run(ctx context.Context, specs []*job.Spec) ([]job.Result, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, apperrors.Conflict("batch", c.batchID, "controller already ran a batch")
	}
	c.started = true
	c.mu.Unlock()

	c.setPhase(Accepting)
	if err := job.ValidateBatch(specs); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.jobs = make([]*job.Job, len(specs))
	for i, spec := range specs {
		c.jobs[i] = job.New(spec)
	}
	jobs := c.jobs
	c.undispatched = len(jobs)
	c.mu.Unlock()
	if len(jobs) == 0 {
		close(c.dispatched)
	}

	// Cluster lifecycle is once per batch. A provisioning failure aborts
	// before any job is submitted.
	start := time.Now()
	err := c.backend.StartCluster(ctx)
	if c.metrics != nil {
		c.metrics.RecordProvision(ctx, c.backend.Kind(), time.Since(start).Seconds(), err == nil)
	}
	if err != nil {
		c.logger.Error("Cluster start failed", "error", err)
		c.setPhase(Done)
		return c.results(), err
	}

	c.setPhase(Staging)
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runJob(ctx, j)
		}()
	}

	// Under admission control the batch dispatches until the last job
	// clears the submission pipeline, then only polling remains.
	c.setPhase(Dispatching)
	<-c.dispatched
	c.setPhase(Monitoring)
	wg.Wait()

	c.setPhase(Collecting)
	if err := c.backend.StopCluster(ctx); err != nil {
		c.logger.Warn("Cluster stop reported error", "error", err)
	}

	results := c.results()
	c.emitBatchDone(results)
	c.setPhase(Done)
	c.logger.Info("Batch complete", "jobs", len(results))
	return results, nil
}

// runJob drives one job from Pending to Delocalized, including optional
// resubmission attempts for jobs carrying a retry budget.
func (c *Controller) runJob(ctx context.Context, j *job.Job) {
	var dispatchOnce sync.Once
	dispatched := func() { dispatchOnce.Do(c.markDispatched) }
	defer dispatched()

	for {
		c.runAttempt(ctx, j, dispatched)

		terminal := j.TerminalState()
		if terminal == job.Failed && j.Attempts() < j.Spec.RetryLimit && !c.isCancelled() {
			if err := j.Transition(job.Pending); err != nil {
				c.logger.Error("Resubmission transition failed", "job", j.Spec.Name, "error", err)
				break
			}
			c.logger.Info("Resubmitting failed job", "job", j.Spec.Name, "attempt", j.Attempts())
			continue
		}
		break
	}

	c.collect(ctx, j)

	if j.TerminalState() == job.Failed && c.cfg.FailFast {
		c.logger.Warn("Fail-fast triggered", "job", j.Spec.Name)
		c.Cancel(context.WithoutCancel(ctx))
	}
}

// runAttempt performs one localize/submit/monitor cycle, leaving the job
// in a terminal state. dispatched marks the job as past the submission
// pipeline; it is idempotent across resubmission attempts.
func (c *Controller) runAttempt(ctx context.Context, j *job.Job, dispatched func()) {
	if c.isCancelled() {
		c.kill(j)
		dispatched()
		return
	}

	staged, ok := c.localize(ctx, j)
	if !ok {
		dispatched()
		return
	}

	// Admission: wait for a slot before submission.
	select {
	case c.slots <- struct{}{}:
	case <-c.cancelled:
		c.kill(j)
		dispatched()
		return
	case <-ctx.Done():
		c.kill(j)
		dispatched()
		return
	}
	defer func() { <-c.slots }()

	ok = c.submit(ctx, j, staged)
	dispatched()
	if !ok {
		return
	}
	c.monitor(ctx, j)
}

func (c *Controller) markDispatched() {
	c.mu.Lock()
	c.undispatched--
	done := c.undispatched == 0
	c.mu.Unlock()
	if done {
		close(c.dispatched)
	}
}

// localize stages the job's inputs. A failure is fatal to this job only.
func (c *Controller) localize(ctx context.Context, j *job.Job) (*stage.StagedJob, bool) {
	c.stageSem <- struct{}{}
	defer func() { <-c.stageSem }()

	if err := j.Transition(job.Localizing); err != nil {
		c.logger.Error("Transition failed", "job", j.Spec.Name, "error", err)
		return nil, false
	}

	staged, err := c.localizer.Localize(ctx, j.Spec)
	if err != nil {
		c.logger.Warn("Localization failed", "job", j.Spec.Name, "error", err)
		j.Fail(err)
		c.transition(j, job.Failed)
		return nil, false
	}
	j.SetWorkingDir(staged.WorkspaceDir)
	return staged, true
}

// submit hands the job to the backend, retrying capacity rejections with
// backoff. Returns false when the job failed or was killed instead.
func (c *Controller) submit(ctx context.Context, j *job.Job, staged *stage.StagedJob) bool {
	boCfg := &backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.PollRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Exponential(attempt, boCfg)):
			case <-c.cancelled:
				c.kill(j)
				return false
			case <-ctx.Done():
				c.kill(j)
				return false
			}
		}
		if c.isCancelled() {
			c.kill(j)
			return false
		}

		id, err := c.backend.Submit(ctx, j.Spec, staged)
		if err == nil {
			j.SetBackendID(id)
			c.transition(j, job.Submitted)
			if c.metrics != nil {
				c.metrics.RecordJobAdmitted(ctx, c.backend.Kind())
			}
			c.emitJobEvent(notify.TypeJobSubmitted, j)
			return true
		}

		lastErr = err
		if !apperrors.IsRetryable(err) {
			break
		}
		c.logger.Debug("Submission rejected, retrying", "job", j.Spec.Name, "attempt", attempt, "error", err)
	}

	c.logger.Warn("Submission failed", "job", j.Spec.Name, "error", lastErr)
	j.Fail(lastErr)
	c.transition(j, job.Failed)
	return false
}

// monitor polls the backend until the job reaches a terminal state.
func (c *Controller) monitor(ctx context.Context, j *job.Job) {
	submitTime := time.Now()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	unknownStreak := 0
	killRequested := false
	for {
		// Cancel() races with submission: a job submitted after the kill
		// sweep issues its own kill here.
		if c.isCancelled() && !killRequested {
			killRequested = true
			if err := c.backend.Kill(ctx, j.BackendID()); err != nil {
				c.logger.Warn("Failed to kill job", "job", j.Spec.Name, "error", err)
			}
		}

		obs, err := c.pollWithRetry(ctx, j.BackendID())
		if err != nil {
			// Transport retries exhausted: the job is lost to us.
			c.logger.Warn("Polling failed, marking job failed", "job", j.Spec.Name, "error", err)
			j.Fail(err)
			c.ensureRunning(j)
			c.transition(j, job.Failed)
			c.finishAttempt(ctx, j, submitTime)
			return
		}

		if obs.Kind == backend.Unknown {
			unknownStreak++
			if unknownStreak >= c.cfg.UnknownGrace {
				j.Fail(apperrors.Backend("poll", j.BackendID(),
					fmt.Errorf("job unknown to backend after %d consecutive polls", unknownStreak)))
				c.ensureRunning(j)
				c.transition(j, job.Failed)
				c.finishAttempt(ctx, j, submitTime)
				return
			}
		} else {
			unknownStreak = 0
		}

		switch obs.Kind {
		case backend.Queued, backend.Unknown:
			// Still waiting.

		case backend.Running:
			if j.State() == job.Submitted {
				c.transition(j, job.Running)
			}

		case backend.Succeeded:
			c.ensureRunning(j)
			j.SetExitCode(obs.ExitCode)
			c.transition(j, job.Succeeded)
			c.finishAttempt(ctx, j, submitTime)
			return

		case backend.Failed:
			c.ensureRunning(j)
			j.SetExitCode(obs.ExitCode)
			j.Fail(fmt.Errorf("command exited with status %d", obs.ExitCode))
			c.transition(j, job.Failed)
			c.finishAttempt(ctx, j, submitTime)
			return

		case backend.Killed:
			c.transition(j, job.Killed)
			c.finishAttempt(ctx, j, submitTime)
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			c.kill(j)
			c.finishAttempt(ctx, j, submitTime)
			return
		}
	}
}

// pollWithRetry retries transient transport errors up to the configured
// budget. The job's command is never re-executed here.
func (c *Controller) pollWithRetry(ctx context.Context, id string) (backend.ObservedState, error) {
	boCfg := &backoff.Config{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.PollRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Exponential(attempt, boCfg)):
			case <-ctx.Done():
				return backend.ObservedState{}, ctx.Err()
			}
		}

		start := time.Now()
		obs, err := c.backend.Poll(ctx, id)
		if c.metrics != nil {
			c.metrics.RecordPoll(ctx, c.backend.Kind(), time.Since(start).Seconds(), err != nil)
		}
		if err == nil {
			return obs, nil
		}
		if !apperrors.IsRetryable(err) {
			return backend.ObservedState{}, err
		}
		lastErr = err
	}
	return backend.ObservedState{}, lastErr
}

// finishAttempt records metrics and emits the terminal event for one
// submission attempt.
func (c *Controller) finishAttempt(ctx context.Context, j *job.Job, submitTime time.Time) {
	if c.metrics != nil {
		c.metrics.RecordJobTerminal(ctx, c.backend.Kind(),
			j.TerminalState().String(), time.Since(submitTime).Seconds())
	}
	c.emitJobEvent(notify.TypeJobTerminal, j)
}

// collect delocalizes a terminal job and moves it to Delocalized. Killed
// jobs stay in Killed: collection only follows Succeeded and Failed, and
// their abandoned workspaces go down with the staging tree.
func (c *Controller) collect(ctx context.Context, j *job.Job) {
	terminal := j.TerminalState()
	if !terminal.Terminal() || terminal == job.Killed {
		return
	}

	c.collectSem <- struct{}{}
	defer func() { <-c.collectSem }()

	res := c.delocalizer.Delocalize(context.WithoutCancel(ctx), j.Spec, terminal == job.Succeeded)
	if len(res.Outputs) > 0 {
		j.SetOutputs(res.Outputs)
	}
	for _, w := range res.Warnings {
		j.Warn(w)
	}

	c.transition(j, job.Delocalized)
	c.emitJobEvent(notify.TypeJobDelocalized, j)

	// The worker contract forbids jobs from deleting their own workspace;
	// reclaiming it after collection is the controller's job.
	if !c.cfg.KeepStaging {
		if err := c.localizer.RemoveJob(j.Spec.Name); err != nil {
			c.logger.Warn("Failed to remove job staging dir", "job", j.Spec.Name, "error", err)
		}
	}
}

// kill drives a not-yet-terminal job to Killed.
func (c *Controller) kill(j *job.Job) {
	if j.State().Terminal() || j.State() == job.Delocalized {
		return
	}
	c.transition(j, job.Killed)
}

// ensureRunning inserts the Submitted -> Running edge when a poll skipped
// the Running observation, so terminal transitions stay legal.
func (c *Controller) ensureRunning(j *job.Job) {
	if j.State() == job.Submitted {
		c.transition(j, job.Running)
	}
}

func (c *Controller) transition(j *job.Job, to job.State) {
	if err := j.Transition(to); err != nil {
		c.logger.Error("Illegal transition", "job", j.Spec.Name, "error", err)
	}
}

func (c *Controller) results() []job.Result {
	jobs := c.Jobs()
	results := make([]job.Result, len(jobs))
	for i, j := range jobs {
		results[i] = j.Result()
	}
	return results
}

func (c *Controller) emitJobEvent(eventType string, j *job.Job) {
	if err := c.notifier.Notify(notify.NewJobEvent(eventType, c.batchID, j)); err != nil && err != notify.ErrBufferFull {
		c.logger.Debug("Event not queued", "type", eventType, "error", err)
	}
}

func (c *Controller) emitBatchDone(results []job.Result) {
	data := notify.BatchData{Batch: c.batchID, Jobs: len(results)}
	for _, r := range results {
		switch r.State {
		case job.Succeeded.String():
			data.Succeeded++
		case job.Failed.String():
			data.Failed++
		case job.Killed.String():
			data.Killed++
		}
	}
	if err := c.notifier.Notify(notify.NewBatchEvent(c.batchID, data)); err != nil && err != notify.ErrBufferFull {
		c.logger.Debug("Batch event not queued", "error", err)
	}
}
