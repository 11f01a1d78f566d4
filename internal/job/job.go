package job

import (
	"fmt"
	"sync"
)

// Job pairs an immutable Spec with its mutable run state. The controller
// is the sole owner of Job records; backends only ever return observations
// keyed by the id they issued at submission.
type Job struct {
	Spec *Spec

	mu         sync.Mutex
	state      State
	terminal   State // terminal state the job passed through, once reached
	backendID  string
	exitCode   *int
	workingDir string
	attempts   int
	err        error
	warnings   []error
	outputs    map[string][]string
}

// New creates a Job in the Pending state.
func New(spec *Spec) *Job {
	return &Job{Spec: spec, state: Pending}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job along a legal lifecycle edge.
func (j *Job) Transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !CanTransition(j.state, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", j.state, to, j.Spec.Name)
	}
	j.state = to
	if to.Terminal() {
		j.terminal = to
	}
	if to == Pending {
		// Resubmission: backend identity, exit, and failure cause belong
		// to the previous attempt.
		j.backendID = ""
		j.exitCode = nil
		j.err = nil
		j.attempts++
	}
	return nil
}

// TerminalState returns the terminal state the job passed through, or
// Pending if it has not reached one.
func (j *Job) TerminalState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminal
}

// BackendID returns the identifier the backend issued at submission.
func (j *Job) BackendID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.backendID
}

// SetBackendID records the identifier issued by the backend.
func (j *Job) SetBackendID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.backendID = id
}

// ExitCode returns the recorded exit code, nil before a terminal state.
func (j *Job) ExitCode() *int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exitCode
}

// SetExitCode records the command's exit status. Set only on the
// transition into Succeeded or Failed.
func (j *Job) SetExitCode(code int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.exitCode = &code
}

// WorkingDir returns the execution-node path assigned during localization.
func (j *Job) WorkingDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workingDir
}

// SetWorkingDir records the job's staged workspace. Owned exclusively by
// this job for its lifetime; never reused across jobs.
func (j *Job) SetWorkingDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.workingDir = dir
}

// Attempts returns how many times the job has been resubmitted.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Fail records the error that caused a Failed state.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
}

// Err returns the recorded failure cause, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Warn attaches a non-fatal warning (e.g. a missing declared output).
func (j *Job) Warn(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warnings = append(j.warnings, err)
}

// SetOutputs records the delocalized output locations.
func (j *Job) SetOutputs(outputs map[string][]string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outputs = outputs
}

// Result is the stable per-job record emitted at batch end. This is the
// contract surrounding CLI and report-generation collaborators consume.
type Result struct {
	Name     string              `json:"name"`
	ID       string              `json:"id,omitempty"` // backend-issued job id
	State    string              `json:"state"`
	ExitCode *int                `json:"exitCode,omitempty"`
	Outputs  map[string][]string `json:"outputs,omitempty"`
	Error    string              `json:"error,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Result snapshots the job into its final record.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Delocalized is bookkeeping; the record reports the terminal state.
	finalState := j.state
	if j.state == Delocalized {
		finalState = j.terminal
	}

	r := Result{
		Name:     j.Spec.Name,
		ID:       j.backendID,
		State:    finalState.String(),
		ExitCode: j.exitCode,
		Outputs:  j.outputs,
	}
	if j.err != nil {
		r.Error = j.err.Error()
	}
	for _, w := range j.warnings {
		r.Warnings = append(r.Warnings, w.Error())
	}
	return r
}
