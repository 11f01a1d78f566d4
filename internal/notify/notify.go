// Package notify delivers job-lifecycle events to an external receiver.
// Events are queued in a bounded channel and delivered asynchronously by a
// worker pool; a full buffer drops rather than blocks the batch.
package notify

import (
	"errors"
	"time"

	"sled/internal/job"
	"sled/pkg/httpevent"

	"github.com/google/uuid"
)

// Event types emitted over a batch run.
const (
	TypeJobSubmitted   = "job.submitted"
	TypeJobTerminal    = "job.terminal"
	TypeJobDelocalized = "job.delocalized"
	TypeBatchDone      = "batch.done"
)

const eventSource = "sled/controller"

// ErrBufferFull is returned when the event queue is saturated.
var ErrBufferFull = errors.New("notify buffer full")

// Notifier accepts lifecycle events for async delivery.
type Notifier interface {
	Notify(event *httpevent.Event) error
}

// JobData is the payload for per-job events.
type JobData struct {
	Batch    string `json:"batch"`
	Job      string `json:"job"`
	ID       string `json:"id,omitempty"`
	State    string `json:"state,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// BatchData is the payload for the batch.done event.
type BatchData struct {
	Batch     string `json:"batch"`
	Jobs      int    `json:"jobs"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Killed    int    `json:"killed"`
}

// NewJobEvent builds a per-job lifecycle event.
func NewJobEvent(eventType, batchID string, j *job.Job) *httpevent.Event {
	return &httpevent.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  eventSource,
		Subject: j.Spec.Name,
		Time:    time.Now().UTC(),
		Data: JobData{
			Batch:    batchID,
			Job:      j.Spec.Name,
			ID:       j.BackendID(),
			State:    j.State().String(),
			ExitCode: j.ExitCode(),
			Attempts: j.Attempts(),
		},
	}
}

// NewBatchEvent builds the end-of-batch summary event.
func NewBatchEvent(batchID string, data BatchData) *httpevent.Event {
	return &httpevent.Event{
		ID:      uuid.NewString(),
		Type:    TypeBatchDone,
		Source:  eventSource,
		Subject: batchID,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// Nop is a Notifier that discards every event. Used when no receiver is
// configured.
type Nop struct{}

func (Nop) Notify(*httpevent.Event) error { return nil }
