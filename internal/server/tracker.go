package server

import (
	"sync"
	"time"

	"github.com/jaa/clipstitch/internal/output"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is the snapshot served on /progress.
type Status struct {
	JobID     string    `json:"job_id,omitempty"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	Sources   int       `json:"sources"`
	Step      int       `json:"step"`
	SourceID  string    `json:"source_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker follows transcode events so the HTTP surface can report on the
// running job. It is an output.EventEmitter.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

func NewTracker() *Tracker {
	return &Tracker{status: Status{State: StateIdle, Progress: -1}}
}

func (t *Tracker) Emit(event output.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Event {
	case output.EventTranscodeStarted:
		t.status = Status{
			JobID:    event.JobID,
			State:    StateRunning,
			Progress: -1,
			Sources:  detailInt(event.Details, "sources"),
		}
	case output.EventStepOpened:
		t.status.Step = detailInt(event.Details, "step") + 1
		t.status.SourceID = event.SourceID
	case output.EventProgress:
		if event.Progress != nil {
			t.status.Progress = *event.Progress
		}
	case output.EventTranscodeFinished:
		t.status.State = StateSucceeded
	case output.EventTranscodeFailed:
		t.status.State = StateFailed
		if msg, ok := event.Details["error"].(string); ok {
			t.status.Error = msg
		} else {
			t.status.Error = event.Message
		}
	default:
		return nil
	}
	if event.JobID != "" {
		t.status.JobID = event.JobID
	}
	t.status.UpdatedAt = event.Timestamp
	return nil
}

func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func detailInt(details map[string]any, key string) int {
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
