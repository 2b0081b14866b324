package output

import "time"

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type EventName string

const (
	EventTranscodeStarted  EventName = "transcode_started"
	EventStepOpened        EventName = "step_opened"
	EventStepClosed        EventName = "step_closed"
	EventProgress          EventName = "progress"
	EventTranscodeFinished EventName = "transcode_finished"
	EventTranscodeFailed   EventName = "transcode_failed"
)

type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Event     EventName      `json:"event"`
	JobID     string         `json:"job_id,omitempty"`
	SourceID  string         `json:"source_id,omitempty"`
	Message   string         `json:"message"`
	Progress  *float64       `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
