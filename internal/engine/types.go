package engine

import (
	"time"

	"github.com/jaa/clipstitch/internal/media"
	"github.com/jaa/clipstitch/internal/timeline"
)

// Source is one input of a transcode. Durations are microseconds.
type Source interface {
	ID() string
	NativeFormat() media.Format
	// Start tells the source its step is about to be transcoded.
	Start() error
	// ReadUs is how much of the source has been consumed so far. It never
	// decreases.
	ReadUs() int64
	// DurationUs is the declared total duration.
	DurationUs() int64
	Release() error
}

// Sink receives the output of every step and serializes the final container.
type Sink interface {
	SetOrientation(degrees int) error
	Finish() error
	Release() error
}

// Worker transcodes one source into the sink.
type Worker interface {
	Setup(output media.Format) error
	// Step performs a bounded unit of work and reports whether anything
	// moved forward. forceEOS asks the worker to stop consuming its source.
	Step(forceEOS bool) (bool, error)
	Finished() bool
	Release() error
}

// Notifier is implemented by workers that can signal when more work is
// available, so the engine can stop waiting early.
type Notifier interface {
	Ready() <-chan struct{}
}

// FormatStrategy negotiates the output format from every source format.
type FormatStrategy interface {
	Negotiate(inputs []media.Format) (media.Format, error)
}

// WorkerParams binds a new worker to its step.
type WorkerParams struct {
	Index        int
	Source       Source
	Sink         Sink
	Interpolator timeline.Interpolator
	Rotation     int
}

type WorkerFactory func(WorkerParams) (Worker, error)

// ProgressFunc is called on the transcode goroutine; it must not block.
type ProgressFunc func(progress float64)

// Recorder observes the engine lifecycle, typically for metrics.
type Recorder interface {
	TranscodeStarted(sources int)
	StepOpened(index int)
	StepClosed(index int)
	Iteration(stepped bool)
	Progress(value float64)
	TranscodeFinished(outcome Outcome, elapsed time.Duration)
}

type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeFailed            Outcome = "failed"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeUnsupportedFormat Outcome = "unsupported_format"
)

// Request is everything a single transcode needs.
type Request struct {
	Sources      []Source
	Sink         Sink
	Strategy     FormatStrategy
	Interpolator timeline.Interpolator
	// Orientation is handed to the sink as container metadata.
	Orientation int
	// Rotation is applied by each worker to the frames themselves.
	Rotation int
}

type Result struct {
	JobID    string
	Sources  int
	Steps    int
	ReadUs   int64
	TotalUs  int64
	Progress float64
	Output   media.Format
	Elapsed  time.Duration
}

type noOpRecorder struct{}

func (noOpRecorder) TranscodeStarted(int)                    {}
func (noOpRecorder) StepOpened(int)                          {}
func (noOpRecorder) StepClosed(int)                          {}
func (noOpRecorder) Iteration(bool)                          {}
func (noOpRecorder) Progress(float64)                        {}
func (noOpRecorder) TranscodeFinished(Outcome, time.Duration) {}
