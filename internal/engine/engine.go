// Package engine drives a transcode made of one step per source: it opens
// and closes steps in order, stitches their timelines, tracks progress and
// guarantees every resource is released exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jaa/clipstitch/internal/media"
	"github.com/jaa/clipstitch/internal/output"
	"github.com/jaa/clipstitch/internal/strategy"
	"github.com/jaa/clipstitch/internal/timeline"
)

const (
	// ProgressInterval is the number of loop iterations between two
	// progress computations.
	ProgressInterval = 10
	// IdleWait is the longest pause taken after an iteration in which no
	// worker made progress.
	IdleWait = 10 * time.Millisecond
)

var (
	ErrCancelled = errors.New("transcode cancelled")
	ErrBusy      = errors.New("engine is already transcoding")
)

type Options struct {
	Logger     *slog.Logger
	Emitter    output.EventEmitter
	Recorder   Recorder
	OnProgress ProgressFunc
	Now        func() time.Time
}

type Engine struct {
	newWorker  WorkerFactory
	logger     *slog.Logger
	emitter    output.EventEmitter
	recorder   Recorder
	onProgress ProgressFunc
	now        func() time.Time

	running  atomic.Bool
	progress atomic.Uint64
}

func New(newWorker WorkerFactory, opts Options) *Engine {
	e := &Engine{
		newWorker:  newWorker,
		logger:     opts.Logger,
		emitter:    opts.Emitter,
		recorder:   opts.Recorder,
		onProgress: opts.OnProgress,
		now:        opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.emitter == nil {
		e.emitter = noOpEmitter{}
	}
	if e.recorder == nil {
		e.recorder = noOpRecorder{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.progress.Store(math.Float64bits(ProgressUnknown))
	return e
}

type noOpEmitter struct{}

func (noOpEmitter) Emit(event output.Event) error {
	return nil
}

// Progress returns the last published progress in [0, 1], or a negative
// value when unknown. Safe to call from any goroutine.
func (e *Engine) Progress() float64 {
	return math.Float64frombits(e.progress.Load())
}

// Transcode runs every step of req to completion and blocks until the sink
// is finished, a collaborator fails, or ctx is cancelled. The sink and every
// opened step are released on all paths.
func (e *Engine) Transcode(ctx context.Context, req Request) (result Result, err error) {
	if req.Sink == nil {
		return Result{}, errors.New("transcode: sink is required")
	}
	if req.Strategy == nil {
		return Result{}, errors.New("transcode: output strategy is required")
	}
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer e.running.Store(false)

	start := e.now()
	result = Result{JobID: uuid.NewString(), Sources: len(req.Sources)}
	logger := e.logger.With(slog.String("job_id", result.JobID))
	e.progress.Store(math.Float64bits(ProgressUnknown))

	steps := &stepSet{
		sources:   req.Sources,
		sink:      req.Sink,
		rotation:  req.Rotation,
		wrap:      req.Interpolator,
		newWorker: e.newWorker,
		onOpen: func(index int, source Source, base int64) {
			logger.Debug("step opened", slog.Int("step", index), slog.String("source_id", source.ID()), slog.Int64("time_base_us", base))
			e.recorder.StepOpened(index)
			e.emit(output.Event{
				Level:    output.LevelInfo,
				Event:    output.EventStepOpened,
				JobID:    result.JobID,
				SourceID: source.ID(),
				Message:  fmt.Sprintf("[%d/%d] %s", index+1, len(req.Sources), source.ID()),
				Details: map[string]any{
					"step":         index,
					"time_base_us": base,
					"duration_us":  source.DurationUs(),
				},
			})
		},
		onClose: func(index int, source Source) {
			logger.Debug("step closed", slog.Int("step", index), slog.String("source_id", source.ID()), slog.Int64("read_us", source.ReadUs()))
			e.recorder.StepClosed(index)
			e.emit(output.Event{
				Level:    output.LevelDebug,
				Event:    output.EventStepClosed,
				JobID:    result.JobID,
				SourceID: source.ID(),
				Message:  fmt.Sprintf("[%d/%d] %s done", index+1, len(req.Sources), source.ID()),
				Details: map[string]any{
					"step":    index,
					"read_us": source.ReadUs(),
				},
			})
		},
	}
	if steps.wrap == nil {
		steps.wrap = timeline.Identity()
	}

	finished := false
	defer func() {
		result.Steps = steps.opened()
		result.ReadUs = steps.readUs()
		result.TotalUs = steps.totalUs()

		if closeErr := steps.closeInFlight(); closeErr != nil {
			logger.Warn("closing in-flight step failed", slog.String("error", closeErr.Error()))
		}
		if releaseErr := req.Sink.Release(); releaseErr != nil {
			if err == nil {
				err = fmt.Errorf("release sink: %w", releaseErr)
			} else {
				logger.Warn("releasing sink failed", slog.String("error", releaseErr.Error()))
			}
		}

		result.Progress = e.Progress()
		result.Elapsed = e.now().Sub(start)
		outcome := outcomeOf(err, finished)
		e.recorder.TranscodeFinished(outcome, result.Elapsed)
		e.finish(logger, result, outcome, err)
	}()

	e.recorder.TranscodeStarted(len(req.Sources))
	if err := req.Sink.SetOrientation(req.Orientation); err != nil {
		return result, fmt.Errorf("set sink orientation: %w", err)
	}

	formats := make([]media.Format, len(req.Sources))
	for i, source := range req.Sources {
		formats[i] = source.NativeFormat()
	}
	steps.output, err = req.Strategy.Negotiate(formats)
	if err != nil {
		if !errors.Is(err, strategy.ErrInvalidOutputFormat) {
			err = fmt.Errorf("%w: %w", strategy.ErrInvalidOutputFormat, err)
		}
		return result, err
	}
	result.Output = steps.output

	total := steps.totalUs()
	logger.Debug("transcode started", slog.Int("sources", len(req.Sources)), slog.Int64("duration_us", total), slog.String("output", steps.output.String()))
	e.emit(output.Event{
		Level:   output.LevelInfo,
		Event:   output.EventTranscodeStarted,
		JobID:   result.JobID,
		Message: fmt.Sprintf("transcoding %d source(s) to %s", len(req.Sources), steps.output),
		Details: map[string]any{
			"sources":     len(req.Sources),
			"duration_us": total,
			"output":      steps.output,
		},
	})

	if err := e.loop(ctx, steps, logger, result.JobID); err != nil {
		return result, err
	}

	if len(steps.sources) == 0 {
		e.publish(1, result.JobID)
	} else {
		e.publish(steps.fraction(), result.JobID)
	}
	if err := req.Sink.Finish(); err != nil {
		return result, fmt.Errorf("finish sink: %w", err)
	}
	finished = true
	return result, nil
}

func (e *Engine) loop(ctx context.Context, steps *stepSet, logger *slog.Logger, jobID string) error {
	var loops int64
	for {
		logger.Debug("loop iteration", slog.Int64("loop", loops))
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		forceEOS := steps.forceEOS()
		if steps.completed() {
			return nil
		}

		w, err := steps.worker()
		if err != nil {
			return err
		}
		stepped, err := w.Step(forceEOS)
		if err != nil {
			source := steps.sources[steps.current]
			return fmt.Errorf("step %d (%s): %w", steps.current, source.ID(), err)
		}
		e.recorder.Iteration(stepped)

		loops++
		if loops%ProgressInterval == 0 {
			e.publish(steps.fraction(), jobID)
		}
		if !stepped {
			e.idle(ctx, w)
		}
	}
}

// idle waits up to IdleWait, returning early on cancellation or when the
// worker reports that more work is available.
func (e *Engine) idle(ctx context.Context, w Worker) {
	var ready <-chan struct{}
	if n, ok := w.(Notifier); ok {
		ready = n.Ready()
	}
	timer := time.NewTimer(IdleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-ready:
	}
}

// publish stores a new progress value. Values never exceed 1 and never go
// below what was already published during this transcode.
func (e *Engine) publish(value float64, jobID string) {
	if value > 1 {
		value = 1
	}
	if previous := e.Progress(); previous > value {
		value = previous
	}
	e.progress.Store(math.Float64bits(value))
	e.logger.Debug("progress", slog.Float64("progress", value))
	e.recorder.Progress(value)
	if e.onProgress != nil {
		e.onProgress(value)
	}
	e.emit(output.Event{
		Level:    output.LevelDebug,
		Event:    output.EventProgress,
		JobID:    jobID,
		Message:  fmt.Sprintf("progress %.1f%%", value*100),
		Progress: &value,
	})
}

func (e *Engine) finish(logger *slog.Logger, result Result, outcome Outcome, err error) {
	details := map[string]any{
		"outcome":    string(outcome),
		"steps":      result.Steps,
		"sources":    result.Sources,
		"read_us":    result.ReadUs,
		"elapsed_ms": result.Elapsed.Milliseconds(),
	}
	if outcome == OutcomeSucceeded {
		logger.Info("transcode finished", slog.Int("steps", result.Steps), slog.Duration("elapsed", result.Elapsed))
		e.emit(output.Event{
			Level:   output.LevelInfo,
			Event:   output.EventTranscodeFinished,
			JobID:   result.JobID,
			Message: fmt.Sprintf("transcode finished: %d step(s) in %s", result.Steps, result.Elapsed.Round(time.Millisecond)),
			Details: details,
		})
		return
	}

	message := string(outcome)
	if err != nil {
		message = err.Error()
		details["error"] = err.Error()
	}
	logger.Error("transcode failed", slog.String("outcome", string(outcome)), slog.String("error", message))
	e.emit(output.Event{
		Level:   output.LevelError,
		Event:   output.EventTranscodeFailed,
		JobID:   result.JobID,
		Message: fmt.Sprintf("transcode %s: %s", outcome, message),
		Details: details,
	})
}

func (e *Engine) emit(event output.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	_ = e.emitter.Emit(event)
}

func outcomeOf(err error, finished bool) Outcome {
	switch {
	case err == nil && finished:
		return OutcomeSucceeded
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, strategy.ErrInvalidOutputFormat):
		return OutcomeUnsupportedFormat
	default:
		return OutcomeFailed
	}
}
