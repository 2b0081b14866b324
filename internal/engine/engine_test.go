package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaa/clipstitch/internal/media"
	"github.com/jaa/clipstitch/internal/output"
	"github.com/jaa/clipstitch/internal/strategy"
	"github.com/jaa/clipstitch/internal/timeline"
)

var testFormat = media.Format{Width: 640, Height: 360, FrameRate: 25}

type fakeSource struct {
	id         string
	duration   int64
	read       int64
	startErr   error
	releaseErr error
	starts     int
	releases   int
}

func (s *fakeSource) ID() string                 { return s.id }
func (s *fakeSource) NativeFormat() media.Format { return testFormat }
func (s *fakeSource) ReadUs() int64              { return s.read }
func (s *fakeSource) DurationUs() int64          { return s.duration }

func (s *fakeSource) Start() error {
	s.starts++
	return s.startErr
}

func (s *fakeSource) Release() error {
	s.releases++
	return s.releaseErr
}

type fakeSink struct {
	orientation int
	finishes    int
	releases    int
	finishErr   error
	releaseErr  error
}

func (s *fakeSink) SetOrientation(degrees int) error {
	s.orientation = degrees
	return nil
}

func (s *fakeSink) Finish() error {
	s.finishes++
	return s.finishErr
}

func (s *fakeSink) Release() error {
	s.releases++
	return s.releaseErr
}

// fakeWorker consumes its source in fixed chunks. Local timestamps start at
// origin so every source has its own independent clock.
type fakeWorker struct {
	h          *harness
	params     WorkerParams
	source     *fakeSource
	chunk      int64
	origin     int64
	overshoot  bool
	finished   bool
	releases   int
	steps      int
	sawForce   []int64
	stamps     []int64
	stepErr    error
	releaseErr error
	onStep     func(w *fakeWorker)
}

func (w *fakeWorker) Setup(output media.Format) error {
	w.h.outputs = append(w.h.outputs, output)
	return nil
}

func (w *fakeWorker) Step(forceEOS bool) (bool, error) {
	require.Zero(w.h.t, w.releases, "worker used after release")
	w.steps++
	if w.onStep != nil {
		w.onStep(w)
	}
	if w.stepErr != nil {
		return false, w.stepErr
	}
	if forceEOS {
		w.sawForce = append(w.sawForce, w.source.read)
		w.finished = true
		return true, nil
	}
	if !w.overshoot && w.source.read >= w.source.duration {
		w.finished = true
		return true, nil
	}
	w.stamps = append(w.stamps, w.params.Interpolator.Interpolate(w.origin+w.source.read))
	w.source.read += w.chunk
	if !w.overshoot && w.source.read > w.source.duration {
		w.source.read = w.source.duration
	}
	return true, nil
}

func (w *fakeWorker) Finished() bool { return w.finished }

func (w *fakeWorker) Release() error {
	w.releases++
	w.h.open--
	return w.releaseErr
}

type harness struct {
	t       *testing.T
	open    int
	maxOpen int
	workers []*fakeWorker
	outputs []media.Format
	setup   func(w *fakeWorker)
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t}
}

func (h *harness) factory(p WorkerParams) (Worker, error) {
	w := &fakeWorker{
		h:      h,
		params: p,
		source: p.Source.(*fakeSource),
		chunk:  100_000,
		origin: int64(7_000_000 * (p.Index + 1)),
	}
	if h.setup != nil {
		h.setup(w)
	}
	h.workers = append(h.workers, w)
	h.open++
	if h.open > h.maxOpen {
		h.maxOpen = h.open
	}
	return w, nil
}

type fixedStrategy struct {
	format media.Format
	err    error
	calls  int
}

func (s *fixedStrategy) Negotiate(inputs []media.Format) (media.Format, error) {
	s.calls++
	return s.format, s.err
}

func sources(durations ...int64) []Source {
	out := make([]Source, len(durations))
	for i, d := range durations {
		out[i] = &fakeSource{id: string(rune('a' + i)), duration: d}
	}
	return out
}

func request(srcs []Source, sink *fakeSink) Request {
	return Request{
		Sources:  srcs,
		Sink:     sink,
		Strategy: &fixedStrategy{format: media.Format{MimeType: media.MimeTypeGIF, Width: 320, Height: 180, FrameRate: 10}},
	}
}

func TestTranscodeThreeSources(t *testing.T) {
	h := newHarness(t)
	var published []float64
	e := New(h.factory, Options{OnProgress: func(p float64) { published = append(published, p) }})
	sink := &fakeSink{}

	result, err := e.Transcode(context.Background(), request(sources(1_000_000, 2_000_000, 500_000), sink))
	require.NoError(t, err)

	assert.Equal(t, int64(3_500_000), result.ReadUs)
	assert.Equal(t, int64(3_500_000), result.TotalUs)
	assert.Equal(t, 3, result.Steps)
	assert.InDelta(t, 1.0, e.Progress(), 1e-9)
	assert.InDelta(t, 1.0, result.Progress, 1e-9)
	require.NotEmpty(t, published)
	assert.InDelta(t, 1.0, published[len(published)-1], 1e-9)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, 1, sink.finishes)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeReleasesEveryStepExactlyOnce(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	srcs := sources(300_000, 50_000, 0, 450_000)
	sink := &fakeSink{}

	_, err := e.Transcode(context.Background(), request(srcs, sink))
	require.NoError(t, err)

	require.Len(t, h.workers, len(srcs))
	for i, w := range h.workers {
		assert.Equal(t, 1, w.releases, "worker %d", i)
	}
	for i, s := range srcs {
		fs := s.(*fakeSource)
		assert.Equal(t, 1, fs.starts, "source %d started", i)
		assert.Equal(t, 1, fs.releases, "source %d released", i)
	}
	assert.Equal(t, 1, h.maxOpen, "more than one step open at once")
	assert.Zero(t, h.open)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeTimelineIsMonotonicAcrossSteps(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})

	_, err := e.Transcode(context.Background(), request(sources(400_000, 250_000, 600_000, 100_000), &fakeSink{}))
	require.NoError(t, err)

	var previous int64 = -1
	for i, w := range h.workers {
		require.NotEmpty(t, w.stamps, "worker %d", i)
		assert.Greater(t, w.stamps[0], previous, "step %d starts before step %d ended", i, i-1)
		for j := 1; j < len(w.stamps); j++ {
			assert.Greater(t, w.stamps[j], w.stamps[j-1])
		}
		previous = w.stamps[len(w.stamps)-1]
	}
	assert.Equal(t, timeline.Epsilon, h.workers[0].stamps[0])
}

func TestTranscodeAppliesInterpolator(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	req := request(sources(400_000, 400_000), &fakeSink{})
	req.Interpolator = timeline.Speed(2)

	_, err := e.Transcode(context.Background(), req)
	require.NoError(t, err)

	first := h.workers[0].stamps
	assert.Equal(t, timeline.Epsilon/2, first[0])
	assert.Equal(t, (timeline.Epsilon+100_000)/2, first[1])
	second := h.workers[1].stamps
	assert.Greater(t, second[0], first[len(first)-1])
}

func TestTranscodeProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	h.setup = func(w *fakeWorker) { w.chunk = 10_000 }
	var published []float64
	e := New(h.factory, Options{OnProgress: func(p float64) { published = append(published, p) }})

	_, err := e.Transcode(context.Background(), request(sources(500_000, 200_000, 900_000), &fakeSink{}))
	require.NoError(t, err)

	require.Greater(t, len(published), 10)
	for i := 1; i < len(published); i++ {
		assert.GreaterOrEqual(t, published[i], published[i-1])
	}
	for _, p := range published {
		assert.LessOrEqual(t, p, 1.0)
		assert.GreaterOrEqual(t, p, 0.0)
	}
}

func TestTranscodeForcesEndOfStreamPastDeclaredDuration(t *testing.T) {
	h := newHarness(t)
	h.setup = func(w *fakeWorker) {
		w.overshoot = true
		w.chunk = 300
	}
	e := New(h.factory, Options{})

	result, err := e.Transcode(context.Background(), request(sources(1_000), &fakeSink{}))
	require.NoError(t, err)

	require.Len(t, h.workers, 1)
	// 900 <= 1000+100, 1200 > 1000+100
	assert.Equal(t, []int64{1_200}, h.workers[0].sawForce)
	assert.Equal(t, int64(1_200), result.ReadUs)
}

func TestForceEOSBoundary(t *testing.T) {
	src := &fakeSource{id: "a", duration: 1_000}
	s := &stepSet{sources: []Source{src}}

	src.read = 1_000 + Tolerance
	assert.False(t, s.forceEOS())

	src.read = 1_000 + Tolerance + 1
	assert.True(t, s.forceEOS())
}

func TestProgressTotalsBlendReadAndDeclared(t *testing.T) {
	a := &fakeSource{id: "a", duration: 1_000, read: 800}
	b := &fakeSource{id: "b", duration: 2_000, read: 500}
	c := &fakeSource{id: "c", duration: 3_000}
	s := &stepSet{sources: []Source{a, b, c}, current: 1}

	assert.Equal(t, int64(800+2_000+3_000), s.totalUs())
	assert.Equal(t, int64(800+500), s.readUs())
	assert.InDelta(t, 1300.0/5800.0, s.fraction(), 1e-9)
}

func TestProgressFractionGuardsZeroTotal(t *testing.T) {
	s := &stepSet{sources: []Source{&fakeSource{id: "a"}}}
	assert.Equal(t, 0.0, s.fraction())
}

func TestTranscodeEmptySourceList(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	sink := &fakeSink{}
	strat := &fixedStrategy{format: media.Format{MimeType: media.MimeTypeGIF, FrameRate: 10}}

	result, err := e.Transcode(context.Background(), Request{Sink: sink, Strategy: strat})
	require.NoError(t, err)

	assert.Empty(t, h.workers)
	assert.Equal(t, 1, strat.calls)
	assert.Equal(t, 1, sink.finishes)
	assert.Equal(t, 1, sink.releases)
	assert.Equal(t, 0, result.Steps)
	assert.Equal(t, 1.0, e.Progress())
}

func TestTranscodeCancelledMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t)
	steps := 0
	h.setup = func(w *fakeWorker) {
		w.onStep = func(*fakeWorker) {
			steps++
			if steps == 35 {
				cancel()
			}
		}
	}
	e := New(h.factory, Options{})
	srcs := sources(1_000_000, 2_000_000, 500_000)
	sink := &fakeSink{}

	_, err := e.Transcode(ctx, request(srcs, sink))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 35, steps, "loop kept running after cancellation")
	require.Len(t, h.workers, 3)
	for i, w := range h.workers {
		assert.Equal(t, 1, w.releases, "worker %d", i)
		assert.Equal(t, 1, srcs[i].(*fakeSource).releases, "source %d", i)
	}
	assert.Equal(t, 0, sink.finishes)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(t)
	e := New(h.factory, Options{})
	sink := &fakeSink{}

	_, err := e.Transcode(ctx, request(sources(1_000), sink))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, h.workers)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeInvalidOutputFormat(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	srcs := sources(1_000, 2_000)
	sink := &fakeSink{}
	req := request(srcs, sink)
	req.Strategy = &fixedStrategy{err: errors.New("no common size")}

	_, err := e.Transcode(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, strategy.ErrInvalidOutputFormat)
	assert.Contains(t, err.Error(), "no common size")

	assert.Empty(t, h.workers)
	for _, s := range srcs {
		assert.Zero(t, s.(*fakeSource).starts)
		assert.Zero(t, s.(*fakeSource).releases)
	}
	assert.Equal(t, 0, sink.finishes)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeNegotiatesOnceWithDefaultStrategy(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	req := request(sources(200_000, 300_000), &fakeSink{})
	req.Strategy = strategy.NewDefault()

	result, err := e.Transcode(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 480, result.Output.Width)
	assert.Equal(t, 270, result.Output.Height)
	require.Len(t, h.outputs, 2)
	assert.Equal(t, result.Output, h.outputs[0])
	assert.Equal(t, result.Output, h.outputs[1])
}

func TestTranscodePropagatesWorkerError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("decoder exploded")
	h.setup = func(w *fakeWorker) {
		if w.params.Index == 1 {
			w.onStep = func(w *fakeWorker) {
				if w.steps == 3 {
					w.stepErr = boom
				}
			}
		}
	}
	e := New(h.factory, Options{})
	srcs := sources(200_000, 200_000, 200_000)
	sink := &fakeSink{}

	_, err := e.Transcode(context.Background(), request(srcs, sink))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "step 1 (b)")

	require.Len(t, h.workers, 2)
	assert.Equal(t, 3, h.workers[1].steps, "failed step was retried")
	assert.Equal(t, 1, h.workers[1].releases)
	assert.Equal(t, 1, srcs[1].(*fakeSource).releases)
	assert.Zero(t, srcs[2].(*fakeSource).starts)
	assert.Equal(t, 0, sink.finishes)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeGuardKeepsPrimaryError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("encoder failed")
	releaseErr := errors.New("close failed")
	h.setup = func(w *fakeWorker) {
		w.stepErr = boom
		w.releaseErr = releaseErr
	}
	e := New(h.factory, Options{})
	sink := &fakeSink{releaseErr: errors.New("sink close failed")}

	_, err := e.Transcode(context.Background(), request(sources(1_000), sink))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, releaseErr)
	assert.NotErrorIs(t, err, sink.releaseErr)
	assert.Equal(t, 1, h.workers[0].releases)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeReportsSinkReleaseErrorOnSuccess(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	releaseErr := errors.New("disk full")
	sink := &fakeSink{releaseErr: releaseErr}

	_, err := e.Transcode(context.Background(), request(sources(1_000), sink))
	assert.ErrorIs(t, err, releaseErr)
	assert.Equal(t, 1, sink.finishes)
}

func TestTranscodeStepReleaseErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	releaseErr := errors.New("close failed")
	h.setup = func(w *fakeWorker) {
		if w.params.Index == 0 {
			w.releaseErr = releaseErr
		}
	}
	e := New(h.factory, Options{})
	srcs := sources(100_000, 100_000)
	sink := &fakeSink{}

	_, err := e.Transcode(context.Background(), request(srcs, sink))
	require.Error(t, err)
	assert.ErrorIs(t, err, releaseErr)
	assert.Equal(t, 1, h.workers[0].releases)
	assert.Equal(t, 1, srcs[0].(*fakeSource).releases)
	assert.Len(t, h.workers, 1)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodeStartFailureReleasesSource(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	srcs := sources(100_000, 100_000)
	startErr := errors.New("no such file")
	srcs[1].(*fakeSource).startErr = startErr
	sink := &fakeSink{}

	_, err := e.Transcode(context.Background(), request(srcs, sink))
	assert.ErrorIs(t, err, startErr)
	assert.Len(t, h.workers, 1)
	assert.Equal(t, 1, srcs[1].(*fakeSource).releases)
	assert.Equal(t, 1, sink.releases)
}

func TestTranscodePassesOrientationAndRotation(t *testing.T) {
	h := newHarness(t)
	e := New(h.factory, Options{})
	sink := &fakeSink{}
	req := request(sources(1_000), sink)
	req.Orientation = 180
	req.Rotation = 90

	_, err := e.Transcode(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 180, sink.orientation)
	assert.Equal(t, 90, h.workers[0].params.Rotation)
	assert.Same(t, sink, h.workers[0].params.Sink)
}

func TestTranscodeRejectsConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	var e *Engine
	var nested error
	h.setup = func(w *fakeWorker) {
		w.onStep = func(*fakeWorker) {
			if nested == nil {
				_, nested = e.Transcode(context.Background(), request(sources(1), &fakeSink{}))
			}
		}
	}
	e = New(h.factory, Options{})

	_, err := e.Transcode(context.Background(), request(sources(1_000), &fakeSink{}))
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrBusy)
}

func TestStepSetPanicsOnSkippedStep(t *testing.T) {
	h := newHarness(t)
	s := &stepSet{
		sources: sources(1_000, 1_000),
		workers: []Worker{&fakeWorker{h: h}, &fakeWorker{h: h}},
		current: 0,
	}
	assert.Panics(t, func() { _, _ = s.worker() })
}

func TestStepSetPanicsWhenNoStepLeft(t *testing.T) {
	s := &stepSet{sources: sources(1_000), current: 1}
	assert.Panics(t, func() { _, _ = s.worker() })
}

type notifyingWorker struct {
	fakeWorker
	ready chan struct{}
}

func (w *notifyingWorker) Ready() <-chan struct{} { return w.ready }

func TestIdleReturnsWhenWorkerIsReady(t *testing.T) {
	e := New(nil, Options{})
	w := &notifyingWorker{ready: make(chan struct{})}
	close(w.ready)

	start := time.Now()
	e.idle(context.Background(), w)
	assert.Less(t, time.Since(start), IdleWait)
}

func TestIdleReturnsOnCancellation(t *testing.T) {
	e := New(nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	e.idle(ctx, &fakeWorker{})
	assert.Less(t, time.Since(start), IdleWait)
}

type recordingRecorder struct {
	started  int
	opened   []int
	closed   []int
	outcomes []Outcome
}

func (r *recordingRecorder) TranscodeStarted(sources int) { r.started = sources }
func (r *recordingRecorder) StepOpened(index int)         { r.opened = append(r.opened, index) }
func (r *recordingRecorder) StepClosed(index int)         { r.closed = append(r.closed, index) }
func (r *recordingRecorder) Iteration(bool)               {}
func (r *recordingRecorder) Progress(float64)             {}

func (r *recordingRecorder) TranscodeFinished(outcome Outcome, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

type captureEmitter struct {
	events []output.Event
}

func (c *captureEmitter) Emit(event output.Event) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureEmitter) names() []output.EventName {
	names := make([]output.EventName, 0, len(c.events))
	for _, ev := range c.events {
		if ev.Event != output.EventProgress {
			names = append(names, ev.Event)
		}
	}
	return names
}

func TestTranscodeRecordsLifecycle(t *testing.T) {
	h := newHarness(t)
	rec := &recordingRecorder{}
	emitter := &captureEmitter{}
	e := New(h.factory, Options{Recorder: rec, Emitter: emitter})

	result, err := e.Transcode(context.Background(), request(sources(100_000, 100_000), &fakeSink{}))
	require.NoError(t, err)

	assert.Equal(t, 2, rec.started)
	assert.Equal(t, []int{0, 1}, rec.opened)
	assert.Equal(t, []int{0, 1}, rec.closed)
	assert.Equal(t, []Outcome{OutcomeSucceeded}, rec.outcomes)
	assert.Equal(t, []output.EventName{
		output.EventTranscodeStarted,
		output.EventStepOpened,
		output.EventStepClosed,
		output.EventStepOpened,
		output.EventStepClosed,
		output.EventTranscodeFinished,
	}, emitter.names())
	for _, ev := range emitter.events {
		assert.Equal(t, result.JobID, ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestTranscodeRecordsOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(req *Request, ctx context.Context, cancel context.CancelFunc) context.Context
		want    Outcome
	}{
		{
			name: "unsupported format",
			prepare: func(req *Request, ctx context.Context, _ context.CancelFunc) context.Context {
				req.Strategy = &fixedStrategy{err: errors.New("nope")}
				return ctx
			},
			want: OutcomeUnsupportedFormat,
		},
		{
			name: "cancelled",
			prepare: func(_ *Request, ctx context.Context, cancel context.CancelFunc) context.Context {
				cancel()
				return ctx
			},
			want: OutcomeCancelled,
		},
		{
			name: "sink failure",
			prepare: func(req *Request, ctx context.Context, _ context.CancelFunc) context.Context {
				req.Sink.(*fakeSink).finishErr = errors.New("write failed")
				return ctx
			},
			want: OutcomeFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			rec := &recordingRecorder{}
			emitter := &captureEmitter{}
			e := New(h.factory, Options{Recorder: rec, Emitter: emitter})
			req := request(sources(1_000), &fakeSink{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ctx = tc.prepare(&req, ctx, cancel)

			_, err := e.Transcode(ctx, req)
			require.Error(t, err)
			assert.Equal(t, []Outcome{tc.want}, rec.outcomes)
			names := emitter.names()
			require.NotEmpty(t, names)
			assert.Equal(t, output.EventTranscodeFailed, names[len(names)-1])
		})
	}
}

func TestProgressIsUnknownBeforeTranscode(t *testing.T) {
	e := New(nil, Options{})
	assert.Equal(t, ProgressUnknown, e.Progress())
}
