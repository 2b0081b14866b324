package ffmpeg

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/jaa/clipstitch/internal/engine"
	"github.com/jaa/clipstitch/internal/media"
	"github.com/jaa/clipstitch/internal/timeline"
)

const frameBuffer = 4

// FrameSink accepts decoded frames stamped on the output timeline.
type FrameSink interface {
	WriteFrame(img image.Image, ptsUs int64) error
}

type WorkerConfig struct {
	Binary string
	Logger *slog.Logger
}

// NewWorkerFactory returns a factory that decodes FileSources with ffmpeg
// into a FrameSink.
func NewWorkerFactory(cfg WorkerConfig) engine.WorkerFactory {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(p engine.WorkerParams) (engine.Worker, error) {
		source, ok := p.Source.(*FileSource)
		if !ok {
			return nil, fmt.Errorf("ffmpeg worker: unsupported source %T", p.Source)
		}
		sink, ok := p.Sink.(FrameSink)
		if !ok {
			return nil, fmt.Errorf("ffmpeg worker: sink %T does not accept frames", p.Sink)
		}
		return &FrameWorker{
			binary:   cfg.Binary,
			logger:   cfg.Logger.With(slog.String("source_id", source.ID()), slog.Int("step", p.Index)),
			source:   source,
			sink:     sink,
			mapper:   p.Interpolator,
			rotation: media.NormalizeRotation(p.Rotation),
		}, nil
	}
}

type frame struct {
	index int64
	img   *image.RGBA
}

// FrameWorker pipes raw RGBA frames out of ffmpeg. A reader goroutine keeps
// a small buffer of decoded frames; every Step hands at most one of them to
// the sink without blocking.
type FrameWorker struct {
	binary   string
	logger   *slog.Logger
	source   *FileSource
	sink     FrameSink
	mapper   timeline.Interpolator
	rotation int

	output  media.Format
	frameUs int64
	cmd     *exec.Cmd
	stderr  *tailBuffer
	frames  chan frame
	ready   chan struct{}
	stop    chan struct{}
	readErr error
	reader  sync.WaitGroup

	stopOnce sync.Once
	waited   bool
	finished bool
	released bool
	written  int64
}

func (w *FrameWorker) Setup(output media.Format) error {
	if !output.Valid() {
		return fmt.Errorf("ffmpeg worker: invalid output format %s", output)
	}
	w.output = output
	w.frameUs = output.FrameDurationUs()

	cmd := exec.Command(w.binary, buildArgs(w.source.Path(), output, w.rotation)...)
	configureCommandForTermination(cmd)
	w.stderr = newTailBuffer(16 * 1024)
	cmd.Stderr = w.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	w.cmd = cmd
	w.logger.Debug("ffmpeg started", slog.Int("pid", cmd.Process.Pid), slog.String("args", strings.Join(cmd.Args, " ")))

	w.frames = make(chan frame, frameBuffer)
	w.ready = make(chan struct{}, 1)
	w.stop = make(chan struct{})
	w.reader.Add(1)
	go w.read(stdout, output.Width, output.Height)
	return nil
}

func (w *FrameWorker) read(r io.Reader, width, height int) {
	defer w.reader.Done()
	defer w.notify()
	defer close(w.frames)

	size := width * height * 4
	for index := int64(0); ; index++ {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		if _, err := io.ReadFull(r, img.Pix[:size]); err != nil {
			if !errors.Is(err, io.EOF) {
				w.readErr = err
			}
			return
		}
		select {
		case w.frames <- frame{index: index, img: img}:
			w.notify()
		case <-w.stop:
			return
		}
	}
}

func (w *FrameWorker) notify() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Ready fires when a frame was decoded or ffmpeg exited.
func (w *FrameWorker) Ready() <-chan struct{} {
	return w.ready
}

func (w *FrameWorker) Step(forceEOS bool) (bool, error) {
	if w.finished {
		return false, nil
	}
	if forceEOS {
		w.logger.Debug("forced end of stream", slog.Int64("frames", w.written), slog.Int64("read_us", w.source.ReadUs()))
		w.terminate()
		w.finished = true
		return true, nil
	}

	select {
	case f, ok := <-w.frames:
		if !ok {
			w.finished = true
			return true, w.exitError()
		}
		pts := int64(float64(f.index) * 1_000_000 / w.output.FrameRate)
		if err := w.sink.WriteFrame(f.img, w.mapper.Interpolate(pts)); err != nil {
			return false, fmt.Errorf("write frame %d: %w", f.index, err)
		}
		w.written++
		w.source.Advance(pts + w.frameUs)
		return true, nil
	default:
		return false, nil
	}
}

func (w *FrameWorker) exitError() error {
	w.reader.Wait()
	waitErr := w.wait()
	if w.readErr != nil {
		return fmt.Errorf("read ffmpeg output: %w", w.readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", w.source.Path(), waitErr, lastLine(w.stderr.String()))
	}
	w.logger.Debug("ffmpeg finished", slog.Int64("frames", w.written))
	return nil
}

func (w *FrameWorker) wait() error {
	if w.cmd == nil || w.waited {
		return nil
	}
	w.waited = true
	return w.cmd.Wait()
}

func (w *FrameWorker) terminate() {
	w.stopOnce.Do(func() {
		if w.stop != nil {
			close(w.stop)
		}
		if !w.waited {
			terminateCommand(w.cmd)
		}
	})
	if w.frames != nil {
		for range w.frames {
		}
	}
	w.reader.Wait()
	_ = w.wait()
}

func (w *FrameWorker) Finished() bool {
	return w.finished
}

// Release stops ffmpeg if it is still running. Safe to call more than once.
func (w *FrameWorker) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	w.terminate()
	return nil
}

func (w *FrameWorker) Frames() int64 {
	return w.written
}

func buildArgs(input string, output media.Format, rotation int) []string {
	filters := []string{"fps=" + strconv.FormatFloat(output.FrameRate, 'f', -1, 64)}
	switch media.NormalizeRotation(rotation) {
	case 90:
		filters = append(filters, "transpose=clock")
	case 180:
		filters = append(filters, "hflip", "vflip")
	case 270:
		filters = append(filters, "transpose=cclock")
	}
	filters = append(filters, fmt.Sprintf("scale=%d:%d:flags=lanczos", output.Width, output.Height))

	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", input,
		"-an", "-sn",
		"-vf", strings.Join(filters, ","),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
