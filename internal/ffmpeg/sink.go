package ffmpeg

import (
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/jaa/clipstitch/internal/fileops"
	"github.com/jaa/clipstitch/internal/media"
)

var (
	ErrOutputLocked = errors.New("output is locked by another transcode")
	ErrNoFrames     = errors.New("no frames were written")
	ErrSinkClosed   = errors.New("sink is closed")
)

// minDelay is the smallest frame delay, in hundredths of a second, that
// viewers honour.
const minDelay = 2

const defaultDelay = 10

type GIFOptions struct {
	// LoopCount follows image/gif: 0 loops forever, -1 plays once.
	LoopCount int
	Logger    *slog.Logger
}

// GIFSink collects frames in memory and writes an animated GIF on Finish.
// The output path is locked from creation until Release.
type GIFSink struct {
	path      string
	loopCount int
	logger    *slog.Logger
	lock      *flock.Flock

	mu          sync.Mutex
	orientation int
	images      []*image.Paletted
	delays      []int
	lastPts     int64
	finished    bool
	released    bool
}

func NewGIFSink(path string, opts GIFOptions) (*GIFSink, error) {
	if path == "" {
		return nil, errors.New("gif sink: empty output path")
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrOutputLocked)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GIFSink{
		path:      path,
		loopCount: opts.LoopCount,
		logger:    logger,
		lock:      lock,
	}, nil
}

// SetOrientation rotates every frame written afterwards clockwise.
func (s *GIFSink) SetOrientation(degrees int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSinkClosed
	}
	s.orientation = media.NormalizeRotation(degrees)
	return nil
}

// WriteFrame quantizes img and appends it. The delay of the previous frame
// is derived from the gap between the two timestamps.
func (s *GIFSink) WriteFrame(img image.Image, ptsUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.released {
		return ErrSinkClosed
	}

	src := rotate(img, s.orientation)
	paletted := image.NewPaletted(src.Bounds(), palette.Plan9)
	draw.FloydSteinberg.Draw(paletted, paletted.Bounds(), src, src.Bounds().Min)

	if n := len(s.images); n > 0 {
		s.delays[n-1] = delayOf(ptsUs - s.lastPts)
	}
	s.images = append(s.images, paletted)
	s.delays = append(s.delays, defaultDelay)
	s.lastPts = ptsUs
	return nil
}

func (s *GIFSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Finish encodes the animation next to the output and moves it into place.
func (s *GIFSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.released {
		return ErrSinkClosed
	}
	if len(s.images) == 0 {
		return ErrNoFrames
	}
	if n := len(s.delays); n > 1 {
		s.delays[n-1] = s.delays[n-2]
	}

	temp, err := fileops.CreateTemp(s.path)
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	anim := &gif.GIF{
		Image:     s.images,
		Delay:     s.delays,
		LoopCount: s.loopCount,
	}
	if err := gif.EncodeAll(temp, anim); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("encode gif: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close gif: %w", err)
	}
	if err := fileops.ReplaceFileSafely(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	s.finished = true
	s.logger.Debug("gif written", slog.String("path", s.path), slog.Int("frames", len(s.images)))
	return nil
}

// Release drops buffered frames and the output lock. Safe to call more than
// once.
func (s *GIFSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.images = nil
	s.delays = nil
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", s.path, err)
	}
	if err := os.Remove(s.lock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// delayOf converts a timestamp gap to hundredths of a second.
func delayOf(gapUs int64) int {
	delay := int((gapUs + 5_000) / 10_000)
	if delay < minDelay {
		return minDelay
	}
	return delay
}

func rotate(img image.Image, degrees int) image.Image {
	if degrees == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var out *image.RGBA
	if degrees == 180 {
		out = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		out = image.NewRGBA(image.Rect(0, 0, h, w))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch degrees {
			case 90:
				out.Set(h-1-y, x, c)
			case 180:
				out.Set(w-1-x, h-1-y, c)
			case 270:
				out.Set(y, w-1-x, c)
			}
		}
	}
	return out
}
