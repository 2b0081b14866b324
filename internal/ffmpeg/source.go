package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jaa/clipstitch/internal/media"
)

// FileSource is a media file on disk. Read progress is advanced by the
// worker decoding it and may be read from any goroutine.
type FileSource struct {
	id     string
	path   string
	format media.Format

	read     atomic.Int64
	started  atomic.Bool
	released atomic.Bool
}

func NewFileSource(id string, path string, format media.Format) *FileSource {
	return &FileSource{id: id, path: path, format: format}
}

// OpenSource probes path and returns a source describing its video stream.
func OpenSource(ctx context.Context, ffprobeBin string, id string, path string) (*FileSource, error) {
	result, err := Probe(ctx, ffprobeBin, path)
	if err != nil {
		return nil, err
	}
	format, err := result.MediaFormat()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewFileSource(id, path, format), nil
}

func (s *FileSource) ID() string                 { return s.id }
func (s *FileSource) Path() string               { return s.path }
func (s *FileSource) NativeFormat() media.Format { return s.format }
func (s *FileSource) DurationUs() int64          { return s.format.DurationUs }
func (s *FileSource) ReadUs() int64              { return s.read.Load() }

// Start checks the file is still readable before a worker spawns ffmpeg on it.
func (s *FileSource) Start() error {
	if s.released.Load() {
		return fmt.Errorf("source %s: already released", s.id)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("source %s: %w", s.id, err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s: %s is a directory", s.id, s.path)
	}
	s.started.Store(true)
	return nil
}

// Advance records that the source was consumed up to us. Lower values are
// ignored so ReadUs never decreases.
func (s *FileSource) Advance(us int64) {
	for {
		current := s.read.Load()
		if us <= current || s.read.CompareAndSwap(current, us) {
			return
		}
	}
}

// Release is safe to call more than once.
func (s *FileSource) Release() error {
	s.released.Store(true)
	return nil
}

func (s *FileSource) Released() bool {
	return s.released.Load()
}
