package engine

import (
	"errors"
	"fmt"

	"github.com/jaa/clipstitch/internal/media"
	"github.com/jaa/clipstitch/internal/timeline"
)

// stepSet owns the per-step workers and time mappers of one transcode.
// workers[i] exists for every step that was opened; current is the cursor.
type stepSet struct {
	sources   []Source
	sink      Sink
	output    media.Format
	rotation  int
	wrap      timeline.Interpolator
	newWorker WorkerFactory
	chain     timeline.Chain

	workers []Worker
	current int

	onOpen  func(index int, source Source, base int64)
	onClose func(index int, source Source)
}

func (s *stepSet) completed() bool {
	if len(s.sources) == 0 {
		return true
	}
	last := len(s.workers) - 1
	return s.current == len(s.sources)-1 &&
		s.current == last &&
		s.workers[last].Finished()
}

// worker returns the worker that should receive the next unit of work,
// closing finished steps and opening the next one as needed.
func (s *stepSet) worker() (Worker, error) {
	for {
		if s.current >= len(s.sources) {
			panic(fmt.Sprintf("engine: no step left to run (current=%d, sources=%d)", s.current, len(s.sources)))
		}
		last := len(s.workers) - 1
		switch {
		case last == s.current:
			w := s.workers[last]
			if !w.Finished() {
				return w, nil
			}
			if err := s.closeCurrent(); err != nil {
				return nil, err
			}
		case last < s.current:
			if err := s.open(); err != nil {
				return nil, err
			}
			return s.workers[s.current], nil
		default:
			panic(fmt.Sprintf("engine: step invariant violated (last=%d, current=%d)", last, s.current))
		}
	}
}

func (s *stepSet) open() error {
	index := s.current
	source := s.sources[index]

	if err := source.Start(); err != nil {
		_ = source.Release()
		return fmt.Errorf("step %d (%s): start source: %w", index, source.ID(), err)
	}

	mapper := s.chain.Next(s.wrap)
	w, err := s.newWorker(WorkerParams{
		Index:        index,
		Source:       source,
		Sink:         s.sink,
		Interpolator: mapper,
		Rotation:     s.rotation,
	})
	if err != nil {
		_ = source.Release()
		return fmt.Errorf("step %d (%s): create worker: %w", index, source.ID(), err)
	}
	if err := w.Setup(s.output); err != nil {
		_ = w.Release()
		_ = source.Release()
		return fmt.Errorf("step %d (%s): set up worker: %w", index, source.ID(), err)
	}

	s.workers = append(s.workers, w)
	if s.onOpen != nil {
		s.onOpen(index, source, mapper.Base())
	}
	return nil
}

// closeCurrent releases the worker and source of the current step and moves
// the cursor forward. The cursor advances before releasing so a failing
// release is never retried.
func (s *stepSet) closeCurrent() error {
	index := s.current
	w := s.workers[index]
	source := s.sources[index]
	s.current = index + 1

	err := errors.Join(w.Release(), source.Release())
	if s.onClose != nil {
		s.onClose(index, source)
	}
	if err != nil {
		return fmt.Errorf("step %d (%s): release: %w", index, source.ID(), err)
	}
	return nil
}

// closeInFlight closes the current step if it was opened and not yet closed.
func (s *stepSet) closeInFlight() error {
	if s.current >= len(s.sources) || len(s.workers)-1 != s.current {
		return nil
	}
	return s.closeCurrent()
}

func (s *stepSet) opened() int {
	return len(s.workers)
}
