package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

type ProgressOptions struct {
	Interactive bool
}

// ProgressWriter renders transcode events as a compact log: one persistent
// line per finished step and, on a terminal, a single status line that is
// rewritten in place as progress comes in.
type ProgressWriter struct {
	dst         io.Writer
	interactive bool

	mu         sync.Mutex
	activeLine string
	stepIndex  int
	stepTotal  int
	sourceID   string
	progress   float64
}

func NewProgressWriter(dst io.Writer) *ProgressWriter {
	return NewProgressWriterWithOptions(dst, ProgressOptions{
		Interactive: SupportsInPlaceUpdates(dst),
	})
}

func NewProgressWriterWithOptions(dst io.Writer, opts ProgressOptions) *ProgressWriter {
	return &ProgressWriter{
		dst:         dst,
		interactive: opts.Interactive,
		progress:    -1,
	}
}

// SupportsInPlaceUpdates reports whether dst is a terminal that understands
// carriage returns and line clearing.
func SupportsInPlaceUpdates(dst io.Writer) bool {
	file, ok := dst.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (w *ProgressWriter) Emit(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch event.Event {
	case EventTranscodeStarted:
		w.stepTotal = intDetail(event.Details, "sources")
		w.stepIndex = 0
		w.progress = -1
		return w.printPersistentLocked(event.Message)
	case EventStepOpened:
		w.stepIndex = intDetail(event.Details, "step") + 1
		w.sourceID = event.SourceID
		return w.renderStatusLocked()
	case EventStepClosed:
		line := fmt.Sprintf("[done] %s", event.SourceID)
		if w.stepTotal > 0 {
			line = fmt.Sprintf("[done %d/%d] %s", intDetail(event.Details, "step")+1, w.stepTotal, event.SourceID)
		}
		if err := w.printPersistentLocked(line); err != nil {
			return err
		}
		return w.renderStatusLocked()
	case EventProgress:
		if event.Progress != nil {
			w.progress = *event.Progress
		}
		return w.renderStatusLocked()
	case EventTranscodeFinished:
		return w.printPersistentLocked(event.Message)
	case EventTranscodeFailed:
		return w.printPersistentLocked("[failed] " + event.Message)
	default:
		if event.Level == LevelWarn || event.Level == LevelError {
			return w.printPersistentLocked(event.Message)
		}
		return nil
	}
}

// Flush clears any status line left on the terminal.
func (w *ProgressWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clearActiveLineLocked()
}

func (w *ProgressWriter) renderStatusLocked() error {
	if !w.interactive || w.sourceID == "" {
		return nil
	}

	status := fmt.Sprintf("[running] %s", w.sourceID)
	if w.stepIndex > 0 && w.stepTotal > 0 {
		status = fmt.Sprintf("[running %d/%d] %s", w.stepIndex, w.stepTotal, w.sourceID)
	}
	if w.progress >= 0 {
		status += " " + progressBar(w.progress, 20)
	}

	if status == w.activeLine {
		return nil
	}
	w.activeLine = status
	_, err := fmt.Fprintf(w.dst, "\r\033[2K%s", status)
	return err
}

func (w *ProgressWriter) printPersistentLocked(line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if err := w.clearActiveLineLocked(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w.dst, line)
	return err
}

func (w *ProgressWriter) clearActiveLineLocked() error {
	if !w.interactive || w.activeLine == "" {
		return nil
	}
	w.activeLine = ""
	_, err := fmt.Fprint(w.dst, "\r\033[2K")
	return err
}

func progressBar(value float64, width int) string {
	if value > 1 {
		value = 1
	}
	filled := int(value * float64(width))
	return fmt.Sprintf("[%s%s] %5.1f%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), value*100)
}

func intDetail(details map[string]any, key string) int {
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
