package output

import (
	"bytes"
	"strings"
	"testing"
)

func emitAll(t *testing.T, w *ProgressWriter, events ...Event) {
	t.Helper()
	for _, ev := range events {
		if err := w.Emit(ev); err != nil {
			t.Fatalf("emit %s: %v", ev.Event, err)
		}
	}
}

func progressEvent(value float64) Event {
	return Event{Level: LevelDebug, Event: EventProgress, Progress: &value}
}

func TestProgressWriterPersistsOnlyStepResults(t *testing.T) {
	buf := &bytes.Buffer{}
	writer := NewProgressWriterWithOptions(buf, ProgressOptions{Interactive: false})

	emitAll(t, writer,
		Event{Event: EventTranscodeStarted, Message: "transcoding 2 source(s)", Details: map[string]any{"sources": 2}},
		Event{Event: EventStepOpened, SourceID: "intro", Details: map[string]any{"step": 0}},
		progressEvent(0.25),
		Event{Event: EventStepClosed, SourceID: "intro", Details: map[string]any{"step": 0}},
		Event{Event: EventStepOpened, SourceID: "outro", Details: map[string]any{"step": 1}},
		Event{Event: EventStepClosed, SourceID: "outro", Details: map[string]any{"step": 1}},
		Event{Event: EventTranscodeFinished, Message: "transcode finished: 2 step(s)"},
	)
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"transcoding 2 source(s)", "[done 1/2] intro", "[done 2/2] outro", "transcode finished"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
	if strings.Contains(out, "\r") || strings.Contains(out, "running") {
		t.Fatalf("expected no status line when not interactive, got: %q", out)
	}
}

func TestProgressWriterInteractiveRendersProgressBar(t *testing.T) {
	buf := &bytes.Buffer{}
	writer := NewProgressWriterWithOptions(buf, ProgressOptions{Interactive: true})

	emitAll(t, writer,
		Event{Event: EventTranscodeStarted, Message: "start", Details: map[string]any{"sources": 3}},
		Event{Event: EventStepOpened, SourceID: "clip", Details: map[string]any{"step": 1}},
		progressEvent(0.5),
		progressEvent(0.5),
	)

	out := buf.String()
	if !strings.Contains(out, "[running 2/3] clip [##########----------]  50.0%") {
		t.Fatalf("expected progress bar, got: %q", out)
	}
	if strings.Count(out, "50.0%") != 1 {
		t.Fatalf("expected unchanged status to render once, got: %q", out)
	}

	buf.Reset()
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if buf.String() != "\r\033[2K" {
		t.Fatalf("expected flush to clear the status line, got: %q", buf.String())
	}
}

func TestProgressWriterFailureIsPersistent(t *testing.T) {
	buf := &bytes.Buffer{}
	writer := NewProgressWriterWithOptions(buf, ProgressOptions{Interactive: true})

	emitAll(t, writer,
		Event{Event: EventStepOpened, SourceID: "clip", Details: map[string]any{"step": 0}},
		Event{Event: EventTranscodeFailed, Level: LevelError, Message: "transcode failed: boom"},
	)

	if !strings.HasSuffix(buf.String(), "\r\033[2K[failed] transcode failed: boom\n") {
		t.Fatalf("expected failure line after clearing status, got: %q", buf.String())
	}
}

func TestSupportsInPlaceUpdatesRejectsBuffers(t *testing.T) {
	if SupportsInPlaceUpdates(&bytes.Buffer{}) {
		t.Fatalf("expected buffer to not support in-place updates")
	}
}
