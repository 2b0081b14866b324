package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaa/clipstitch/internal/metrics"
	"github.com/jaa/clipstitch/internal/output"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func progressOf(v float64) *float64 { return &v }

func TestHealthz(t *testing.T) {
	rec := get(t, New(Options{}).Router(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestProgressFollowsEvents(t *testing.T) {
	tracker := NewTracker()
	live := 0.4
	srv := New(Options{Tracker: tracker, Progress: func() float64 { return live }})
	router := srv.Router()

	var status Status
	require.NoError(t, json.Unmarshal(get(t, router, "/progress").Body.Bytes(), &status))
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, -1.0, status.Progress)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = tracker.Emit(output.Event{Timestamp: now, Event: output.EventTranscodeStarted, JobID: "job-1", Details: map[string]any{"sources": 3}})
	_ = tracker.Emit(output.Event{Timestamp: now, Event: output.EventStepOpened, JobID: "job-1", SourceID: "intro", Details: map[string]any{"step": 0}})
	_ = tracker.Emit(output.Event{Timestamp: now, Event: output.EventProgress, JobID: "job-1", Progress: progressOf(0.25)})

	rec := get(t, router, "/progress")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "job-1", status.JobID)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, 3, status.Sources)
	assert.Equal(t, 1, status.Step)
	assert.Equal(t, "intro", status.SourceID)
	assert.Equal(t, 0.4, status.Progress)

	_ = tracker.Emit(output.Event{Timestamp: now, Event: output.EventTranscodeFailed, JobID: "job-1", Message: "transcode failed", Details: map[string]any{"error": "boom"}})
	require.NoError(t, json.Unmarshal(get(t, router, "/progress").Body.Bytes(), &status))
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "boom", status.Error)
	assert.Equal(t, 0.25, status.Progress)
}

func TestMetricsEndpoint(t *testing.T) {
	tracker := NewTracker()
	_ = tracker.Emit(output.Event{Event: output.EventTranscodeStarted, JobID: "job-1"})
	srv := New(Options{Tracker: tracker, Metrics: metrics.New(), Progress: func() float64 { return 0.75 }})
	router := srv.Router()

	_ = get(t, router, "/nope")
	rec := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "clipstitch_progress_ratio 0.75")
	assert.Contains(t, body, "clipstitch_http_errors_total 1")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body := make([]byte, 2)
	_, _ = resp.Body.Read(body)
	_ = resp.Body.Close()
	assert.True(t, strings.HasPrefix(string(body), "ok"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
