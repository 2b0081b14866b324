// Package server exposes a running transcode over HTTP: its progress, a
// health probe and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jaa/clipstitch/internal/logging"
	"github.com/jaa/clipstitch/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Addr    string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracker *Tracker
	// Progress reads the live progress value. It is preferred over the
	// value carried by the last progress event.
	Progress func() float64
}

type Server struct {
	opts Options
	http *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	s := &Server{opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestLogger(s.opts.Logger))
	if s.opts.Metrics != nil {
		r.Use(metrics.RequestMiddleware(s.opts.Metrics))
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.opts.Metrics.Handler(func() {
				s.opts.Metrics.SetProgress(s.status().Progress)
			}).ServeHTTP(w, r)
		})
	}
	r.Get("/healthz", s.health)
	r.Get("/progress", s.progress)
	return r
}

func (s *Server) status() Status {
	status := s.opts.Tracker.Status()
	if s.opts.Progress != nil && status.State == StateRunning {
		if p := s.opts.Progress(); p > status.Progress {
			status.Progress = p
		}
	}
	return status
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.opts.Logger.Warn("encode progress", slog.String("error", err.Error()))
	}
}

// Serve listens until ctx is done, then drains connections.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.opts.Logger.Debug("http server stopped")
	return nil
}
