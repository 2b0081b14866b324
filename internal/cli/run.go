package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaa/clipstitch/internal/config"
	"github.com/jaa/clipstitch/internal/engine"
	"github.com/jaa/clipstitch/internal/exitcode"
	"github.com/jaa/clipstitch/internal/ffmpeg"
	"github.com/jaa/clipstitch/internal/metrics"
	"github.com/jaa/clipstitch/internal/output"
	"github.com/jaa/clipstitch/internal/server"
	"github.com/jaa/clipstitch/internal/strategy"
	"github.com/jaa/clipstitch/internal/timeline"
)

type runFlags struct {
	sourceIDs    []string
	outputPath   string
	frameRate    float64
	maxSize      string
	speed        float64
	rotation     int
	listen       string
	progressMode string
}

func newRunCommand(app *AppContext) *cobra.Command {
	flags := runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transcode the selected sources into one GIF",
		RunE: func(cmd *cobra.Command, args []string) error {
			progressMode, err := parseProgressMode(flags.progressMode)
			if err != nil {
				return withExitCode(exitcode.InvalidUsage, err)
			}

			cfg, err := loadConfig(app)
			if err != nil {
				return withExitCode(exitcode.InvalidConfig, err)
			}
			if err := applyRunFlags(cmd, &cfg, flags); err != nil {
				return withExitCode(exitcode.InvalidUsage, err)
			}
			if err := config.Validate(cfg); err != nil {
				return withExitCode(exitcode.InvalidConfig, err)
			}
			selected, err := selectSources(cfg, flags.sourceIDs)
			if err != nil {
				return withExitCode(exitcode.InvalidUsage, err)
			}

			wd, err := os.Getwd()
			if err != nil {
				return withExitCode(exitcode.RuntimeFailure, fmt.Errorf("resolve working directory: %w", err))
			}
			logger := newLogger(app, cfg)

			var progressWriter *output.ProgressWriter
			var emitter output.EventEmitter
			switch {
			case app.Opts.JSON:
				emitter = output.NewJSONEmitter(app.IO.Out)
			case app.Opts.Quiet || app.Opts.Verbose:
				emitter = output.NewHumanEmitter(app.IO.Out, app.IO.ErrOut, app.Opts.Quiet, app.Opts.Verbose)
			default:
				interactive := output.SupportsInPlaceUpdates(app.IO.Out)
				switch progressMode {
				case "always":
					interactive = true
				case "never":
					interactive = false
				}
				progressWriter = output.NewProgressWriterWithOptions(app.IO.Out, output.ProgressOptions{Interactive: interactive})
				emitter = progressWriter
			}

			ctx, stop := signal.NotifyContext(context.Background(), interruptSignals()...)
			defer stop()

			sources, err := openSources(ctx, cfg, wd, selected)
			defer func() {
				for _, source := range sources {
					_ = source.Release()
				}
			}()
			if err != nil {
				if errors.Is(err, exec.ErrNotFound) {
					return withExitCode(exitcode.MissingDependency, err)
				}
				if errors.Is(err, context.Canceled) {
					return withExitCode(exitcode.Interrupted, err)
				}
				return withExitCode(exitcode.RuntimeFailure, err)
			}

			outputPath, err := config.ResolvePath(wd, cfg.Defaults.Output)
			if err != nil {
				return withExitCode(exitcode.InvalidConfig, err)
			}
			sink, err := ffmpeg.NewGIFSink(outputPath, ffmpeg.GIFOptions{
				LoopCount: cfg.Defaults.LoopCount,
				Logger:    logger,
			})
			if err != nil {
				return withExitCode(exitcode.RuntimeFailure, err)
			}

			registry := metrics.New()
			tracker := server.NewTracker()
			eng := engine.New(ffmpeg.NewWorkerFactory(ffmpeg.WorkerConfig{
				Binary: cfg.Defaults.FFmpegBin,
				Logger: logger,
			}), engine.Options{
				Logger:   logger,
				Emitter:  output.NewMultiEmitter(emitter, tracker),
				Recorder: registry,
			})

			if strings.TrimSpace(flags.listen) != "" {
				stopServer := startServer(ctx, server.Options{
					Addr:     flags.listen,
					Logger:   logger,
					Metrics:  registry,
					Tracker:  tracker,
					Progress: eng.Progress,
				}, logger)
				defer stopServer()
			}

			negotiator := strategy.NewDefault()
			negotiator.MaxFrameRate = cfg.Defaults.FrameRate
			negotiator.Resizer = strategy.AtMost(cfg.Defaults.MaxWidth, cfg.Defaults.MaxHeight)

			engineSources := make([]engine.Source, len(sources))
			for i, source := range sources {
				engineSources[i] = source
			}
			_, runErr := eng.Transcode(ctx, engine.Request{
				Sources:      engineSources,
				Sink:         sink,
				Strategy:     strategy.Rotated(negotiator, cfg.Defaults.Rotation),
				Interpolator: timeline.Speed(cfg.Defaults.Speed),
				Rotation:     cfg.Defaults.Rotation,
			})
			if progressWriter != nil {
				_ = progressWriter.Flush()
			}
			if runErr != nil {
				switch {
				case errors.Is(runErr, strategy.ErrInvalidOutputFormat):
					return withExitCode(exitcode.UnsupportedFormat, runErr)
				case errors.Is(runErr, engine.ErrCancelled):
					return withExitCode(exitcode.Interrupted, runErr)
				case errors.Is(runErr, exec.ErrNotFound):
					return withExitCode(exitcode.MissingDependency, runErr)
				default:
					return withExitCode(exitcode.RuntimeFailure, runErr)
				}
			}

			if !app.Opts.JSON && !app.Opts.Quiet {
				fmt.Fprintf(app.IO.Out, "Wrote %s\n", outputPath)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&flags.sourceIDs, "source", nil, "Transcode only the selected source id (repeatable, config order is kept)")
	cmd.Flags().StringVarP(&flags.outputPath, "output", "o", "", "Output GIF path")
	cmd.Flags().Float64Var(&flags.frameRate, "frame-rate", 0, "Maximum output frame rate")
	cmd.Flags().StringVar(&flags.maxSize, "max-size", "", "Maximum output size as WxH")
	cmd.Flags().Float64Var(&flags.speed, "speed", 0, "Playback speed factor (2 plays twice as fast)")
	cmd.Flags().IntVar(&flags.rotation, "rotation", 0, "Clockwise frame rotation in degrees (multiple of 90)")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Serve /progress, /healthz and /metrics on this address while running")
	cmd.Flags().StringVar(&flags.progressMode, "progress", "auto", "Progress rendering mode: auto, always, or never")
	return cmd
}

// applyRunFlags layers explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) error {
	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.Defaults.Output = strings.TrimSpace(flags.outputPath)
	}
	if changed("frame-rate") {
		cfg.Defaults.FrameRate = flags.frameRate
	}
	if changed("speed") {
		cfg.Defaults.Speed = flags.speed
	}
	if changed("rotation") {
		cfg.Defaults.Rotation = flags.rotation
	}
	if changed("max-size") {
		w, h, err := strategy.ParseSize(flags.maxSize)
		if err != nil {
			return err
		}
		cfg.Defaults.MaxWidth, cfg.Defaults.MaxHeight = w, h
	}
	return nil
}

// openSources probes every selected source. The sources opened before a
// failure are returned alongside the error so the caller can release them.
func openSources(ctx context.Context, cfg config.Config, wd string, selected []config.Source) ([]*ffmpeg.FileSource, error) {
	timeout := time.Duration(cfg.Defaults.ProbeTimeoutSeconds) * time.Second
	sources := make([]*ffmpeg.FileSource, 0, len(selected))
	for _, entry := range selected {
		path, err := config.ResolvePath(wd, entry.Path)
		if err != nil {
			return sources, fmt.Errorf("source %s: %w", entry.ID, err)
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		source, err := ffmpeg.OpenSource(probeCtx, cfg.Defaults.FFprobeBin, entry.ID, path)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return sources, fmt.Errorf("source %s: %w", entry.ID, ctx.Err())
			}
			return sources, fmt.Errorf("source %s: %w", entry.ID, err)
		}
		sources = append(sources, source)
	}
	return sources, nil
}

func startServer(ctx context.Context, opts server.Options, logger *slog.Logger) func() {
	serverCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	srv := server.New(opts)
	go func() {
		defer close(done)
		if err := srv.Serve(serverCtx); err != nil {
			logger.Error("status server failed", slog.String("addr", opts.Addr), slog.String("error", err.Error()))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func parseProgressMode(raw string) (string, error) {
	mode := strings.TrimSpace(strings.ToLower(raw))
	switch mode {
	case "", "auto", "always", "never":
		if mode == "" {
			return "auto", nil
		}
		return mode, nil
	default:
		return "", fmt.Errorf("invalid --progress mode %q (expected: auto, always, never)", raw)
	}
}
