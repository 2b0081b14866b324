package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/jaa/clipstitch/internal/config"
	"github.com/jaa/clipstitch/internal/exitcode"
	"github.com/jaa/clipstitch/internal/ffmpeg"
	"github.com/jaa/clipstitch/internal/media"
	"github.com/jaa/clipstitch/internal/strategy"
)

type probeEntry struct {
	ID     string       `json:"id"`
	Path   string       `json:"path"`
	Format media.Format `json:"format"`
}

type probeReport struct {
	Sources []probeEntry  `json:"sources"`
	Output  *media.Format `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func newProbeCommand(app *AppContext) *cobra.Command {
	var sourceIDs []string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Inspect sources and show the negotiated output format",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app)
			if err != nil {
				return withExitCode(exitcode.InvalidConfig, err)
			}
			if err := config.Validate(cfg); err != nil {
				return withExitCode(exitcode.InvalidConfig, err)
			}
			selected, err := selectSources(cfg, sourceIDs)
			if err != nil {
				return withExitCode(exitcode.InvalidUsage, err)
			}
			wd, err := os.Getwd()
			if err != nil {
				return withExitCode(exitcode.RuntimeFailure, fmt.Errorf("resolve working directory: %w", err))
			}

			ctx := context.Background()
			timeout := time.Duration(cfg.Defaults.ProbeTimeoutSeconds) * time.Second
			report := probeReport{Sources: make([]probeEntry, 0, len(selected))}
			formats := make([]media.Format, 0, len(selected))
			for _, entry := range selected {
				path, err := config.ResolvePath(wd, entry.Path)
				if err != nil {
					return withExitCode(exitcode.InvalidConfig, fmt.Errorf("source %s: %w", entry.ID, err))
				}
				probeCtx, cancel := context.WithTimeout(ctx, timeout)
				result, err := ffmpeg.Probe(probeCtx, cfg.Defaults.FFprobeBin, path)
				cancel()
				if err != nil {
					if errors.Is(err, exec.ErrNotFound) {
						return withExitCode(exitcode.MissingDependency, err)
					}
					return withExitCode(exitcode.RuntimeFailure, fmt.Errorf("source %s: %w", entry.ID, err))
				}
				format, err := result.MediaFormat()
				if err != nil {
					return withExitCode(exitcode.UnsupportedFormat, fmt.Errorf("source %s: %w", entry.ID, err))
				}
				report.Sources = append(report.Sources, probeEntry{ID: entry.ID, Path: path, Format: format})
				formats = append(formats, format)
			}

			negotiator := strategy.NewDefault()
			negotiator.MaxFrameRate = cfg.Defaults.FrameRate
			negotiator.Resizer = strategy.AtMost(cfg.Defaults.MaxWidth, cfg.Defaults.MaxHeight)
			out, negotiateErr := strategy.Rotated(negotiator, cfg.Defaults.Rotation).Negotiate(formats)
			if negotiateErr == nil {
				report.Output = &out
			} else {
				report.Error = negotiateErr.Error()
			}

			if app.Opts.JSON {
				if err := json.NewEncoder(app.IO.Out).Encode(report); err != nil {
					return withExitCode(exitcode.RuntimeFailure, err)
				}
			} else {
				fmt.Fprintln(app.IO.Out, renderProbeTable(report))
				if report.Output != nil {
					fmt.Fprintf(app.IO.Out, "Output: %s\n", report.Output)
				}
			}

			if negotiateErr != nil {
				return withExitCode(exitcode.UnsupportedFormat, negotiateErr)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sourceIDs, "source", nil, "Probe only the selected source id (repeatable)")
	return cmd
}

func renderProbeTable(report probeReport) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Size", "FPS", "Rotation", "Duration", "Path"})

	var total int64
	for _, entry := range report.Sources {
		f := entry.Format
		total += f.DurationUs
		tw.AppendRow(table.Row{
			entry.ID,
			fmt.Sprintf("%dx%d", f.Width, f.Height),
			strconv.FormatFloat(f.FrameRate, 'f', 2, 64),
			strconv.Itoa(f.Rotation),
			formatDuration(f.DurationUs),
			entry.Path,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "Total", formatDuration(total), ""})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func formatDuration(us int64) string {
	return (time.Duration(us) * time.Microsecond).Round(time.Millisecond).String()
}
