package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var sourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid config"
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Problems, "; "))
}

func Validate(cfg Config) error {
	problems := []string{}
	d := cfg.Defaults

	if cfg.Version != 1 {
		problems = append(problems, "version must be 1")
	}

	if output, err := ExpandPath(d.Output); err != nil || output == "" {
		problems = append(problems, "defaults.output must be a valid path")
	} else if !strings.EqualFold(filepath.Ext(output), ".gif") {
		problems = append(problems, "defaults.output must end in .gif")
	}
	if strings.TrimSpace(d.FFmpegBin) == "" {
		problems = append(problems, "defaults.ffmpeg_bin must be set")
	}
	if strings.TrimSpace(d.FFprobeBin) == "" {
		problems = append(problems, "defaults.ffprobe_bin must be set")
	}
	if d.MaxWidth < 0 || d.MaxHeight < 0 {
		problems = append(problems, "defaults.max_width and defaults.max_height must be >= 0")
	}
	if d.FrameRate <= 0 {
		problems = append(problems, "defaults.frame_rate must be > 0")
	}
	if d.Speed <= 0 {
		problems = append(problems, "defaults.speed must be > 0")
	}
	if d.Rotation%90 != 0 {
		problems = append(problems, "defaults.rotation must be a multiple of 90")
	}
	if d.LoopCount < -1 {
		problems = append(problems, "defaults.loop_count must be >= -1")
	}
	if d.ProbeTimeoutSeconds <= 0 {
		problems = append(problems, "defaults.probe_timeout_seconds must be > 0")
	}
	switch d.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("defaults.log_level %q must be debug, info, warn or error", d.LogLevel))
	}
	switch d.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("defaults.log_format %q must be text or json", d.LogFormat))
	}

	if len(cfg.Sources) == 0 {
		problems = append(problems, "at least one source must be configured")
	} else if len(cfg.EnabledSources()) == 0 {
		problems = append(problems, "at least one source must be enabled")
	}

	seenIDs := map[string]struct{}{}
	for _, source := range cfg.Sources {
		if strings.TrimSpace(source.ID) == "" {
			problems = append(problems, "source.id must not be empty")
		} else {
			if !sourceIDPattern.MatchString(source.ID) {
				problems = append(problems, fmt.Sprintf("source %q has invalid id format", source.ID))
			}
			if _, exists := seenIDs[source.ID]; exists {
				problems = append(problems, fmt.Sprintf("duplicate source id %q", source.ID))
			}
			seenIDs[source.ID] = struct{}{}
		}

		if strings.TrimSpace(source.Path) == "" {
			problems = append(problems, fmt.Sprintf("source %q path must be set", source.ID))
		} else if _, err := ExpandPath(source.Path); err != nil {
			problems = append(problems, fmt.Sprintf("source %q path is invalid", source.ID))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
