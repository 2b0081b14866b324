package config

import "fmt"

func DefaultTemplate() string {
	d := DefaultConfig().Defaults
	return fmt.Sprintf(`version: 1
defaults:
  output: %q
  ffmpeg_bin: %q
  ffprobe_bin: %q
  max_width: %d
  max_height: %d
  frame_rate: %g
  speed: %g
  rotation: %d
  loop_count: %d
  probe_timeout_seconds: %d
  log_level: %q
  log_format: %q
sources:
  - id: "intro"
    path: "~/clips/intro.mp4"
    enabled: true

  - id: "outro"
    path: "~/clips/outro.mp4"
    enabled: true
`, d.Output, d.FFmpegBin, d.FFprobeBin, d.MaxWidth, d.MaxHeight, d.FrameRate, d.Speed,
		d.Rotation, d.LoopCount, d.ProbeTimeoutSeconds, d.LogLevel, d.LogFormat)
}
