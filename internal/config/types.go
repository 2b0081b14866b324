package config

type Config struct {
	Version  int      `yaml:"version"`
	Defaults Defaults `yaml:"defaults"`
	Sources  []Source `yaml:"sources"`
}

type Defaults struct {
	Output              string  `yaml:"output"`
	FFmpegBin           string  `yaml:"ffmpeg_bin"`
	FFprobeBin          string  `yaml:"ffprobe_bin"`
	MaxWidth            int     `yaml:"max_width"`
	MaxHeight           int     `yaml:"max_height"`
	FrameRate           float64 `yaml:"frame_rate"`
	Speed               float64 `yaml:"speed"`
	Rotation            int     `yaml:"rotation"`
	LoopCount           int     `yaml:"loop_count"`
	ProbeTimeoutSeconds int     `yaml:"probe_timeout_seconds"`
	LogLevel            string  `yaml:"log_level"`
	LogFormat           string  `yaml:"log_format"`
}

// Source is one clip, in the order it appears in the output.
type Source struct {
	ID      string `yaml:"id"`
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

func DefaultConfig() Config {
	return Config{
		Version: 1,
		Defaults: Defaults{
			Output:              "clipstitch.gif",
			FFmpegBin:           "ffmpeg",
			FFprobeBin:          "ffprobe",
			MaxWidth:            480,
			MaxHeight:           480,
			FrameRate:           10,
			Speed:               1,
			Rotation:            0,
			LoopCount:           0,
			ProbeTimeoutSeconds: 30,
			LogLevel:            "warn",
			LogFormat:           "text",
		},
		Sources: []Source{},
	}
}

// EnabledSources returns enabled sources in configuration order.
func (c Config) EnabledSources() []Source {
	out := make([]Source, 0, len(c.Sources))
	for _, source := range c.Sources {
		if source.Enabled {
			out = append(out, source)
		}
	}
	return out
}
