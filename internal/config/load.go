package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type LoadOptions struct {
	ExplicitPath string
	WorkingDir   string
	Env          map[string]string
}

type fileConfig struct {
	Version  *int          `yaml:"version"`
	Defaults fileDefaults  `yaml:"defaults"`
	Sources  *[]fileSource `yaml:"sources"`
}

type fileDefaults struct {
	Output              *string  `yaml:"output"`
	FFmpegBin           *string  `yaml:"ffmpeg_bin"`
	FFprobeBin          *string  `yaml:"ffprobe_bin"`
	MaxWidth            *int     `yaml:"max_width"`
	MaxHeight           *int     `yaml:"max_height"`
	FrameRate           *float64 `yaml:"frame_rate"`
	Speed               *float64 `yaml:"speed"`
	Rotation            *int     `yaml:"rotation"`
	LoopCount           *int     `yaml:"loop_count"`
	ProbeTimeoutSeconds *int     `yaml:"probe_timeout_seconds"`
	LogLevel            *string  `yaml:"log_level"`
	LogFormat           *string  `yaml:"log_format"`
}

type fileSource struct {
	ID      string `yaml:"id"`
	Path    string `yaml:"path"`
	Enabled *bool  `yaml:"enabled"`
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	cwd := opts.WorkingDir
	if strings.TrimSpace(cwd) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cwd = wd
	}

	env := opts.Env
	if env == nil {
		env = osEnvMap()
	}

	if explicit := strings.TrimSpace(opts.ExplicitPath); explicit != "" {
		if err := mergeFile(&cfg, explicit, true); err != nil {
			return Config{}, err
		}
	} else {
		userPath, err := UserConfigPath()
		if err != nil {
			return Config{}, err
		}
		if err := mergeFile(&cfg, userPath, false); err != nil {
			return Config{}, err
		}

		if err := mergeFile(&cfg, ProjectConfigPath(cwd), false); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg, env); err != nil {
		return Config{}, err
	}

	normalize(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string, required bool) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file does not exist: %s", path)
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(payload, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Version != nil {
		cfg.Version = *fc.Version
	}
	d := &cfg.Defaults
	mergeString(&d.Output, fc.Defaults.Output)
	mergeString(&d.FFmpegBin, fc.Defaults.FFmpegBin)
	mergeString(&d.FFprobeBin, fc.Defaults.FFprobeBin)
	mergeString(&d.LogLevel, fc.Defaults.LogLevel)
	mergeString(&d.LogFormat, fc.Defaults.LogFormat)
	if fc.Defaults.MaxWidth != nil {
		d.MaxWidth = *fc.Defaults.MaxWidth
	}
	if fc.Defaults.MaxHeight != nil {
		d.MaxHeight = *fc.Defaults.MaxHeight
	}
	if fc.Defaults.FrameRate != nil {
		d.FrameRate = *fc.Defaults.FrameRate
	}
	if fc.Defaults.Speed != nil {
		d.Speed = *fc.Defaults.Speed
	}
	if fc.Defaults.Rotation != nil {
		d.Rotation = *fc.Defaults.Rotation
	}
	if fc.Defaults.LoopCount != nil {
		d.LoopCount = *fc.Defaults.LoopCount
	}
	if fc.Defaults.ProbeTimeoutSeconds != nil {
		d.ProbeTimeoutSeconds = *fc.Defaults.ProbeTimeoutSeconds
	}

	if fc.Sources != nil {
		cfg.Sources = make([]Source, 0, len(*fc.Sources))
		for _, fs := range *fc.Sources {
			enabled := true
			if fs.Enabled != nil {
				enabled = *fs.Enabled
			}
			cfg.Sources = append(cfg.Sources, Source{
				ID:      strings.TrimSpace(fs.ID),
				Path:    strings.TrimSpace(fs.Path),
				Enabled: enabled,
			})
		}
	}

	return nil
}

func mergeString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func applyEnvOverrides(cfg *Config, env map[string]string) error {
	if value := strings.TrimSpace(env["CLIPSTITCH_OUTPUT"]); value != "" {
		cfg.Defaults.Output = value
	}
	if value := strings.TrimSpace(env["CLIPSTITCH_FFMPEG_BIN"]); value != "" {
		cfg.Defaults.FFmpegBin = value
	}
	if value := strings.TrimSpace(env["CLIPSTITCH_FFPROBE_BIN"]); value != "" {
		cfg.Defaults.FFprobeBin = value
	}
	if value := strings.TrimSpace(env["CLIPSTITCH_FRAME_RATE"]); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid CLIPSTITCH_FRAME_RATE value %q: %w", value, err)
		}
		cfg.Defaults.FrameRate = parsed
	}
	if value := strings.TrimSpace(env["CLIPSTITCH_SPEED"]); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid CLIPSTITCH_SPEED value %q: %w", value, err)
		}
		cfg.Defaults.Speed = parsed
	}
	if value := strings.TrimSpace(env["CLIPSTITCH_LOG_LEVEL"]); value != "" {
		cfg.Defaults.LogLevel = value
	}
	if value := strings.TrimSpace(env["CLIPSTITCH_LOG_FORMAT"]); value != "" {
		cfg.Defaults.LogFormat = value
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Defaults.LogLevel = strings.ToLower(cfg.Defaults.LogLevel)
	cfg.Defaults.LogFormat = strings.ToLower(cfg.Defaults.LogFormat)
	for i := range cfg.Sources {
		if cfg.Sources[i].ID == "" && cfg.Sources[i].Path != "" {
			base := filepath.Base(cfg.Sources[i].Path)
			cfg.Sources[i].ID = strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
}

func osEnvMap() map[string]string {
	result := map[string]string{}
	for _, pair := range os.Environ() {
		pieces := strings.SplitN(pair, "=", 2)
		if len(pieces) == 2 {
			result[pieces[0]] = pieces[1]
		}
	}
	return result
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}
	return nil
}
