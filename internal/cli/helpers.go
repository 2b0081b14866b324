package cli

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/jaa/clipstitch/internal/config"
	"github.com/jaa/clipstitch/internal/logging"
)

func loadConfig(app *AppContext) (config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg, err := config.Load(config.LoadOptions{
		ExplicitPath: strings.TrimSpace(app.Opts.ConfigPath),
		WorkingDir:   wd,
	})
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// selectSources returns the enabled sources, or the ones named in ids, in
// configuration order.
func selectSources(cfg config.Config, ids []string) ([]config.Source, error) {
	if len(ids) == 0 {
		return cfg.EnabledSources(), nil
	}

	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[strings.TrimSpace(id)] = false
	}

	selected := []config.Source{}
	for _, source := range cfg.Sources {
		if _, ok := wanted[source.ID]; ok {
			wanted[source.ID] = true
			selected = append(selected, source)
		}
	}

	unknown := []string{}
	for id, found := range wanted {
		if !found {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown source id(s): %s", strings.Join(unknown, ", "))
	}
	return selected, nil
}

func newLogger(app *AppContext, cfg config.Config) *slog.Logger {
	level := cfg.Defaults.LogLevel
	switch {
	case app.Opts.Verbose:
		level = "debug"
	case app.Opts.Quiet:
		level = "error"
	}
	return logging.New(level, cfg.Defaults.LogFormat, app.IO.ErrOut)
}

func isTTY(file *os.File) bool {
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}
