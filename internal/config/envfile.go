package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// DotEnvFiles lists the files LoadDotEnvFiles reads, later files winning.
var DotEnvFiles = []string{".env", ".env.local"}

// LoadDotEnvFiles applies .env and .env.local from cwd through setenv.
// Keys already present in environ are never overwritten.
func LoadDotEnvFiles(cwd string, environ []string, setenv func(string, string) error) error {
	if strings.TrimSpace(cwd) == "" {
		return nil
	}
	if setenv == nil {
		return fmt.Errorf("setenv is required")
	}

	protected := map[string]struct{}{}
	for _, pair := range environ {
		key, _, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		protected[key] = struct{}{}
	}

	merged := map[string]string{}
	for _, name := range DotEnvFiles {
		path := filepath.Join(cwd, name)
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for key, value := range values {
			merged[key] = value
		}
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, exists := protected[key]; exists {
			continue
		}
		if err := setenv(key, merged[key]); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
