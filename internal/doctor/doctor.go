package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jaa/clipstitch/internal/config"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type Check struct {
	Severity Severity `json:"severity"`
	Name     string   `json:"name"`
	Message  string   `json:"message"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

func (r Report) HasErrors() bool {
	return r.ErrorCount() > 0
}

func (r Report) ErrorCount() int {
	count := 0
	for _, check := range r.Checks {
		if check.Severity == SeverityError {
			count++
		}
	}
	return count
}

type Checker struct {
	LookPath      func(string) (string, error)
	ReadVersion   func(context.Context, string) (string, error)
	Stat          func(string) (os.FileInfo, error)
	CheckWritable func(string) error
	WorkingDir    string
	Matrix        map[string]dependencyMatrixRule
}

func NewChecker() *Checker {
	return &Checker{
		LookPath:      exec.LookPath,
		ReadVersion:   defaultReadVersion,
		Stat:          os.Stat,
		CheckWritable: checkDirWritable,
		Matrix:        defaultDependencyMatrix(),
	}
}

func (c *Checker) Check(ctx context.Context, cfg config.Config) Report {
	report := Report{Checks: []Check{}}

	for _, dep := range requiredBinaries(cfg, c.matrix()) {
		report.Checks = append(report.Checks, c.checkBinary(ctx, dep)...)
	}

	output, err := config.ResolvePath(c.workingDir(), cfg.Defaults.Output)
	if err != nil || output == "" {
		report.Checks = append(report.Checks, Check{Severity: SeverityError, Name: "filesystem", Message: fmt.Sprintf("output path %q is invalid", cfg.Defaults.Output)})
	} else if err := c.CheckWritable(filepath.Dir(output)); err != nil {
		report.Checks = append(report.Checks, Check{Severity: SeverityError, Name: "filesystem", Message: fmt.Sprintf("output directory is not writable: %v", err)})
	} else {
		report.Checks = append(report.Checks, Check{Severity: SeverityInfo, Name: "filesystem", Message: fmt.Sprintf("output directory %s is writable", filepath.Dir(output))})
	}

	for _, source := range cfg.Sources {
		if !source.Enabled {
			continue
		}
		path, err := config.ResolvePath(c.workingDir(), source.Path)
		if err != nil || path == "" {
			report.Checks = append(report.Checks, Check{Severity: SeverityError, Name: "source", Message: fmt.Sprintf("source %s path is invalid", source.ID)})
			continue
		}
		info, err := c.Stat(path)
		switch {
		case err != nil:
			report.Checks = append(report.Checks, Check{Severity: SeverityError, Name: "source", Message: fmt.Sprintf("source %s is not readable: %v", source.ID, err)})
		case info.IsDir():
			report.Checks = append(report.Checks, Check{Severity: SeverityError, Name: "source", Message: fmt.Sprintf("source %s path %s is a directory", source.ID, path)})
		case info.Size() == 0:
			report.Checks = append(report.Checks, Check{Severity: SeverityWarn, Name: "source", Message: fmt.Sprintf("source %s file %s is empty", source.ID, path)})
		default:
			report.Checks = append(report.Checks, Check{Severity: SeverityInfo, Name: "source", Message: fmt.Sprintf("source %s found at %s", source.ID, path)})
		}
	}

	if len(cfg.Sources) == 0 {
		report.Checks = append(report.Checks, Check{Severity: SeverityWarn, Name: "config", Message: "no sources configured"})
	}

	return report
}

func (c *Checker) checkBinary(ctx context.Context, dep dependency) []Check {
	location, err := c.LookPath(dep.Binary)
	if err != nil {
		return []Check{{
			Severity: SeverityError,
			Name:     "dependency",
			Message:  fmt.Sprintf("%s not found in PATH", dep.Binary),
		}}
	}
	checks := []Check{{
		Severity: SeverityInfo,
		Name:     "dependency",
		Message:  fmt.Sprintf("%s found at %s", dep.Binary, location),
	}}

	output, versionErr := c.ReadVersion(ctx, dep.Binary)
	if versionErr != nil {
		return append(checks, Check{
			Severity: SeverityWarn,
			Name:     "dependency",
			Message:  fmt.Sprintf("%s version could not be read: %v", dep.Binary, versionErr),
		})
	}

	version, parseErr := extractVersion(output)
	if parseErr != nil {
		return append(checks, Check{
			Severity: SeverityWarn,
			Name:     "dependency",
			Message:  fmt.Sprintf("%s version output is unrecognized: %q", dep.Binary, firstLine(output)),
		})
	}

	if compareVersions(version, dep.MinVersion) < 0 {
		return append(checks, Check{
			Severity: SeverityError,
			Name:     "dependency",
			Message:  fmt.Sprintf("%s version %s is below minimum %s", dep.Binary, version, dep.MinVersion),
		})
	}

	if dep.Matrix != nil {
		if reason, knownBad := dep.Matrix.KnownBad[version]; knownBad {
			message := fmt.Sprintf("%s version %s is blocked by compatibility matrix", dep.Binary, version)
			if strings.TrimSpace(reason) != "" {
				message = fmt.Sprintf("%s: %s", message, reason)
			}
			return append(checks, Check{Severity: SeverityError, Name: "dependency", Message: message})
		}
		if strings.TrimSpace(dep.Matrix.MaxVersionExclusive) != "" &&
			compareVersions(version, dep.Matrix.MaxVersionExclusive) >= 0 {
			return append(checks, Check{
				Severity: SeverityWarn,
				Name:     "dependency",
				Message: fmt.Sprintf(
					"%s version %s is newer than the tested range >=%s and <%s",
					dep.Binary,
					version,
					dep.MinVersion,
					dep.Matrix.MaxVersionExclusive,
				),
			})
		}
	}

	return append(checks, Check{
		Severity: SeverityInfo,
		Name:     "dependency",
		Message:  fmt.Sprintf("%s version %s is compatible", dep.Binary, version),
	})
}

func (c *Checker) workingDir() string {
	if strings.TrimSpace(c.WorkingDir) != "" {
		return c.WorkingDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

type dependency struct {
	Binary     string
	MinVersion string
	Matrix     *dependencyMatrixRule
}

type dependencyMatrixRule struct {
	MinVersion          string
	MaxVersionExclusive string
	KnownBad            map[string]string
}

func defaultDependencyMatrix() map[string]dependencyMatrixRule {
	return map[string]dependencyMatrixRule{
		"ffmpeg": {
			MinVersion:          "4.0.0",
			MaxVersionExclusive: "9.0.0",
			KnownBad:            map[string]string{},
		},
		"ffprobe": {
			MinVersion:          "4.0.0",
			MaxVersionExclusive: "9.0.0",
			KnownBad:            map[string]string{},
		},
	}
}

func (c *Checker) matrix() map[string]dependencyMatrixRule {
	if len(c.Matrix) == 0 {
		return defaultDependencyMatrix()
	}
	return c.Matrix
}

func requiredBinaries(cfg config.Config, matrix map[string]dependencyMatrixRule) []dependency {
	bins := []struct {
		key    string
		binary string
	}{
		{key: "ffmpeg", binary: cfg.Defaults.FFmpegBin},
		{key: "ffprobe", binary: cfg.Defaults.FFprobeBin},
	}

	result := make([]dependency, 0, len(bins))
	for _, bin := range bins {
		binary := strings.TrimSpace(bin.binary)
		if binary == "" {
			binary = bin.key
		}
		dep := dependency{Binary: binary, MinVersion: "0.0.0"}
		if rule, ok := matrix[bin.key]; ok {
			cloned := dependencyMatrixRule{
				MinVersion:          rule.MinVersion,
				MaxVersionExclusive: rule.MaxVersionExclusive,
				KnownBad:            map[string]string{},
			}
			for version, reason := range rule.KnownBad {
				cloned.KnownBad[version] = reason
			}
			dep.Matrix = &cloned
			if strings.TrimSpace(rule.MinVersion) != "" {
				dep.MinVersion = rule.MinVersion
			}
		}
		result = append(result, dep)
	}
	return result
}

func defaultReadVersion(ctx context.Context, binary string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, "-version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

func checkDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	file, err := os.CreateTemp(path, ".clipstitch-write-check-*")
	if err != nil {
		return err
	}
	name := file.Name()
	_ = file.Close()
	_ = os.Remove(name)
	return nil
}

// ffmpeg prints "ffmpeg version 6.1.1-3ubuntu5" or "ffmpeg version n7.0".
var versionPattern = regexp.MustCompile(`version n?(\d+)\.(\d+)(?:\.(\d+))?`)

func extractVersion(raw string) (string, error) {
	matches := versionPattern.FindStringSubmatch(raw)
	if len(matches) != 4 {
		return "", fmt.Errorf("no version found")
	}
	patch := matches[3]
	if patch == "" {
		patch = "0"
	}
	return fmt.Sprintf("%s.%s.%s", matches[1], matches[2], patch), nil
}

func firstLine(raw string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	return line
}

func compareVersions(lhs string, rhs string) int {
	leftParts := strings.Split(lhs, ".")
	rightParts := strings.Split(rhs, ".")
	for i := 0; i < 3; i++ {
		leftValue := 0
		rightValue := 0
		if i < len(leftParts) {
			leftValue, _ = strconv.Atoi(leftParts[i])
		}
		if i < len(rightParts) {
			rightValue, _ = strconv.Atoi(rightParts[i])
		}
		if leftValue > rightValue {
			return 1
		}
		if leftValue < rightValue {
			return -1
		}
	}
	return 0
}
