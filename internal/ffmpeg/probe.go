// Package ffmpeg implements the transcode collaborators on top of the
// ffmpeg and ffprobe binaries: sources backed by media files, workers that
// decode frames through an ffmpeg pipe, and an animated GIF sink.
package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jaa/clipstitch/internal/media"
)

var ErrNoVideoStream = errors.New("no video stream")

// ProbeResult is the subset of `ffprobe -of json` output clipstitch reads.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

type ProbeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	RFrameRate   string            `json:"r_frame_rate"`
	Duration     string            `json:"duration"`
	Tags         map[string]string `json:"tags"`
	SideDataList []ProbeSideData   `json:"side_data_list"`
	Disposition  ProbeDisposition  `json:"disposition"`
}

type ProbeDisposition struct {
	AttachedPic int `json:"attached_pic"`
}

type ProbeSideData struct {
	SideDataType string `json:"side_data_type"`
	Rotation     int    `json:"rotation"`
}

type ProbeFormat struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

// Probe runs ffprobe against path and decodes its JSON report.
func Probe(ctx context.Context, binary string, path string) (ProbeResult, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return ProbeResult{}, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	stderr := newTailBuffer(4 * 1024)
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return ParseProbe(out)
}

func ParseProbe(data []byte) (ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// VideoStream returns the first video stream that is not an attached picture.
func (r ProbeResult) VideoStream() (ProbeStream, bool) {
	for _, stream := range r.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		if stream.Disposition.AttachedPic != 0 {
			continue
		}
		return stream, true
	}
	return ProbeStream{}, false
}

// MediaFormat describes the primary video stream.
func (r ProbeResult) MediaFormat() (media.Format, error) {
	stream, ok := r.VideoStream()
	if !ok {
		return media.Format{}, ErrNoVideoStream
	}

	rate := parseFrameRate(stream.AvgFrameRate)
	if rate <= 0 {
		rate = parseFrameRate(stream.RFrameRate)
	}
	seconds := parseSeconds(stream.Duration)
	if seconds <= 0 {
		seconds = parseSeconds(r.Format.Duration)
	}

	return media.Format{
		MimeType:   mimeTypeOf(stream.CodecName),
		Width:      stream.Width,
		Height:     stream.Height,
		FrameRate:  rate,
		Rotation:   stream.rotation(),
		DurationUs: int64(math.Round(seconds * 1_000_000)),
	}, nil
}

// rotation reports the clockwise display rotation. Display matrix side data
// is counter-clockwise, the legacy rotate tag is clockwise.
func (s ProbeStream) rotation() int {
	for _, side := range s.SideDataList {
		if side.Rotation != 0 {
			return media.NormalizeRotation(-side.Rotation)
		}
	}
	if tag, ok := s.Tags["rotate"]; ok {
		if deg, err := strconv.Atoi(strings.TrimSpace(tag)); err == nil {
			return media.NormalizeRotation(deg)
		}
	}
	return 0
}

// parseFrameRate handles fractional rates like "30000/1001" as well as "25".
func parseFrameRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if num, den, ok := strings.Cut(value, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d <= 0 {
			return 0
		}
		return n / d
	}
	rate, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return rate
}

func parseSeconds(value string) float64 {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(seconds) || seconds < 0 {
		return 0
	}
	return seconds
}

func mimeTypeOf(codec string) string {
	switch strings.ToLower(codec) {
	case "h264":
		return "video/avc"
	case "hevc":
		return "video/hevc"
	case "vp8":
		return "video/x-vnd.on2.vp8"
	case "vp9":
		return "video/x-vnd.on2.vp9"
	case "av1":
		return "video/av01"
	case "gif":
		return media.MimeTypeGIF
	case "":
		return ""
	default:
		return "video/" + strings.ToLower(codec)
	}
}
