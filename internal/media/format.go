package media

import "fmt"

const MimeTypeGIF = "image/gif"

// Format describes the video track of a source, or the target every step
// must produce once negotiated.
type Format struct {
	MimeType   string  `json:"mime_type,omitempty"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frame_rate"`
	Rotation   int     `json:"rotation,omitempty"`
	DurationUs int64   `json:"duration_us,omitempty"`
}

// Valid reports whether the format carries enough information to be
// transcoded: a positive size and frame rate.
func (f Format) Valid() bool {
	return f.Width > 0 && f.Height > 0 && f.FrameRate > 0
}

// DisplaySize returns the frame size once Rotation is applied.
func (f Format) DisplaySize() (int, int) {
	if NormalizeRotation(f.Rotation)%180 == 90 {
		return f.Height, f.Width
	}
	return f.Width, f.Height
}

// FrameDurationUs returns the duration of one frame, or 0 for an unknown rate.
func (f Format) FrameDurationUs() int64 {
	if f.FrameRate <= 0 {
		return 0
	}
	return int64(1_000_000 / f.FrameRate)
}

func (f Format) String() string {
	w, h := f.DisplaySize()
	return fmt.Sprintf("%dx%d@%.3gfps", w, h, f.FrameRate)
}

// NormalizeRotation folds any angle onto 0, 90, 180 or 270. Angles that are
// not a multiple of 90 are rounded down to one.
func NormalizeRotation(degrees int) int {
	r := ((degrees % 360) + 360) % 360
	return r - r%90
}
