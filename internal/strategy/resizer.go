package strategy

import "fmt"

// Resizer turns the reference input size into the output size.
type Resizer interface {
	Resize(width, height int) (int, int)
}

type resizerFunc func(width, height int) (int, int)

func (f resizerFunc) Resize(width, height int) (int, int) {
	return f(width, height)
}

// Passthrough keeps the input size.
func Passthrough() Resizer {
	return resizerFunc(func(width, height int) (int, int) { return width, height })
}

// AtMost scales the input down, keeping its aspect ratio, until it fits in
// maxWidth x maxHeight. A non-positive bound is ignored.
func AtMost(maxWidth, maxHeight int) Resizer {
	return resizerFunc(func(width, height int) (int, int) {
		scale := 1.0
		if maxWidth > 0 && width > maxWidth {
			scale = float64(maxWidth) / float64(width)
		}
		if maxHeight > 0 && height > maxHeight {
			if s := float64(maxHeight) / float64(height); s < scale {
				scale = s
			}
		}
		return scaled(width, height, scale)
	})
}

// Fraction scales the input by f, clamped to (0, 1].
func Fraction(f float64) Resizer {
	if f <= 0 || f > 1 {
		f = 1
	}
	return resizerFunc(func(width, height int) (int, int) {
		return scaled(width, height, f)
	})
}

// Exact always returns width x height.
func Exact(width, height int) Resizer {
	return resizerFunc(func(int, int) (int, int) { return width, height })
}

// ParseSize parses "WxH", as accepted by --max-size.
func ParseSize(raw string) (int, int, error) {
	var w, h int
	if _, err := fmt.Sscanf(raw, "%dx%d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("invalid size %q (expected WxH)", raw)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: dimensions must be > 0", raw)
	}
	return w, h, nil
}

func scaled(width, height int, scale float64) (int, int) {
	if scale >= 1 {
		return width, height
	}
	return int(float64(width) * scale), int(float64(height) * scale)
}
