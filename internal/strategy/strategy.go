// Package strategy negotiates the single output format shared by every step
// of a transcode.
package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/jaa/clipstitch/internal/media"
)

var ErrInvalidOutputFormat = errors.New("invalid output format")

// FormatError reports which input could not be reconciled.
type FormatError struct {
	Index  int
	Reason string
}

func (e *FormatError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrInvalidOutputFormat, e.Reason)
	}
	return fmt.Sprintf("%s: input %d: %s", ErrInvalidOutputFormat, e.Index, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrInvalidOutputFormat
}

const (
	DefaultMaxFrameRate    = 10
	DefaultMaxSize         = 480
	DefaultAspectTolerance = 0.01
)

// Default picks the smallest input as the reference so no source is
// upscaled, then resizes it and caps the frame rate.
type Default struct {
	MimeType        string
	MaxFrameRate    float64
	Resizer         Resizer
	AspectTolerance float64
}

// NewDefault returns the GIF defaults.
func NewDefault() *Default {
	return &Default{
		MimeType:        media.MimeTypeGIF,
		MaxFrameRate:    DefaultMaxFrameRate,
		Resizer:         AtMost(DefaultMaxSize, DefaultMaxSize),
		AspectTolerance: DefaultAspectTolerance,
	}
}

func (d *Default) Negotiate(inputs []media.Format) (media.Format, error) {
	out := media.Format{
		MimeType:  d.MimeType,
		FrameRate: d.MaxFrameRate,
	}
	if out.MimeType == "" {
		out.MimeType = media.MimeTypeGIF
	}
	if len(inputs) == 0 {
		return out, nil
	}

	ref := -1
	minRate := math.MaxFloat64
	for i, in := range inputs {
		if !in.Valid() {
			return media.Format{}, &FormatError{Index: i, Reason: fmt.Sprintf("unusable video track %dx%d@%g", in.Width, in.Height, in.FrameRate)}
		}
		if in.FrameRate < minRate {
			minRate = in.FrameRate
		}
		if ref < 0 || area(in) < area(inputs[ref]) {
			ref = i
		}
	}

	refW, refH := inputs[ref].DisplaySize()
	refAspect := float64(refW) / float64(refH)
	tolerance := d.AspectTolerance
	if tolerance <= 0 {
		tolerance = DefaultAspectTolerance
	}
	for i, in := range inputs {
		w, h := in.DisplaySize()
		aspect := float64(w) / float64(h)
		if math.Abs(aspect-refAspect)/refAspect > tolerance {
			return media.Format{}, &FormatError{Index: i, Reason: fmt.Sprintf("aspect ratio %.3f does not match %.3f", aspect, refAspect)}
		}
	}

	resizer := d.Resizer
	if resizer == nil {
		resizer = Passthrough()
	}
	w, h := resizer.Resize(refW, refH)
	out.Width, out.Height = even(w), even(h)

	if out.FrameRate <= 0 || minRate < out.FrameRate {
		out.FrameRate = minRate
	}
	return out, nil
}

func area(f media.Format) int {
	return f.Width * f.Height
}

func even(v int) int {
	v -= v % 2
	if v < 2 {
		return 2
	}
	return v
}

type rotated struct {
	inner    Negotiator
	rotation int
}

// Negotiator is satisfied by every strategy in this package.
type Negotiator interface {
	Negotiate(inputs []media.Format) (media.Format, error)
}

// Rotated negotiates as inner would if every input were rotated by degrees
// more, so the output size matches frames rotated by the workers.
func Rotated(inner Negotiator, degrees int) Negotiator {
	degrees = media.NormalizeRotation(degrees)
	if degrees == 0 {
		return inner
	}
	return rotated{inner: inner, rotation: degrees}
}

func (r rotated) Negotiate(inputs []media.Format) (media.Format, error) {
	turned := make([]media.Format, len(inputs))
	for i, in := range inputs {
		in.Rotation = media.NormalizeRotation(in.Rotation + r.rotation)
		turned[i] = in
	}
	return r.inner.Negotiate(turned)
}
