// Package imagesink encodes read-back pixel data into image files or
// in-memory images.
//
// A Sink receives tightly packed 8-bit pixels, four bytes per pixel, in
// row-major order. Row padding from GPU copies must be stripped first.
package imagesink

import (
	"errors"
	"fmt"
	"image"
)

// ErrEncode is returned when pixels cannot be encoded or written.
var ErrEncode = errors.New("imagesink: encode failed")

// PixelFormat is the channel order of the input pixels.
type PixelFormat uint8

const (
	// RGBA8 is red, green, blue, alpha.
	RGBA8 PixelFormat = iota

	// BGRA8 is blue, green, red, alpha.
	BGRA8
)

func (f PixelFormat) String() string {
	switch f {
	case RGBA8:
		return "rgba8"
	case BGRA8:
		return "bgra8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", f)
	}
}

// Sink consumes one image.
type Sink interface {
	Write(width, height int, format PixelFormat, pixels []byte) error
}

// EncodeError describes a failed Write.
type EncodeError struct {
	Target string
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("imagesink: %s: %s", e.Target, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrEncode and the underlying cause.
func (e *EncodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncode}
	}
	return []error{ErrEncode, e.Err}
}

// ToImage converts packed pixels to an *image.RGBA, swizzling BGRA input.
// pixels must hold at least width*height*4 bytes.
func ToImage(width, height int, format PixelFormat, pixels []byte) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	need := width * height * 4
	if len(pixels) < need {
		return nil, fmt.Errorf("%d bytes for %dx%d pixels, need %d", len(pixels), width, height, need)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	switch format {
	case RGBA8:
		copy(img.Pix, pixels[:need])
	case BGRA8:
		for i := 0; i < need; i += 4 {
			img.Pix[i+0] = pixels[i+2]
			img.Pix[i+1] = pixels[i+1]
			img.Pix[i+2] = pixels[i+0]
			img.Pix[i+3] = pixels[i+3]
		}
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", format)
	}
	return img, nil
}
