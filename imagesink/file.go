package imagesink

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// jpegQuality is the quality used for .jpg output.
const jpegQuality = 95

// FileSink writes the image to Path. The encoder is chosen by extension:
// .png, .bmp, .tif/.tiff and .jpg/.jpeg.
type FileSink struct {
	Path string
}

type encodeFunc func(w io.Writer, img image.Image) error

func encoderFor(path string) (encodeFunc, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode, true
	case ".bmp":
		return bmp.Encode, true
	case ".tif", ".tiff":
		return func(w io.Writer, img image.Image) error {
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
		}, true
	case ".jpg", ".jpeg":
		return func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
		}, true
	default:
		return nil, false
	}
}

// Write encodes the pixels and replaces the file at Path.
func (s FileSink) Write(width, height int, format PixelFormat, pixels []byte) error {
	encode, ok := encoderFor(s.Path)
	if !ok {
		return &EncodeError{Target: s.Path, Reason: "unknown image extension " + filepath.Ext(s.Path)}
	}
	img, err := ToImage(width, height, format, pixels)
	if err != nil {
		return &EncodeError{Target: s.Path, Reason: err.Error()}
	}

	f, err := os.Create(s.Path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return &EncodeError{Target: s.Path, Reason: "create", Err: err}
	}
	if err := encode(f, img); err != nil {
		_ = f.Close()
		return &EncodeError{Target: s.Path, Reason: "encode", Err: err}
	}
	if err := f.Close(); err != nil {
		return &EncodeError{Target: s.Path, Reason: "close", Err: err}
	}
	return nil
}
