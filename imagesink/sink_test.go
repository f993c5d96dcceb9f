package imagesink

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// bluePixels returns w*h opaque blue pixels in the given channel order.
func bluePixels(w, h int, format PixelFormat) []byte {
	px := make([]byte, w*h*4)
	for i := 0; i < len(px); i += 4 {
		if format == BGRA8 {
			px[i] = 255
		} else {
			px[i+2] = 255
		}
		px[i+3] = 255
	}
	return px
}

func TestToImage(t *testing.T) {
	for _, format := range []PixelFormat{RGBA8, BGRA8} {
		t.Run(format.String(), func(t *testing.T) {
			img, err := ToImage(3, 2, format, bluePixels(3, 2, format))
			if err != nil {
				t.Fatalf("ToImage failed: %v", err)
			}
			if img.Bounds() != image.Rect(0, 0, 3, 2) {
				t.Errorf("bounds = %v", img.Bounds())
			}
			want := color.RGBA{B: 255, A: 255}
			if got := img.RGBAAt(2, 1); got != want {
				t.Errorf("pixel = %v, want %v", got, want)
			}
		})
	}
}

func TestToImageErrors(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		format PixelFormat
		pixels []byte
	}{
		{"zero width", 0, 4, RGBA8, make([]byte, 64)},
		{"short buffer", 4, 4, RGBA8, make([]byte, 63)},
		{"unknown format", 1, 1, PixelFormat(7), make([]byte, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ToImage(tt.w, tt.h, tt.format, tt.pixels); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	decoders := map[string]func(io.Reader) (image.Image, error){
		"out.png":  png.Decode,
		"out.bmp":  bmp.Decode,
		"out.tiff": tiff.Decode,
		"out.TIF":  tiff.Decode,
	}
	dir := t.TempDir()

	for name, decode := range decoders {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := (FileSink{Path: path}).Write(8, 4, BGRA8, bluePixels(8, 4, BGRA8)); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			f, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			img, err := decode(f)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
				t.Errorf("bounds = %v", img.Bounds())
			}
			r, g, b, a := img.At(7, 3).RGBA()
			if r != 0 || g != 0 || b != 0xffff || a != 0xffff {
				t.Errorf("pixel = (%d,%d,%d,%d), want opaque blue", r, g, b, a)
			}
		})
	}
}

func TestFileSinkJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jpg")
	if err := (FileSink{Path: path}).Write(16, 16, RGBA8, bluePixels(16, 16, RGBA8)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		t.Errorf("jpeg not written: %v", err)
	}
}

func TestFileSinkErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		path   string
		pixels []byte
	}{
		{"unknown extension", filepath.Join(dir, "out.xyz"), bluePixels(2, 2, RGBA8)},
		{"short buffer", filepath.Join(dir, "short.png"), make([]byte, 3)},
		{"missing directory", filepath.Join(dir, "missing", "out.png"), bluePixels(2, 2, RGBA8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FileSink{Path: tt.path}.Write(2, 2, RGBA8, tt.pixels)
			if !errors.Is(err, ErrEncode) {
				t.Fatalf("err = %v, want ErrEncode", err)
			}
			var ee *EncodeError
			if !errors.As(err, &ee) || ee.Target != tt.path {
				t.Errorf("EncodeError target = %v", ee)
			}
		})
	}
}

func TestMemorySink(t *testing.T) {
	var s MemorySink
	if s.Image() != nil {
		t.Fatal("empty sink has an image")
	}
	if err := s.Write(4, 4, RGBA8, bluePixels(4, 4, RGBA8)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := s.Image().RGBAAt(0, 0); got != (color.RGBA{B: 255, A: 255}) {
		t.Errorf("pixel = %v", got)
	}
	if err := s.Write(4, 4, RGBA8, nil); !errors.Is(err, ErrEncode) {
		t.Errorf("err = %v, want ErrEncode", err)
	}
}
