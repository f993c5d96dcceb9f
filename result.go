package oneshot

import (
	"fmt"
	"math"
	"time"

	"github.com/gogpu/oneshot/gpu"
)

// Result holds the read-back data of a run.
type Result struct {
	Workload string
	Adapter  string

	// Elements is the multiplied buffer, nil without a compute part.
	Elements []uint32

	// Pixels is the cleared image, tightly packed, nil without an image.
	Pixels []byte
	Extent gpu.Extent
	Format gpu.Format

	Duration time.Duration
}

// VerifyMultiply checks that Elements[i] == i*multiplier for every i and
// reports the first mismatch.
func (r *Result) VerifyMultiply(n, multiplier uint32) error {
	if uint32(len(r.Elements)) != n {
		return fmt.Errorf("%w: %d elements, want %d", ErrVerification, len(r.Elements), n)
	}
	for i, got := range r.Elements {
		if want := uint32(i) * multiplier; got != want {
			return fmt.Errorf("%w: element %d is %d, want %d", ErrVerification, i, got, want)
		}
	}
	return nil
}

// VerifyClear checks that every pixel equals c in the result's format and
// reports the first mismatch.
func (r *Result) VerifyClear(c gpu.ClearValue) error {
	want := clearBytes(c, r.Format)
	n := int(r.Extent.Pixels())
	if len(r.Pixels) != n*4 {
		return fmt.Errorf("%w: %d pixel bytes for %s, want %d", ErrVerification, len(r.Pixels), r.Extent, n*4)
	}
	for i := 0; i < n; i++ {
		px := r.Pixels[i*4 : i*4+4]
		if px[0] != want[0] || px[1] != want[1] || px[2] != want[2] || px[3] != want[3] {
			x, y := i%int(r.Extent.Width), i/int(r.Extent.Width)
			return fmt.Errorf("%w: pixel (%d,%d) is %v, want %v", ErrVerification, x, y, px, want)
		}
	}
	return nil
}

// clearBytes converts a clear value to the bytes of one pixel.
func clearBytes(c gpu.ClearValue, f gpu.Format) [4]byte {
	r, g, b, a := unorm8(c.R), unorm8(c.G), unorm8(c.B), unorm8(c.A)
	if f == gpu.FormatBGRA8Unorm {
		return [4]byte{b, g, r, a}
	}
	return [4]byte{r, g, b, a}
}

func unorm8(v float64) byte {
	return byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
