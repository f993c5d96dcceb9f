package oneshot

import (
	"fmt"
	"time"

	"github.com/gogpu/oneshot/gpu"
)

// maxWorkgroupsPerDimension is the WebGPU default limit on workgroups
// dispatched along one axis.
const maxWorkgroupsPerDimension = 65535

// multiplyTemplate is the WGSL source of the multiply workload.
// Parameters: workgroup size, multiplier.
const multiplyTemplate = `@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let idx = id.x;
    if (idx >= arrayLength(&data)) {
        return;
    }
    data[idx] = data[idx] * %du;
}
`

// Workload describes one run. A workload has a compute part, a clear part
// or both: Elements > 0 enables the multiply dispatch, a non-zero
// ImageExtent enables the image clear.
type Workload struct {
	Name string

	// Elements is the number of u32 values, initialised to 0..Elements-1
	// and multiplied in place by Multiplier.
	Elements      uint32
	Multiplier    uint32
	WorkgroupSize uint32

	// ShaderSource replaces the generated multiply shader. It must declare
	// a compute entry point "main" with a storage buffer at group 0
	// binding 0.
	ShaderSource string

	ImageExtent gpu.Extent
	ImageFormat gpu.Format
	ClearValue  gpu.ClearValue

	// Timeout bounds each wait. Zero uses the runner default; NoTimeout
	// waits without bound.
	Timeout time.Duration
}

// MultiplyWorkload returns 65536 elements multiplied by 12 in workgroups
// of 64.
func MultiplyWorkload() Workload {
	return Workload{
		Name:          "multiply",
		Elements:      65536,
		Multiplier:    12,
		WorkgroupSize: 64,
	}
}

// ClearWorkload returns a 1024x1024 RGBA image cleared to opaque blue.
func ClearWorkload() Workload {
	return Workload{
		Name:        "clear",
		ImageExtent: gpu.Extent{Width: 1024, Height: 1024},
		ImageFormat: gpu.FormatRGBA8Unorm,
		ClearValue:  gpu.ClearValue{R: 0, G: 0, B: 1, A: 1},
	}
}

// CombinedWorkload runs the multiply and clear presets in one run.
func CombinedWorkload() Workload {
	w := MultiplyWorkload()
	c := ClearWorkload()
	w.Name = "all"
	w.ImageExtent = c.ImageExtent
	w.ImageFormat = c.ImageFormat
	w.ClearValue = c.ClearValue
	return w
}

// HasCompute reports whether the workload dispatches the multiply shader.
func (w Workload) HasCompute() bool { return w.Elements > 0 }

// HasImage reports whether the workload clears an image.
func (w Workload) HasImage() bool { return w.ImageExtent.Width > 0 || w.ImageExtent.Height > 0 }

// Validate checks the workload parameters.
func (w Workload) Validate() error {
	if !w.HasCompute() && !w.HasImage() {
		return fmt.Errorf("%w: %q has neither elements nor an image", ErrInvalidWorkload, w.Name)
	}
	if w.HasCompute() {
		if w.WorkgroupSize == 0 {
			return fmt.Errorf("%w: workgroup size must be greater than zero", ErrInvalidWorkload)
		}
		groups := (uint64(w.Elements) + uint64(w.WorkgroupSize) - 1) / uint64(w.WorkgroupSize)
		if groups > maxWorkgroupsPerDimension {
			return fmt.Errorf("%w: %d elements need %d workgroups of %d, limit is %d",
				ErrInvalidWorkload, w.Elements, groups, w.WorkgroupSize, maxWorkgroupsPerDimension)
		}
	}
	if w.HasImage() && (w.ImageExtent.Width == 0 || w.ImageExtent.Height == 0) {
		return fmt.Errorf("%w: image extent %s", ErrInvalidWorkload, w.ImageExtent)
	}
	if w.Timeout < 0 && w.Timeout != NoTimeout {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidWorkload, w.Timeout)
	}
	return nil
}

// Shader returns the WGSL source the compute part runs.
func (w Workload) Shader() string {
	if w.ShaderSource != "" {
		return w.ShaderSource
	}
	return fmt.Sprintf(multiplyTemplate, w.WorkgroupSize, w.Multiplier)
}

// input returns the initial buffer contents 0..Elements-1.
func (w Workload) input() []byte {
	b := make([]byte, 4*int(w.Elements))
	for i := uint32(0); i < w.Elements; i++ {
		putUint32(b[4*i:], i)
	}
	return b
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
