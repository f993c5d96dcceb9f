package gpu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/oneshot/shader"
)

const multiplyWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let idx = id.x;
    if (idx >= arrayLength(&data)) {
        return;
    }
    data[idx] = data[idx] * 12u;
}
`

// newNoopContext opens a Context on the HAL noop backend. The noop device
// accepts every call and completes submissions immediately, but buffer
// contents are not meaningful, so tests on it check contracts, not data.
func newNoopContext(t *testing.T) *Context {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	devices := EnumeratePhysicalDevices(instance)
	if len(devices) == 0 {
		instance.Destroy()
		t.Fatal("noop instance exposes no adapters")
	}
	ctx, err := CreateContext(devices[0], 0)
	if err != nil {
		instance.Destroy()
		t.Fatalf("CreateContext failed: %v", err)
	}
	t.Cleanup(func() {
		ctx.Close()
		instance.Destroy()
	})
	return ctx
}

// stalledQueue accepts submissions but never reports one complete.
type stalledQueue struct {
	hal.Queue
}

func (stalledQueue) PollCompleted() uint64 { return 0 }

// countingDevice counts the destruction calls that reach the device.
type countingDevice struct {
	hal.Device
	buffersDestroyed atomic.Int32
	destroyed        atomic.Bool
}

func (d *countingDevice) DestroyBuffer(b hal.Buffer) {
	d.buffersDestroyed.Add(1)
	d.Device.DestroyBuffer(b)
}

func (d *countingDevice) Destroy() {
	d.destroyed.Store(true)
	d.Device.Destroy()
}

// newStalledContext opens a noop device whose queue never completes
// anything, with the internal wait bounds shortened to timeout.
func newStalledContext(t *testing.T, timeout time.Duration) (*Context, *countingDevice) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	devices := EnumeratePhysicalDevices(instance)
	if len(devices) == 0 {
		instance.Destroy()
		t.Fatal("noop instance exposes no adapters")
	}
	pd := devices[0]
	limits := gputypes.DefaultLimits()
	open, err := pd.exposed.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	dev := &countingDevice{Device: open.Device}
	ctx := newContext(dev, stalledQueue{open.Queue}, pd, 0, limits)

	savedClose, savedMirror := closeTimeout, mirrorTimeout
	closeTimeout, mirrorTimeout = timeout, timeout
	t.Cleanup(func() {
		closeTimeout, mirrorTimeout = savedClose, savedMirror
		ctx.Close()
		if !dev.destroyed.Load() {
			open.Device.Destroy()
		}
		instance.Destroy()
	})
	return ctx, dev
}

func mustCompile(t *testing.T, src string) *shader.Module {
	t.Helper()
	m, err := shader.Compile(src, shader.StageCompute, "main")
	if err != nil {
		t.Fatalf("shader.Compile failed: %v", err)
	}
	return m
}

func mustBuffer(t *testing.T, ctx *Context, desc BufferDesc) *Buffer {
	t.Helper()
	b, err := CreateBuffer(ctx, desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%q) failed: %v", desc.Label, err)
	}
	return b
}

func mustImage(t *testing.T, ctx *Context, desc ImageDesc) *Image {
	t.Helper()
	img, err := CreateImage(ctx, desc)
	if err != nil {
		t.Fatalf("CreateImage(%q) failed: %v", desc.Label, err)
	}
	return img
}

func mustPipeline(t *testing.T, ctx *Context) *Pipeline {
	t.Helper()
	p, err := BuildComputePipeline(ctx, mustCompile(t, multiplyWGSL), "main")
	if err != nil {
		t.Fatalf("BuildComputePipeline failed: %v", err)
	}
	return p
}

func storageBuffer(t *testing.T, ctx *Context, n int) *Buffer {
	t.Helper()
	return mustBuffer(t, ctx, BufferDesc{
		Label:      "data",
		Size:       uint64(4 * n),
		Usage:      UsageStorage | UsageTransferSrc,
		Visibility: HostSequentialWrite,
		Contents:   uint32Bytes(sequence(n)),
	})
}

func sequence(n int) []uint32 {
	s := make([]uint32, n)
	for i := range s {
		s[i] = uint32(i)
	}
	return s
}

func uint32Bytes(words []uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		b[i*4] = byte(w)
		b[i*4+1] = byte(w >> 8)
		b[i*4+2] = byte(w >> 16)
		b[i*4+3] = byte(w >> 24)
	}
	return b
}
