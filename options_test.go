package oneshot

import (
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/oneshot/gpu"
	"github.com/gogpu/oneshot/imagesink"
)

func TestDefaultOptions(t *testing.T) {
	r := NewRunner()
	if r.opts.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", r.opts.timeout, DefaultTimeout)
	}
	if r.opts.requirements.Queue != gpu.QueueCompute|gpu.QueueTransfer {
		t.Errorf("requirements = %s", r.opts.requirements.Queue)
	}
	if r.opts.instance != nil || r.opts.provider != nil || r.opts.sink != nil {
		t.Error("unexpected non-nil defaults")
	}
}

func TestOptionsApplied(t *testing.T) {
	instance := newNoopInstance(t)
	sink := &imagesink.MemorySink{}
	req := gpu.Requirements{Queue: gpu.QueueGraphics}

	r := NewRunner(
		WithTimeout(3*time.Second),
		WithInstance(instance),
		WithImageSink(sink),
		WithRequirements(req),
	)
	if r.opts.timeout != 3*time.Second {
		t.Errorf("timeout = %v", r.opts.timeout)
	}
	if r.opts.instance != instance {
		t.Error("instance not stored")
	}
	if r.opts.sink != sink {
		t.Error("sink not stored")
	}
	if r.opts.requirements.Queue != gpu.QueueGraphics {
		t.Errorf("requirements = %s", r.opts.requirements.Queue)
	}
}

func TestRunnerTimeoutFor(t *testing.T) {
	r := NewRunner(WithTimeout(3 * time.Second))
	tests := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{"unset uses runner default", 0, 3 * time.Second},
		{"explicit bound", time.Second, time.Second},
		{"no timeout", NoTimeout, NoTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.timeoutFor(Workload{Timeout: tt.timeout}); got != tt.want {
				t.Errorf("timeoutFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunnerBorrowsInstance(t *testing.T) {
	instance := newNoopInstance(t)
	r := NewRunner(WithInstance(instance))
	if _, err := r.Context(); err != nil {
		t.Fatal(err)
	}
	r.Close()
	if r.ownsInstance {
		t.Error("runner took ownership of a caller's instance")
	}
}

type testDevice struct{}

func (testDevice) Poll(bool) {}
func (testDevice) Destroy()  {}

// deviceProvider shares a noop device through gpucontext with HAL access.
type deviceProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p *deviceProvider) Device() gpucontext.Device             { return testDevice{} }
func (p *deviceProvider) Queue() gpucontext.Queue               { return struct{}{} }
func (p *deviceProvider) Adapter() gpucontext.Adapter           { return struct{}{} }
func (p *deviceProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }
func (p *deviceProvider) HalDevice() any                        { return p.device }
func (p *deviceProvider) HalQueue() any                         { return p.queue }

func TestRunnerWithDeviceProvider(t *testing.T) {
	instance := newNoopInstance(t)
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer openDev.Device.Destroy()

	r := NewRunner(WithDeviceProvider(&deviceProvider{device: openDev.Device, queue: openDev.Queue}))
	defer r.Close()

	w := MultiplyWorkload()
	w.Elements = 64
	res, err := r.Run(w)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Adapter != "external" || len(res.Elements) != 64 {
		t.Errorf("result = %q with %d elements", res.Adapter, len(res.Elements))
	}
}
