package oneshot

import (
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/oneshot/gpu"
	"github.com/gogpu/oneshot/imagesink"
)

// DefaultTimeout bounds the wait for each submission when neither the
// workload nor WithTimeout sets one.
const DefaultTimeout = 10 * time.Second

// NoTimeout makes every wait of a run unbounded. Use it as Workload.Timeout
// or with WithTimeout.
const NoTimeout time.Duration = -1

// Option configures a Runner.
//
// Example:
//
//	r := oneshot.NewRunner(
//		oneshot.WithTimeout(2*time.Second),
//		oneshot.WithImageSink(imagesink.FileSink{Path: "clear.png"}),
//	)
type Option func(*options)

// options holds the Runner configuration.
type options struct {
	requirements gpu.Requirements
	instance     hal.Instance
	provider     gpucontext.DeviceProvider
	timeout      time.Duration
	sink         imagesink.Sink
}

func defaultOptions() options {
	return options{
		requirements: gpu.DefaultRequirements(),
		timeout:      DefaultTimeout,
	}
}

// WithRequirements sets the device selection requirements.
// The default is a compute and transfer capable queue on any device type.
func WithRequirements(req gpu.Requirements) Option {
	return func(o *options) {
		o.requirements = req
	}
}

// WithInstance selects the device from an existing HAL instance instead of
// opening a Vulkan instance. The caller keeps ownership of the instance and
// destroys it after Runner.Close.
func WithInstance(instance hal.Instance) Option {
	return func(o *options) {
		o.instance = instance
	}
}

// WithDeviceProvider runs on the device and queue of a host application.
// The provider must expose HAL types; see gpu.NewContextFromProvider.
// Device selection is skipped and Close leaves the device alive.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithTimeout sets the default wait bound for workloads that do not set
// their own. Zero or less waits without bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithImageSink sends the pixels of every clear workload to s.
func WithImageSink(s imagesink.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}
