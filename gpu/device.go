package gpu

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// closeTimeout bounds how long Close waits for each in-flight submission.
var closeTimeout = 5 * time.Second

// QueueCaps is a set of operation kinds a queue family supports.
type QueueCaps uint8

const (
	// QueueGraphics means the family accepts render passes.
	QueueGraphics QueueCaps = 1 << iota

	// QueueCompute means the family accepts compute dispatches.
	QueueCompute

	// QueueTransfer means the family accepts copy commands.
	QueueTransfer
)

// Contains reports whether c includes every capability in other.
func (c QueueCaps) Contains(other QueueCaps) bool {
	return c&other == other
}

// String returns the capabilities joined with "|".
func (c QueueCaps) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c&QueueGraphics != 0 {
		parts = append(parts, "graphics")
	}
	if c&QueueCompute != 0 {
		parts = append(parts, "compute")
	}
	if c&QueueTransfer != 0 {
		parts = append(parts, "transfer")
	}
	return strings.Join(parts, "|")
}

// QueueFamily describes a group of queues with identical capabilities.
type QueueFamily struct {
	Index uint32
	Caps  QueueCaps
	Count uint32
}

// PhysicalDevice is an adapter exposed by a HAL instance, together with the
// queue families the executor can choose from.
type PhysicalDevice struct {
	Name       string
	Vendor     string
	DeviceType gputypes.DeviceType
	Families   []QueueFamily

	// UnifiedMemory is true when host-visible memory is also device-local,
	// which allows map-readable storage buffers.
	UnifiedMemory bool

	exposed *hal.ExposedAdapter
}

// String returns a human-readable description of the device.
func (p PhysicalDevice) String() string {
	return fmt.Sprintf("%s (%v)", p.Name, p.DeviceType)
}

// family returns the queue family with the given index.
func (p PhysicalDevice) family(index uint32) (QueueFamily, bool) {
	for _, f := range p.Families {
		if f.Index == index {
			return f, true
		}
	}
	return QueueFamily{}, false
}

// Requirements describes what the workload needs from a device.
type Requirements struct {
	// Queue lists the operation kinds the selected queue family must support.
	Queue QueueCaps

	// DeviceTypes restricts selection to the given device types.
	// Empty means any type.
	DeviceTypes []gputypes.DeviceType
}

// DefaultRequirements returns compute and transfer on any device type.
func DefaultRequirements() Requirements {
	return Requirements{Queue: QueueCompute | QueueTransfer}
}

func (r Requirements) acceptsType(t gputypes.DeviceType) bool {
	if len(r.DeviceTypes) == 0 {
		return true
	}
	for _, want := range r.DeviceTypes {
		if want == t {
			return true
		}
	}
	return false
}

// OpenInstance creates a HAL instance on the Vulkan backend.
// The caller owns the instance and destroys it after every context created
// from it has been closed.
func OpenInstance() (hal.Instance, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoCapableDevice)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", ErrNoCapableDevice, err)
	}
	return instance, nil
}

// EnumeratePhysicalDevices describes every adapter the instance exposes.
// A WebGPU adapter exposes a single universal queue family.
func EnumeratePhysicalDevices(instance hal.Instance) []PhysicalDevice {
	if instance == nil {
		return nil
	}
	adapters := instance.EnumerateAdapters(nil)
	devices := make([]PhysicalDevice, 0, len(adapters))
	for i := range adapters {
		a := &adapters[i]
		devices = append(devices, PhysicalDevice{
			Name:       a.Info.Name,
			Vendor:     a.Info.Vendor,
			DeviceType: a.Info.DeviceType,
			Families: []QueueFamily{{
				Index: 0,
				Caps:  QueueGraphics | QueueCompute | QueueTransfer,
				Count: 1,
			}},
			UnifiedMemory: a.Info.DeviceType == gputypes.DeviceTypeIntegratedGPU,
			exposed:       a,
		})
	}
	return devices
}

// SelectDevice enumerates the instance's adapters and returns the first one
// with a queue family satisfying req, along with that family's index.
func SelectDevice(instance hal.Instance, req Requirements) (PhysicalDevice, uint32, error) {
	return SelectFrom(EnumeratePhysicalDevices(instance), req)
}

// SelectFrom applies the selection policy to a list of candidates.
// The policy is first eligible, not best: candidates are checked in order
// and the first device with a matching type and a queue family whose
// capabilities contain req.Queue wins.
func SelectFrom(candidates []PhysicalDevice, req Requirements) (PhysicalDevice, uint32, error) {
	for _, pd := range candidates {
		if !req.acceptsType(pd.DeviceType) {
			slogger().Debug("gpu: adapter rejected by device type",
				"adapter", pd.Name, "type", pd.DeviceType)
			continue
		}
		for _, f := range pd.Families {
			if f.Count > 0 && f.Caps.Contains(req.Queue) {
				slogger().Info("gpu: adapter selected",
					"adapter", pd.Name, "type", pd.DeviceType,
					"queue_family", f.Index, "caps", f.Caps.String())
				return pd, f.Index, nil
			}
		}
		slogger().Debug("gpu: adapter has no matching queue family",
			"adapter", pd.Name, "required", req.Queue.String())
	}
	return PhysicalDevice{}, 0, fmt.Errorf("%w: %d candidate(s), required queue %s",
		ErrNoCapableDevice, len(candidates), req.Queue)
}

// Context owns the logical device, its queue and the shared allocators.
//
// A Context is driven by a single goroutine: the model is one submission in
// flight per resource and the caller serializes reuse. Internal state is
// still guarded so that Close can run from a deferred call safely.
type Context struct {
	// Physical is the adapter the device was created from.
	Physical PhysicalDevice

	// QueueFamily is the family index of Queue. Immutable.
	QueueFamily uint32

	// Limits are the limits the device was opened with.
	Limits gputypes.Limits

	// Memory allocates buffers and images.
	Memory *MemoryAllocator

	// Commands allocates command encoders and tracks command buffers.
	Commands *CommandAllocator

	// Descriptors allocates bind groups.
	Descriptors *DescriptorAllocator

	device hal.Device
	queue  hal.Queue

	mu        sync.Mutex
	borrowed  bool // device belongs to an external provider
	closed    bool
	lost      error
	nextID    uint64
	lastIndex uint64 // highest HAL submission index
	inflight  map[uint64]*Signal
	pipelines map[*Pipeline]struct{}
}

// CreateContext opens a logical device on pd with one queue from the given
// family and creates the memory, command-buffer and descriptor-set
// allocators bound to it.
func CreateContext(pd PhysicalDevice, queueFamily uint32) (*Context, error) {
	if _, ok := pd.family(queueFamily); !ok {
		return nil, fmt.Errorf("%w: adapter %s has no queue family %d",
			ErrDeviceCreation, pd.Name, queueFamily)
	}
	if pd.exposed == nil || pd.exposed.Adapter == nil {
		return nil, fmt.Errorf("%w: adapter %s is not backed by a driver",
			ErrDeviceCreation, pd.Name)
	}

	limits := gputypes.DefaultLimits()
	openDev, err := pd.exposed.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrDeviceCreation, pd.Name, err)
	}

	c := newContext(openDev.Device, openDev.Queue, pd, queueFamily, limits)
	slogger().Info("gpu: device created", "adapter", pd.Name, "queue_family", queueFamily)
	return c, nil
}

// NewContextFromProvider adopts the device and queue of an external
// provider, such as a gogpu application. The provider must also implement
// HalDevice() any and HalQueue() any returning hal.Device and hal.Queue.
// Close does not destroy a borrowed device.
func NewContextFromProvider(provider gpucontext.DeviceProvider) (*Context, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", ErrDeviceCreation)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrDeviceCreation)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrDeviceCreation)
	}

	pd := PhysicalDevice{
		Name: "external",
		Families: []QueueFamily{{
			Index: 0,
			Caps:  QueueGraphics | QueueCompute | QueueTransfer,
			Count: 1,
		}},
	}
	c := newContext(device, queue, pd, 0, gputypes.DefaultLimits())
	c.borrowed = true
	slogger().Debug("gpu: using shared device from provider")
	return c, nil
}

func newContext(device hal.Device, queue hal.Queue, pd PhysicalDevice, family uint32, limits gputypes.Limits) *Context {
	c := &Context{
		Physical:    pd,
		QueueFamily: family,
		Limits:      limits,
		device:      device,
		queue:       queue,
		inflight:    make(map[uint64]*Signal),
		pipelines:   make(map[*Pipeline]struct{}),
	}
	c.Memory = newMemoryAllocator(c)
	c.Commands = newCommandAllocator(c)
	c.Descriptors = newDescriptorAllocator(c)
	return c
}

// Device returns the underlying HAL device.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the underlying HAL queue.
func (c *Context) Queue() hal.Queue { return c.queue }

// checkUsable returns an error if the context is closed or lost.
func (c *Context) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	if c.lost != nil {
		return fmt.Errorf("%w: %w", ErrDeviceLost, c.lost)
	}
	return nil
}

// markLost records a device error. Every later submission fails.
func (c *Context) markLost(err error) {
	c.mu.Lock()
	if c.lost == nil {
		c.lost = err
	}
	c.mu.Unlock()
}

// WaitIdle blocks until all previously submitted work has completed. A
// timeout of zero or less waits without bound.
func (c *Context) WaitIdle(timeout time.Duration) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if timeout <= 0 {
		if err := c.device.WaitIdle(); err != nil {
			c.markLost(err)
			return fmt.Errorf("%w: wait idle: %w", ErrDeviceLost, err)
		}
		return nil
	}
	c.mu.Lock()
	last := c.lastIndex
	c.mu.Unlock()
	if !c.pollUntil(last, timeout) {
		return fmt.Errorf("%w: wait idle after %v", ErrTimeout, timeout)
	}
	return nil
}

// Close waits for in-flight submissions, releases every resource still
// tracked by the allocators and destroys the device unless it is borrowed.
//
// If a submission does not complete within closeTimeout, nothing is
// released: the queue may still use any of it, so the device objects are
// leaked with a warning. Close is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pending := make([]*Signal, 0, len(c.inflight))
	for _, s := range c.inflight {
		pending = append(pending, s)
	}
	lost := c.lost
	c.mu.Unlock()

	stuck := 0
	if lost == nil {
		for _, s := range pending {
			if err := c.Wait(s, closeTimeout); err != nil {
				stuck++
				slogger().Warn("gpu: submission still in flight at close",
					"submission", s.ID(), "error", err)
			}
		}
	}

	c.mu.Lock()
	c.closed = true
	pipelines := make([]*Pipeline, 0, len(c.pipelines))
	for p := range c.pipelines {
		pipelines = append(pipelines, p)
	}
	c.mu.Unlock()

	if stuck > 0 {
		slogger().Warn("gpu: leaking device objects still used by the queue",
			"submissions", stuck, "adapter", c.Physical.Name)
		return
	}

	c.Commands.releaseAll()
	c.Descriptors.releaseAll()
	for _, p := range pipelines {
		p.release()
	}
	c.Memory.releaseAll()

	if !c.borrowed && c.device != nil {
		c.device.Destroy()
	}
	c.device = nil
	c.queue = nil
	slogger().Debug("gpu: context closed", "adapter", c.Physical.Name)
}
