package gpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// MemoryAllocator creates buffers and images on the context's device and
// tracks every live allocation so Close can release leftovers.
type MemoryAllocator struct {
	ctx *Context

	mu        sync.Mutex
	buffers   map[*Buffer]struct{}
	images    map[*Image]struct{}
	allocated uint64
}

func newMemoryAllocator(ctx *Context) *MemoryAllocator {
	return &MemoryAllocator{
		ctx:     ctx,
		buffers: make(map[*Buffer]struct{}),
		images:  make(map[*Image]struct{}),
	}
}

// Allocated returns the bytes currently held by live resources.
func (m *MemoryAllocator) Allocated() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// Live returns the number of live buffers and images.
func (m *MemoryAllocator) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers) + len(m.images)
}

// bufferUsage maps a usage set and visibility class to HAL usage flags.
// The returned bool is true for map-readable memory.
func (m *MemoryAllocator) bufferUsage(usage Usage, vis Visibility) (gputypes.BufferUsage, bool, error) {
	var u gputypes.BufferUsage
	if usage&UsageStorage != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if usage&UsageUniform != 0 {
		u |= gputypes.BufferUsageUniform
	}
	if usage&UsageTransferSrc != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if usage&UsageTransferDst != 0 {
		u |= gputypes.BufferUsageCopyDst
	}

	switch vis {
	case DeviceLocal:
		return u, false, nil
	case HostSequentialWrite:
		// Host writes go through the queue; readback copies into a mirror.
		return u | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc, false, nil
	case HostRandomAccess:
		if usage&^UsageTransferDst != 0 && !m.ctx.Physical.UnifiedMemory {
			return 0, false, fmt.Errorf("map-readable memory with %s usage requires unified memory", usage)
		}
		if m.ctx.Physical.UnifiedMemory {
			u |= gputypes.BufferUsageCopySrc
		} else {
			u = 0
		}
		return u | gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst, true, nil
	default:
		return 0, false, fmt.Errorf("unknown visibility %s", vis)
	}
}

func (m *MemoryAllocator) allocBuffer(desc BufferDesc) (*Buffer, error) {
	allocErr := func(err error) error {
		slogger().Warn("gpu: buffer allocation failed",
			"label", desc.Label, "size", desc.Size, "visibility", desc.Visibility.String(), "error", err)
		return &AllocationError{Label: desc.Label, Visibility: desc.Visibility, Size: desc.Size, Err: err}
	}

	usage, mappable, err := m.bufferUsage(desc.Usage, desc.Visibility)
	if err != nil {
		return nil, allocErr(err)
	}
	if limit := m.ctx.Limits.MaxBufferSize; limit > 0 && desc.Size > limit {
		return nil, allocErr(fmt.Errorf("size exceeds device limit %d", limit))
	}

	rawSize := (desc.Size + 3) &^ 3
	raw, err := m.ctx.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  rawSize,
		Usage: usage,
	})
	if err != nil {
		return nil, allocErr(err)
	}

	b := &Buffer{
		resourceState: resourceState{
			ctx:        m.ctx,
			label:      desc.Label,
			size:       desc.Size,
			usage:      desc.Usage,
			visibility: desc.Visibility,
		},
		raw:      raw,
		rawSize:  rawSize,
		mappable: mappable,
	}

	m.mu.Lock()
	m.buffers[b] = struct{}{}
	m.allocated += rawSize
	m.mu.Unlock()
	return b, nil
}

func (m *MemoryAllocator) allocImage(desc ImageDesc) (*Image, error) {
	_, size := copyLayout(desc.Extent, desc.Format)
	allocErr := func(err error) error {
		slogger().Warn("gpu: image allocation failed",
			"label", desc.Label, "extent", desc.Extent.String(), "error", err)
		return &AllocationError{Label: desc.Label, Visibility: desc.Visibility, Size: size, Err: err}
	}

	var usage gputypes.TextureUsage
	if desc.Usage&UsageStorage != 0 {
		usage |= gputypes.TextureUsageStorageBinding
	}
	if desc.Usage&UsageTransferSrc != 0 {
		usage |= gputypes.TextureUsageCopySrc
	}
	clearable := desc.Usage&UsageTransferDst != 0
	if clearable {
		// Clears are render passes with a clear load op.
		usage |= gputypes.TextureUsageCopyDst | gputypes.TextureUsageRenderAttachment
	}

	tex, err := m.ctx.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Extent.Width,
			Height:             desc.Extent.Height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format.texture(),
		Usage:         usage,
	})
	if err != nil {
		return nil, allocErr(err)
	}

	var view hal.TextureView
	if clearable {
		view, err = m.ctx.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label: desc.Label + "_view",
		})
		if err != nil {
			m.ctx.device.DestroyTexture(tex)
			return nil, allocErr(err)
		}
	}

	img := &Image{
		resourceState: resourceState{
			ctx:        m.ctx,
			label:      desc.Label,
			size:       desc.Extent.Pixels() * uint64(desc.Format.BytesPerPixel()),
			usage:      desc.Usage,
			visibility: desc.Visibility,
		},
		extent: desc.Extent,
		format: desc.Format,
		tex:    tex,
		view:   view,
	}

	m.mu.Lock()
	m.images[img] = struct{}{}
	m.allocated += img.size
	m.mu.Unlock()
	return img, nil
}

func (m *MemoryAllocator) freeBuffer(b *Buffer) {
	m.mu.Lock()
	_, ok := m.buffers[b]
	delete(m.buffers, b)
	if ok {
		m.allocated -= b.rawSize
	}
	m.mu.Unlock()
	if ok && m.ctx.device != nil {
		m.ctx.device.DestroyBuffer(b.raw)
	}
}

func (m *MemoryAllocator) freeImage(img *Image) {
	m.mu.Lock()
	_, ok := m.images[img]
	delete(m.images, img)
	if ok {
		m.allocated -= img.size
	}
	m.mu.Unlock()
	if !ok || m.ctx.device == nil {
		return
	}
	if img.view != nil {
		m.ctx.device.DestroyTextureView(img.view)
	}
	m.ctx.device.DestroyTexture(img.tex)
}

// releaseAll destroys every live resource. Called by Context.Close.
func (m *MemoryAllocator) releaseAll() {
	m.mu.Lock()
	buffers := make([]*Buffer, 0, len(m.buffers))
	for b := range m.buffers {
		buffers = append(buffers, b)
	}
	images := make([]*Image, 0, len(m.images))
	for img := range m.images {
		images = append(images, img)
	}
	m.mu.Unlock()

	for _, b := range buffers {
		slogger().Warn("gpu: releasing leaked buffer", "label", b.label, "size", b.size)
		m.forceDestroy(&b.resourceState)
		m.freeBuffer(b)
	}
	for _, img := range images {
		slogger().Warn("gpu: releasing leaked image", "label", img.label, "extent", img.extent.String())
		m.forceDestroy(&img.resourceState)
		m.freeImage(img)
	}
}

func (m *MemoryAllocator) forceDestroy(r *resourceState) {
	m.ctx.mu.Lock()
	r.destroyed = true
	r.inflight = nil
	m.ctx.mu.Unlock()
}

// CommandAllocator creates command encoders and owns the command buffers
// they produce until they are freed.
type CommandAllocator struct {
	ctx *Context

	mu   sync.Mutex
	live map[*CommandBuffer]struct{}
}

func newCommandAllocator(ctx *Context) *CommandAllocator {
	return &CommandAllocator{ctx: ctx, live: make(map[*CommandBuffer]struct{})}
}

// Live returns the number of command buffers not yet freed.
func (a *CommandAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// encoder creates an encoder that is ready to record.
func (a *CommandAllocator) encoder(label string) (hal.CommandEncoder, error) {
	enc, err := a.ctx.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("gpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("gpu: begin encoding: %w", err)
	}
	return enc, nil
}

func (a *CommandAllocator) track(cb *CommandBuffer) {
	a.mu.Lock()
	a.live[cb] = struct{}{}
	a.mu.Unlock()
}

// free returns the command buffer to the device. Freeing twice is a no-op.
func (a *CommandAllocator) free(cb *CommandBuffer) {
	a.mu.Lock()
	_, ok := a.live[cb]
	delete(a.live, cb)
	a.mu.Unlock()
	if ok && a.ctx.device != nil && cb.raw != nil {
		a.ctx.device.FreeCommandBuffer(cb.raw)
	}
}

func (a *CommandAllocator) releaseAll() {
	a.mu.Lock()
	live := make([]*CommandBuffer, 0, len(a.live))
	for cb := range a.live {
		live = append(live, cb)
	}
	a.mu.Unlock()
	for _, cb := range live {
		a.free(cb)
	}
}

// DescriptorAllocator creates bind groups and tracks the live ones.
type DescriptorAllocator struct {
	ctx *Context

	mu   sync.Mutex
	live map[*DescriptorSet]struct{}
}

func newDescriptorAllocator(ctx *Context) *DescriptorAllocator {
	return &DescriptorAllocator{ctx: ctx, live: make(map[*DescriptorSet]struct{})}
}

// Live returns the number of descriptor sets not yet released.
func (a *DescriptorAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *DescriptorAllocator) allocate(label string, layout hal.BindGroupLayout, entries []gputypes.BindGroupEntry) (hal.BindGroup, error) {
	return a.ctx.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: entries,
	})
}

func (a *DescriptorAllocator) track(set *DescriptorSet) {
	a.mu.Lock()
	a.live[set] = struct{}{}
	a.mu.Unlock()
}

func (a *DescriptorAllocator) free(set *DescriptorSet) {
	a.mu.Lock()
	_, ok := a.live[set]
	delete(a.live, set)
	a.mu.Unlock()
	if ok && a.ctx.device != nil {
		a.ctx.device.DestroyBindGroup(set.raw)
	}
}

func (a *DescriptorAllocator) releaseAll() {
	a.mu.Lock()
	live := make([]*DescriptorSet, 0, len(a.live))
	for s := range a.live {
		live = append(live, s)
	}
	a.mu.Unlock()
	for _, s := range live {
		a.free(s)
	}
}
