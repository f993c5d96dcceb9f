package gpu

import (
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/oneshot/shader"
)

// maxBindGroups is the WebGPU default limit on bind groups per pipeline.
const maxBindGroups = 4

// BindingKind is the resource kind a layout slot expects.
type BindingKind uint8

const (
	// BindingUniformBuffer is a var<uniform> buffer slot.
	BindingUniformBuffer BindingKind = iota

	// BindingStorageBuffer is a var<storage> buffer slot.
	BindingStorageBuffer
)

func (k BindingKind) String() string {
	switch k {
	case BindingUniformBuffer:
		return "uniform-buffer"
	case BindingStorageBuffer:
		return "storage-buffer"
	default:
		return fmt.Sprintf("BindingKind(%d)", k)
	}
}

// RequiredUsage returns the usage flag a resource needs to fill the slot.
func (k BindingKind) RequiredUsage() Usage {
	if k == BindingUniformBuffer {
		return UsageUniform
	}
	return UsageStorage
}

func (k BindingKind) bufferType() gputypes.BufferBindingType {
	if k == BindingUniformBuffer {
		return gputypes.BufferBindingTypeUniform
	}
	return gputypes.BufferBindingTypeStorage
}

// LayoutEntry is one binding slot inferred from the shader.
type LayoutEntry struct {
	Binding uint32
	Kind    BindingKind
	Name    string
}

// GroupLayout is the binding layout of one bind group. Entries are sorted
// by binding index. A group the shader does not use has no entries.
type GroupLayout struct {
	Group   uint32
	Entries []LayoutEntry

	raw hal.BindGroupLayout
}

// Entry returns the slot with the given binding index.
func (g *GroupLayout) Entry(binding uint32) (LayoutEntry, bool) {
	for _, e := range g.Entries {
		if e.Binding == binding {
			return e, true
		}
	}
	return LayoutEntry{}, false
}

// PipelineLayout is the binding layout of a pipeline, one GroupLayout per
// group index from 0 to the highest group the shader declares.
type PipelineLayout struct {
	Groups []*GroupLayout

	raw hal.PipelineLayout
}

// Group returns the layout of group i.
func (l *PipelineLayout) Group(i uint32) (*GroupLayout, bool) {
	if l == nil || int(i) >= len(l.Groups) {
		return nil, false
	}
	return l.Groups[i], true
}

// Pipeline is an executable compute pipeline. It is immutable after
// creation and may be used for any number of dispatches.
type Pipeline struct {
	EntryPoint string
	Workgroup  [3]uint32
	Layout     *PipelineLayout

	ctx      *Context
	module   hal.ShaderModule
	raw      hal.ComputePipeline
	released bool
	inflight int // submissions in flight that dispatch it
}

// WorkgroupsFor returns how many workgroups along x cover n invocations.
func (p *Pipeline) WorkgroupsFor(n uint32) uint32 {
	size := p.Workgroup[0]
	if size == 0 {
		size = 1
	}
	return (n + size - 1) / size
}

// ResolveLayout infers the pipeline layout from the shader's declared
// bindings. Texture, sampler and other non-buffer bindings cannot be
// resolved, nor can duplicate slots or groups beyond the bind group limit.
func ResolveLayout(mod *shader.Module) (*PipelineLayout, error) {
	groups := make(map[uint32][]LayoutEntry)
	highest := -1
	for _, b := range mod.Bindings() {
		var kind BindingKind
		switch b.Class {
		case shader.ClassUniform:
			kind = BindingUniformBuffer
		case shader.ClassStorage:
			kind = BindingStorageBuffer
		default:
			return nil, fmt.Errorf("%w: %q at group %d binding %d: unsupported %s binding",
				ErrPipelineLink, b.Name, b.Group, b.Binding, b.Class)
		}
		if b.Group >= maxBindGroups {
			return nil, fmt.Errorf("%w: %q uses group %d, limit is %d",
				ErrPipelineLink, b.Name, b.Group, maxBindGroups)
		}
		for _, e := range groups[b.Group] {
			if e.Binding == b.Binding {
				return nil, fmt.Errorf("%w: group %d binding %d declared by %q and %q",
					ErrPipelineLink, b.Group, b.Binding, e.Name, b.Name)
			}
		}
		groups[b.Group] = append(groups[b.Group], LayoutEntry{Binding: b.Binding, Kind: kind, Name: b.Name})
		if int(b.Group) > highest {
			highest = int(b.Group)
		}
	}

	layout := &PipelineLayout{Groups: make([]*GroupLayout, highest+1)}
	for i := range layout.Groups {
		entries := groups[uint32(i)]
		sort.Slice(entries, func(a, b int) bool { return entries[a].Binding < entries[b].Binding })
		layout.Groups[i] = &GroupLayout{Group: uint32(i), Entries: entries}
	}
	return layout, nil
}

// BuildComputePipeline creates a compute pipeline for the named entry point
// of mod, with a binding layout inferred from the shader's declarations.
func BuildComputePipeline(ctx *Context, mod *shader.Module, entryPoint string) (*Pipeline, error) {
	if err := ctx.checkUsable(); err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, fmt.Errorf("%w: nil shader module", ErrPipelineLink)
	}
	ep, ok := mod.FindEntryPoint(entryPoint)
	if !ok || ep.Stage != shader.StageCompute {
		return nil, fmt.Errorf("%w: %q", ErrShaderEntryPointNotFound, entryPoint)
	}

	layout, err := ResolveLayout(mod)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		EntryPoint: entryPoint,
		Workgroup:  ep.Workgroup,
		Layout:     layout,
		ctx:        ctx,
	}
	if err := p.create(mod); err != nil {
		p.destroyHAL()
		return nil, err
	}

	ctx.mu.Lock()
	ctx.pipelines[p] = struct{}{}
	ctx.mu.Unlock()

	slogger().Debug("gpu: compute pipeline built",
		"entry_point", entryPoint, "workgroup", ep.Workgroup, "groups", len(layout.Groups))
	return p, nil
}

func (p *Pipeline) create(mod *shader.Module) error {
	device := p.ctx.device
	label := "oneshot_" + p.EntryPoint

	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label + "_shader",
		Source: hal.ShaderSource{SPIRV: mod.SPIRV},
	})
	if err != nil {
		return fmt.Errorf("%w: create shader module: %w", ErrPipelineLink, err)
	}
	p.module = module

	halLayouts := make([]hal.BindGroupLayout, 0, len(p.Layout.Groups))
	for _, g := range p.Layout.Groups {
		entries := make([]gputypes.BindGroupLayoutEntry, 0, len(g.Entries))
		for _, e := range g.Entries {
			entries = append(entries, gputypes.BindGroupLayoutEntry{
				Binding:    e.Binding,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: e.Kind.bufferType()},
			})
		}
		bgl, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s_group%d", label, g.Group),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("%w: create bind group layout %d: %w", ErrPipelineLink, g.Group, err)
		}
		g.raw = bgl
		halLayouts = append(halLayouts, bgl)
	}

	pipeLayout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_layout",
		BindGroupLayouts: halLayouts,
	})
	if err != nil {
		return fmt.Errorf("%w: create pipeline layout: %w", ErrPipelineLink, err)
	}
	p.Layout.raw = pipeLayout

	raw, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   label,
		Layout:  pipeLayout,
		Compute: hal.ComputeState{Module: module, EntryPoint: p.EntryPoint},
	})
	if err != nil {
		return fmt.Errorf("%w: create compute pipeline: %w", ErrPipelineLink, err)
	}
	p.raw = raw
	return nil
}

// Release destroys the pipeline. It fails with ErrResourceState while a
// submission that dispatches it is in flight. Releasing twice is a no-op.
func (p *Pipeline) Release() error {
	p.ctx.mu.Lock()
	if p.released {
		p.ctx.mu.Unlock()
		return nil
	}
	if p.inflight > 0 {
		p.ctx.mu.Unlock()
		return fmt.Errorf("%w: pipeline %q is used by %d in-flight submission(s)",
			ErrResourceState, p.EntryPoint, p.inflight)
	}
	p.ctx.mu.Unlock()
	p.release()
	return nil
}

// release destroys HAL objects unconditionally. Called by Release and
// Context.Close.
func (p *Pipeline) release() {
	p.ctx.mu.Lock()
	if p.released {
		p.ctx.mu.Unlock()
		return
	}
	p.released = true
	p.inflight = 0
	delete(p.ctx.pipelines, p)
	p.ctx.mu.Unlock()
	p.destroyHAL()
}

// destroyHAL destroys whatever HAL objects were created, in reverse order.
func (p *Pipeline) destroyHAL() {
	device := p.ctx.device
	if device == nil {
		return
	}
	if p.raw != nil {
		device.DestroyComputePipeline(p.raw)
		p.raw = nil
	}
	if p.Layout != nil {
		if p.Layout.raw != nil {
			device.DestroyPipelineLayout(p.Layout.raw)
			p.Layout.raw = nil
		}
		for _, g := range p.Layout.Groups {
			if g.raw != nil {
				device.DestroyBindGroupLayout(g.raw)
				g.raw = nil
			}
		}
	}
	if p.module != nil {
		device.DestroyShaderModule(p.module)
		p.module = nil
	}
}

// Released reports whether the pipeline was released.
func (p *Pipeline) Released() bool {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	return p.released
}
