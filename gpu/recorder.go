package gpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// RecorderState is the state of a Recorder.
type RecorderState int

const (
	// StateRecording means operations may be appended.
	StateRecording RecorderState = iota

	// StateFinalized means the command buffer was built. Every further
	// call fails with ErrInvalidRecordingState.
	StateFinalized
)

// String returns the string representation of RecorderState.
func (s RecorderState) String() string {
	switch s {
	case StateRecording:
		return "Recording"
	case StateFinalized:
		return "Finalized"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// CommandUsage is the submission hint of a command buffer.
type CommandUsage int

const (
	// OneTimeSubmit buffers are submitted once and freed on completion.
	OneTimeSubmit CommandUsage = iota

	// Reusable buffers may be submitted again after each completion.
	Reusable
)

func (u CommandUsage) String() string {
	if u == Reusable {
		return "reusable"
	}
	return "one-time"
}

// imageAccess is the access state an image is in on the device.
type imageAccess uint8

const (
	accessUndefined imageAccess = iota
	accessAttachment
	accessCopySrc
	accessCopyDst
)

func (a imageAccess) String() string {
	switch a {
	case accessAttachment:
		return "attachment"
	case accessCopySrc:
		return "copy-src"
	case accessCopyDst:
		return "copy-dst"
	default:
		return "undefined"
	}
}

func (a imageAccess) textureUsage() gputypes.TextureUsage {
	switch a {
	case accessAttachment:
		return gputypes.TextureUsageRenderAttachment
	case accessCopySrc:
		return gputypes.TextureUsageCopySrc
	case accessCopyDst:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}

// OpKind identifies a recorded operation.
type OpKind int

const (
	OpClearImage OpKind = iota
	OpCopyImageToBuffer
	OpCopyBuffer
	OpBindPipeline
	OpBindDescriptorSet
	OpDispatch

	// OpTransition is a state-transition barrier inserted by the recorder.
	OpTransition
)

func (k OpKind) String() string {
	switch k {
	case OpClearImage:
		return "clear-image"
	case OpCopyImageToBuffer:
		return "copy-image-to-buffer"
	case OpCopyBuffer:
		return "copy-buffer"
	case OpBindPipeline:
		return "bind-pipeline"
	case OpBindDescriptorSet:
		return "bind-descriptor-set"
	case OpDispatch:
		return "dispatch"
	case OpTransition:
		return "transition"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// ClearValue is an RGBA clear color in normalized floats.
type ClearValue struct {
	R, G, B, A float64
}

// Op is one recorded operation. Only the fields relevant to Kind are set.
type Op struct {
	Kind OpKind

	Image *Image
	Src   *Buffer
	Dst   *Buffer
	Clear ClearValue

	Pipeline *Pipeline
	Set      *DescriptorSet
	Index    uint32

	Workgroups [3]uint32

	// From and To name the access states of an OpTransition.
	From, To string

	from, to imageAccess
}

func (o Op) String() string {
	switch o.Kind {
	case OpClearImage:
		return fmt.Sprintf("clear-image %q to (%g,%g,%g,%g)", o.Image.label, o.Clear.R, o.Clear.G, o.Clear.B, o.Clear.A)
	case OpCopyImageToBuffer:
		return fmt.Sprintf("copy-image-to-buffer %q -> %q", o.Image.label, o.Dst.label)
	case OpCopyBuffer:
		return fmt.Sprintf("copy-buffer %q -> %q", o.Src.label, o.Dst.label)
	case OpBindPipeline:
		return fmt.Sprintf("bind-pipeline %q", o.Pipeline.EntryPoint)
	case OpBindDescriptorSet:
		return fmt.Sprintf("bind-descriptor-set group %d at %d", o.Set.Group(), o.Index)
	case OpDispatch:
		return fmt.Sprintf("dispatch %v", o.Workgroups)
	case OpTransition:
		return fmt.Sprintf("transition %q %s -> %s", o.Image.label, o.From, o.To)
	default:
		return o.Kind.String()
	}
}

// Recorder accumulates operations in call order and builds an immutable
// CommandBuffer.
//
// Recorder is NOT safe for concurrent use beyond its own state checks.
// A call that fails leaves the recorder unchanged.
//
// State Machine:
//
//	Recording -> Finalize() -> Finalized
type Recorder struct {
	mu sync.Mutex

	ctx   *Context
	usage CommandUsage
	state RecorderState
	ops   []Op

	// access is the working access state of every image touched so far.
	access map[*Image]imageAccess

	pipeline *Pipeline
	sets     map[uint32]*DescriptorSet

	resources []Resource
	seen      map[Resource]struct{}
	pipelines []*Pipeline
	boundSets []*DescriptorSet
}

// NewRecorder returns a recorder targeting the context's queue family.
func NewRecorder(ctx *Context, usage CommandUsage) (*Recorder, error) {
	if err := ctx.checkUsable(); err != nil {
		return nil, err
	}
	return &Recorder{
		ctx:    ctx,
		usage:  usage,
		access: make(map[*Image]imageAccess),
		sets:   make(map[uint32]*DescriptorSet),
		seen:   make(map[Resource]struct{}),
	}, nil
}

// State returns the current recorder state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Len returns the number of recorded operations, barriers included.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// checkRecording returns an error if the recorder is finalized.
// The caller must hold r.mu.
func (r *Recorder) checkRecording(op OpKind) error {
	if r.state != StateRecording {
		return fmt.Errorf("%w: %s after finalize", ErrInvalidRecordingState, op)
	}
	return nil
}

// imageAccessOf returns the working state of img. The caller must hold r.mu.
func (r *Recorder) imageAccessOf(img *Image) imageAccess {
	if a, ok := r.access[img]; ok {
		return a
	}
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	return img.access
}

// transition appends a barrier when img is not already in state to.
// An undefined image needs no barrier before a clear: the render pass
// discards its contents. The caller must hold r.mu.
func (r *Recorder) transition(img *Image, to imageAccess) {
	from := r.imageAccessOf(img)
	if from != to && from != accessUndefined {
		r.ops = append(r.ops, Op{
			Kind: OpTransition, Image: img,
			From: from.String(), To: to.String(),
			from: from, to: to,
		})
	}
	r.access[img] = to
}

func (r *Recorder) reference(res Resource) {
	if _, ok := r.seen[res]; ok {
		return
	}
	r.seen[res] = struct{}{}
	r.resources = append(r.resources, res)
}

func requireUsage(res Resource, want Usage, op string) error {
	if !res.Usage().Has(want) {
		return &IncompatibleUsageError{Resource: res.Label(), Op: op, Want: want, Have: res.Usage()}
	}
	return nil
}

// checkImage validates a non-nil image from this context.
func (r *Recorder) checkImage(img *Image, op OpKind) error {
	if img == nil {
		return fmt.Errorf("%w: %s: nil image", ErrResourceState, op)
	}
	return img.usable(r.ctx)
}

// checkBuffer validates a non-nil buffer from this context.
func (r *Recorder) checkBuffer(buf *Buffer, op OpKind) error {
	if buf == nil {
		return fmt.Errorf("%w: %s: nil buffer", ErrResourceState, op)
	}
	return buf.usable(r.ctx)
}

// ClearImage records a clear of img to value. img needs UsageTransferDst.
func (r *Recorder) ClearImage(img *Image, value ClearValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecording(OpClearImage); err != nil {
		return err
	}
	if err := r.checkImage(img, OpClearImage); err != nil {
		return err
	}
	if err := requireUsage(img, UsageTransferDst, "clear"); err != nil {
		return err
	}

	r.transition(img, accessAttachment)
	r.ops = append(r.ops, Op{Kind: OpClearImage, Image: img, Clear: value})
	r.reference(img)
	return nil
}

// CopyImageToBuffer records a copy of img into dst using the layout of
// ImageCopyLayout. img must have been written before, by this recording or
// an earlier submission.
func (r *Recorder) CopyImageToBuffer(img *Image, dst *Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecording(OpCopyImageToBuffer); err != nil {
		return err
	}
	if err := r.checkImage(img, OpCopyImageToBuffer); err != nil {
		return err
	}
	if err := r.checkBuffer(dst, OpCopyImageToBuffer); err != nil {
		return err
	}
	if err := requireUsage(img, UsageTransferSrc, "copy source"); err != nil {
		return err
	}
	if err := requireUsage(dst, UsageTransferDst, "copy destination"); err != nil {
		return err
	}
	if r.imageAccessOf(img) == accessUndefined {
		return fmt.Errorf("%w: image %q is read before anything wrote it", ErrResourceState, img.label)
	}
	if _, need := ImageCopyLayout(img); dst.size < need {
		return fmt.Errorf("%w: buffer %q holds %d bytes, copy of %q needs %d",
			ErrResourceState, dst.label, dst.size, img.label, need)
	}

	r.transition(img, accessCopySrc)
	r.ops = append(r.ops, Op{Kind: OpCopyImageToBuffer, Image: img, Dst: dst})
	r.reference(img)
	r.reference(dst)
	return nil
}

// CopyBuffer records a copy of the whole of src into the start of dst.
func (r *Recorder) CopyBuffer(src, dst *Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecording(OpCopyBuffer); err != nil {
		return err
	}
	if err := r.checkBuffer(src, OpCopyBuffer); err != nil {
		return err
	}
	if err := r.checkBuffer(dst, OpCopyBuffer); err != nil {
		return err
	}
	if src == dst {
		return fmt.Errorf("%w: copy of %q onto itself", ErrResourceState, src.label)
	}
	if err := requireUsage(src, UsageTransferSrc, "copy source"); err != nil {
		return err
	}
	if err := requireUsage(dst, UsageTransferDst, "copy destination"); err != nil {
		return err
	}
	if dst.rawSize < src.rawSize {
		return fmt.Errorf("%w: buffer %q holds %d bytes, copy from %q needs %d",
			ErrResourceState, dst.label, dst.size, src.label, src.size)
	}

	r.ops = append(r.ops, Op{Kind: OpCopyBuffer, Src: src, Dst: dst})
	r.reference(src)
	r.reference(dst)
	return nil
}

// BindPipeline makes p the pipeline for subsequent dispatches. Descriptor
// sets bound against a different layout are unbound.
func (r *Recorder) BindPipeline(p *Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecording(OpBindPipeline); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: bind-pipeline: nil pipeline", ErrResourceState)
	}
	if p.ctx != r.ctx {
		return fmt.Errorf("%w: pipeline %q belongs to another context", ErrResourceState, p.EntryPoint)
	}
	if p.Released() {
		return fmt.Errorf("%w: pipeline %q is released", ErrResourceState, p.EntryPoint)
	}

	if r.pipeline != nil && r.pipeline.Layout != p.Layout {
		r.sets = make(map[uint32]*DescriptorSet)
	}
	r.pipeline = p
	r.ops = append(r.ops, Op{Kind: OpBindPipeline, Pipeline: p})
	r.pipelines = appendUniquePipeline(r.pipelines, p)
	return nil
}

// BindDescriptorSet binds set at the given group index. The set must have
// been bound against that group.
func (r *Recorder) BindDescriptorSet(set *DescriptorSet, index uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecording(OpBindDescriptorSet); err != nil {
		return err
	}
	if set == nil {
		return fmt.Errorf("%w: bind-descriptor-set: nil set", ErrResourceState)
	}
	if set.ctx != r.ctx {
		return fmt.Errorf("%w: descriptor set belongs to another context", ErrResourceState)
	}
	if index >= maxBindGroups {
		return fmt.Errorf("%w: bind group index %d exceeds maximum (%d)",
			ErrInvalidRecordingState, index, maxBindGroups-1)
	}
	if set.Group() != index {
		return fmt.Errorf("%w: set for group %d bound at index %d",
			ErrBindingMismatch, set.Group(), index)
	}
	for _, res := range set.Resources() {
		if err := res.state().usable(r.ctx); err != nil {
			return err
		}
	}
	set.ctx.mu.Lock()
	released := set.released
	set.ctx.mu.Unlock()
	if released {
		return fmt.Errorf("%w: descriptor set for group %d is released", ErrResourceState, index)
	}

	r.sets[index] = set
	r.ops = append(r.ops, Op{Kind: OpBindDescriptorSet, Set: set, Index: index})
	r.boundSets = appendUniqueSet(r.boundSets, set)
	for _, res := range set.Resources() {
		r.reference(res)
	}
	return nil
}

// Dispatch records a dispatch of x*y*z workgroups with the bound pipeline.
// Every group of the pipeline layout must have a matching set bound.
func (r *Recorder) Dispatch(x, y, z uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecording(OpDispatch); err != nil {
		return err
	}
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("%w: [%d %d %d]", ErrInvalidDispatch, x, y, z)
	}
	if r.pipeline == nil {
		return fmt.Errorf("%w: dispatch without a bound pipeline", ErrInvalidRecordingState)
	}

	var auto []*DescriptorSet
	for _, g := range r.pipeline.Layout.Groups {
		set, ok := r.sets[g.Group]
		switch {
		case !ok && len(g.Entries) == 0:
			// Unused group between used ones: bind an empty set.
			empty, err := Bind(r.ctx, r.pipeline.Layout, g.Group, nil)
			if err != nil {
				releaseSets(auto)
				return err
			}
			auto = append(auto, empty)
		case !ok:
			missing := make([]uint32, 0, len(g.Entries))
			for _, e := range g.Entries {
				missing = append(missing, e.Binding)
			}
			releaseSets(auto)
			return &BindingMismatchError{Group: g.Group, Missing: missing}
		case set.layout != r.pipeline.Layout:
			releaseSets(auto)
			return fmt.Errorf("%w: set bound at group %d was created for another pipeline layout",
				ErrBindingMismatch, g.Group)
		}
	}
	for _, s := range auto {
		r.sets[s.Group()] = s
		r.ops = append(r.ops, Op{Kind: OpBindDescriptorSet, Set: s, Index: s.Group()})
		r.boundSets = appendUniqueSet(r.boundSets, s)
	}

	r.ops = append(r.ops, Op{Kind: OpDispatch, Workgroups: [3]uint32{x, y, z}})
	return nil
}

// Finalize encodes the recorded operations into one command buffer.
// Consecutive bind and dispatch operations share one compute pass; a clear
// is a render pass with a clear load op.
func (r *Recorder) Finalize() (*CommandBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return nil, fmt.Errorf("%w: finalize called twice", ErrInvalidRecordingState)
	}
	if err := r.ctx.checkUsable(); err != nil {
		return nil, err
	}

	raw, err := r.encode()
	if err != nil {
		return nil, err
	}

	final := make(map[*Image]imageAccess, len(r.access))
	for img, a := range r.access {
		final[img] = a
	}
	cb := &CommandBuffer{
		ctx:         r.ctx,
		raw:         raw,
		ops:         append([]Op(nil), r.ops...),
		usage:       r.usage,
		family:      r.ctx.QueueFamily,
		resources:   append([]Resource(nil), r.resources...),
		pipelines:   append([]*Pipeline(nil), r.pipelines...),
		sets:        append([]*DescriptorSet(nil), r.boundSets...),
		finalAccess: final,
	}
	r.ctx.Commands.track(cb)
	r.state = StateFinalized

	slogger().Debug("gpu: command buffer finalized",
		"ops", len(cb.ops), "resources", len(cb.resources), "usage", r.usage.String())
	return cb, nil
}

// encode replays the operation list onto a HAL command encoder.
// The caller must hold r.mu.
func (r *Recorder) encode() (hal.CommandBuffer, error) {
	encoder, err := r.ctx.Commands.encoder("oneshot_commands")
	if err != nil {
		return nil, err
	}

	var (
		pass          hal.ComputePassEncoder
		pipeline      *Pipeline
		pipelineDirty bool
		sets          = make(map[uint32]*DescriptorSet)
		dirty         = make(map[uint32]bool)
	)
	endPass := func() {
		if pass != nil {
			pass.End()
			pass = nil
		}
	}

	for _, op := range r.ops {
		switch op.Kind {
		case OpTransition:
			endPass()
			encoder.TransitionTextures([]hal.TextureBarrier{{
				Texture: op.Image.tex,
				Usage: hal.TextureUsageTransition{
					OldUsage: op.from.textureUsage(),
					NewUsage: op.to.textureUsage(),
				},
			}})

		case OpClearImage:
			endPass()
			rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
				Label: op.Image.label + "_clear",
				ColorAttachments: []hal.RenderPassColorAttachment{{
					View:       op.Image.view,
					LoadOp:     gputypes.LoadOpClear,
					StoreOp:    gputypes.StoreOpStore,
					ClearValue: gputypes.Color{R: op.Clear.R, G: op.Clear.G, B: op.Clear.B, A: op.Clear.A},
				}},
			})
			rp.End()

		case OpCopyImageToBuffer:
			endPass()
			bytesPerRow, _ := ImageCopyLayout(op.Image)
			e := op.Image.extent
			encoder.CopyTextureToBuffer(op.Image.tex, op.Dst.raw, []hal.BufferTextureCopy{{
				BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: bytesPerRow, RowsPerImage: e.Height},
				TextureBase:  hal.ImageCopyTexture{Texture: op.Image.tex, MipLevel: 0},
				Size:         hal.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: 1},
			}})

		case OpCopyBuffer:
			endPass()
			encoder.CopyBufferToBuffer(op.Src.raw, op.Dst.raw, []hal.BufferCopy{{
				SrcOffset: 0, DstOffset: 0, Size: op.Src.rawSize,
			}})

		case OpBindPipeline:
			pipeline = op.Pipeline
			pipelineDirty = true

		case OpBindDescriptorSet:
			sets[op.Index] = op.Set
			dirty[op.Index] = true

		case OpDispatch:
			if pass == nil {
				pass = encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "oneshot_dispatch"})
				pipelineDirty = true
				for idx := range sets {
					dirty[idx] = true
				}
			}
			if pipelineDirty {
				pass.SetPipeline(pipeline.raw)
				pipelineDirty = false
			}
			for idx := uint32(0); idx < maxBindGroups; idx++ {
				if set, ok := sets[idx]; ok && dirty[idx] {
					pass.SetBindGroup(idx, set.raw, nil)
					dirty[idx] = false
				}
			}
			pass.Dispatch(op.Workgroups[0], op.Workgroups[1], op.Workgroups[2])
		}
	}
	endPass()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("gpu: end encoding: %w", err)
	}
	return cmdBuf, nil
}

// releaseSets releases sets that were never recorded.
func releaseSets(sets []*DescriptorSet) {
	for _, s := range sets {
		_ = s.Release() // never submitted, cannot be in flight
	}
}

func appendUniquePipeline(s []*Pipeline, p *Pipeline) []*Pipeline {
	for _, have := range s {
		if have == p {
			return s
		}
	}
	return append(s, p)
}

func appendUniqueSet(s []*DescriptorSet, set *DescriptorSet) []*DescriptorSet {
	for _, have := range s {
		if have == set {
			return s
		}
	}
	return append(s, set)
}

// CommandBuffer is an immutable, ordered list of operations encoded for
// one queue family.
type CommandBuffer struct {
	ctx       *Context
	raw       hal.CommandBuffer
	ops       []Op
	usage     CommandUsage
	family    uint32
	resources []Resource
	pipelines []*Pipeline
	sets      []*DescriptorSet

	finalAccess map[*Image]imageAccess

	// Guarded by ctx.mu.
	submissions int
	pending     *Signal
	freed       bool
	cleanup     func() // runs once completion of pending is observed
}

// Ops returns a copy of the recorded operations in execution order,
// including inserted barriers.
func (cb *CommandBuffer) Ops() []Op { return append([]Op(nil), cb.ops...) }

// Usage returns the submission hint.
func (cb *CommandBuffer) Usage() CommandUsage { return cb.usage }

// QueueFamily returns the queue family the buffer was recorded for.
func (cb *CommandBuffer) QueueFamily() uint32 { return cb.family }

// Resources returns the resources the buffer references, in first-use order.
func (cb *CommandBuffer) Resources() []Resource { return append([]Resource(nil), cb.resources...) }

// Submissions returns how many times the buffer was submitted.
func (cb *CommandBuffer) Submissions() int {
	cb.ctx.mu.Lock()
	defer cb.ctx.mu.Unlock()
	return cb.submissions
}
