package gpu

import (
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Binding assigns a resource to a binding index.
type Binding struct {
	Index    uint32
	Resource Resource
}

// DescriptorSet is an immutable assignment of resources to the slots of
// one bind group of one pipeline layout.
type DescriptorSet struct {
	layout   *PipelineLayout
	group    *GroupLayout
	bindings []Binding // sorted by index

	ctx      *Context
	raw      hal.BindGroup
	released bool
	inflight int // submissions in flight that bind it
}

// Layout returns the pipeline layout the set was bound against.
func (s *DescriptorSet) Layout() *PipelineLayout { return s.layout }

// Group returns the bind group index the set fills.
func (s *DescriptorSet) Group() uint32 { return s.group.Group }

// Bindings returns a copy of the (index, resource) pairs in index order.
func (s *DescriptorSet) Bindings() []Binding {
	out := make([]Binding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

// Resources returns the bound resources in index order.
func (s *DescriptorSet) Resources() []Resource {
	out := make([]Resource, len(s.bindings))
	for i, b := range s.bindings {
		out[i] = b.Resource
	}
	return out
}

// Release destroys the bind group. It fails with ErrResourceState while a
// submission that binds the set is in flight. Releasing twice is a no-op.
func (s *DescriptorSet) Release() error {
	s.ctx.mu.Lock()
	if s.released {
		s.ctx.mu.Unlock()
		return nil
	}
	if s.inflight > 0 {
		s.ctx.mu.Unlock()
		return fmt.Errorf("%w: descriptor set for group %d is used by %d in-flight submission(s)",
			ErrResourceState, s.group.Group, s.inflight)
	}
	s.released = true
	s.ctx.mu.Unlock()
	s.ctx.Descriptors.free(s)
	return nil
}

// Bind validates bindings against group of layout and creates a descriptor
// set. Every slot the group declares must be filled exactly once.
func Bind(ctx *Context, layout *PipelineLayout, group uint32, bindings []Binding) (*DescriptorSet, error) {
	if err := ctx.checkUsable(); err != nil {
		return nil, err
	}
	g, ok := layout.Group(group)
	if !ok {
		return nil, fmt.Errorf("%w: layout has no group %d", ErrBindingMismatch, group)
	}
	if mismatch := MatchBindings(g, bindings); mismatch != nil {
		return nil, mismatch
	}

	sorted := make([]Binding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	entries := make([]gputypes.BindGroupEntry, 0, len(sorted))
	for _, b := range sorted {
		slot, _ := g.Entry(b.Index)
		buf, err := checkBindable(ctx, slot, b.Resource)
		if err != nil {
			return nil, err
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  b.Index,
			Resource: gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: 0, Size: buf.rawSize},
		})
	}

	raw, err := ctx.Descriptors.allocate(fmt.Sprintf("oneshot_group%d", group), g.raw, entries)
	if err != nil {
		return nil, fmt.Errorf("%w: create bind group %d: %w", ErrPipelineLink, group, err)
	}
	set := &DescriptorSet{layout: layout, group: g, bindings: sorted, ctx: ctx, raw: raw}
	ctx.Descriptors.track(set)

	slogger().Debug("gpu: descriptor set bound", "group", group, "bindings", len(sorted))
	return set, nil
}

// MatchBindings compares bindings against the slots of g and returns the
// missing, extra and duplicate indices, or nil when they match exactly.
func MatchBindings(g *GroupLayout, bindings []Binding) *BindingMismatchError {
	seen := make(map[uint32]int, len(bindings))
	for _, b := range bindings {
		seen[b.Index]++
	}

	e := &BindingMismatchError{Group: g.Group}
	for _, slot := range g.Entries {
		if seen[slot.Binding] == 0 {
			e.Missing = append(e.Missing, slot.Binding)
		}
	}
	for idx, n := range seen {
		if _, declared := g.Entry(idx); !declared {
			e.Extra = append(e.Extra, idx)
		} else if n > 1 {
			e.Duplicate = append(e.Duplicate, idx)
		}
	}
	if len(e.Missing) == 0 && len(e.Extra) == 0 && len(e.Duplicate) == 0 {
		return nil
	}
	sortIndices(e.Missing)
	sortIndices(e.Extra)
	sortIndices(e.Duplicate)
	return e
}

func sortIndices(s []uint32) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// checkBindable verifies that res can fill slot.
func checkBindable(ctx *Context, slot LayoutEntry, res Resource) (*Buffer, error) {
	missing := false
	switch r := res.(type) {
	case nil:
		missing = true
	case *Buffer:
		missing = r == nil
	case *Image:
		missing = r == nil
	}
	if missing {
		return nil, fmt.Errorf("%w: binding %d has no resource", ErrResourceState, slot.Binding)
	}
	if err := res.state().usable(ctx); err != nil {
		return nil, err
	}
	want := slot.Kind.RequiredUsage()
	buf, ok := res.(*Buffer)
	if !ok || !res.Usage().Has(want) {
		return nil, &IncompatibleUsageError{
			Resource: res.Label(),
			Op:       fmt.Sprintf("%s binding %d", slot.Kind, slot.Binding),
			Want:     want,
			Have:     res.Usage(),
		}
	}
	return buf, nil
}
