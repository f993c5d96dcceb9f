package gpu

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// mirrorTimeout bounds the copy into a transient readback buffer.
var mirrorTimeout = 5 * time.Second

// View is a read-only snapshot of a resource's host-visible memory. Its
// length equals the resource size. A view is valid only until the resource
// is destroyed.
type View struct {
	res  Resource
	data []byte
}

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.data) }

// Valid reports whether the resource behind the view is still alive.
func (v View) Valid() bool { return v.res != nil && !v.res.Destroyed() }

// Bytes returns a copy of the view's bytes, or nil if the view is no
// longer valid.
func (v View) Bytes() []byte {
	if !v.Valid() {
		return nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// At returns byte i.
func (v View) At(i int) byte { return v.data[i] }

// Uint32s decodes the view as little-endian 32-bit words. Trailing bytes
// that do not fill a word are ignored.
func (v View) Uint32s() []uint32 {
	if !v.Valid() {
		return nil
	}
	words := make([]uint32, len(v.data)/4)
	for i := range words {
		words[i] = uint32(v.data[i*4]) |
			uint32(v.data[i*4+1])<<8 |
			uint32(v.data[i*4+2])<<16 |
			uint32(v.data[i*4+3])<<24
	}
	return words
}

// Read returns the contents of res after sig completed.
//
// Read never waits: sig must already be signaled, otherwise it fails with
// ErrPrematureRead. res must either be covered by sig or not be in flight.
// Only host-visible buffers can be read; read an image by copying it into
// a host-visible buffer first.
func (c *Context) Read(res Resource, sig *Signal) (View, error) {
	if err := c.checkUsable(); err != nil {
		return View{}, err
	}
	if res == nil {
		return View{}, fmt.Errorf("%w: read of nil resource", ErrResourceState)
	}
	if err := res.state().usable(c); err != nil {
		return View{}, err
	}
	if sig == nil || !sig.Signaled() {
		return View{}, fmt.Errorf("%w: %q", ErrPrematureRead, res.Label())
	}
	if sig.ctx != c {
		return View{}, fmt.Errorf("%w: signal belongs to another context", ErrResourceState)
	}

	c.mu.Lock()
	pending := res.state().inflight
	c.mu.Unlock()
	if pending != nil {
		return View{}, fmt.Errorf("%w: %q is referenced by in-flight submission %d",
			ErrPrematureRead, res.Label(), pending.id)
	}
	if !sig.covers(res) {
		slogger().Debug("gpu: reading resource not referenced by signal",
			"label", res.Label(), "submission", sig.id)
	}

	buf, ok := res.(*Buffer)
	if !ok || !res.Visibility().HostVisible() {
		return View{}, fmt.Errorf("%w: %s %q is %s",
			ErrUnsupportedVisibility, res.Kind(), res.Label(), res.Visibility())
	}

	var (
		data []byte
		err  error
	)
	if buf.mappable {
		data, err = c.mapRead(buf.raw, buf.rawSize, buf.label)
	} else {
		data, err = c.readMirror(buf)
	}
	if err != nil {
		return View{}, err
	}

	slogger().Debug("gpu: readback", "label", buf.label, "bytes", buf.size, "mapped", buf.mappable)
	return View{res: res, data: data[:buf.size]}, nil
}

// mapRead copies size bytes out of a map-readable HAL buffer.
func (c *Context) mapRead(raw hal.Buffer, size uint64, label string) ([]byte, error) {
	m, err := c.device.MapBuffer(raw, 0, size)
	if err != nil {
		return nil, fmt.Errorf("gpu: map %q: %w", label, err)
	}
	data := make([]byte, size)
	copy(data, unsafe.Slice((*byte)(m.Ptr), size)) //nolint:gosec // range validated by MapBuffer
	if err := c.device.UnmapBuffer(raw); err != nil {
		return nil, fmt.Errorf("gpu: unmap %q: %w", label, err)
	}
	return data, nil
}

// readMirror copies buf into a transient map-readable buffer and reads that.
// WebGPU cannot map storage buffers directly.
//
// The copy is an ordinary submission, so buf stays in flight until it
// completes. If it does not complete within mirrorTimeout, the mirror is
// destroyed only once a later Wait, Poll or Close observes completion.
func (c *Context) readMirror(buf *Buffer) ([]byte, error) {
	device := c.device
	label := buf.label + "_readback"

	mirror, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  buf.rawSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, &AllocationError{Label: label, Visibility: HostRandomAccess, Size: buf.rawSize, Err: err}
	}
	destroyMirror := func() { device.DestroyBuffer(mirror) }

	encoder, err := c.Commands.encoder("oneshot_readback")
	if err != nil {
		destroyMirror()
		return nil, err
	}
	encoder.CopyBufferToBuffer(buf.raw, mirror, []hal.BufferCopy{{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      buf.rawSize,
	}})
	raw, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		destroyMirror()
		return nil, fmt.Errorf("gpu: readback: end encoding: %w", err)
	}

	cb := &CommandBuffer{
		ctx:       c,
		raw:       raw,
		usage:     OneTimeSubmit,
		family:    c.QueueFamily,
		resources: []Resource{buf},
	}
	c.Commands.track(cb)

	sig, err := c.Submit(cb)
	if err != nil {
		c.Commands.free(cb)
		destroyMirror()
		return nil, err
	}

	err = c.Wait(sig, mirrorTimeout)
	switch {
	case err == nil:
	case isTimeout(err):
		c.mu.Lock()
		handedOff := sig.State() == SignalPending
		if handedOff {
			cb.cleanup = destroyMirror
		}
		c.mu.Unlock()
		if handedOff {
			slogger().Warn("gpu: readback copy still in flight", "label", buf.label, "submission", sig.id)
			return nil, fmt.Errorf("%w: readback of %q after %v", ErrTimeout, buf.label, mirrorTimeout)
		}
	case errors.Is(err, ErrContextClosed):
		return nil, err
	default:
		destroyMirror()
		return nil, err
	}
	defer destroyMirror()

	return c.mapRead(mirror, buf.rawSize, label)
}
