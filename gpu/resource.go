package gpu

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// copyPitchAlignment is the required BytesPerRow alignment for
// texture-to-buffer copies in WebGPU.
const copyPitchAlignment = 256

// Usage is the set of operations a resource may take part in.
// It is fixed at creation.
type Usage uint8

const (
	// UsageStorage allows binding as a read-write storage buffer.
	UsageStorage Usage = 1 << iota

	// UsageUniform allows binding as a uniform buffer.
	UsageUniform

	// UsageTransferSrc allows the resource to be a copy source.
	UsageTransferSrc

	// UsageTransferDst allows the resource to be a copy or clear destination.
	UsageTransferDst
)

// Has reports whether u includes every flag in other.
func (u Usage) Has(other Usage) bool {
	return u&other == other
}

// String returns the flags joined with "|".
func (u Usage) String() string {
	if u == 0 {
		return "none"
	}
	var parts []string
	if u&UsageStorage != 0 {
		parts = append(parts, "storage")
	}
	if u&UsageUniform != 0 {
		parts = append(parts, "uniform")
	}
	if u&UsageTransferSrc != 0 {
		parts = append(parts, "transfer-src")
	}
	if u&UsageTransferDst != 0 {
		parts = append(parts, "transfer-dst")
	}
	return strings.Join(parts, "|")
}

// Visibility is the memory-visibility class of a resource: whether the host
// may access its memory directly and with what access pattern.
type Visibility uint8

const (
	// DeviceLocal memory is not host-visible. It is populated only by
	// device-side copies and dispatches.
	DeviceLocal Visibility = iota

	// HostSequentialWrite memory accepts host writes in order, such as
	// initial contents, and can be read back after completion.
	HostSequentialWrite

	// HostRandomAccess memory is map-readable by the host.
	HostRandomAccess
)

// String returns the visibility class name.
func (v Visibility) String() string {
	switch v {
	case DeviceLocal:
		return "device-local"
	case HostSequentialWrite:
		return "host-sequential-write"
	case HostRandomAccess:
		return "host-random-access"
	default:
		return fmt.Sprintf("Visibility(%d)", v)
	}
}

// HostVisible reports whether the host can read the memory after completion.
func (v Visibility) HostVisible() bool {
	return v == HostSequentialWrite || v == HostRandomAccess
}

// Format is an image pixel format.
type Format uint8

const (
	// FormatRGBA8Unorm is 8-bit normalized red, green, blue, alpha.
	FormatRGBA8Unorm Format = iota

	// FormatBGRA8Unorm is 8-bit normalized blue, green, red, alpha.
	FormatBGRA8Unorm
)

// BytesPerPixel returns the texel size.
func (f Format) BytesPerPixel() uint32 { return 4 }

func (f Format) String() string {
	switch f {
	case FormatRGBA8Unorm:
		return "rgba8unorm"
	case FormatBGRA8Unorm:
		return "bgra8unorm"
	default:
		return fmt.Sprintf("Format(%d)", f)
	}
}

func (f Format) texture() gputypes.TextureFormat {
	if f == FormatBGRA8Unorm {
		return gputypes.TextureFormatBGRA8Unorm
	}
	return gputypes.TextureFormatRGBA8Unorm
}

// Extent is a 2D image size in pixels.
type Extent struct {
	Width  uint32
	Height uint32
}

// Pixels returns Width*Height.
func (e Extent) Pixels() uint64 { return uint64(e.Width) * uint64(e.Height) }

func (e Extent) String() string { return fmt.Sprintf("%dx%d", e.Width, e.Height) }

// ResourceKind distinguishes buffers from images.
type ResourceKind uint8

const (
	KindBuffer ResourceKind = iota
	KindImage
)

func (k ResourceKind) String() string {
	if k == KindImage {
		return "image"
	}
	return "buffer"
}

// Resource is a device-memory-backed buffer or image.
//
// Resources are shared by reference between the binder, the recorder and
// the submission engine. A resource referenced by an unfinished submission
// cannot be destroyed.
type Resource interface {
	Label() string
	Size() uint64
	Usage() Usage
	Visibility() Visibility
	Kind() ResourceKind
	Destroyed() bool
	Destroy() error

	state() *resourceState
}

// resourceState is the bookkeeping shared by buffers and images.
// Mutable fields are guarded by ctx.mu.
type resourceState struct {
	ctx        *Context
	label      string
	size       uint64
	usage      Usage
	visibility Visibility

	destroyed bool
	inflight  *Signal
}

func (r *resourceState) Label() string          { return r.label }
func (r *resourceState) Size() uint64           { return r.size }
func (r *resourceState) Usage() Usage           { return r.usage }
func (r *resourceState) Visibility() Visibility { return r.visibility }
func (r *resourceState) state() *resourceState  { return r }

// Destroyed reports whether the resource was destroyed.
func (r *resourceState) Destroyed() bool {
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	return r.destroyed
}

// usable checks that the resource is alive and belongs to ctx.
func (r *resourceState) usable(ctx *Context) error {
	if r.ctx != ctx {
		return fmt.Errorf("%w: %q belongs to another context", ErrResourceState, r.label)
	}
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	if r.destroyed {
		return fmt.Errorf("%w: %q is destroyed", ErrResourceState, r.label)
	}
	return nil
}

// markDestroyed flips the resource to destroyed. It returns false when the
// resource was already destroyed, and an error while it is in flight.
func (r *resourceState) markDestroyed() (bool, error) {
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	if r.destroyed {
		return false, nil
	}
	if r.inflight != nil {
		return false, fmt.Errorf("%w: %q is referenced by in-flight submission %d",
			ErrResourceState, r.label, r.inflight.ID())
	}
	r.destroyed = true
	return true, nil
}

// Buffer is a linear device allocation.
type Buffer struct {
	resourceState

	raw      hal.Buffer
	rawSize  uint64 // allocation size, rounded up to 4 bytes
	mappable bool   // backed by map-readable memory
}

// Kind returns KindBuffer.
func (b *Buffer) Kind() ResourceKind { return KindBuffer }

// Destroy releases the buffer. It fails with ErrResourceState while a
// submission referencing it is in flight. Destroying twice is a no-op.
func (b *Buffer) Destroy() error {
	ok, err := b.markDestroyed()
	if err != nil || !ok {
		return err
	}
	b.ctx.Memory.freeBuffer(b)
	return nil
}

// Image is a 2D, single-mip, single-sample texture.
type Image struct {
	resourceState

	extent Extent
	format Format

	tex  hal.Texture
	view hal.TextureView // non-nil for clearable images

	// access is the state left by the last submitted command buffer.
	// Guarded by ctx.mu.
	access imageAccess
}

// Kind returns KindImage.
func (img *Image) Kind() ResourceKind { return KindImage }

// Extent returns the image size in pixels.
func (img *Image) Extent() Extent { return img.extent }

// Format returns the pixel format.
func (img *Image) Format() Format { return img.format }

// Destroy releases the image and its view. It fails with ErrResourceState
// while a submission referencing it is in flight.
func (img *Image) Destroy() error {
	ok, err := img.markDestroyed()
	if err != nil || !ok {
		return err
	}
	img.ctx.Memory.freeImage(img)
	return nil
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label      string
	Size       uint64
	Usage      Usage
	Visibility Visibility

	// Contents, when non-nil, are written through the host-write path at
	// creation. No staging copy is made, so Visibility must be host-visible.
	Contents []byte
}

// CreateBuffer allocates a buffer and optionally writes its initial contents.
func CreateBuffer(ctx *Context, desc BufferDesc) (*Buffer, error) {
	if err := ctx.checkUsable(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidSize, desc.Label)
	}
	if uint64(len(desc.Contents)) > desc.Size {
		return nil, fmt.Errorf("%w: buffer %q: %d bytes of contents exceed size %d",
			ErrInvalidSize, desc.Label, len(desc.Contents), desc.Size)
	}
	if desc.Usage == 0 {
		return nil, &IncompatibleUsageError{Resource: desc.Label, Op: "buffer creation",
			Want: UsageStorage | UsageUniform | UsageTransferSrc | UsageTransferDst}
	}
	if desc.Contents != nil && !desc.Visibility.HostVisible() {
		return nil, fmt.Errorf("%w: buffer %q has initial contents but %s memory",
			ErrUnsupportedVisibility, desc.Label, desc.Visibility)
	}

	b, err := ctx.Memory.allocBuffer(desc)
	if err != nil {
		return nil, err
	}

	if len(desc.Contents) > 0 {
		data := desc.Contents
		if pad := len(data) % 4; pad != 0 {
			// Queue writes must be 4-byte aligned.
			data = make([]byte, len(desc.Contents)+4-pad)
			copy(data, desc.Contents)
		}
		if err := ctx.queue.WriteBuffer(b.raw, 0, data); err != nil {
			_ = b.Destroy()
			return nil, fmt.Errorf("gpu: write contents of %q: %w", desc.Label, err)
		}
	}

	slogger().Debug("gpu: buffer created",
		"label", b.label, "size", b.size, "usage", b.usage.String(),
		"visibility", b.visibility.String(), "initialized", len(desc.Contents) > 0)
	return b, nil
}

// ImageDesc describes an image to create.
type ImageDesc struct {
	Label      string
	Extent     Extent
	Format     Format
	Usage      Usage
	Visibility Visibility
}

// CreateImage allocates a 2D image. Images are always device-local;
// TransferDst images are also render-attachable so they can be cleared.
func CreateImage(ctx *Context, desc ImageDesc) (*Image, error) {
	if err := ctx.checkUsable(); err != nil {
		return nil, err
	}
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 {
		return nil, fmt.Errorf("%w: image %q has extent %s", ErrInvalidSize, desc.Label, desc.Extent)
	}
	if desc.Visibility != DeviceLocal {
		return nil, fmt.Errorf("%w: image %q cannot be %s",
			ErrUnsupportedVisibility, desc.Label, desc.Visibility)
	}
	if desc.Usage == 0 || desc.Usage&UsageUniform != 0 {
		return nil, &IncompatibleUsageError{Resource: desc.Label, Op: "image creation",
			Want: UsageStorage | UsageTransferSrc | UsageTransferDst, Have: desc.Usage}
	}

	img, err := ctx.Memory.allocImage(desc)
	if err != nil {
		return nil, err
	}
	slogger().Debug("gpu: image created",
		"label", img.label, "extent", img.extent.String(), "format", img.format.String(),
		"usage", img.usage.String())
	return img, nil
}

// ImageCopyLayout returns the buffer layout of img when copied into a
// buffer: the 256-byte aligned row pitch and the total byte size.
func ImageCopyLayout(img *Image) (bytesPerRow uint32, size uint64) {
	return copyLayout(img.extent, img.format)
}

func copyLayout(e Extent, f Format) (uint32, uint64) {
	tight := e.Width * f.BytesPerPixel()
	aligned := (tight + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	return aligned, uint64(aligned) * uint64(e.Height)
}

// UnpadRows strips row padding from image data copied with ImageCopyLayout
// and returns tightly packed pixels. If there is no padding, data is
// returned unchanged.
func UnpadRows(data []byte, e Extent, f Format) ([]byte, error) {
	aligned, size := copyLayout(e, f)
	if uint64(len(data)) < size {
		return nil, fmt.Errorf("%w: %d bytes for a %s image needs %d",
			ErrInvalidSize, len(data), e, size)
	}
	tight := e.Width * f.BytesPerPixel()
	if aligned == tight {
		return data[:size], nil
	}
	out := make([]byte, uint64(tight)*uint64(e.Height))
	for row := uint32(0); row < e.Height; row++ {
		srcOff := int(row) * int(aligned)
		dstOff := int(row) * int(tight)
		copy(out[dstOff:dstOff+int(tight)], data[srcOff:srcOff+int(tight)])
	}
	return out, nil
}
