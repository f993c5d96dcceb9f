package gpu

import (
	"bytes"
	"errors"
	"testing"
)

func TestUsageString(t *testing.T) {
	tests := []struct {
		u    Usage
		want string
	}{
		{0, "none"},
		{UsageStorage, "storage"},
		{UsageStorage | UsageTransferSrc, "storage|transfer-src"},
		{UsageUniform | UsageTransferDst, "uniform|transfer-dst"},
	}
	for _, tt := range tests {
		if got := tt.u.String(); got != tt.want {
			t.Errorf("Usage(%d).String() = %q, want %q", tt.u, got, tt.want)
		}
	}
	if !(UsageStorage | UsageTransferDst).Has(UsageTransferDst) {
		t.Error("Has(TransferDst) = false")
	}
	if UsageStorage.Has(UsageStorage | UsageTransferDst) {
		t.Error("Has(superset) = true")
	}
}

func TestVisibility(t *testing.T) {
	if DeviceLocal.HostVisible() {
		t.Error("device-local memory reported host-visible")
	}
	if !HostSequentialWrite.HostVisible() || !HostRandomAccess.HostVisible() {
		t.Error("host classes reported not host-visible")
	}
	if got := Visibility(9).String(); got != "Visibility(9)" {
		t.Errorf("String() = %q", got)
	}
}

func TestCreateBuffer(t *testing.T) {
	ctx := newNoopContext(t)
	ctx.Physical.UnifiedMemory = false

	tests := []struct {
		name    string
		desc    BufferDesc
		wantErr error
	}{
		{"host write with contents", BufferDesc{Label: "a", Size: 16, Usage: UsageStorage, Visibility: HostSequentialWrite, Contents: make([]byte, 16)}, nil},
		{"device local", BufferDesc{Label: "b", Size: 16, Usage: UsageStorage | UsageTransferDst, Visibility: DeviceLocal}, nil},
		{"map-readable transfer dst", BufferDesc{Label: "c", Size: 16, Usage: UsageTransferDst, Visibility: HostRandomAccess}, nil},
		{"unaligned size", BufferDesc{Label: "d", Size: 7, Usage: UsageTransferDst, Visibility: HostSequentialWrite, Contents: []byte{1, 2, 3}}, nil},
		{"zero size", BufferDesc{Label: "e", Size: 0, Usage: UsageStorage}, ErrInvalidSize},
		{"contents too long", BufferDesc{Label: "f", Size: 4, Usage: UsageStorage, Visibility: HostSequentialWrite, Contents: make([]byte, 8)}, ErrInvalidSize},
		{"contents on device local", BufferDesc{Label: "g", Size: 4, Usage: UsageStorage, Visibility: DeviceLocal, Contents: make([]byte, 4)}, ErrUnsupportedVisibility},
		{"map-readable storage without unified memory", BufferDesc{Label: "h", Size: 4, Usage: UsageStorage, Visibility: HostRandomAccess}, ErrAllocationFailure},
		{"no usage", BufferDesc{Label: "i", Size: 4}, ErrIncompatibleUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := CreateBuffer(ctx, tt.desc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateBuffer failed: %v", err)
			}
			if b.Size() != tt.desc.Size || b.Usage() != tt.desc.Usage || b.Visibility() != tt.desc.Visibility {
				t.Errorf("buffer = %d/%s/%s", b.Size(), b.Usage(), b.Visibility())
			}
			if b.Kind() != KindBuffer || b.Label() != tt.desc.Label {
				t.Errorf("kind/label = %s/%q", b.Kind(), b.Label())
			}
		})
	}
}

func TestAllocationErrorNamesRequest(t *testing.T) {
	ctx := newNoopContext(t)
	ctx.Physical.UnifiedMemory = false

	_, err := CreateBuffer(ctx, BufferDesc{Label: "mapped", Size: 1024, Usage: UsageStorage, Visibility: HostRandomAccess})
	var ae *AllocationError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AllocationError", err)
	}
	if ae.Visibility != HostRandomAccess || ae.Size != 1024 || ae.Label != "mapped" {
		t.Errorf("AllocationError = %+v", ae)
	}
	if !IsRecoverable(err) {
		t.Error("allocation failure should be recoverable")
	}
}

func TestMapReadableStorageOnUnifiedMemory(t *testing.T) {
	ctx := newNoopContext(t)
	ctx.Physical.UnifiedMemory = true

	b := mustBuffer(t, ctx, BufferDesc{Label: "shared", Size: 64, Usage: UsageStorage, Visibility: HostRandomAccess})
	if !b.mappable {
		t.Error("host-random-access buffer should be map-readable")
	}
}

func TestBufferSizeLimit(t *testing.T) {
	ctx := newNoopContext(t)
	ctx.Limits.MaxBufferSize = 1024

	_, err := CreateBuffer(ctx, BufferDesc{Label: "big", Size: 2048, Usage: UsageStorage})
	if !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("err = %v, want ErrAllocationFailure", err)
	}
}

func TestBufferDestroy(t *testing.T) {
	ctx := newNoopContext(t)
	b := storageBuffer(t, ctx, 8)
	before := ctx.Memory.Allocated()

	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if !b.Destroyed() {
		t.Error("Destroyed() = false")
	}
	if got := ctx.Memory.Allocated(); got != before-32 {
		t.Errorf("allocated = %d, want %d", got, before-32)
	}
	if err := b.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}

func TestCreateImage(t *testing.T) {
	ctx := newNoopContext(t)

	img := mustImage(t, ctx, ImageDesc{
		Label:  "target",
		Extent: Extent{Width: 64, Height: 32},
		Format: FormatRGBA8Unorm,
		Usage:  UsageTransferDst | UsageTransferSrc,
	})
	if img.Size() != 64*32*4 || img.Kind() != KindImage {
		t.Errorf("image size/kind = %d/%s", img.Size(), img.Kind())
	}
	if img.view == nil {
		t.Error("clearable image has no view")
	}
	if img.Extent() != (Extent{64, 32}) || img.Format() != FormatRGBA8Unorm {
		t.Errorf("extent/format = %s/%s", img.Extent(), img.Format())
	}

	tests := []struct {
		name    string
		desc    ImageDesc
		wantErr error
	}{
		{"zero extent", ImageDesc{Label: "z", Extent: Extent{0, 4}, Usage: UsageTransferSrc}, ErrInvalidSize},
		{"host visible", ImageDesc{Label: "h", Extent: Extent{4, 4}, Usage: UsageTransferSrc, Visibility: HostSequentialWrite}, ErrUnsupportedVisibility},
		{"uniform usage", ImageDesc{Label: "u", Extent: Extent{4, 4}, Usage: UsageUniform}, ErrIncompatibleUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CreateImage(ctx, tt.desc); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestImageCopyLayout(t *testing.T) {
	tests := []struct {
		extent  Extent
		wantBPR uint32
		want    uint64
	}{
		{Extent{1024, 1024}, 4096, 4096 * 1024},
		{Extent{64, 2}, 256, 512},
		{Extent{3, 2}, 256, 512},
		{Extent{65, 1}, 512, 512},
	}
	for _, tt := range tests {
		bpr, size := copyLayout(tt.extent, FormatRGBA8Unorm)
		if bpr != tt.wantBPR || size != tt.want {
			t.Errorf("copyLayout(%s) = %d/%d, want %d/%d", tt.extent, bpr, size, tt.wantBPR, tt.want)
		}
	}
}

func TestUnpadRows(t *testing.T) {
	e := Extent{Width: 3, Height: 2}
	padded := make([]byte, 512)
	for i := 0; i < 12; i++ {
		padded[i] = byte(i + 1)
		padded[256+i] = byte(i + 101)
	}

	got, err := UnpadRows(padded, e, FormatRGBA8Unorm)
	if err != nil {
		t.Fatalf("UnpadRows failed: %v", err)
	}
	if len(got) != 24 {
		t.Fatalf("len = %d, want 24", len(got))
	}
	if !bytes.Equal(got[:12], padded[:12]) || !bytes.Equal(got[12:], padded[256:268]) {
		t.Errorf("rows not unpadded: %v", got)
	}

	if _, err := UnpadRows(padded[:100], e, FormatRGBA8Unorm); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("short input: err = %v, want ErrInvalidSize", err)
	}

	aligned := make([]byte, 256*2)
	got, err = UnpadRows(aligned, Extent{64, 2}, FormatBGRA8Unorm)
	if err != nil || len(got) != 512 {
		t.Errorf("aligned rows: len=%d err=%v", len(got), err)
	}
}
