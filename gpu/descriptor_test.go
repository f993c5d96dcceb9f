package gpu

import (
	"errors"
	"reflect"
	"testing"
)

func TestMatchBindings(t *testing.T) {
	g := &GroupLayout{Group: 0, Entries: []LayoutEntry{
		{Binding: 0, Kind: BindingStorageBuffer},
		{Binding: 1, Kind: BindingUniformBuffer},
		{Binding: 3, Kind: BindingStorageBuffer},
	}}

	tests := []struct {
		name      string
		indices   []uint32
		missing   []uint32
		extra     []uint32
		duplicate []uint32
	}{
		{"exact", []uint32{3, 0, 1}, nil, nil, nil},
		{"missing one", []uint32{0, 3}, []uint32{1}, nil, nil},
		{"missing two", []uint32{3}, []uint32{0, 1}, nil, nil},
		{"extra", []uint32{0, 1, 3, 7}, nil, []uint32{7}, nil},
		{"extra and missing", []uint32{9, 0, 2}, []uint32{1, 3}, []uint32{2, 9}, nil},
		{"duplicate", []uint32{0, 1, 1, 3}, nil, nil, []uint32{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bindings := make([]Binding, len(tt.indices))
			for i, idx := range tt.indices {
				bindings[i] = Binding{Index: idx}
			}
			err := MatchBindings(g, bindings)
			if tt.missing == nil && tt.extra == nil && tt.duplicate == nil {
				if err != nil {
					t.Fatalf("unexpected mismatch: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected mismatch")
			}
			if !reflect.DeepEqual(err.Missing, tt.missing) {
				t.Errorf("missing = %v, want %v", err.Missing, tt.missing)
			}
			if !reflect.DeepEqual(err.Extra, tt.extra) {
				t.Errorf("extra = %v, want %v", err.Extra, tt.extra)
			}
			if !reflect.DeepEqual(err.Duplicate, tt.duplicate) {
				t.Errorf("duplicate = %v, want %v", err.Duplicate, tt.duplicate)
			}
			if !errors.Is(err, ErrBindingMismatch) {
				t.Error("mismatch does not unwrap to ErrBindingMismatch")
			}
		})
	}
}

func TestBindingMismatchErrorMessage(t *testing.T) {
	err := &BindingMismatchError{Group: 0, Missing: []uint32{1}, Extra: []uint32{4, 5}}
	want := "gpu: binding mismatch in group 0: missing [1], extra [4 5]"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestBind(t *testing.T) {
	ctx := newNoopContext(t)
	p := mustPipeline(t, ctx)
	buf := storageBuffer(t, ctx, 64)

	set, err := Bind(ctx, p.Layout, 0, []Binding{{Index: 0, Resource: buf}})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if set.Group() != 0 || set.Layout() != p.Layout {
		t.Errorf("set group/layout = %d/%p", set.Group(), set.Layout())
	}
	if res := set.Resources(); len(res) != 1 || res[0] != Resource(buf) {
		t.Errorf("resources = %v", res)
	}
	if got := ctx.Descriptors.Live(); got != 1 {
		t.Errorf("live sets = %d, want 1", got)
	}
	if err := set.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := set.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if got := ctx.Descriptors.Live(); got != 0 {
		t.Errorf("live sets after release = %d, want 0", got)
	}
}

func TestBindErrors(t *testing.T) {
	ctx := newNoopContext(t)
	p := mustPipeline(t, ctx)
	buf := storageBuffer(t, ctx, 64)
	uniform := mustBuffer(t, ctx, BufferDesc{Label: "params", Size: 16, Usage: UsageUniform, Visibility: HostSequentialWrite})
	img := mustImage(t, ctx, ImageDesc{Label: "img", Extent: Extent{4, 4}, Usage: UsageStorage | UsageTransferDst})
	dead := storageBuffer(t, ctx, 4)
	if err := dead.Destroy(); err != nil {
		t.Fatal(err)
	}

	t.Run("missing", func(t *testing.T) {
		_, err := Bind(ctx, p.Layout, 0, nil)
		var me *BindingMismatchError
		if !errors.As(err, &me) {
			t.Fatalf("err = %v, want *BindingMismatchError", err)
		}
		if !reflect.DeepEqual(me.Missing, []uint32{0}) || me.Extra != nil {
			t.Errorf("mismatch = %+v, want missing [0]", me)
		}
	})

	t.Run("extra", func(t *testing.T) {
		_, err := Bind(ctx, p.Layout, 0, []Binding{{0, buf}, {4, buf}})
		var me *BindingMismatchError
		if !errors.As(err, &me) {
			t.Fatalf("err = %v, want *BindingMismatchError", err)
		}
		if !reflect.DeepEqual(me.Extra, []uint32{4}) || me.Missing != nil {
			t.Errorf("mismatch = %+v, want extra [4]", me)
		}
	})

	t.Run("unknown group", func(t *testing.T) {
		if _, err := Bind(ctx, p.Layout, 2, nil); !errors.Is(err, ErrBindingMismatch) {
			t.Errorf("err = %v, want ErrBindingMismatch", err)
		}
	})

	t.Run("uniform in storage slot", func(t *testing.T) {
		_, err := Bind(ctx, p.Layout, 0, []Binding{{0, uniform}})
		var ue *IncompatibleUsageError
		if !errors.As(err, &ue) {
			t.Fatalf("err = %v, want *IncompatibleUsageError", err)
		}
		if ue.Resource != "params" || ue.Want != UsageStorage {
			t.Errorf("usage error = %+v", ue)
		}
	})

	t.Run("image in buffer slot", func(t *testing.T) {
		if _, err := Bind(ctx, p.Layout, 0, []Binding{{0, img}}); !errors.Is(err, ErrIncompatibleUsage) {
			t.Errorf("err = %v, want ErrIncompatibleUsage", err)
		}
	})

	t.Run("destroyed resource", func(t *testing.T) {
		if _, err := Bind(ctx, p.Layout, 0, []Binding{{0, dead}}); !errors.Is(err, ErrResourceState) {
			t.Errorf("err = %v, want ErrResourceState", err)
		}
	})

	t.Run("nil resource", func(t *testing.T) {
		for _, res := range []Resource{nil, (*Buffer)(nil), (*Image)(nil)} {
			if _, err := Bind(ctx, p.Layout, 0, []Binding{{Index: 0, Resource: res}}); !errors.Is(err, ErrResourceState) {
				t.Errorf("%T: err = %v, want ErrResourceState", res, err)
			}
		}
	})
}
