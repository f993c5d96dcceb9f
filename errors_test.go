package oneshot

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/oneshot/gpu"
	"github.com/gogpu/oneshot/imagesink"
	"github.com/gogpu/oneshot/shader"
)

func TestStageError(t *testing.T) {
	tests := []struct {
		err         error
		kind        string
		recoverable bool
	}{
		{fmt.Errorf("%w: submission 3", gpu.ErrTimeout), "Timeout", true},
		{&gpu.AllocationError{Label: "data", Size: 64}, "AllocationFailure", true},
		{gpu.ErrNoCapableDevice, "NoCapableDevice", false},
		{&gpu.BindingMismatchError{Missing: []uint32{0}}, "BindingMismatch", false},
		{&gpu.IncompatibleUsageError{Resource: "x"}, "IncompatibleUsage", false},
		{&shader.CompilationError{Phase: shader.PhaseParse, Err: errors.New("bad")}, "ShaderCompilation", false},
		{&imagesink.EncodeError{Target: "a.png", Reason: "create"}, "Encode", false},
		{fmt.Errorf("%w: lost", gpu.ErrDeviceLost), "DeviceLost", false},
		{errors.New("other"), "Unknown", false},
	}
	for _, tt := range tests {
		se := &StageError{Stage: StageWait, Err: tt.err}
		if got := se.Kind(); got != tt.kind {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.kind)
		}
		if got := se.Recoverable(); got != tt.recoverable {
			t.Errorf("Recoverable(%v) = %v, want %v", tt.err, got, tt.recoverable)
		}
		if !errors.Is(se, tt.err) {
			t.Errorf("StageError does not unwrap to %v", tt.err)
		}
	}
}

func TestStageErrorMessage(t *testing.T) {
	se := &StageError{Stage: StageSelect, Err: gpu.ErrNoCapableDevice}
	if got, want := se.Error(), "oneshot: select: gpu: no capable device"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
