package oneshot

import (
	"errors"
	"fmt"

	"github.com/gogpu/oneshot/gpu"
	"github.com/gogpu/oneshot/imagesink"
	"github.com/gogpu/oneshot/shader"
)

var (
	// ErrInvalidWorkload is returned by Workload.Validate.
	ErrInvalidWorkload = errors.New("oneshot: invalid workload")

	// ErrRunnerClosed is returned by Run after Close.
	ErrRunnerClosed = errors.New("oneshot: runner is closed")

	// ErrVerification is returned when read-back data differs from the
	// expected result.
	ErrVerification = errors.New("oneshot: verification failed")
)

// Stage names the step of a run that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageSelect   Stage = "select"
	StageAllocate Stage = "allocate"
	StageCompile  Stage = "compile"
	StageBuild    Stage = "build"
	StageBind     Stage = "bind"
	StageRecord   Stage = "record"
	StageSubmit   Stage = "submit"
	StageWait     Stage = "wait"
	StageReadback Stage = "readback"
	StageOutput   Stage = "output"
)

// StageError is a run failure tagged with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("oneshot: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// errorKinds maps sentinels to kind names, most specific first.
var errorKinds = []struct {
	err  error
	name string
}{
	{ErrInvalidWorkload, "InvalidWorkload"},
	{ErrRunnerClosed, "RunnerClosed"},
	{ErrVerification, "Verification"},
	{gpu.ErrNoCapableDevice, "NoCapableDevice"},
	{gpu.ErrDeviceCreation, "DeviceCreation"},
	{gpu.ErrContextClosed, "ContextClosed"},
	{gpu.ErrUnsupportedVisibility, "UnsupportedVisibility"},
	{gpu.ErrAllocationFailure, "AllocationFailure"},
	{gpu.ErrInvalidSize, "InvalidSize"},
	{shader.ErrShaderCompilation, "ShaderCompilation"},
	{gpu.ErrShaderEntryPointNotFound, "ShaderEntryPointNotFound"},
	{gpu.ErrPipelineLink, "PipelineLink"},
	{gpu.ErrBindingMismatch, "BindingMismatch"},
	{gpu.ErrIncompatibleUsage, "IncompatibleUsage"},
	{gpu.ErrInvalidRecordingState, "InvalidRecordingState"},
	{gpu.ErrInvalidDispatch, "InvalidDispatch"},
	{gpu.ErrResourceState, "ResourceState"},
	{gpu.ErrTimeout, "Timeout"},
	{gpu.ErrDeviceLost, "DeviceLost"},
	{gpu.ErrPrematureRead, "PrematureRead"},
	{imagesink.ErrEncode, "Encode"},
}

// Kind returns the name of the error kind, or "Unknown".
func (e *StageError) Kind() string {
	return ErrorKind(e.Err)
}

// Recoverable reports whether the run may be retried: only timeouts and
// allocation failures are.
func (e *StageError) Recoverable() bool {
	return gpu.IsRecoverable(e.Err)
}

// ErrorKind returns the kind name of err, or "Unknown".
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}
