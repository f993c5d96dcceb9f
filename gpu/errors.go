package gpu

import (
	"errors"
	"fmt"
	"strings"
)

// Setup errors.
var (
	// ErrNoCapableDevice is returned when no adapter exposes a queue family
	// with the required operation kinds.
	ErrNoCapableDevice = errors.New("gpu: no capable device")

	// ErrDeviceCreation is returned when the logical device cannot be created.
	ErrDeviceCreation = errors.New("gpu: device creation failed")

	// ErrContextClosed is returned when a closed context is used.
	ErrContextClosed = errors.New("gpu: context is closed")
)

// Allocation errors.
var (
	// ErrUnsupportedVisibility is returned when an operation needs host
	// access that the resource's visibility class does not provide.
	ErrUnsupportedVisibility = errors.New("gpu: unsupported memory visibility")

	// ErrAllocationFailure is returned when the allocator cannot satisfy a
	// request. It is recoverable: the caller may retry with relaxed
	// requirements.
	ErrAllocationFailure = errors.New("gpu: allocation failure")

	// ErrInvalidSize is returned for zero-sized resources or initial
	// contents larger than the resource.
	ErrInvalidSize = errors.New("gpu: invalid resource size")
)

// Pipeline errors.
var (
	// ErrShaderEntryPointNotFound is returned when the named compute entry
	// point does not exist in the shader module.
	ErrShaderEntryPointNotFound = errors.New("gpu: shader entry point not found")

	// ErrPipelineLink is returned when the binding layout cannot be resolved
	// or the pipeline cannot be created.
	ErrPipelineLink = errors.New("gpu: pipeline link failed")
)

// Recording and binding contract errors.
var (
	// ErrBindingMismatch is returned when a descriptor set does not satisfy
	// a layout exactly once per declared binding.
	ErrBindingMismatch = errors.New("gpu: binding mismatch")

	// ErrIncompatibleUsage is returned when a resource lacks the usage flags
	// required by the operation or binding it is used for.
	ErrIncompatibleUsage = errors.New("gpu: incompatible resource usage")

	// ErrInvalidRecordingState is returned when an operation is recorded
	// after Finalize, or in an order the recorder cannot encode.
	ErrInvalidRecordingState = errors.New("gpu: invalid recording state")

	// ErrResourceState is returned when a resource is destroyed, in flight,
	// or not in a state the operation can consume.
	ErrResourceState = errors.New("gpu: invalid resource state")

	// ErrInvalidDispatch is returned when a workgroup count is zero.
	ErrInvalidDispatch = errors.New("gpu: workgroup count must be greater than zero")
)

// Submission and readback errors.
var (
	// ErrTimeout is returned when a wait elapses before the device signals.
	// The submission stays in flight.
	ErrTimeout = errors.New("gpu: wait timed out")

	// ErrDeviceLost is returned when the device reports an execution error.
	// The context must be recreated.
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrPrematureRead is returned when a resource is read before its
	// completion signal was observed.
	ErrPrematureRead = errors.New("gpu: read before completion was observed")
)

// BindingMismatchError lists the binding indices that prevented a
// descriptor set from matching its layout. All slices are sorted.
type BindingMismatchError struct {
	Group     uint32
	Missing   []uint32
	Extra     []uint32
	Duplicate []uint32
}

func (e *BindingMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+joinIndices(e.Missing))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "extra "+joinIndices(e.Extra))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, "duplicate "+joinIndices(e.Duplicate))
	}
	return fmt.Sprintf("gpu: binding mismatch in group %d: %s", e.Group, strings.Join(parts, ", "))
}

// Unwrap returns ErrBindingMismatch.
func (e *BindingMismatchError) Unwrap() error { return ErrBindingMismatch }

// IncompatibleUsageError names a resource whose usage flags do not cover
// the way it is used.
type IncompatibleUsageError struct {
	Resource string
	Op       string
	Want     Usage
	Have     Usage
}

func (e *IncompatibleUsageError) Error() string {
	return fmt.Sprintf("gpu: resource %q used for %s needs usage %s, has %s",
		e.Resource, e.Op, e.Want, e.Have)
}

// Unwrap returns ErrIncompatibleUsage.
func (e *IncompatibleUsageError) Unwrap() error { return ErrIncompatibleUsage }

// AllocationError describes a request the memory allocator could not
// satisfy, naming the visibility class and size.
type AllocationError struct {
	Label      string
	Visibility Visibility
	Size       uint64
	Err        error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("gpu: allocate %q: %d bytes of %s memory", e.Label, e.Size, e.Visibility)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the sentinel and the underlying cause.
func (e *AllocationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAllocationFailure}
	}
	return []error{ErrAllocationFailure, e.Err}
}

// IsContractError reports whether err is a binding or recording contract
// violation rather than a runtime failure.
func IsContractError(err error) bool {
	return errors.Is(err, ErrBindingMismatch) ||
		errors.Is(err, ErrIncompatibleUsage) ||
		errors.Is(err, ErrInvalidRecordingState) ||
		errors.Is(err, ErrResourceState) ||
		errors.Is(err, ErrInvalidDispatch)
}

// IsRecoverable reports whether the caller may retry after err: timeouts
// and allocation failures.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrAllocationFailure)
}

func isTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func joinIndices(idx []uint32) string {
	s := make([]string, len(idx))
	for i, v := range idx {
		s[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(s, " ") + "]"
}
