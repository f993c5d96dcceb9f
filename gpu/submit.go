package gpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// SignalState is the state of a completion signal.
type SignalState int32

const (
	// SignalPending means the device has not reported completion yet.
	SignalPending SignalState = iota

	// SignalSignaled means completion was observed by Wait or Poll.
	SignalSignaled

	// SignalFailed means the device reported an error for the submission.
	SignalFailed
)

// String returns the string representation of SignalState.
func (s SignalState) String() string {
	switch s {
	case SignalPending:
		return "Pending"
	case SignalSignaled:
		return "Signaled"
	case SignalFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Signal is the completion signal of one submission. It leaves the pending
// state exactly once.
type Signal struct {
	id        uint64
	ctx       *Context
	cb        *CommandBuffer
	index     uint64 // HAL submission index
	submitted time.Time

	state atomic.Int32
	err   error // set before state becomes SignalFailed
}

// ID returns the submission identity.
func (s *Signal) ID() uint64 { return s.id }

// State returns the current state.
func (s *Signal) State() SignalState { return SignalState(s.state.Load()) }

// Signaled reports whether completion was observed.
func (s *Signal) Signaled() bool { return s.State() == SignalSignaled }

// CommandBuffer returns the submitted command buffer.
func (s *Signal) CommandBuffer() *CommandBuffer { return s.cb }

// covers reports whether the submission referenced res.
func (s *Signal) covers(res Resource) bool {
	for _, r := range s.cb.resources {
		if r == res {
			return true
		}
	}
	return false
}

// Submit enqueues cb on the context's queue and returns its completion
// signal without blocking. Everything cb references (resources, pipelines
// and descriptor sets) is in flight until completion is observed and
// cannot be destroyed before that.
func (c *Context) Submit(cb *CommandBuffer) (*Signal, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: nil command buffer", ErrInvalidRecordingState)
	}
	if cb.ctx != c {
		return nil, fmt.Errorf("%w: command buffer belongs to another context", ErrResourceState)
	}

	c.mu.Lock()
	if err := c.admit(cb); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	sig := &Signal{id: c.nextID, ctx: c, cb: cb, submitted: time.Now()}
	c.markInflight(cb, sig)
	c.mu.Unlock()

	index, err := c.queue.Submit([]hal.CommandBuffer{cb.raw})
	if err != nil {
		c.mu.Lock()
		c.clearInflight(cb)
		c.mu.Unlock()
		c.markLost(err)
		return nil, fmt.Errorf("%w: submit: %w", ErrDeviceLost, err)
	}

	c.mu.Lock()
	sig.index = index
	if index > c.lastIndex {
		c.lastIndex = index
	}
	c.inflight[sig.id] = sig
	cb.submissions++
	for img, a := range cb.finalAccess {
		img.access = a
	}
	c.mu.Unlock()

	slogger().Debug("gpu: submitted",
		"submission", sig.id, "index", index, "ops", len(cb.ops), "resources", len(cb.resources))
	return sig, nil
}

// admit checks that cb may be submitted now. The caller must hold c.mu.
func (c *Context) admit(cb *CommandBuffer) error {
	if cb.freed {
		return fmt.Errorf("%w: command buffer was freed", ErrInvalidRecordingState)
	}
	if cb.usage == OneTimeSubmit && cb.submissions > 0 {
		return fmt.Errorf("%w: one-time command buffer submitted twice", ErrInvalidRecordingState)
	}
	if cb.pending != nil {
		return fmt.Errorf("%w: command buffer is still in flight as submission %d",
			ErrResourceState, cb.pending.id)
	}
	for _, res := range cb.resources {
		st := res.state()
		if st.destroyed {
			return fmt.Errorf("%w: %q was destroyed after recording", ErrResourceState, st.label)
		}
		if st.inflight != nil {
			return fmt.Errorf("%w: %q is already referenced by in-flight submission %d",
				ErrResourceState, st.label, st.inflight.id)
		}
	}
	for _, p := range cb.pipelines {
		if p.released {
			return fmt.Errorf("%w: pipeline %q was released after recording", ErrResourceState, p.EntryPoint)
		}
	}
	for _, s := range cb.sets {
		if s.released {
			return fmt.Errorf("%w: descriptor set for group %d was released after recording",
				ErrResourceState, s.Group())
		}
	}
	return nil
}

// markInflight marks everything cb references as used by sig.
// Resources are held by one submission at a time; pipelines and descriptor
// sets may be shared, so they count their submissions.
// The caller must hold c.mu.
func (c *Context) markInflight(cb *CommandBuffer, sig *Signal) {
	cb.pending = sig
	for _, res := range cb.resources {
		res.state().inflight = sig
	}
	for _, p := range cb.pipelines {
		p.inflight++
	}
	for _, s := range cb.sets {
		s.inflight++
	}
}

// clearInflight undoes markInflight. The caller must hold c.mu.
func (c *Context) clearInflight(cb *CommandBuffer) {
	sig := cb.pending
	cb.pending = nil
	for _, res := range cb.resources {
		if st := res.state(); st.inflight == sig {
			st.inflight = nil
		}
	}
	for _, p := range cb.pipelines {
		if p.inflight > 0 {
			p.inflight--
		}
	}
	for _, s := range cb.sets {
		if s.inflight > 0 {
			s.inflight--
		}
	}
}

// Wait blocks until sig is signaled or timeout elapses. A timeout of zero
// or less waits without bound.
//
// On timeout the error wraps ErrTimeout and the submission stays in
// flight: nothing it references can be destroyed until a later Wait or
// Poll observes completion.
// A device error wraps ErrDeviceLost and marks the context lost.
func (c *Context) Wait(sig *Signal, timeout time.Duration) error {
	if err := c.checkSignal(sig); err != nil || sig.State() != SignalPending {
		return err
	}

	if timeout <= 0 {
		if err := c.device.WaitIdle(); err != nil {
			c.markLost(err)
			c.finish(sig, err)
			slogger().Warn("gpu: device lost", "submission", sig.id, "error", err)
			return fmt.Errorf("%w: submission %d: %w", ErrDeviceLost, sig.id, err)
		}
	} else if !c.pollUntil(sig.index, timeout) {
		return fmt.Errorf("%w: submission %d after %v", ErrTimeout, sig.id, timeout)
	}

	c.finish(sig, nil)
	slogger().Info("gpu: submission complete",
		"submission", sig.id, "elapsed", time.Since(sig.submitted))
	return nil
}

// Poll reports whether sig has completed without blocking.
func (c *Context) Poll(sig *Signal) (bool, error) {
	if err := c.checkSignal(sig); err != nil {
		return false, err
	}
	if sig.State() != SignalPending {
		return true, nil
	}
	if !c.completed(sig.index) {
		return false, nil
	}
	c.finish(sig, nil)
	return true, nil
}

// checkSignal validates sig for Wait and Poll. A failed signal reports its
// device error.
func (c *Context) checkSignal(sig *Signal) error {
	if sig == nil {
		return fmt.Errorf("%w: nil signal", ErrResourceState)
	}
	if sig.ctx != c {
		return fmt.Errorf("%w: signal belongs to another context", ErrResourceState)
	}
	if sig.State() == SignalFailed {
		return fmt.Errorf("%w: submission %d: %w", ErrDeviceLost, sig.id, sig.err)
	}
	if sig.State() == SignalSignaled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	return nil
}

// completed reports whether the queue finished submission index.
func (c *Context) completed(index uint64) bool {
	return c.queue.PollCompleted() >= index
}

// pollUntil polls the queue until index completes or timeout elapses,
// spinning first, then yielding, then sleeping.
func (c *Context) pollUntil(index uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for spins := 0; ; spins++ {
		if c.completed(index) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		switch {
		case spins < 100:
		case spins < 200:
			runtime.Gosched()
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// finish moves sig out of the pending state, frees a one-time command
// buffer, clears the in-flight marks and runs the command buffer's cleanup.
func (c *Context) finish(sig *Signal, deviceErr error) {
	next := SignalSignaled
	if deviceErr != nil {
		sig.err = deviceErr
		next = SignalFailed
	}
	if !sig.state.CompareAndSwap(int32(SignalPending), int32(next)) {
		return
	}

	c.mu.Lock()
	delete(c.inflight, sig.id)
	if sig.cb.pending == sig {
		c.clearInflight(sig.cb)
	}
	oneTime := sig.cb.usage == OneTimeSubmit
	if oneTime {
		sig.cb.freed = true
	}
	cleanup := sig.cb.cleanup
	sig.cb.cleanup = nil
	c.mu.Unlock()

	if oneTime {
		c.Commands.free(sig.cb)
	}
	if cleanup != nil {
		cleanup()
	}
}

// InFlight returns the number of submissions whose completion has not
// been observed.
func (c *Context) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// SubmitAndWait submits cb and waits for it. It is the synchronous path
// used by one-shot workloads.
func (c *Context) SubmitAndWait(cb *CommandBuffer, timeout time.Duration) (*Signal, error) {
	sig, err := c.Submit(cb)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(sig, timeout); err != nil {
		return sig, err
	}
	return sig, nil
}
