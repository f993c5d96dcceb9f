package oneshot

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/oneshot/gpu"
	"github.com/gogpu/oneshot/imagesink"
	"github.com/gogpu/oneshot/shader"
)

// Runner executes workloads on one device context. The context is opened
// on the first Run and reused until Close.
//
// A Runner is safe to share, but runs are serialized.
type Runner struct {
	opts    options
	shaders *shader.Cache

	mu           sync.Mutex
	instance     hal.Instance
	ownsInstance bool
	ctx          *gpu.Context
	closed       bool
}

// NewRunner creates a runner. No device is opened until the first Run.
func NewRunner(opts ...Option) *Runner {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{opts: o, shaders: shader.NewCache(0, shader.Options{})}
}

// ShaderStats reports how often Run reused a compiled shader.
func (r *Runner) ShaderStats() shader.CacheStats { return r.shaders.Stats() }

// Context returns the device context, opening it if needed.
func (r *Runner) Context() (*gpu.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextLocked()
}

func (r *Runner) contextLocked() (*gpu.Context, error) {
	if r.closed {
		return nil, ErrRunnerClosed
	}
	if r.ctx != nil {
		return r.ctx, nil
	}

	if r.opts.provider != nil {
		ctx, err := gpu.NewContextFromProvider(r.opts.provider)
		if err != nil {
			return nil, err
		}
		r.ctx = ctx
		return ctx, nil
	}

	instance := r.opts.instance
	if instance == nil {
		var err error
		instance, err = gpu.OpenInstance()
		if err != nil {
			return nil, err
		}
		r.ownsInstance = true
	}
	r.instance = instance

	pd, family, err := gpu.SelectDevice(instance, r.opts.requirements)
	if err == nil {
		r.ctx, err = gpu.CreateContext(pd, family)
	}
	if err != nil {
		r.releaseInstance()
		return nil, err
	}
	return r.ctx, nil
}

func (r *Runner) releaseInstance() {
	if r.ownsInstance && r.instance != nil {
		r.instance.Destroy()
	}
	r.instance = nil
	r.ownsInstance = false
}

// Close releases the device context and, if the runner opened it, the
// instance. Close is idempotent.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.ctx != nil {
		r.ctx.Close()
		r.ctx = nil
	}
	r.releaseInstance()
}

// Run executes w: select, allocate, build, record, submit, wait and read
// back. A failure is returned as a *StageError naming the step.
func (r *Runner) Run(w Workload) (*Result, error) {
	if err := w.Validate(); err != nil {
		return nil, &StageError{Stage: StageValidate, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	ctx, err := r.contextLocked()
	if err != nil {
		return nil, &StageError{Stage: StageSelect, Err: err}
	}

	timeout := r.timeoutFor(w)

	res := &Result{Workload: w.Name, Adapter: ctx.Physical.Name}
	if w.HasCompute() {
		if err := r.runMultiply(ctx, w, timeout, res); err != nil {
			return nil, err
		}
	}
	if w.HasImage() {
		if err := r.runClear(ctx, w, timeout, res); err != nil {
			return nil, err
		}
	}
	res.Duration = time.Since(start)

	slogger().Info("oneshot: run complete",
		"workload", w.Name, "adapter", res.Adapter, "duration", res.Duration)
	return res, nil
}

// timeoutFor resolves the wait bound of w. Zero or less waits without
// bound.
func (r *Runner) timeoutFor(w Workload) time.Duration {
	if w.Timeout == 0 {
		return r.opts.timeout
	}
	return w.Timeout
}

// submitAndRead submits cb, waits for it and reads res back.
func submitAndRead(ctx *gpu.Context, cb *gpu.CommandBuffer, res gpu.Resource, timeout time.Duration) (gpu.View, error) {
	sig, err := ctx.Submit(cb)
	if err != nil {
		return gpu.View{}, &StageError{Stage: StageSubmit, Err: err}
	}
	if err := ctx.Wait(sig, timeout); err != nil {
		return gpu.View{}, &StageError{Stage: StageWait, Err: err}
	}
	view, err := ctx.Read(res, sig)
	if err != nil {
		return gpu.View{}, &StageError{Stage: StageReadback, Err: err}
	}
	return view, nil
}

// destroy releases a resource at the end of a run. A resource still in
// flight after a timeout stays alive until the context closes.
func destroy(res gpu.Resource) {
	if err := res.Destroy(); err != nil {
		slogger().Warn("oneshot: resource release failed", "label", res.Label(), "error", err)
	}
}

func (r *Runner) runMultiply(ctx *gpu.Context, w Workload, timeout time.Duration, out *Result) error {
	buf, err := gpu.CreateBuffer(ctx, gpu.BufferDesc{
		Label:      "data",
		Size:       4 * uint64(w.Elements),
		Usage:      gpu.UsageStorage | gpu.UsageTransferSrc,
		Visibility: gpu.HostSequentialWrite,
		Contents:   w.input(),
	})
	if err != nil {
		return &StageError{Stage: StageAllocate, Err: err}
	}
	defer destroy(buf)

	mod, err := r.shaders.Compile(w.Shader(), shader.StageCompute, "main")
	if err != nil {
		return &StageError{Stage: StageCompile, Err: err}
	}
	pipeline, err := gpu.BuildComputePipeline(ctx, mod, "main")
	if err != nil {
		return &StageError{Stage: StageBuild, Err: err}
	}
	defer func() {
		if err := pipeline.Release(); err != nil {
			slogger().Warn("oneshot: pipeline release failed", "error", err)
		}
	}()

	set, err := gpu.Bind(ctx, pipeline.Layout, 0, []gpu.Binding{{Index: 0, Resource: buf}})
	if err != nil {
		return &StageError{Stage: StageBind, Err: err}
	}
	defer func() {
		if err := set.Release(); err != nil {
			slogger().Warn("oneshot: descriptor set release failed", "error", err)
		}
	}()

	cb, err := recordDispatch(ctx, pipeline, set, pipeline.WorkgroupsFor(w.Elements))
	if err != nil {
		return &StageError{Stage: StageRecord, Err: err}
	}

	view, err := submitAndRead(ctx, cb, buf, timeout)
	if err != nil {
		return err
	}
	out.Elements = view.Uint32s()
	slogger().Debug("oneshot: multiply done", "elements", len(out.Elements), "multiplier", w.Multiplier)
	return nil
}

func recordDispatch(ctx *gpu.Context, p *gpu.Pipeline, set *gpu.DescriptorSet, groups uint32) (*gpu.CommandBuffer, error) {
	rec, err := gpu.NewRecorder(ctx, gpu.OneTimeSubmit)
	if err != nil {
		return nil, err
	}
	if err := rec.BindPipeline(p); err != nil {
		return nil, err
	}
	if err := rec.BindDescriptorSet(set, 0); err != nil {
		return nil, err
	}
	if err := rec.Dispatch(groups, 1, 1); err != nil {
		return nil, err
	}
	return rec.Finalize()
}

func (r *Runner) runClear(ctx *gpu.Context, w Workload, timeout time.Duration, out *Result) error {
	img, err := gpu.CreateImage(ctx, gpu.ImageDesc{
		Label:  "target",
		Extent: w.ImageExtent,
		Format: w.ImageFormat,
		Usage:  gpu.UsageTransferDst | gpu.UsageTransferSrc,
	})
	if err != nil {
		return &StageError{Stage: StageAllocate, Err: err}
	}
	defer destroy(img)

	_, size := gpu.ImageCopyLayout(img)
	dst, err := gpu.CreateBuffer(ctx, gpu.BufferDesc{
		Label:      "readback",
		Size:       size,
		Usage:      gpu.UsageTransferDst,
		Visibility: gpu.HostRandomAccess,
	})
	if err != nil {
		return &StageError{Stage: StageAllocate, Err: err}
	}
	defer destroy(dst)

	cb, err := recordClear(ctx, img, dst, w.ClearValue)
	if err != nil {
		return &StageError{Stage: StageRecord, Err: err}
	}

	view, err := submitAndRead(ctx, cb, dst, timeout)
	if err != nil {
		return err
	}
	pixels, err := gpu.UnpadRows(view.Bytes(), img.Extent(), img.Format())
	if err != nil {
		return &StageError{Stage: StageReadback, Err: err}
	}
	out.Pixels = pixels
	out.Extent = img.Extent()
	out.Format = img.Format()

	if r.opts.sink != nil {
		e := img.Extent()
		if err := r.opts.sink.Write(int(e.Width), int(e.Height), sinkFormat(img.Format()), pixels); err != nil {
			return &StageError{Stage: StageOutput, Err: err}
		}
	}
	slogger().Debug("oneshot: clear done", "extent", out.Extent.String(), "format", out.Format.String())
	return nil
}

func recordClear(ctx *gpu.Context, img *gpu.Image, dst *gpu.Buffer, value gpu.ClearValue) (*gpu.CommandBuffer, error) {
	rec, err := gpu.NewRecorder(ctx, gpu.OneTimeSubmit)
	if err != nil {
		return nil, err
	}
	if err := rec.ClearImage(img, value); err != nil {
		return nil, err
	}
	if err := rec.CopyImageToBuffer(img, dst); err != nil {
		return nil, err
	}
	return rec.Finalize()
}

func sinkFormat(f gpu.Format) imagesink.PixelFormat {
	if f == gpu.FormatBGRA8Unorm {
		return imagesink.BGRA8
	}
	return imagesink.RGBA8
}

// String describes the runner's device, for diagnostics.
func (r *Runner) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return "oneshot.Runner(no device)"
	}
	return fmt.Sprintf("oneshot.Runner(%s)", r.ctx.Physical)
}
