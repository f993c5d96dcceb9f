// Package gpu is a one-shot compute and transfer executor on the gogpu/wgpu
// HAL.
//
// A run goes through the components in a fixed order:
//
//	SelectDevice -> CreateContext      device context and allocators
//	CreateBuffer, CreateImage          resources with usage and visibility
//	BuildComputePipeline               pipeline plus inferred binding layout
//	Bind                               descriptor set for one layout group
//	NewRecorder ... Finalize           immutable command buffer
//	Context.Submit, Context.Wait       completion signal
//	Context.Read                       host view of a completed resource
//
// Example:
//
//	instance, err := gpu.OpenInstance()
//	if err != nil { ... }
//	defer instance.Destroy()
//
//	pd, family, err := gpu.SelectDevice(instance, gpu.DefaultRequirements())
//	ctx, err := gpu.CreateContext(pd, family)
//	defer ctx.Close()
//
//	buf, err := gpu.CreateBuffer(ctx, gpu.BufferDesc{
//		Label:      "data",
//		Size:       4 * n,
//		Usage:      gpu.UsageStorage,
//		Visibility: gpu.HostSequentialWrite,
//		Contents:   input,
//	})
//	pipeline, err := gpu.BuildComputePipeline(ctx, module, "main")
//	set, err := gpu.Bind(ctx, pipeline.Layout, 0, []gpu.Binding{{Index: 0, Resource: buf}})
//
//	rec, err := gpu.NewRecorder(ctx, gpu.OneTimeSubmit)
//	rec.BindPipeline(pipeline)
//	rec.BindDescriptorSet(set, 0)
//	rec.Dispatch(pipeline.WorkgroupsFor(n), 1, 1)
//	cb, err := rec.Finalize()
//
//	sig, err := ctx.Submit(cb)
//	err = ctx.Wait(sig, 5*time.Second)
//	view, err := ctx.Read(buf, sig)
//
// A Context is driven from one goroutine. Device execution is asynchronous
// relative to the host; Wait is the only blocking point, and Read refuses
// to run before completion was observed.
package gpu
