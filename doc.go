// Package oneshot runs one-shot GPU compute and transfer workloads.
//
// # Overview
//
// A run opens a device context, allocates buffers and images, builds a
// compute pipeline from WGSL, records clear, copy and dispatch operations
// into one command buffer, submits it, waits for it to complete and reads the
// results back. The device-level building blocks live in package gpu; this
// package drives them and tags every failure with the stage it happened in.
//
// # Quick Start
//
//	r := oneshot.NewRunner()
//	defer r.Close()
//
//	res, err := r.Run(oneshot.MultiplyWorkload())
//	if err != nil {
//		var se *oneshot.StageError
//		if errors.As(err, &se) {
//			log.Fatalf("%s failed (%s)", se.Stage, se.Kind())
//		}
//	}
//	err = res.VerifyMultiply(65536, 12)
//
// # Workloads
//
// MultiplyWorkload fills 65536 u32 values with 0..65535 and multiplies
// them by 12 in place. ClearWorkload clears a 1024x1024 RGBA image to
// opaque blue and copies it into a host-visible buffer. CombinedWorkload
// does both in one run; the compute and clear parts are independent.
//
// # Devices
//
// By default the runner opens a Vulkan instance and picks the first adapter
// with a compute and transfer capable queue. WithInstance selects from an
// existing HAL instance, and WithDeviceProvider runs on the device of a
// host application through gpucontext.
package oneshot
