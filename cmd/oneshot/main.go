// Command oneshot runs a one-shot GPU workload and verifies the result.
//
// Usage:
//
//	oneshot [-workload multiply|clear|all] [-elements N] [-multiplier K]
//	        [-size WxH] [-format rgba|bgra] [-timeout D] [-output FILE] [-v]
//	oneshot -list
//
// Exit status is 0 on success, 1 when a run or verification fails and 2
// for invalid flags.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/oneshot"
	"github.com/gogpu/oneshot/gpu"
	"github.com/gogpu/oneshot/imagesink"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// config is the parsed command line.
type config struct {
	workload   string
	elements   uint
	multiplier uint
	workgroup  uint
	size       string
	format     string
	timeout    time.Duration
	output     string
	verbose    bool
	list       bool
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("oneshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.workload, "workload", "all", "workload to run: multiply, clear or all")
	fs.UintVar(&cfg.elements, "elements", 65536, "number of u32 elements to multiply")
	fs.UintVar(&cfg.multiplier, "multiplier", 12, "multiplier applied to every element")
	fs.UintVar(&cfg.workgroup, "workgroup", 64, "compute workgroup size")
	fs.StringVar(&cfg.size, "size", "1024x1024", "image size, WxH or N for a square")
	fs.StringVar(&cfg.format, "format", "rgba", "image format: rgba or bgra")
	fs.DurationVar(&cfg.timeout, "timeout", oneshot.DefaultTimeout, "wait bound per submission (0 waits forever)")
	fs.StringVar(&cfg.output, "output", "", "write the cleared image to this file (.png, .bmp, .tiff, .jpg)")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose (debug) logging")
	fs.BoolVar(&cfg.list, "list", false, "list adapters and their queue families, then exit")
	err := fs.Parse(args)
	return cfg, err
}

// workload maps the flags onto a Workload.
func (c config) toWorkload() (oneshot.Workload, error) {
	var w oneshot.Workload
	switch c.workload {
	case "multiply":
		w = oneshot.MultiplyWorkload()
	case "clear":
		w = oneshot.ClearWorkload()
	case "all":
		w = oneshot.CombinedWorkload()
	default:
		return w, fmt.Errorf("unknown workload %q", c.workload)
	}

	if w.HasCompute() {
		for _, f := range []struct {
			name  string
			value uint
		}{
			{"elements", c.elements},
			{"multiplier", c.multiplier},
			{"workgroup", c.workgroup},
		} {
			if f.value > math.MaxUint32 {
				return w, fmt.Errorf("-%s %d exceeds %d", f.name, f.value, uint64(math.MaxUint32))
			}
		}
		w.Elements = uint32(c.elements)
		w.Multiplier = uint32(c.multiplier)
		w.WorkgroupSize = uint32(c.workgroup)
	}
	if w.HasImage() {
		extent, err := parseSize(c.size)
		if err != nil {
			return w, err
		}
		w.ImageExtent = extent
		switch c.format {
		case "rgba":
			w.ImageFormat = gpu.FormatRGBA8Unorm
		case "bgra":
			w.ImageFormat = gpu.FormatBGRA8Unorm
		default:
			return w, fmt.Errorf("unknown format %q", c.format)
		}
	}
	switch {
	case c.timeout < 0:
		return w, fmt.Errorf("negative timeout %v", c.timeout)
	case c.timeout == 0:
		w.Timeout = oneshot.NoTimeout
	default:
		w.Timeout = c.timeout
	}
	return w, w.Validate()
}

// parseSize accepts "WxH" or "N".
func parseSize(s string) (gpu.Extent, error) {
	ws, hs, found := strings.Cut(s, "x")
	if !found {
		hs = ws
	}
	w, err := strconv.ParseUint(ws, 10, 32)
	if err != nil {
		return gpu.Extent{}, fmt.Errorf("invalid size %q", s)
	}
	h, err := strconv.ParseUint(hs, 10, 32)
	if err != nil {
		return gpu.Extent{}, fmt.Errorf("invalid size %q", s)
	}
	return gpu.Extent{Width: uint32(w), Height: uint32(h)}, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	oneshot.SetLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	p := message.NewPrinter(language.English)

	if cfg.list {
		return listDevices(p, stdout, stderr)
	}

	w, err := cfg.toWorkload()
	if err != nil {
		fmt.Fprintf(stderr, "oneshot: %v\n", err)
		return exitUsage
	}

	var opts []oneshot.Option
	if cfg.output != "" && w.HasImage() {
		opts = append(opts, oneshot.WithImageSink(imagesink.FileSink{Path: cfg.output}))
	}
	runner := oneshot.NewRunner(opts...)
	defer runner.Close()

	res, err := runner.Run(w)
	if err != nil {
		reportError(stderr, err)
		return exitError
	}

	p.Fprintf(stdout, "adapter: %s\n", res.Adapter)
	if w.HasCompute() {
		if err := res.VerifyMultiply(w.Elements, w.Multiplier); err != nil {
			reportError(stderr, err)
			return exitError
		}
		p.Fprintf(stdout, "multiply: %d elements x %d verified\n", len(res.Elements), w.Multiplier)
	}
	if w.HasImage() {
		if err := res.VerifyClear(w.ClearValue); err != nil {
			reportError(stderr, err)
			return exitError
		}
		p.Fprintf(stdout, "clear: %s %s, %d bytes verified\n", res.Extent, res.Format, len(res.Pixels))
		if cfg.output != "" {
			p.Fprintf(stdout, "image written to %s\n", cfg.output)
		}
	}
	p.Fprintf(stdout, "done in %v\n", res.Duration.Round(time.Microsecond))
	return exitOK
}

// reportError prints one diagnostic line naming the stage and error kind.
func reportError(stderr io.Writer, err error) {
	var se *oneshot.StageError
	if errors.As(err, &se) {
		hint := ""
		if se.Recoverable() {
			hint = " (recoverable)"
		}
		fmt.Fprintf(stderr, "oneshot: %s failed [%s]%s: %v\n", se.Stage, se.Kind(), hint, se.Err)
		return
	}
	fmt.Fprintf(stderr, "oneshot: [%s]: %v\n", oneshot.ErrorKind(err), err)
}

func listDevices(p *message.Printer, stdout, stderr io.Writer) int {
	instance, err := gpu.OpenInstance()
	if err != nil {
		reportError(stderr, err)
		return exitError
	}
	defer instance.Destroy()

	devices := gpu.EnumeratePhysicalDevices(instance)
	if len(devices) == 0 {
		fmt.Fprintln(stderr, "oneshot: no adapters found")
		return exitError
	}
	for i, d := range devices {
		p.Fprintf(stdout, "%d: %s\n", i, d)
		for _, f := range d.Families {
			p.Fprintf(stdout, "   queue family %d: %d queue(s), %s\n", f.Index, f.Count, f.Caps)
		}
	}
	return exitOK
}
