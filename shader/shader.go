// Package shader compiles WGSL compute shaders to SPIR-V with naga and
// reflects the entry points and resource bindings the pipeline builder needs.
package shader

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
)

// ErrShaderCompilation is returned when a shader fails to compile.
var ErrShaderCompilation = errors.New("shader: compilation failed")

// Stage is a shader stage kind.
type Stage uint8

const (
	StageCompute Stage = iota
	StageVertex
	StageFragment
)

func (s Stage) String() string {
	switch s {
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return fmt.Sprintf("Stage(%d)", s)
	}
}

func (s Stage) ir() ir.ShaderStage {
	switch s {
	case StageVertex:
		return ir.StageVertex
	case StageFragment:
		return ir.StageFragment
	default:
		return ir.StageCompute
	}
}

func stageFromIR(s ir.ShaderStage) Stage {
	switch s {
	case ir.StageVertex:
		return StageVertex
	case ir.StageFragment:
		return StageFragment
	default:
		return StageCompute
	}
}

// Phase names the compiler step that failed.
type Phase string

const (
	PhaseParse    Phase = "parse"
	PhaseLower    Phase = "lower"
	PhaseValidate Phase = "validate"
	PhaseStage    Phase = "stage"
	PhaseGenerate Phase = "generate"
)

// CompilationError carries the diagnostic text of a failed compilation.
type CompilationError struct {
	Phase      Phase
	Diagnostic string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("shader: %s: %s", e.Phase, e.Diagnostic)
}

// Unwrap returns ErrShaderCompilation and the underlying cause.
func (e *CompilationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrShaderCompilation}
	}
	return []error{ErrShaderCompilation, e.Err}
}

func compileErr(phase Phase, err error) *CompilationError {
	return &CompilationError{Phase: phase, Diagnostic: err.Error(), Err: err}
}

// EntryPoint is a reflected shader entry point.
type EntryPoint struct {
	Name      string
	Stage     Stage
	Workgroup [3]uint32 // compute only
}

// BindingClass is the kind of resource a global variable binds.
type BindingClass uint8

const (
	// ClassUniform is a var<uniform> buffer.
	ClassUniform BindingClass = iota

	// ClassStorage is a var<storage> buffer.
	ClassStorage

	// ClassHandle is a texture or sampler.
	ClassHandle

	// ClassOther is any other address space.
	ClassOther
)

func (c BindingClass) String() string {
	switch c {
	case ClassUniform:
		return "uniform"
	case ClassStorage:
		return "storage"
	case ClassHandle:
		return "handle"
	default:
		return "other"
	}
}

// Binding is a reflected @group/@binding declaration.
type Binding struct {
	Name    string
	Group   uint32
	Binding uint32
	Class   BindingClass
}

// Module is a compiled shader: the SPIR-V words plus the naga IR they were
// generated from.
type Module struct {
	Source     string
	Stage      Stage
	EntryPoint string
	SPIRV      []uint32
	IR         *ir.Module
}

// Options configures Compile.
type Options struct {
	// SPIRVVersion is the target SPIR-V version. Zero means 1.3.
	SPIRVVersion spirv.Version

	// Debug emits OpName and OpLine instructions.
	Debug bool
}

// Compile compiles WGSL source with default options.
// The module must declare at least one entry point of the given stage.
// entryPoint is recorded as the default entry point; it is not required
// to exist, so that the pipeline builder can report a missing entry point.
func Compile(source string, stage Stage, entryPoint string) (*Module, error) {
	return CompileWithOptions(source, stage, entryPoint, Options{})
}

// CompileWithOptions runs parse, lower, validate and SPIR-V generation.
func CompileWithOptions(source string, stage Stage, entryPoint string, opts Options) (*Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, compileErr(PhaseParse, err)
	}

	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, compileErr(PhaseLower, err)
	}

	validationErrors, err := naga.Validate(module)
	if err != nil {
		return nil, compileErr(PhaseValidate, err)
	}
	if len(validationErrors) > 0 {
		return nil, compileErr(PhaseValidate, &validationErrors[0])
	}

	found := false
	for _, ep := range module.EntryPoints {
		if ep.Stage == stage.ir() {
			found = true
			break
		}
	}
	if !found {
		return nil, &CompilationError{
			Phase:      PhaseStage,
			Diagnostic: fmt.Sprintf("no %s entry point declared", stage),
		}
	}

	version := opts.SPIRVVersion
	if version == (spirv.Version{}) {
		version = spirv.Version1_3
	}
	spirvBytes, err := naga.GenerateSPIRV(module, spirv.Options{
		Version: version,
		Debug:   opts.Debug,
	})
	if err != nil {
		return nil, compileErr(PhaseGenerate, err)
	}

	return &Module{
		Source:     source,
		Stage:      stage,
		EntryPoint: entryPoint,
		SPIRV:      toWords(spirvBytes),
		IR:         module,
	}, nil
}

// toWords converts little-endian SPIR-V bytes to 32-bit words.
func toWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}

// EntryPoints lists the entry points declared by the module.
func (m *Module) EntryPoints() []EntryPoint {
	if m.IR == nil {
		return nil
	}
	eps := make([]EntryPoint, 0, len(m.IR.EntryPoints))
	for _, ep := range m.IR.EntryPoints {
		eps = append(eps, EntryPoint{
			Name:      ep.Name,
			Stage:     stageFromIR(ep.Stage),
			Workgroup: ep.Workgroup,
		})
	}
	return eps
}

// FindEntryPoint returns the entry point with the given name.
func (m *Module) FindEntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints() {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// Bindings lists the module's resource bindings ordered by group, then
// binding index.
func (m *Module) Bindings() []Binding {
	if m.IR == nil {
		return nil
	}
	var out []Binding
	for _, gv := range m.IR.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		out = append(out, Binding{
			Name:    gv.Name,
			Group:   gv.Binding.Group,
			Binding: gv.Binding.Binding,
			Class:   classOf(gv.Space),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Binding < out[j].Binding
	})
	return out
}

func classOf(space ir.AddressSpace) BindingClass {
	switch space {
	case ir.SpaceUniform:
		return ClassUniform
	case ir.SpaceStorage:
		return ClassStorage
	case ir.SpaceHandle:
		return ClassHandle
	default:
		return ClassOther
	}
}
