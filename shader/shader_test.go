package shader

import (
	"errors"
	"testing"
)

const multiplySource = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let idx = id.x;
    if (idx >= arrayLength(&data)) {
        return;
    }
    data[idx] = data[idx] * 12u;
}
`

const paramsSource = `
struct Params {
    factor: u32,
}

@group(0) @binding(1) var<uniform> params: Params;
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(32, 2, 1)
fn scale(@builtin(global_invocation_id) id: vec3<u32>) {
    let idx = id.x;
    if (idx >= arrayLength(&data)) {
        return;
    }
    data[idx] = data[idx] * params.factor;
}
`

func TestCompileMultiply(t *testing.T) {
	m, err := Compile(multiplySource, StageCompute, "main")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m.SPIRV) == 0 {
		t.Fatal("empty SPIR-V")
	}
	if m.SPIRV[0] != 0x07230203 {
		t.Errorf("SPIR-V magic = %#x, want 0x07230203", m.SPIRV[0])
	}
	if m.EntryPoint != "main" || m.Stage != StageCompute {
		t.Errorf("module = %q/%s, want main/compute", m.EntryPoint, m.Stage)
	}

	ep, ok := m.FindEntryPoint("main")
	if !ok {
		t.Fatal("entry point main not found")
	}
	if ep.Stage != StageCompute {
		t.Errorf("stage = %s, want compute", ep.Stage)
	}
	if ep.Workgroup != [3]uint32{64, 1, 1} {
		t.Errorf("workgroup = %v, want [64 1 1]", ep.Workgroup)
	}
	if _, ok := m.FindEntryPoint("missing"); ok {
		t.Error("found entry point that does not exist")
	}

	b := m.Bindings()
	if len(b) != 1 {
		t.Fatalf("bindings = %d, want 1", len(b))
	}
	if b[0].Group != 0 || b[0].Binding != 0 || b[0].Class != ClassStorage || b[0].Name != "data" {
		t.Errorf("binding = %+v, want data@0/0 storage", b[0])
	}
}

func TestBindingsSorted(t *testing.T) {
	m, err := Compile(paramsSource, StageCompute, "scale")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b := m.Bindings()
	if len(b) != 2 {
		t.Fatalf("bindings = %d, want 2", len(b))
	}
	if b[0].Binding != 0 || b[0].Class != ClassStorage {
		t.Errorf("b[0] = %+v, want storage at 0", b[0])
	}
	if b[1].Binding != 1 || b[1].Class != ClassUniform {
		t.Errorf("b[1] = %+v, want uniform at 1", b[1])
	}

	ep, ok := m.FindEntryPoint("scale")
	if !ok {
		t.Fatal("entry point scale not found")
	}
	if ep.Workgroup != [3]uint32{32, 2, 1} {
		t.Errorf("workgroup = %v, want [32 2 1]", ep.Workgroup)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		stage  Stage
		phase  Phase
	}{
		{"syntax", "@compute fn main( {", StageCompute, PhaseParse},
		{"undefined identifier", `
@compute @workgroup_size(1)
fn main() {
    let x = missing + 1u;
}
`, StageCompute, PhaseLower},
		{"no vertex entry", multiplySource, StageVertex, PhaseStage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.source, tt.stage, "main")
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrShaderCompilation) {
				t.Errorf("errors.Is(err, ErrShaderCompilation) = false: %v", err)
			}
			var ce *CompilationError
			if !errors.As(err, &ce) {
				t.Fatalf("error is %T, want *CompilationError", err)
			}
			if tt.phase == PhaseStage && ce.Phase != PhaseStage {
				t.Errorf("phase = %s, want %s", ce.Phase, tt.phase)
			}
			if ce.Diagnostic == "" {
				t.Error("empty diagnostic")
			}
		})
	}
}

func TestStageString(t *testing.T) {
	tests := []struct {
		s    Stage
		want string
	}{
		{StageCompute, "compute"},
		{StageVertex, "vertex"},
		{StageFragment, "fragment"},
		{Stage(9), "Stage(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
