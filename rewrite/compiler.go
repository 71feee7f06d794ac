package rewrite

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/glsl"
	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/msl"

	"github.com/gogpu/shaderval/instrument"
)

// Backend selects which naga backend renders the rewritten IR.
type Backend int

// Backend values.
const (
	BackendHLSL Backend = iota
	BackendGLSL
	BackendMSL
)

// Compiler implements instrument.ShaderCompiler: it runs every
// registered Pass over the shader's WGSL source text, then parses and
// emits source for the configured backend, following the same Parse →
// Lower → backend-Compile pipeline every backend target uses, adapted
// here to insert the feature rewrite stage ahead of Parse.
type Compiler struct {
	backend Backend
	passes  []Pass
}

// NewCompiler creates a Compiler targeting backend, running passes (in
// the given order) over every shader it compiles.
func NewCompiler(backend Backend, passes ...Pass) *Compiler {
	return &Compiler{backend: backend, passes: passes}
}

// CompileShader runs every registered pass gated on key's feature
// superset over wgslSource, then parses the (possibly rewritten) source
// and emits output for the configured backend.
func (c *Compiler) CompileShader(wgslSource []byte, key instrument.InstrumentationKey) ([]byte, error) {
	src := string(wgslSource)

	for _, pass := range c.passes {
		rewritten, err := pass.Apply(src, key)
		if err != nil {
			return nil, fmt.Errorf("rewrite: pass %q: %w", pass.Name(), err)
		}
		src = rewritten
	}

	ast, err := naga.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("rewrite: WGSL parse: %w", err)
	}

	module, err := naga.LowerWithSource(ast, src)
	if err != nil {
		return nil, fmt.Errorf("rewrite: WGSL lower: %w", err)
	}

	switch c.backend {
	case BackendGLSL:
		out, _, err := glsl.Compile(module, glsl.Options{
			LangVersion:        glsl.Version430,
			ForceHighPrecision: true,
		})
		if err != nil {
			return nil, fmt.Errorf("rewrite: GLSL compile: %w", err)
		}
		return []byte(out), nil

	case BackendMSL:
		out, _, err := msl.Compile(module, msl.Options{})
		if err != nil {
			return nil, fmt.Errorf("rewrite: MSL compile: %w", err)
		}
		return []byte(out), nil

	default:
		out, _, err := hlsl.Compile(module, hlsl.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("rewrite: HLSL compile: %w", err)
		}
		return []byte(out), nil
	}
}
