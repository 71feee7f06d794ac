package rewrite

import (
	"testing"

	"github.com/gogpu/shaderval/instrument"
)

func TestInjectionPassSkipsWhenFeatureBitClear(t *testing.T) {
	called := false
	pass := InjectionPass{
		FeatureBit: 0x1,
		PassName:   "test-pass",
		Inject: func(source string) (string, error) {
			called = true
			return source, nil
		},
	}

	out, err := pass.Apply("fn main() {}", instrument.InstrumentationKey{SuperFeatures: 0x2})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if called {
		t.Fatal("Apply() ran Inject even though FeatureBit was not set in SuperFeatures")
	}
	if out != "fn main() {}" {
		t.Fatalf("Apply() = %q, want source unchanged", out)
	}
}

func TestInjectionPassRunsWhenFeatureBitSet(t *testing.T) {
	called := false
	pass := InjectionPass{
		FeatureBit: 0x1,
		PassName:   "test-pass",
		Inject: func(source string) (string, error) {
			called = true
			return "// injected\n" + source, nil
		},
	}

	out, err := pass.Apply("fn main() {}", instrument.InstrumentationKey{SuperFeatures: 0x3})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !called {
		t.Fatal("Apply() did not run Inject even though FeatureBit was set in SuperFeatures")
	}
	if out != "// injected\nfn main() {}" {
		t.Fatalf("Apply() = %q, want Inject's rewritten source", out)
	}
}

func TestInjectionPassName(t *testing.T) {
	pass := InjectionPass{PassName: "bounds-check"}
	if pass.Name() != "bounds-check" {
		t.Fatalf("Name() = %q, want %q", pass.Name(), "bounds-check")
	}
}
