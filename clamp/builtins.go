package clamp

import (
	"strings"

	"tinygo.org/x/go-llvm"
)

// safeSuffix is the discriminator custom-mangled into the name of a safe
// builtin twin, between the demangled base name and the stolen Itanium
// parameter suffix.
const safeSuffix = "__safe__"

// unsafeBuiltins are the OpenCL builtins that take raw pointers and must
// be retargeted to fat-pointer twins.
var unsafeBuiltins = map[string]bool{
	"fract": true, "frexp": true, "lgamma_r": true, "modf": true,
	"remquo": true, "sincos": true,
	"vload2": true, "vload3": true, "vload4": true, "vload8": true, "vload16": true,
	"vstore2": true, "vstore3": true, "vstore4": true, "vstore8": true, "vstore16": true,
	"async_work_group_copy":         true,
	"async_work_group_strided_copy": true,
	"wait_group_events":             true,
	"atomic_add": true, "atomic_sub": true, "atomic_xchg": true,
	"atomic_inc": true, "atomic_dec": true, "atomic_cmpxchg": true,
	"atomic_min": true, "atomic_max": true,
	"atomic_and": true, "atomic_or": true, "atomic_xor": true,
}

// forbiddenBuiltins are the half-precision vector load/store variants this
// pass cannot make safe; any remaining call to one aborts.
var forbiddenBuiltins = buildForbiddenSet()

func buildForbiddenSet() map[string]bool {
	set := map[string]bool{
		"vload_half":  true,
		"vstore_half": true,
	}
	widths := []string{"2", "3", "4", "8", "16"}
	modes := []string{"", "_rte", "_rtz", "_rtp", "_rtn"}
	for _, w := range widths {
		set["vload_half"+w] = true
		set["vloada_half"+w] = true
	}
	for _, mode := range modes {
		set["vstore_half"+mode] = true
		for _, w := range widths {
			set["vstore_half"+w+mode] = true
			set["vstorea_half"+w+mode] = true
		}
	}
	return set
}

// retargetBuiltins rewrites calls to unsafe builtins so they hit
// fat-pointer-taking safe twins. A manually written twin already present
// in the module (matched by custom-mangled name) is reused; otherwise an
// empty declaration is synthesized and expected to be satisfied by the
// linked safe-builtin library.
func (p *Pass) retargetBuiltins() error {
	for _, call := range p.externalCalls {
		callee := call.CalledValue()
		name := callee.Name()

		demangled, err := DemangleName(name)
		if err != nil {
			return errf(ErrUnsupportedConstruct, "%v", err)
		}
		if forbiddenBuiltins[demangled] {
			return errf(ErrForbiddenBuiltin,
				"call to forbidden builtin %s (%s)", name, demangled)
		}
		if !unsafeBuiltins[demangled] {
			// Pointer-free builtins stay as they are; anything that is
			// not even a recognized builtin is an unresolved external.
			if strings.HasPrefix(name, "_Z") || !p.hasPointerParam(callee) {
				continue
			}
			if p.cfg.AllowUnsafeExceptions {
				p.warnf("calling external function %s, which cannot be proven safe", name)
				continue
			}
			return errf(ErrUnresolvedExternal,
				"call to external function %s in strict mode", name)
		}

		rf, err := p.safeTwinFor(callee, demangled)
		if err != nil {
			return err
		}
		if err := p.convertCall(call, callee, rf); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pass) hasPointerParam(fn llvm.Value) bool {
	for _, t := range fn.GlobalValueType().ParamTypes() {
		if t.TypeKind() == llvm.PointerTypeKind {
			return true
		}
	}
	return false
}

// safeTwinFor resolves (and caches) the safe twin of an unsafe builtin.
func (p *Pass) safeTwinFor(callee llvm.Value, demangled string) (*rewrittenFunc, error) {
	if rf, ok := p.safeBuiltins[callee]; ok {
		return rf, nil
	}

	safeName, err := CustomMangle(callee.Name(), demangled+safeSuffix)
	if err != nil {
		return nil, errf(ErrUnsupportedConstruct, "%v", err)
	}

	// A module-local definition under the safe name is a manually written
	// replacement; its signature has already been rewritten with its
	// pointer triples folded.
	if local := p.mod.NamedFunction(safeName); !local.IsNil() {
		if rf, ok := p.replacedFunctions[local]; ok {
			p.safeBuiltins[callee] = rf
			return rf, nil
		}
	}

	rf, err := p.createTwin(callee, true)
	if err != nil {
		return nil, err
	}
	rf.fn.SetName(safeName)
	p.safeBuiltins[callee] = rf
	return rf, nil
}
