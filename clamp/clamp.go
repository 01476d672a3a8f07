// Package clamp rewrites a fully linked OpenCL-style LLVM module so that
// every pointer dereference is dynamically confined to an allocation the
// kernel is permitted to touch. Static allocations are fused per address
// space, pointer-taking signatures are lowered to a fat-pointer calling
// convention, kernel entry wrappers accept (pointer, count) pairs from the
// host, and unresolved memory operations are guarded with compare-and-branch
// checks that skip the access and substitute zero on failure.
package clamp

import (
	"fmt"
	"os"

	"tinygo.org/x/go-llvm"
)

// Config controls the single run of the pass over one module.
type Config struct {
	// AllowUnsafeExceptions enables permissive mode: external calls warn
	// instead of aborting, entry functions keep their signatures and their
	// argv chains are exempted from checks.
	AllowUnsafeExceptions bool
	// AddressSpaces is the target numbering table. Zero value means SPIR.
	AddressSpaces AddressSpaces
	// Kernels lists kernel entry functions by name, merged with the
	// opencl.kernels module metadata.
	Kernels []string
	// EntryFunctions are top-level entry points whose signatures are
	// preserved in permissive mode. Empty means ["main"].
	EntryFunctions []string
}

type phase int

const (
	phaseParsed phase = iota
	phaseConsolidated
	phaseSignaturesRewritten
	phaseBodiesMoved
	phaseKernelsWrapped
	phaseBoundsAnalyzed
	phaseSafetyProven
	phaseChecksInjected
	phaseCallsRewritten
	phaseBuiltinsRetargeted
	phaseDone
)

// rewrittenFunc describes the fat-pointer twin of an original function.
type rewrittenFunc struct {
	fn  llvm.Value
	typ llvm.Type
	// ctxParam is true when the twin carries the leading i32
	// program-allocations parameter. Builtin safe twins do not, so their
	// ABI matches the linked safe-builtin library.
	ctxParam bool
	// foldedTriples is true for manually written safe builtins whose
	// three sequential pointer parameters were folded into one fat
	// pointer each.
	foldedTriples bool
}

// Pass holds every piece of state threaded between the phases. It is
// created per module and discarded when Run returns; nothing is global.
type Pass struct {
	cfg     Config
	ctx     llvm.Context
	mod     llvm.Module
	builder llvm.Builder
	phase   phase

	// Signature mapping, frozen before bodies move.
	replacedFunctions map[llvm.Value]*rewrittenFunc
	replacedArguments map[llvm.Value]llvm.Value
	funcOrder         []llvm.Value // original functions in module order

	// Instruction triage, collected before any new code is emitted so
	// that pass-introduced loads and stores are never themselves checked.
	internalCalls []llvm.Value
	externalCalls []llvm.Value
	loads         []llvm.Value
	stores        []llvm.Value

	// Bounds state.
	spaceLimits map[uint][]*AreaLimit
	valueLimits map[llvm.Value]*AreaLimit

	safeExceptions map[llvm.Value]struct{}
	safeBuiltins   map[llvm.Value]*rewrittenFunc

	checkID int
}

// Run executes the whole pipeline on mod. The module is mutated in place;
// on a non-nil error its state is undefined and the caller should discard
// it.
func Run(mod llvm.Module, cfg Config) error {
	p := newPass(mod, cfg)
	defer p.builder.Dispose()
	return p.run()
}

func newPass(mod llvm.Module, cfg Config) *Pass {
	if len(cfg.EntryFunctions) == 0 {
		cfg.EntryFunctions = []string{"main"}
	}
	if cfg.AddressSpaces == (AddressSpaces{}) {
		cfg.AddressSpaces = SPIRAddressSpaces
	}
	return &Pass{
		cfg:               cfg,
		ctx:               mod.Context(),
		mod:               mod,
		builder:           mod.Context().NewBuilder(),
		phase:             phaseParsed,
		replacedFunctions: make(map[llvm.Value]*rewrittenFunc),
		replacedArguments: make(map[llvm.Value]llvm.Value),
		spaceLimits:       make(map[uint][]*AreaLimit),
		valueLimits:       make(map[llvm.Value]*AreaLimit),
		safeExceptions:    make(map[llvm.Value]struct{}),
		safeBuiltins:      make(map[llvm.Value]*rewrittenFunc),
	}
}

func (p *Pass) run() error {
	steps := []struct {
		next phase
		fn   func() error
	}{
		{phaseConsolidated, p.consolidateStaticMemory},
		{phaseSignaturesRewritten, p.rewriteSignatures},
		{phaseBodiesMoved, p.moveBodies},
		{phaseKernelsWrapped, p.buildKernelWrappers},
		{phaseBoundsAnalyzed, p.analyzeBounds},
		{phaseSafetyProven, p.proveSafety},
		{phaseChecksInjected, p.injectChecks},
		{phaseCallsRewritten, p.rewriteCalls},
		{phaseBuiltinsRetargeted, p.retargetBuiltins},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return err
		}
		if err := p.advance(s.next); err != nil {
			return err
		}
	}
	p.eraseReplacedOriginals()
	return p.advance(phaseDone)
}

// advance moves the phase machine one step. Transitions are unidirectional
// and no phase may run twice.
func (p *Pass) advance(to phase) error {
	if to != p.phase+1 {
		return fmt.Errorf("phase %d cannot follow phase %d", to, p.phase)
	}
	p.phase = to
	return nil
}

// isIntrinsic reports whether fn is an LLVM intrinsic declaration.
func isIntrinsic(fn llvm.Value) bool {
	name := fn.Name()
	return len(name) > 5 && name[:5] == "llvm."
}

// isEntryFunction reports whether fn is one of the configured top-level
// entry points (only honored in permissive mode).
func (p *Pass) isEntryFunction(fn llvm.Value) bool {
	if !p.cfg.AllowUnsafeExceptions {
		return false
	}
	name := fn.Name()
	for _, e := range p.cfg.EntryFunctions {
		if name == e {
			return true
		}
	}
	return false
}

// triageFunction walks fn once and buckets the instructions later phases
// care about. Unsupported instructions abort here, before fn's own twin
// is created.
func (p *Pass) triageFunction(fn llvm.Value) error {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			switch inst.InstructionOpcode() {
			case llvm.Call:
				callee := inst.CalledValue()
				if callee.IsAFunction().IsNil() {
					return errf(ErrUnsupportedConstruct, "indirect call in %s", fn.Name())
				}
				if isIntrinsic(callee) {
					continue
				}
				if callee.IsDeclaration() {
					p.externalCalls = append(p.externalCalls, inst)
				} else {
					p.internalCalls = append(p.internalCalls, inst)
				}
			case llvm.Store:
				// Argument spills are the frontend's own stores of
				// incoming parameters; they never go out of bounds.
				if !inst.Operand(0).IsAArgument().IsNil() {
					continue
				}
				p.stores = append(p.stores, inst)
			case llvm.Load:
				p.loads = append(p.loads, inst)
			case llvm.Fence, llvm.AtomicRMW, llvm.AtomicCmpXchg, llvm.VAArg:
				return errf(ErrUnsupportedConstruct,
					"fence/atomic/va_arg instruction in %s is not supported", fn.Name())
			}
		}
	}
	return nil
}

// warnf prints a permissive-mode diagnostic. The pass itself never logs on
// the success path.
func (p *Pass) warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "WARNING: "+format+"\n", args...)
}

func (p *Pass) constI32(v int64) llvm.Value {
	return llvm.ConstInt(p.ctx.Int32Type(), uint64(v), true)
}

// fatPointerType returns the by-value aggregate {T*, T*, T*} used to carry
// a pointer and its bounds across a call boundary.
func (p *Pass) fatPointerType(ptrType llvm.Type) llvm.Type {
	return p.ctx.StructType([]llvm.Type{ptrType, ptrType, ptrType}, false)
}

// isFatPointerType reports whether t is a three-field struct of one
// pointer type.
func (p *Pass) isFatPointerType(t llvm.Type) bool {
	if t.TypeKind() != llvm.StructTypeKind || t.StructElementTypesCount() != 3 {
		return false
	}
	elems := t.StructElementTypes()
	if elems[0].TypeKind() != llvm.PointerTypeKind {
		return false
	}
	return elems[0] == elems[1] && elems[1] == elems[2]
}

// createEntryBlockAlloca inserts an alloca at the top of the entry block
// of the function containing the builder's insert point, then moves the
// builder to the end of the block it was in.
func (p *Pass) createEntryBlockAlloca(ty llvm.Type, name string) llvm.Value {
	current := p.builder.GetInsertBlock()
	fn := current.Parent()
	entry := fn.EntryBasicBlock()
	first := entry.FirstInstruction()

	if first.IsNil() {
		p.builder.SetInsertPointAtEnd(entry)
	} else {
		p.builder.SetInsertPointBefore(first)
	}
	alloca := p.builder.CreateAlloca(ty, name)
	p.builder.SetInsertPointAtEnd(current)
	return alloca
}

// eraseReplacedOriginals drops the body-less original functions once no
// call refers to them anymore.
func (p *Pass) eraseReplacedOriginals() {
	for _, fn := range p.funcOrder {
		if _, ok := p.replacedFunctions[fn]; !ok {
			continue
		}
		if fn.FirstUse().IsNil() {
			fn.EraseFromParentAsFunction()
		}
	}
}
