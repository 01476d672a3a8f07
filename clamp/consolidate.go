package clamp

import (
	"fmt"
	"sort"
	"strings"

	"tinygo.org/x/go-llvm"
)

// staticAllocation is one pre-consolidation allocation: either a named
// global or a function-entry alloca.
type staticAllocation struct {
	val  llvm.Value
	elem llvm.Type  // allocated/pointee type
	init llvm.Value // initializer, nil value for allocas
}

// consolidateStaticMemory fuses all named globals and all entry-block
// allocas of one address space into a single internal aggregate global
// named AddressSpace<N>StaticData, then rewrites every use of an original
// allocation into a constant field projection on the aggregate. After this
// phase the bounds of each address space form one closed interval.
func (p *Pass) consolidateStaticMemory() error {
	perSpace := make(map[uint][]staticAllocation)
	var spaces []uint
	add := func(space uint, a staticAllocation) {
		if _, ok := perSpace[space]; !ok {
			spaces = append(spaces, space)
		}
		perSpace[space] = append(perSpace[space], a)
	}

	for g := p.mod.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
		// Only named addresses can be referenced relatively; unnamed
		// globals keep their own storage.
		if g.Name() == "" || g.IsDeclaration() {
			continue
		}
		init := g.Initializer()
		if !init.IsNil() && !isSimpleConstant(init) {
			return errf(ErrUnsupportedConstruct,
				"global %s has a non-simple initializer", g.Name())
		}
		add(g.Type().PointerAddressSpace(), staticAllocation{
			val:  g,
			elem: g.GlobalValueType(),
			init: init,
		})
	}

	for fn := p.mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if fn.IsDeclaration() {
			continue
		}
		entry := fn.EntryBasicBlock()
		for inst := entry.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.IsAAllocaInst().IsNil() {
				continue
			}
			add(inst.Type().PointerAddressSpace(), staticAllocation{
				val:  inst,
				elem: inst.AllocatedType(),
			})
		}
	}

	// Deterministic emission order: address spaces ascending, fields in
	// source discovery order.
	sort.Slice(spaces, func(i, j int) bool { return spaces[i] < spaces[j] })

	for _, space := range spaces {
		allocs := perSpace[space]
		fieldTypes := make([]llvm.Type, len(allocs))
		fieldInits := make([]llvm.Value, len(allocs))
		for i, a := range allocs {
			fieldTypes[i] = a.elem
			if a.init.IsNil() {
				fieldInits[i] = llvm.ConstNull(a.elem)
			} else {
				fieldInits[i] = a.init
			}
		}

		structType := p.ctx.StructType(fieldTypes, false)
		name := fmt.Sprintf("AddressSpace%dStaticData", space)
		agg := llvm.AddGlobalInAddressSpace(p.mod, structType, name, int(space))
		agg.SetInitializer(llvm.ConstNamedStruct(structType, fieldInits))
		agg.SetLinkage(llvm.InternalLinkage)

		zero := p.constI32(0)
		for i, a := range allocs {
			field := llvm.ConstInBoundsGEP(structType, agg,
				[]llvm.Value{zero, p.constI32(int64(i))})
			a.val.ReplaceAllUsesWith(field)
			if !a.val.IsAAllocaInst().IsNil() {
				a.val.EraseFromParentAsInstruction()
			} else {
				a.val.EraseFromParentAsGlobal()
			}
		}
	}

	p.relaxMemIntrinsicAlignment()
	p.findAddressSpaceLimits()
	return nil
}

// isSimpleConstant reports whether c is null, an integer or float literal,
// or an aggregate recursively composed of those. Anything that refers to
// another global (constant expressions, global addresses) cannot be moved
// into a merged initializer.
func isSimpleConstant(c llvm.Value) bool {
	switch {
	case !c.IsAConstantInt().IsNil(),
		!c.IsAConstantFP().IsNil(),
		!c.IsAConstantPointerNull().IsNil(),
		!c.IsAConstantAggregateZero().IsNil(),
		!c.IsAUndefValue().IsNil(),
		!c.IsAConstantDataArray().IsNil(),
		!c.IsAConstantDataVector().IsNil():
		return true
	case !c.IsAConstantArray().IsNil(), !c.IsAConstantStruct().IsNil(), !c.IsAConstantVector().IsNil():
		for i := 0; i < c.OperandsCount(); i++ {
			if !isSimpleConstant(c.Operand(i)) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// relaxMemIntrinsicAlignment forces the alignment operand of old-style
// llvm.memcpy/memmove/memset calls to 1. Consolidation moves allocations
// into struct fields and may lower their effective alignment; the backend
// optimizer is expected to tighten this again.
func (p *Pass) relaxMemIntrinsicAlignment() {
	for fn := p.mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		name := fn.Name()
		if !strings.HasPrefix(name, "llvm.memcpy") &&
			!strings.HasPrefix(name, "llvm.memmove") &&
			!strings.HasPrefix(name, "llvm.memset") {
			continue
		}
		for use := fn.FirstUse(); !use.IsNil(); use = use.NextUse() {
			call := use.User()
			if call.IsACallInst().IsNil() {
				continue
			}
			// Old-style signature: (dst, src/val, len, align i32, volatile).
			if call.OperandsCount() == 6 {
				call.SetOperand(3, llvm.ConstInt(p.ctx.Int32Type(), 1, false))
			}
		}
	}
}

// findAddressSpaceLimits registers one direct AreaLimit per named global,
// keyed by address space. After consolidation this is normally exactly one
// aggregate per space, making the whole space a single closed interval.
func (p *Pass) findAddressSpaceLimits() {
	for g := p.mod.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
		if g.Name() == "" || g.IsDeclaration() {
			continue
		}
		ty := g.GlobalValueType()
		firstValid := llvm.ConstInBoundsGEP(ty, g, []llvm.Value{p.constI32(0)})
		firstInvalid := llvm.ConstGEP(ty, g, []llvm.Value{p.constI32(1)})
		space := g.Type().PointerAddressSpace()
		p.spaceLimits[space] = append(p.spaceLimits[space],
			&AreaLimit{Min: firstValid, Max: firstInvalid})
	}
}
