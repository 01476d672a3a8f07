package clamp

import "tinygo.org/x/go-llvm"

// proveSafety populates the safe-exceptions set: pointer values that can be
// shown, without a runtime check, to stay inside a legal allocation. Two
// sources exist: statically in-bounds constant projections of named
// internal globals, and (in permissive mode) the argv chains of preserved
// entry functions.
func (p *Pass) proveSafety() error {
	for _, load := range p.loads {
		p.proveProjection(load.Operand(0))
	}
	for _, store := range p.stores {
		p.proveProjection(store.Operand(1))
	}

	if !p.cfg.AllowUnsafeExceptions {
		return nil
	}
	for _, oldFn := range p.funcOrder {
		if !p.isEntryFunction(oldFn) {
			continue
		}
		rf := p.replacedFunctions[oldFn]
		// The preserved entry point takes its exported name back.
		name := oldFn.Name()
		oldFn.SetName(name + ".old")
		rf.fn.SetName(name)

		for _, arg := range rf.fn.Params() {
			if arg.Name() == "argv" {
				p.resolveArgvUses(arg)
			}
		}
	}
	return nil
}

// proveProjection marks op safe when it is a chain of constant-indexed,
// statically in-bounds projections rooted at a named internal global. Such
// an address can never leave its allocation, so no runtime check is
// required.
func (p *Pass) proveProjection(op llvm.Value) {
	if _, ok := p.safeExceptions[op]; ok {
		return
	}
	base, ok := inBoundsProjectionBase(op)
	if !ok {
		return
	}
	g := base.IsAGlobalVariable()
	if g.IsNil() || g.Name() == "" || g.Linkage() != llvm.InternalLinkage {
		return
	}
	p.safeExceptions[op] = struct{}{}
}

// isConsolidatedSlot reports whether v is a constant field projection of an
// internal global, the shape every consolidated alloca takes.
func isConsolidatedSlot(v llvm.Value) bool {
	base, _, ok := constantProjection(v)
	if !ok {
		return false
	}
	g := base.IsAGlobalVariable()
	return !g.IsNil() && g.Linkage() == llvm.InternalLinkage
}

// inBoundsProjectionBase peels constant GEP levels off op, verifying each
// against its own pointee type, and returns the rooting global.
func inBoundsProjectionBase(op llvm.Value) (llvm.Value, bool) {
	base, indices, ok := constantProjection(op)
	if !ok {
		return llvm.Value{}, false
	}
	if !indicesInBounds(base.Type().ElementType(), indices) {
		return llvm.Value{}, false
	}
	if !base.IsAGlobalVariable().IsNil() {
		return base, true
	}
	return inBoundsProjectionBase(base)
}

// constantProjection decomposes op as a GEP with all-constant indices,
// either a constant expression or an instruction.
func constantProjection(op llvm.Value) (base llvm.Value, indices []int64, ok bool) {
	isGEP := !op.IsAGetElementPtrInst().IsNil() ||
		(!op.IsAConstantExpr().IsNil() && op.Opcode() == llvm.GetElementPtr)
	if !isGEP {
		return llvm.Value{}, nil, false
	}
	for i := 1; i < op.OperandsCount(); i++ {
		idx := op.Operand(i).IsAConstantInt()
		if idx.IsNil() {
			return llvm.Value{}, nil, false
		}
		indices = append(indices, idx.SExtValue())
	}
	return op.Operand(0), indices, true
}

// indicesInBounds checks a constant index chain against the pointee type.
// The leading index must be zero; each further index must select an
// existing aggregate element.
func indicesInBounds(pointee llvm.Type, indices []int64) bool {
	if len(indices) == 0 || indices[0] != 0 {
		return false
	}
	t := pointee
	for _, idx := range indices[1:] {
		switch t.TypeKind() {
		case llvm.StructTypeKind:
			if idx < 0 || idx >= int64(t.StructElementTypesCount()) {
				return false
			}
			t = t.StructElementTypes()[idx]
		case llvm.ArrayTypeKind:
			if idx < 0 || idx >= int64(t.ArrayLength()) {
				return false
			}
			t = t.ElementType()
		case llvm.VectorTypeKind:
			if idx < 0 || idx >= int64(t.VectorSize()) {
				return false
			}
			t = t.ElementType()
		default:
			return false
		}
	}
	return true
}

// resolveArgvUses paints the use chain of an entry function's argv
// argument as safe. Address arithmetic and loads stay safe; a store to the
// frontend's argv spill slot transfers safety to the slot. This never runs
// for kernel code, only for a preserved main in permissive mode.
func (p *Pass) resolveArgvUses(val llvm.Value) {
	for use := val.FirstUse(); !use.IsNil(); use = use.NextUse() {
		user := use.User()
		switch {
		case !user.IsAGetElementPtrInst().IsNil(), !user.IsALoadInst().IsNil():
			if _, ok := p.safeExceptions[user]; ok {
				continue
			}
			p.safeExceptions[user] = struct{}{}
			p.resolveArgvUses(user)
		case !user.IsAStoreInst().IsNil():
			if user.Operand(0) != val {
				continue
			}
			dest := user.Operand(1)
			if _, ok := p.safeExceptions[dest]; ok {
				continue
			}
			// The frontend's argv spill slot, recognized either by its
			// pre-consolidation name or as a projection of the private
			// aggregate it was merged into.
			if dest.Name() != "argv.addr" && !isConsolidatedSlot(dest) {
				continue
			}
			p.safeExceptions[dest] = struct{}{}
			p.resolveArgvUses(dest)
		}
	}
}
