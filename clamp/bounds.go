package clamp

import "tinygo.org/x/go-llvm"

// AreaLimit is one legal memory range a pointer may respect. Min holds the
// first valid address and Max the first invalid one; check sites rewind Max
// by one element of the access type. When Indirect is set, Min and Max are
// the addresses of slots holding the bounds and a load is required before
// use (kernel wrappers record their per-invocation bounds that way).
type AreaLimit struct {
	Min      llvm.Value
	Max      llvm.Value
	Indirect bool
}

// boundedAddress materializes a usable address from base at the builder's
// current position: loads it when indirect, casts it to accessType and
// applies the element offset.
func (p *Pass) boundedAddress(limit *AreaLimit, base llvm.Value, offset int64, accessType llvm.Type) llvm.Value {
	if limit.Indirect {
		slotType := base.Type().ElementType()
		base = p.builder.CreateLoad(slotType, base, "")
	}
	if base.IsConstant() && base.IsAInstruction().IsNil() {
		fixed := llvm.ConstBitCast(base, accessType)
		return llvm.ConstGEP(accessType.ElementType(), fixed,
			[]llvm.Value{p.constI32(offset)})
	}
	fixed := p.builder.CreateBitCast(base, accessType, "")
	return p.builder.CreateGEP(accessType.ElementType(), fixed,
		[]llvm.Value{p.constI32(offset)}, "")
}

// firstValidAddress returns the lowest legal address of limit for a memory
// access of pointer type accessType.
func (p *Pass) firstValidAddress(limit *AreaLimit, accessType llvm.Type) llvm.Value {
	return p.boundedAddress(limit, limit.Min, 0, accessType)
}

// lastValidAddress returns the highest legal address of limit for a memory
// access of pointer type accessType. Max stores the first invalid address,
// so the result is one access element below it.
func (p *Pass) lastValidAddress(limit *AreaLimit, accessType llvm.Type) llvm.Value {
	return p.boundedAddress(limit, limit.Max, -1, accessType)
}

// analyzeBounds populates valueLimits for every pointer that feeds a
// checked operation, combining three sources: fat-pointer arguments
// (extracted at function entry), single-allocation address spaces, and
// dataflow along the use-def graph in both directions.
func (p *Pass) analyzeBounds() error {
	// Source 1: argument-derived bounds, then forward propagation.
	for _, oldFn := range p.funcOrder {
		rf := p.replacedFunctions[oldFn]
		if err := p.bindArgumentBounds(rf); err != nil {
			return err
		}
	}

	// Sources 2 and 4 for each checked operand.
	operands := make([]llvm.Value, 0, len(p.loads)+len(p.stores))
	for _, load := range p.loads {
		operands = append(operands, load.Operand(0))
	}
	for _, store := range p.stores {
		operands = append(operands, store.Operand(1))
	}
	for _, op := range operands {
		if _, ok := p.valueLimits[op]; ok {
			continue
		}
		space := op.Type().PointerAddressSpace()
		if limits := p.spaceLimits[space]; len(limits) == 1 {
			p.valueLimits[op] = limits[0]
			continue
		}
		if limit := p.traceLimit(op, make(map[llvm.Value]struct{})); limit != nil {
			p.valueLimits[op] = limit
		}
	}
	return nil
}

// bindArgumentBounds emits min/max extractions for every fat-pointer
// argument of the twin and seeds the limits of its current-field
// extraction, then resolves derived values.
func (p *Pass) bindArgumentBounds(rf *rewrittenFunc) error {
	if rf.foldedTriples {
		// Safe-builtin replacements receive their bounds explicitly;
		// their parameters need no derived analysis.
		return nil
	}
	fn := rf.fn
	entry := fn.EntryBasicBlock()
	if entry.IsNil() {
		return nil
	}

	for _, arg := range fn.Params() {
		if !p.isFatPointerType(arg.Type()) {
			continue
		}
		// The body mover gave each fat-pointer argument exactly one
		// use: the .Cur extraction at the top of the entry block.
		use := arg.FirstUse()
		if use.IsNil() {
			continue
		}
		cur := use.User()
		if cur.IsAExtractValueInst().IsNil() {
			return errf(ErrUnsupportedConstruct,
				"fat pointer argument %s of %s is used outside an extraction",
				arg.Name(), fn.Name())
		}

		first := entry.FirstInstruction()
		p.builder.SetInsertPointBefore(first)
		min := p.builder.CreateExtractValue(arg, 1, arg.Name()+".min")
		max := p.builder.CreateExtractValue(arg, 2, arg.Name()+".max")

		limit := &AreaLimit{Min: min, Max: max}
		p.valueLimits[cur] = limit
		if err := p.resolveUses(cur, make(map[llvm.Value]struct{})); err != nil {
			return err
		}
	}
	return nil
}

// resolveUses propagates the limits of val forward along uses that cannot
// change them: address arithmetic, loads, same-space pointer casts, and
// stores (which transfer the stored pointer's limits to the destination
// slot). The visited set breaks cycles through phi nodes.
func (p *Pass) resolveUses(val llvm.Value, visited map[llvm.Value]struct{}) error {
	if _, ok := visited[val]; ok {
		return nil
	}
	visited[val] = struct{}{}

	for use := val.FirstUse(); !use.IsNil(); use = use.NextUse() {
		user := use.User()
		switch {
		case !user.IsAGetElementPtrInst().IsNil(), !user.IsALoadInst().IsNil():
			// Same allocation, keep tracking.
		case !user.IsAStoreInst().IsNil():
			if user.Operand(0) != val {
				continue
			}
			// Storing a bounded pointer: the destination slot now
			// yields pointers with these limits.
			dest := user.Operand(1)
			if existing, ok := p.valueLimits[dest]; ok {
				if *existing != *p.valueLimits[val] {
					return errf(ErrAmbiguousBounds,
						"assigning pointers from different ranges to the same variable")
				}
				continue
			}
			p.valueLimits[dest] = p.valueLimits[val]
			if err := p.resolveUses(dest, visited); err != nil {
				return err
			}
			continue
		case !user.IsABitCastInst().IsNil():
			if user.Type().TypeKind() != llvm.PointerTypeKind ||
				user.Type().PointerAddressSpace() != val.Type().PointerAddressSpace() {
				continue
			}
		default:
			continue
		}

		if existing, ok := p.valueLimits[user]; ok {
			if *existing != *p.valueLimits[val] {
				return errf(ErrAmbiguousBounds,
					"assigning pointers from different ranges to the same variable")
			}
			continue
		}
		p.valueLimits[user] = p.valueLimits[val]
		if err := p.resolveUses(user, visited); err != nil {
			return err
		}
	}
	return nil
}

// traceLimit walks backward along the producing chain of val until a value
// with known limits is found, then forwards those limits down the chain.
// Returns nil when no bound ancestor exists.
func (p *Pass) traceLimit(val llvm.Value, visited map[llvm.Value]struct{}) *AreaLimit {
	if limit, ok := p.valueLimits[val]; ok {
		return limit
	}
	if _, ok := visited[val]; ok {
		return nil
	}
	visited[val] = struct{}{}

	var parent llvm.Value
	switch {
	case !val.IsAGetElementPtrInst().IsNil(), !val.IsABitCastInst().IsNil(), !val.IsALoadInst().IsNil():
		parent = val.Operand(0)
	case !val.IsAConstantExpr().IsNil() && val.Opcode() == llvm.GetElementPtr:
		parent = val.Operand(0)
	default:
		return nil
	}

	limit := p.traceLimit(parent, visited)
	if limit != nil {
		p.valueLimits[val] = limit
	}
	return limit
}
