package clamp

import "tinygo.org/x/go-llvm"

// rewriteCalls repoints every internal call at the fat-pointer twin of its
// callee and converts each pointer argument into a fat pointer, reusing an
// existing one when the operand is already a projection of a fat-pointer
// argument.
func (p *Pass) rewriteCalls() error {
	for _, call := range p.internalCalls {
		callee := call.CalledValue()
		rf, ok := p.replacedFunctions[callee]
		if !ok {
			continue
		}
		if err := p.convertCall(call, callee, rf); err != nil {
			return err
		}
	}
	return nil
}

// convertCall replaces call with an equivalent call to rf.fn. Argument
// attributes are not carried over, which strips by-value markers from
// converted parameters as required.
func (p *Pass) convertCall(call, oldCallee llvm.Value, rf *rewrittenFunc) error {
	p.builder.SetInsertPointBefore(call)

	var args []llvm.Value
	if rf.ctxParam {
		args = append(args, llvm.ConstInt(p.ctx.Int32Type(), 0, false))
	}

	oldParams := oldCallee.Params()
	for i, oldParam := range oldParams {
		operand := call.Operand(i)
		newParam := p.replacedArguments[oldParam]
		if !newParam.IsNil() && oldParam.Type() == newParam.Type() {
			args = append(args, operand)
			continue
		}
		if newParam.IsNil() && oldParam.Type().TypeKind() != llvm.PointerTypeKind {
			// Synthesized builtin twins have no argument mapping;
			// non-pointer operands pass through unchanged.
			args = append(args, operand)
			continue
		}

		fat, err := p.fatPointerForOperand(call, operand)
		if err != nil {
			return err
		}
		args = append(args, fat)
	}

	newCall := p.builder.CreateCall(rf.typ, rf.fn, args, "")
	if call.Type().TypeKind() != llvm.VoidTypeKind {
		call.ReplaceAllUsesWith(newCall)
	}
	call.EraseFromParentAsInstruction()
	return nil
}

// fatPointerForOperand produces the fat-pointer value standing in for a
// plain pointer operand at a call site.
func (p *Pass) fatPointerForOperand(call, operand llvm.Value) (llvm.Value, error) {
	// A projection of an incoming fat pointer forwards the whole
	// aggregate, bounds included.
	if ext := operand.IsAExtractValueInst(); !ext.IsNil() {
		agg := ext.Operand(0)
		if p.isFatPointerType(agg.Type()) {
			return agg, nil
		}
	}

	limit := p.valueLimits[operand]
	if limit == nil {
		limit = p.traceLimit(operand, make(map[llvm.Value]struct{}))
	}
	if limit == nil {
		space := operand.Type().PointerAddressSpace()
		if candidates := p.spaceLimits[space]; len(candidates) == 1 {
			limit = candidates[0]
		}
	}
	if limit == nil {
		if !p.cfg.AllowUnsafeExceptions {
			return llvm.Value{}, errf(ErrMissingBounds,
				"no bounds known for call argument in %s",
				call.InstructionParent().Parent().Name())
		}
		p.warnf("passing pointer with unknown bounds to %s; checks in the callee will reject it",
			call.CalledValue().Name())
		// An all-ones low bound fails the callee's low check for every
		// pointer.
		null := llvm.ConstNull(operand.Type())
		allOnes := llvm.ConstIntToPtr(llvm.ConstAllOnes(p.ctx.Int64Type()), operand.Type())
		return p.materializeFatPointer(operand, allOnes, null, call), nil
	}

	min, max := limit.Min, limit.Max
	if limit.Indirect {
		min = p.builder.CreateLoad(limit.Min.Type().ElementType(), limit.Min, "")
		max = p.builder.CreateLoad(limit.Max.Type().ElementType(), limit.Max, "")
	}
	if min.Type() != operand.Type() {
		min = p.castLimitPointer(min, operand.Type())
	}
	if max.Type() != operand.Type() {
		max = p.castLimitPointer(max, operand.Type())
	}
	return p.materializeFatPointer(operand, min, max, call), nil
}

func (p *Pass) castLimitPointer(v llvm.Value, t llvm.Type) llvm.Value {
	if v.IsConstant() && v.IsAInstruction().IsNil() {
		return llvm.ConstBitCast(v, t)
	}
	return p.builder.CreateBitCast(v, t, "")
}
