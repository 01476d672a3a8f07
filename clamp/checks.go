package clamp

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// injectChecks guards every collected load and store whose pointer operand
// is not proven safe. The guard compares the pointer against the one known
// bounds interval; a failing access is skipped, and a failing load yields a
// zero of the loaded type through a phi merge:
//
//	  %cmp.high = icmp ugt T* %p, %last_valid
//	  br i1 %cmp.high, label %fail, label %check.low
//	check.low:
//	  %cmp.low = icmp ult T* %p, %first_valid
//	  br i1 %cmp.low, label %fail, label %body
//	body:
//	  %v = load T, T* %p          ; or the store
//	  br label %end
//	fail:
//	  br label %end
//	end:
//	  %r = phi T [ %v, %body ], [ zeroinitializer, %fail ]
func (p *Pass) injectChecks() error {
	for _, load := range p.loads {
		if err := p.checkMemoryOp(load, load.Operand(0)); err != nil {
			return err
		}
	}
	for _, store := range p.stores {
		if err := p.checkMemoryOp(store, store.Operand(1)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pass) checkMemoryOp(inst, ptr llvm.Value) error {
	if _, ok := p.safeExceptions[ptr]; ok {
		return nil
	}

	limit, ok := p.valueLimits[ptr]
	if !ok {
		space := ptr.Type().PointerAddressSpace()
		candidates := p.spaceLimits[space]
		switch len(candidates) {
		case 0:
			if !p.cfg.AddressSpaces.Known(space) {
				return errf(ErrMissingBounds,
					"pointer into unrecognized address space %d", space)
			}
			return errf(ErrMissingBounds,
				"pointer into address space %d without allocations", space)
		case 1:
			limit = candidates[0]
		default:
			return errf(ErrMultiIntervalCheck,
				"%d candidate intervals for one check in address space %d; "+
					"the check generator supports exactly one", len(candidates), space)
		}
	}

	p.createLimitCheck(inst, ptr, limit)
	return nil
}

// createLimitCheck splices the guard around inst. The block holding inst
// is carved into start / check.low / body / fail / end in textual order;
// the end block keeps the identity of the original block so that phi nodes
// in successors stay valid.
func (p *Pass) createLimitCheck(inst, ptr llvm.Value, limit *AreaLimit) {
	p.checkID++
	postfix := fmt.Sprintf("load.%d", p.checkID)
	if !inst.IsAStoreInst().IsNil() {
		postfix = fmt.Sprintf("store.%d", p.checkID)
	}

	// The original block keeps its identity as the merge block; its name
	// moves to the hoisted start block.
	end := inst.InstructionParent()
	origName := end.AsValue().Name()
	end.AsValue().SetName("if.end.boundary.check." + postfix)
	start := p.hoistLeadingInstructions(inst, origName)

	body := p.ctx.InsertBasicBlock(end, "boundary.check.ok."+postfix)
	checkLow := p.ctx.InsertBasicBlock(body, "check.first.limit."+postfix)
	fail := p.ctx.InsertBasicBlock(end, "boundary.check.failed."+postfix)

	// Move the guarded operation into its own block.
	inst.RemoveFromParentAsInstruction()
	p.builder.SetInsertPointAtEnd(body)
	p.builder.Insert(inst)
	p.builder.CreateBr(end)

	// High limit first: materialize the last valid address for this
	// access type in the start block and compare.
	p.builder.SetInsertPointAtEnd(start)
	lastValid := p.lastValidAddress(limit, ptr.Type())
	firstValid := p.firstValidAddress(limit, ptr.Type())
	cmpHigh := p.builder.CreateICmp(llvm.IntUGT, ptr, lastValid, "")
	p.builder.CreateCondBr(cmpHigh, fail, checkLow)

	p.builder.SetInsertPointAtEnd(checkLow)
	cmpLow := p.builder.CreateICmp(llvm.IntULT, ptr, firstValid, "")
	p.builder.CreateCondBr(cmpLow, fail, body)

	p.builder.SetInsertPointAtEnd(fail)
	p.builder.CreateBr(end)

	if !inst.IsALoadInst().IsNil() {
		p.builder.SetInsertPointBefore(end.FirstInstruction())
		phi := p.builder.CreatePHI(inst.Type(), "")
		inst.ReplaceAllUsesWith(phi)
		phi.AddIncoming(
			[]llvm.Value{inst, llvm.ConstNull(inst.Type())},
			[]llvm.BasicBlock{body, fail})
	}
}

// hoistLeadingInstructions moves every instruction before inst into a new
// block placed ahead of inst's block and retargets all branches into the
// old block. Phi nodes in successor blocks keep referring to the old block,
// which retains the original terminator.
func (p *Pass) hoistLeadingInstructions(inst llvm.Value, name string) llvm.BasicBlock {
	bb := inst.InstructionParent()
	start := p.ctx.InsertBasicBlock(bb, name)

	// Branch targets are plain uses of the block; phi incoming blocks are
	// not, so this redirects control flow only.
	bb.AsValue().ReplaceAllUsesWith(start.AsValue())

	var lead []llvm.Value
	for i := bb.FirstInstruction(); i != inst; i = llvm.NextInstruction(i) {
		lead = append(lead, i)
	}
	p.builder.SetInsertPointAtEnd(start)
	for _, i := range lead {
		i.RemoveFromParentAsInstruction()
		p.builder.Insert(i)
	}
	return start
}
