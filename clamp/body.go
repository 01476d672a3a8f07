package clamp

import "tinygo.org/x/go-llvm"

// moveBodies transplants each original function body into its twin and
// rewires argument uses. Preserved arguments are substituted directly; a
// fat-pointer argument is consumed by extracting its current field at the
// top of the entry block, and for folded safe-builtin triples all three
// fields are recovered. After this phase the module executes again, except
// that call sites still name the old functions.
func (p *Pass) moveBodies() error {
	for _, oldFn := range p.funcOrder {
		rf := p.replacedFunctions[oldFn]
		p.moveFunctionBody(oldFn, rf)
	}
	return nil
}

func (p *Pass) moveFunctionBody(oldFn llvm.Value, rf *rewrittenFunc) {
	newFn := rf.fn

	// The C API has no block splice; moving each block before a
	// placeholder in the twin preserves order and transfers ownership.
	placeholder := p.ctx.AddBasicBlock(newFn, "")
	var blocks []llvm.BasicBlock
	for bb := oldFn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		blocks = append(blocks, bb)
	}
	for _, bb := range blocks {
		bb.MoveBefore(placeholder)
	}
	placeholder.EraseFromParent()

	entry := newFn.EntryBasicBlock()
	first := entry.FirstInstruction()
	if first.IsNil() {
		p.builder.SetInsertPointAtEnd(entry)
	} else {
		p.builder.SetInsertPointBefore(first)
	}

	// With folded triples, the sequential originals sharing one twin
	// argument recover fields 0, 1, 2 in order.
	tripleField := make(map[llvm.Value]int)
	if rf.foldedTriples {
		seen := make(map[llvm.Value]int)
		for _, old := range oldFn.Params() {
			mapped := p.replacedArguments[old]
			if old.Type() != mapped.Type() {
				tripleField[old] = seen[mapped]
				seen[mapped]++
			}
		}
	}

	fieldNames := [3]string{".Cur", ".min", ".max"}
	for _, old := range oldFn.Params() {
		mapped := p.replacedArguments[old]
		if old.Type() == mapped.Type() {
			old.ReplaceAllUsesWith(mapped)
			continue
		}
		field := tripleField[old]
		ext := p.builder.CreateExtractValue(mapped, field, mapped.Name()+fieldNames[field])
		old.ReplaceAllUsesWith(ext)
	}
}
