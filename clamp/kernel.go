package clamp

import "tinygo.org/x/go-llvm"

// kernelMetadataName is the module-level metadata node listing kernel
// entry functions, one MDNode per kernel with the function as operand 0.
const kernelMetadataName = "opencl.kernels"

// kernelFunctions merges the opencl.kernels metadata with the explicitly
// configured kernel names, in stable order and without duplicates.
func (p *Pass) kernelFunctions() []llvm.Value {
	var kernels []llvm.Value
	seen := make(map[llvm.Value]struct{})
	add := func(fn llvm.Value) {
		if fn.IsNil() || fn.IsAFunction().IsNil() {
			return
		}
		if _, ok := seen[fn]; ok {
			return
		}
		seen[fn] = struct{}{}
		kernels = append(kernels, fn)
	}

	for _, md := range p.mod.NamedMetadataOperands(kernelMetadataName) {
		if md.OperandsCount() == 0 {
			continue
		}
		add(md.Operand(0))
	}
	for _, name := range p.cfg.Kernels {
		add(p.mod.NamedFunction(name))
	}
	return kernels
}

// buildKernelWrappers synthesizes, for every kernel, the host-visible entry
// point that accepts (pointer, element-count) pairs, records dynamic
// per-argument bounds and tail-calls the rewritten kernel. The wrapper
// steals the kernel's exported name; the inner function becomes internal so
// the backend may inline it.
func (p *Pass) buildKernelWrappers() error {
	for _, kernel := range p.kernelFunctions() {
		rf, ok := p.replacedFunctions[kernel]
		if !ok {
			continue
		}
		p.createKernelWrapper(kernel, rf)
	}
	return nil
}

func (p *Pass) createKernelWrapper(kernel llvm.Value, rf *rewrittenFunc) {
	origParams := kernel.Params()
	var paramTypes []llvm.Type
	for _, a := range origParams {
		t := a.Type()
		paramTypes = append(paramTypes, t)
		if t.TypeKind() == llvm.PointerTypeKind {
			paramTypes = append(paramTypes, p.ctx.Int32Type())
		}
	}

	retType := kernel.GlobalValueType().ReturnType()
	wrapperType := llvm.FunctionType(retType, paramTypes, false)

	// The wrapper takes over the exported kernel name.
	name := kernel.Name()
	kernel.SetName(name + ".old")
	wrapper := llvm.AddFunction(p.mod, name, wrapperType)

	entry := p.ctx.AddBasicBlock(wrapper, "entry")
	p.builder.SetInsertPointAtEnd(entry)

	wrapperParams := wrapper.Params()
	var args []llvm.Value
	if rf.ctxParam {
		args = append(args, llvm.ConstInt(p.ctx.Int32Type(), 0, false))
	}

	wi := 0
	for _, orig := range origParams {
		arg := wrapperParams[wi]
		arg.SetName(orig.Name())
		wi++

		t := arg.Type()
		if t.TypeKind() != llvm.PointerTypeKind {
			args = append(args, arg)
			continue
		}

		count := wrapperParams[wi]
		count.SetName(orig.Name() + ".size")
		wi++

		elemType := t.ElementType()
		high := p.builder.CreateGEP(elemType, arg, []llvm.Value{count}, "")

		// Unnamed private globals carry this invocation's bounds; the
		// address-space record is indirect, a check site loads the
		// slots first.
		slotMin := llvm.AddGlobal(p.mod, t, "")
		slotMin.SetLinkage(llvm.PrivateLinkage)
		slotMin.SetUnnamedAddr(true)
		slotMin.SetInitializer(llvm.ConstNull(t))
		slotMax := llvm.AddGlobal(p.mod, t, "")
		slotMax.SetLinkage(llvm.PrivateLinkage)
		slotMax.SetUnnamedAddr(true)
		slotMax.SetInitializer(llvm.ConstNull(t))

		p.builder.CreateStore(arg, slotMin)
		p.builder.CreateStore(high, slotMax)

		space := t.PointerAddressSpace()
		p.spaceLimits[space] = append(p.spaceLimits[space],
			&AreaLimit{Min: slotMin, Max: slotMax, Indirect: true})

		args = append(args, p.materializeFatPointer(arg, arg, high, llvm.Value{}))
	}

	call := p.builder.CreateCall(rf.typ, rf.fn, args, "")
	if retType.TypeKind() == llvm.VoidTypeKind {
		p.builder.CreateRetVoid()
	} else {
		p.builder.CreateRet(call)
	}

	rf.fn.SetLinkage(llvm.InternalLinkage)
}

// materializeFatPointer builds a {cur, min, max} aggregate value by
// filling a stack slot and loading it back. With a non-nil before, the
// fill sequence is emitted ahead of that instruction; otherwise at the
// builder's current position, which must be a block end.
func (p *Pass) materializeFatPointer(cur, min, max, before llvm.Value) llvm.Value {
	structType := p.fatPointerType(cur.Type())
	slot := p.createEntryBlockAlloca(structType, cur.Name()+".SmartPassing")
	if !before.IsNil() {
		p.builder.SetInsertPointBefore(before)
	}

	curPtr := p.builder.CreateStructGEP(structType, slot, 0, "")
	minPtr := p.builder.CreateStructGEP(structType, slot, 1, "")
	maxPtr := p.builder.CreateStructGEP(structType, slot, 2, "")
	p.builder.CreateStore(cur, curPtr)
	p.builder.CreateStore(min, minPtr)
	p.builder.CreateStore(max, maxPtr)
	return p.builder.CreateLoad(structType, slot, "")
}
