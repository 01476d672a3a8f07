package clamp

import (
	"strings"

	"tinygo.org/x/go-llvm"
)

// rewriteSignatures creates, for every defined non-builtin function, a twin
// whose pointer parameters are fat-pointer aggregates, and records the
// function and argument bijections. Bodies are not touched yet.
//
// Twin shape for a normal internal function:
//
//	ret F(p0, p1, ...)  ->  ret F__smart_ptrs__(i32 allocs, p0', p1', ...)
//
// where pi' is {T*,T*,T*} when pi was T*, otherwise pi unchanged. The
// leading i32 carries per-invocation program-allocation context; it is
// plumbed through but not consumed yet.
//
// Manually written safe builtins (demangled name contains "__safe__")
// declare each fat pointer as three sequential T* parameters; those triples
// fold back into one fat-pointer parameter and no leading i32 is added, so
// the twin's ABI matches the safe-builtin library.
func (p *Pass) rewriteSignatures() error {
	for fn := p.mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if isIntrinsic(fn) || fn.IsDeclaration() {
			continue
		}
		p.funcOrder = append(p.funcOrder, fn)
	}

	for _, fn := range p.funcOrder {
		if err := p.triageFunction(fn); err != nil {
			return err
		}
		rf, err := p.createTwin(fn, false)
		if err != nil {
			return err
		}
		p.replacedFunctions[fn] = rf
	}
	return nil
}

// createTwin builds the fat-pointer twin of fn and registers the argument
// mapping. The builtin retargeter reuses it to synthesize safe-twin
// declarations; those skip the leading program-allocations parameter so
// their ABI matches the safe-builtin library, and register no argument
// mapping.
func (p *Pass) createTwin(fn llvm.Value, builtin bool) (*rewrittenFunc, error) {
	fnType := fn.GlobalValueType()
	retType := fnType.ReturnType()

	if retType.TypeKind() == llvm.PointerTypeKind {
		return nil, errf(ErrUnsupportedConstruct,
			"%s returns a pointer, which is not implemented", fn.Name())
	}
	if retType.TypeKind() == llvm.ArrayTypeKind {
		return nil, errf(ErrUnsupportedConstruct,
			"%s returns an array, which is not implemented", fn.Name())
	}
	if fnType.IsFunctionVarArg() {
		return nil, errf(ErrUnsupportedConstruct,
			"%s is variadic, which is not supported", fn.Name())
	}

	demangled, err := DemangleName(fn.Name())
	if err != nil {
		return nil, errf(ErrUnsupportedConstruct, "%v", err)
	}

	preserveArgs := p.isEntryFunction(fn)
	foldTriples := strings.Contains(demangled, safeSuffix)

	params := fn.Params()
	var newParamTypes []llvm.Type
	ctxParam := !preserveArgs && !foldTriples && !builtin
	if ctxParam {
		newParamTypes = append(newParamTypes, p.ctx.Int32Type())
	}

	// newArgIndex[i] is the twin parameter index serving original
	// parameter i; with triple folding several originals share one.
	newArgIndex := make([]int, len(params))
	for i := 0; i < len(params); i++ {
		t := params[i].Type()
		switch {
		case preserveArgs || t.TypeKind() != llvm.PointerTypeKind:
			if t.TypeKind() == llvm.ArrayTypeKind {
				return nil, errf(ErrUnsupportedConstruct,
					"%s passes an array by value, which is not implemented", fn.Name())
			}
			newArgIndex[i] = len(newParamTypes)
			newParamTypes = append(newParamTypes, t)
		case foldTriples && i+2 < len(params) &&
			params[i+1].Type() == t && params[i+2].Type() == t:
			idx := len(newParamTypes)
			newArgIndex[i], newArgIndex[i+1], newArgIndex[i+2] = idx, idx, idx
			newParamTypes = append(newParamTypes, p.fatPointerType(t))
			i += 2
		default:
			newArgIndex[i] = len(newParamTypes)
			newParamTypes = append(newParamTypes, p.fatPointerType(t))
		}
	}

	newType := llvm.FunctionType(retType, newParamTypes, false)
	newFn := llvm.AddFunction(p.mod, fn.Name()+"__smart_ptrs__", newType)
	newFn.SetLinkage(fn.Linkage())
	newFn.SetFunctionCallConv(fn.FunctionCallConv())

	rf := &rewrittenFunc{
		fn:            newFn,
		typ:           newType,
		ctxParam:      ctxParam,
		foldedTriples: foldTriples,
	}

	newParams := newFn.Params()
	for i, old := range params {
		mapped := newParams[newArgIndex[i]]
		if !builtin {
			p.replacedArguments[old] = mapped
		}
		if mapped.Name() == "" {
			mapped.SetName(old.Name())
		}
	}
	if ctxParam {
		newParams[0].SetName("program.allocs")
	}
	return rf, nil
}
