package clamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

// buildStoreKernel defines void <name>(i32 addrspace(1)* a) { a[1] = 7 }.
func buildStoreKernel(ctx llvm.Context, mod llvm.Module, name string) llvm.Value {
	i32 := ctx.Int32Type()
	ptr := llvm.PointerType(i32, 1)
	fn, b := addFunction(ctx, mod, name, ctx.VoidType(), []llvm.Type{ptr})
	defer b.Dispose()
	fn.Params()[0].SetName("a")
	gep := b.CreateGEP(i32, fn.Params()[0], []llvm.Value{llvm.ConstInt(i32, 1, false)}, "elt")
	b.CreateStore(llvm.ConstInt(i32, 7, false), gep)
	b.CreateRetVoid()
	return fn
}

// Scenario A: the kernel gains a (pointer, count) wrapper, dynamic bounds
// slots, and a guarded store in the rewritten body.
func TestKernelWrapperAndGuardedStore(t *testing.T) {
	ctx, mod := newTestModule(t)
	buildStoreKernel(ctx, mod, "k")

	require.NoError(t, Run(mod, Config{Kernels: []string{"k"}}))

	wrapper := mod.NamedFunction("k")
	require.False(t, wrapper.IsNil())
	params := wrapper.Params()
	require.Len(t, params, 2)
	assert.Equal(t, "a", params[0].Name())
	assert.Equal(t, "a.size", params[1].Name())
	assert.Equal(t, ctx.Int32Type(), params[1].Type())

	inner := mod.NamedFunction("k__smart_ptrs__")
	require.False(t, inner.IsNil())
	assert.Equal(t, llvm.InternalLinkage, inner.Linkage())

	// Leading allocations parameter plus one fat pointer.
	innerParams := inner.GlobalValueType().ParamTypes()
	require.Len(t, innerParams, 2)
	assert.Equal(t, ctx.Int32Type(), innerParams[0])
	assert.Equal(t, llvm.StructTypeKind, innerParams[1].TypeKind())

	// The wrapper calls the inner kernel.
	call := findInstruction(wrapper, llvm.Call)
	require.False(t, call.IsNil())
	assert.Equal(t, inner, call.CalledValue())

	// The store is guarded: the full five-block shape is present.
	assert.Equal(t, []string{
		"entry",
		"check.first.limit.store.1",
		"boundary.check.ok.store.1",
		"boundary.check.failed.store.1",
		"if.end.boundary.check.store.1",
	}, blockNames(inner))

	// High check first, low check second, both against the interval.
	entry := inner.EntryBasicBlock()
	last := entry.LastInstruction()
	require.False(t, last.IsNil())
	require.Equal(t, llvm.Br, last.InstructionOpcode())
	cmpHigh := findInstruction(inner, llvm.ICmp)
	require.False(t, cmpHigh.IsNil())
	assert.Equal(t, llvm.IntUGT, cmpHigh.IntPredicate())
}

// Scenario D: two differently-bounded pointers stored into one slot abort
// the analysis.
func TestAmbiguousBoundsAbort(t *testing.T) {
	ctx, mod := newTestModule(t)
	i32 := ctx.Int32Type()
	ptr := llvm.PointerType(i32, 1)

	fn, b := addFunction(ctx, mod, "f", ctx.VoidType(), []llvm.Type{ptr, ptr})
	defer b.Dispose()
	slot := b.CreateAlloca(ptr, "slot")
	b.CreateStore(fn.Params()[0], slot)
	b.CreateStore(fn.Params()[1], slot)
	b.CreateRetVoid()

	requireErrKind(t, Run(mod, Config{}), ErrAmbiguousBounds)
}

// Scenario F: a constant in-bounds projection of a named internal global
// needs no runtime check.
func TestConstantProjectionNeedsNoCheck(t *testing.T) {
	ctx, mod := newTestModule(t)
	i32 := ctx.Int32Type()

	g := llvm.AddGlobalInAddressSpace(mod, llvm.ArrayType(i32, 4), "G", 2)
	g.SetInitializer(llvm.ConstNull(llvm.ArrayType(i32, 4)))
	g.SetLinkage(llvm.InternalLinkage)

	fn, b := addFunction(ctx, mod, "reader", ctx.VoidType(), nil)
	defer b.Dispose()
	b.CreateLoad(i32, llvm.ConstInBoundsGEP(llvm.ArrayType(i32, 4), g, []llvm.Value{
		llvm.ConstInt(i32, 0, false),
		llvm.ConstInt(i32, 2, false),
	}), "v")
	b.CreateRetVoid()

	require.NoError(t, Run(mod, Config{}))

	inner := mod.NamedFunction("reader__smart_ptrs__")
	require.False(t, inner.IsNil())
	assert.Zero(t, countBlocks(inner, "boundary.check"), "no guard expected")
}

// Scenario E: in permissive mode main keeps its shape and the argv chain
// is exempt while other accesses stay guarded.
func TestPermissiveMainArgv(t *testing.T) {
	ctx, mod := newTestModule(t)
	i32 := ctx.Int32Type()
	i8 := ctx.Int8Type()
	charPtr := llvm.PointerType(i8, 0)
	argvType := llvm.PointerType(charPtr, 0)

	fn, b := addFunction(ctx, mod, "main", i32, []llvm.Type{i32, argvType})
	defer b.Dispose()
	fn.Params()[0].SetName("argc")
	fn.Params()[1].SetName("argv")

	argvSlot := b.CreateAlloca(argvType, "argv.addr")
	b.CreateStore(fn.Params()[1], argvSlot)
	// The argv chain: argv[1] loaded back and dereferenced.
	argvVal := b.CreateLoad(argvType, argvSlot, "argv.load")
	arg1 := b.CreateGEP(charPtr, argvVal, []llvm.Value{llvm.ConstInt(i32, 1, false)}, "arg1")
	b.CreateLoad(charPtr, arg1, "s")
	b.CreateRet(llvm.ConstInt(i32, 0, false))

	require.NoError(t, Run(mod, Config{AllowUnsafeExceptions: true}))

	// main keeps name and signature.
	main := mod.NamedFunction("main")
	require.False(t, main.IsNil())
	require.False(t, main.IsDeclaration())
	params := main.GlobalValueType().ParamTypes()
	require.Len(t, params, 2)
	assert.Equal(t, i32, params[0])
	assert.Equal(t, argvType, params[1])

	// Nothing on the argv chain is guarded.
	assert.Zero(t, countBlocks(main, "boundary.check"))
}

// A store through an unknown-bounds location inside a preserved main is
// still guarded against its address-space interval.
func TestPermissiveMainStillChecksOthers(t *testing.T) {
	ctx, mod := newTestModule(t)
	i32 := ctx.Int32Type()

	g := llvm.AddGlobalInAddressSpace(mod, llvm.ArrayType(i32, 4), "data", 0)
	g.SetInitializer(llvm.ConstNull(llvm.ArrayType(i32, 4)))

	fn, b := addFunction(ctx, mod, "main", i32, []llvm.Type{i32})
	defer b.Dispose()
	fn.Params()[0].SetName("argc")

	// Non-constant index: not provable, must be checked.
	gep := b.CreateGEP(llvm.ArrayType(i32, 4), g, []llvm.Value{
		llvm.ConstInt(i32, 0, false),
		fn.Params()[0],
	}, "cell")
	b.CreateStore(llvm.ConstInt(i32, 1, false), gep)
	b.CreateRet(llvm.ConstInt(i32, 0, false))

	require.NoError(t, Run(mod, Config{AllowUnsafeExceptions: true}))

	main := mod.NamedFunction("main")
	require.False(t, main.IsNil())
	assert.Equal(t, 1, countBlocks(main, "boundary.check.ok.store"))
}
