package clamp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

// newTestModule creates a context-owned module that lives until the test
// ends.
func newTestModule(t *testing.T) (llvm.Context, llvm.Module) {
	t.Helper()
	ctx := llvm.NewContext()
	t.Cleanup(ctx.Dispose)
	return ctx, ctx.NewModule("clamp_test")
}

// addFunction declares fn and gives it a single entry block.
func addFunction(ctx llvm.Context, mod llvm.Module, name string, ret llvm.Type, params []llvm.Type) (llvm.Value, llvm.Builder) {
	fnType := llvm.FunctionType(ret, params, false)
	fn := llvm.AddFunction(mod, name, fnType)
	entry := ctx.AddBasicBlock(fn, "entry")
	b := ctx.NewBuilder()
	b.SetInsertPointAtEnd(entry)
	return fn, b
}

// blockNames lists the basic block names of fn in layout order.
func blockNames(fn llvm.Value) []string {
	var names []string
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		names = append(names, bb.AsValue().Name())
	}
	return names
}

// countBlocks counts fn's blocks whose name starts with prefix.
func countBlocks(fn llvm.Value, prefix string) int {
	n := 0
	for _, name := range blockNames(fn) {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

// findInstruction returns the first instruction of fn with the given
// opcode.
func findInstruction(fn llvm.Value, op llvm.Opcode) llvm.Value {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.InstructionOpcode() == op {
				return inst
			}
		}
	}
	return llvm.Value{}
}

// requireErrKind asserts that err is a pass Error of the given kind.
func requireErrKind(t *testing.T, err error, kind ErrKind) {
	t.Helper()
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, kind, perr.Kind)
}
