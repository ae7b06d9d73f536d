package delocate

import (
	"fmt"
	"io"
	"strings"
)

// wrapperFunc emits prologue text, invokes its continuation to emit the
// wrapped instruction, then emits epilogue text. A wrapper that needs to
// suppress the wrapped instruction entirely simply never calls the
// continuation.
type wrapperFunc func(k func())

type wrapperStack []wrapperFunc

// do unwinds the stack so that the first wrapper pushed becomes the
// outermost prologue/epilogue pair around baseCase.
func (w *wrapperStack) do(baseCase func()) {
	if len(*w) == 0 {
		baseCase()
		return
	}

	wrapper := (*w)[0]
	*w = (*w)[1:]
	wrapper(func() { w.do(baseCase) })
}

// push turns a push instruction into a push of %rax followed by an exchange,
// so the pushed value can be computed into %rax first.
func push(w io.StringWriter) wrapperFunc {
	return func(k func()) {
		w.WriteString("\tpushq %rax\n")
		k()
		w.WriteString("\txchg %rax, (%rsp)\n")
	}
}

// saveRegister wraps the inner code with a save and restore of %rax. The
// stack pointer steps over the red zone first so the save slot cannot clobber
// leaf-function locals.
func saveRegister(w io.StringWriter) wrapperFunc {
	return func(k func()) {
		w.WriteString("\tleaq -128(%rsp), %rsp\n")
		w.WriteString("\tpushq %rax\n")
		k()
		w.WriteString("\tpopq %rax\n")
		w.WriteString("\tleaq 128(%rsp), %rsp\n")
	}
}

// moveTo appends a move of %rax into the given target after the inner code.
func moveTo(w io.StringWriter, target string) wrapperFunc {
	return func(k func()) {
		k()
		w.WriteString("\tmovq %rax, " + target + "\n")
	}
}

// undoConditionalMove turns a conditional move into an unconditional one
// guarded by a branch on the inverse condition, so the inner code can be an
// arbitrary instruction sequence.
func undoConditionalMove(w io.StringWriter, instr string) (wrapperFunc, error) {
	var invertedCondition string

	switch instr {
	case "cmoveq":
		invertedCondition = "ne"
	case "cmovneq":
		invertedCondition = "e"
	default:
		return nil, fmt.Errorf("don't know how to handle conditional move instruction %q", instr)
	}

	return func(k func()) {
		w.WriteString("\tj" + invertedCondition + " 999f\n")
		k()
		w.WriteString("999:\n")
	}, nil
}

// isValidLEATarget rejects registers that cannot be the destination of an
// leaq, i.e. vector registers.
func isValidLEATarget(reg string) bool {
	return !strings.HasPrefix(reg, "%xmm") &&
		!strings.HasPrefix(reg, "%ymm") &&
		!strings.HasPrefix(reg, "%zmm")
}
