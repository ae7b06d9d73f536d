package delocate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/raymyers/delocate/pkg/asm"
)

// x86-64 rewriting. IP-relative addressing makes in-module references easy;
// the work is in references that the assembler would otherwise resolve
// through the GOT or PLT.

type instructionType int

const (
	instrPush instructionType = iota
	instrMove
	instrJump
	instrConditionalMove
	instrOther
)

func classifyInstruction(instr string, args []asm.Arg) instructionType {
	switch instr {
	case "push", "pushq":
		if len(args) == 1 {
			return instrPush
		}
	case "mov", "movq", "cmpq", "leaq":
		if len(args) == 2 {
			return instrMove
		}
	case "cmoveq", "cmovneq":
		if len(args) == 2 {
			return instrConditionalMove
		}
	case "call", "callq", "jmp", "jne", "jb", "jz", "jnz", "ja":
		if len(args) == 1 {
			return instrJump
		}
	}
	return instrOther
}

// registerArg returns the text of operand i, which must be a register or
// constant operand.
func registerArg(args []asm.Arg, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("instruction has no operand %d", i)
	}
	reg, ok := args[i].(asm.RegisterOrConstant)
	if !ok {
		return "", fmt.Errorf("operand %d is not a register", i)
	}
	return reg.Text, nil
}

type intelRewriter struct{}

func (intelRewriter) rewriteInstruction(d *delocation, stmts []asm.Statement, idx int) (int, error) {
	instr := stmts[idx].(asm.Instruction)
	instructionName := instr.Name

	var wrappers wrapperStack
	var args []string
	changed := false
	pushRewritten := false

Args:
	for _, arg := range instr.Args {
		switch a := arg.(type) {
		case asm.RegisterOrConstant, asm.LocalLabelRef:
			args = append(args, argText(arg))

		case asm.TOCRefHigh, asm.TOCRefLow:
			return idx, errors.New("TOC references are not expected on x86-64")

		case asm.MemoryRef:
			symbol, offset, section := a.Symbol, a.Offset, a.Section
			changedThis := false

			if a.SymbolIsLocal {
				mapped := d.mapLocalSymbol(symbol)
				if mapped != symbol {
					symbol = mapped
					changedThis = true
				}
			}

			if symbol == "OPENSSL_ia32cap_P" {
				// Capability vector loads are rewritten to go through the
				// delta object, keeping the flags intact across the
				// arithmetic.
				target, err := registerArg(instr.Args, 1)
				if err != nil {
					return idx, err
				}
				instructionName = ""
				changed = true

				w := d.output
				w.WriteString("\tleaq\t-128(%rsp), %rsp\n")
				w.WriteString("\tpushfq\n")
				w.WriteString("\tleaq\tOPENSSL_ia32cap_addr_delta(%rip), " + target + "\n")
				w.WriteString("\taddq\t(" + target + "), " + target + "\n")
				w.WriteString("\tpopfq\n")
				w.WriteString("\tleaq\t128(%rsp), %rsp\n")
				break Args
			}

			switch section {
			case "":
				if _, known := d.symbols[symbol]; known {
					symbol = localTargetName(symbol)
					changedThis = true
				}

			case "PLT":
				if classifyInstruction(instructionName, instr.Args) != instrJump {
					return idx, fmt.Errorf("cannot rewrite PLT reference for non-jump instruction %q", instructionName)
				}
				if _, known := d.symbols[symbol]; known {
					// In-module call: the PLT is unnecessary.
					symbol = localTargetName(symbol)
				} else if !a.SymbolIsLocal && !isSynthesized(symbol) {
					// An out-call from the module, e.g. memcpy.
					d.redirectors[symbol+"@"+section] = redirectorName(symbol)
					symbol = redirectorName(symbol)
				}
				changedThis = true

			case "GOTPCREL", "GOTTPOFF":
				useGOT := false
				if _, known := d.symbols[symbol]; known {
					symbol = localTargetName(symbol)
				} else if len(offset) > 0 {
					return idx, errors.New("loading from GOT with offset is unsupported")
				} else if !isSynthesized(symbol) {
					useGOT = true
				}

				classification := classifyInstruction(instructionName, instr.Args)
				var targetReg string
				if useGOT {
					if classification == instrPush {
						targetReg = "%rax"
					} else {
						reg, err := registerArg(instr.Args, 1)
						if err != nil {
							return idx, err
						}
						if !strings.HasPrefix(reg, "%r") || reg == "%rsp" {
							return idx, fmt.Errorf("cannot load GOT value into %q", reg)
						}
						targetReg = reg
					}
				}

				if classification == instrConditionalMove {
					wrapper, err := undoConditionalMove(d.output, instructionName)
					if err != nil {
						return idx, err
					}
					wrappers = append(wrappers, wrapper)
				}

				switch classification {
				case instrPush:
					// The push wrapper stages the value in %rax, so the
					// rewritten leaq must target %rax as well.
					pushRewritten = true
					wrappers = append(wrappers, push(d.output))
					if useGOT {
						wrappers = append(wrappers, d.loadFromGOT(targetReg, symbol, section))
					}
				case instrMove, instrConditionalMove:
					if useGOT {
						wrappers = append(wrappers, d.loadFromGOT(targetReg, symbol, section))
					}
				default:
					return idx, fmt.Errorf("cannot rewrite GOT reference in instruction %q", instructionName)
				}

				// The GOT entry held an address; loading the local target's
				// address directly is equivalent.
				instructionName = "leaq"
				changedThis = true

			default:
				return idx, fmt.Errorf("unknown section type %q", section)
			}

			if changedThis {
				changed = true
			}

			var sb strings.Builder
			if a.Indirect {
				sb.WriteString("*")
			}
			sb.WriteString(symbol)
			sb.WriteString(offset)
			sb.WriteString(a.Tail)
			args = append(args, sb.String())
		}
	}

	if !changed {
		d.writeStatement(instr)
		return idx, nil
	}

	d.writeCommented(instr)

	if pushRewritten {
		args = append(args, "%rax")
	}

	if instructionName == "leaq" && len(args) == 2 && !isValidLEATarget(args[1]) {
		// leaq cannot target a vector register; bounce through %rax.
		wrappers = append(wrappers, saveRegister(d.output))
		wrappers = append(wrappers, moveTo(d.output, args[1]))
		args[1] = "%rax"
	}

	var replacement string
	if len(instructionName) > 0 {
		replacement = "\t" + instructionName + "\t" + strings.Join(args, ", ") + "\n"
	}
	wrappers.do(func() { d.output.WriteString(replacement) })
	return idx, nil
}

// loadFromGOT emits a sequence that loads the GOT entry for symbol into
// destination via the corresponding delta object. The sequence fully replaces
// the wrapped instruction, so the continuation is dropped.
func (d *delocation) loadFromGOT(destination, symbol, section string) wrapperFunc {
	d.gotExternalsNeeded[gotRef{symbol, section}] = struct{}{}
	w := d.output
	return func(k func()) {
		w.WriteString("\tleaq -128(%rsp), %rsp\n") // Clear the red zone.
		w.WriteString("\tpushf\n")
		w.WriteString(fmt.Sprintf("\tleaq %s_%s_external(%%rip), %s\n", symbol, section, destination))
		w.WriteString(fmt.Sprintf("\taddq (%s), %s\n", destination, destination))
		w.WriteString(fmt.Sprintf("\tmovq (%s), %s\n", destination, destination))
		w.WriteString("\tpopf\n")
		w.WriteString("\tleaq\t128(%rsp), %rsp\n")
	}
}

func (intelRewriter) writeRedirector(d *delocation, target, redirector string) {
	w := d.output
	w.WriteString(".type " + redirector + ", @function\n")
	w.WriteString(redirector + ":\n")
	w.WriteString("\tjmp\t" + target + "\n")
}

func (intelRewriter) writeAccessor(d *delocation, funcName, target string) {
	w := d.output
	w.WriteString(".type " + funcName + ", @function\n")
	w.WriteString(funcName + ":\n")
	w.WriteString("\tleaq\t" + target + "(%rip), %rax\n")
	w.WriteString("\tret\n")
}

func (intelRewriter) writeHelpers(d *delocation) {
	w := d.output

	var refs []gotRef
	for ref := range d.gotExternalsNeeded {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].symbol != refs[j].symbol {
			return refs[i].symbol < refs[j].symbol
		}
		return refs[i].section < refs[j].section
	})

	for _, ref := range refs {
		name := ref.symbol + "_" + ref.section + "_external"
		w.WriteString(".type " + name + ", @object\n")
		w.WriteString(".size " + name + ", 8\n")
		w.WriteString(name + ":\n")
		// The GOT entry's address is stored as the delta from this object's
		// own location. The assembler only emits a 32-bit form of this
		// relocation, so sign-extend by hand; GOT offsets here are always
		// positive.
		w.WriteString("\t.long " + ref.symbol + "@" + ref.section + "\n")
		w.WriteString("\t.long 0\n")
	}

	w.WriteString(".type OPENSSL_ia32cap_get, @function\n")
	w.WriteString("OPENSSL_ia32cap_get:\n")
	w.WriteString("\tleaq OPENSSL_ia32cap_P(%rip), %rax\n")
	w.WriteString("\tret\n")

	w.WriteString(".extern OPENSSL_ia32cap_P\n")
	w.WriteString(".type OPENSSL_ia32cap_addr_delta, @object\n")
	w.WriteString(".size OPENSSL_ia32cap_addr_delta, 8\n")
	w.WriteString("OPENSSL_ia32cap_addr_delta:\n")
	w.WriteString(".quad OPENSSL_ia32cap_P-OPENSSL_ia32cap_addr_delta\n")
}
