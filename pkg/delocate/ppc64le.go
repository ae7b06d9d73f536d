package delocate

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/raymyers/delocate/pkg/asm"
)

// ppc64le rewriting. The ELFv2 ABI addresses globals through a table of
// contents anchored in r2, and every TOC access is a relocation. Each one is
// replaced with a call to a per-entry loader function emitted outside the
// hashed region.

type ppcRewriter struct{}

func (ppcRewriter) rewriteInstruction(d *delocation, stmts []asm.Statement, idx int) (int, error) {
	instr := stmts[idx].(asm.Instruction)
	instructionName := instr.Name
	next := idx

	var wrappers wrapperStack
	var args []string
	changed := false

Args:
	for _, arg := range instr.Args {
		switch a := arg.(type) {
		case asm.RegisterOrConstant, asm.LocalLabelRef:
			args = append(args, argText(arg))

		case asm.TOCRefLow:
			return idx, errors.New("found low TOC reference outside preamble pattern")

		case asm.TOCRefHigh:
			target, relative, ok := tocPreamblePair(stmts, idx)
			if !ok {
				return idx, errors.New("found high TOC reference outside preamble pattern")
			}
			if relative != "12" {
				return idx, fmt.Errorf("preamble is relative to %q, not r12", relative)
			}
			if target != "2" {
				return idx, fmt.Errorf("preamble is setting %q, not r2", target)
			}

			// The matched addi is consumed along with this addis.
			next = idx + 1
			establishTOC(d.output)
			instructionName = ""
			changed = true
			break Args

		case asm.MemoryRef:
			symbol, offset, section := a.Symbol, a.Offset, a.Section

			if a.SymbolIsLocal {
				mapped := d.mapLocalSymbol(symbol)
				if mapped != symbol {
					symbol = mapped
					changed = true
				}
			}

			if len(symbol) > 0 {
				if _, knownSymbol := d.symbols[symbol]; knownSymbol {
					symbol = localTargetName(symbol)
					changed = true
				} else if !a.SymbolIsLocal && !isSynthesized(symbol) && len(section) == 0 {
					changed = true
					d.redirectors[symbol] = redirectorName(symbol)
					symbol = redirectorName(symbol)
				}
			}

			switch section {
			case "":

			case "tls":
				// This section identifier just tells the assembler to use
				// r13, the pointer to the thread-local data.

			case "toc@ha", "toc@l", "got@tprel@ha", "got@tprel@l":
				changed = true

				valReg, wrapper := d.getTOC(symbol, section, offset, registersReferenced(instr.Args))
				wrappers = append(wrappers, wrapper)

				switch instructionName {
				case "addi", "addis":
					instructionName = "add"

				case "ld", "lhz", "lwz":
					// ld 6,foo@toc@l(26) needs to be turned into:
					//   add r, r, 26
					//   ld 6, 0(r)
					// (assuming that the TOC offset is in r, initially.)
					origInstructionName := instructionName
					instructionName = ""

					baseReg, ok := a.BaseRegister()
					if !ok {
						return idx, errors.New("expected single base register in load argument")
					}

					w := d.output
					wrappers = append(wrappers, func(k func()) {
						w.WriteString("\tadd " + valReg + ", " + valReg + ", " + baseReg + "\n")
						w.WriteString("\t" + origInstructionName + " " + args[0] + ", 0(" + valReg + ")\n")
					})

					break Args

				default:
					return idx, fmt.Errorf("can't process TOC argument to %q", instructionName)
				}

				section = ""
				symbol = valReg

			default:
				return idx, fmt.Errorf("unknown section type %q", section)
			}

			var sb strings.Builder
			if a.Indirect {
				sb.WriteString("*")
			}
			sb.WriteString(symbol)
			sb.WriteString(offset)
			if len(section) > 0 {
				sb.WriteString("@")
				sb.WriteString(section)
			}
			sb.WriteString(a.Tail)
			args = append(args, sb.String())
		}
	}

	if !changed {
		d.writeStatement(instr)
		return next, nil
	}

	d.writeCommented(stmts[next])

	var replacement string
	if len(instructionName) > 0 {
		replacement = "\t" + instructionName + "\t" + strings.Join(args, ", ") + "\n"
	}
	wrappers.do(func() { d.output.WriteString(replacement) })
	return next, nil
}

// tocPreamblePair matches the two-instruction global entry prelude that
// materializes r2:
//
//	addis 2, 12, .TOC.-0b@ha
//	addi  2, 2,  .TOC.-0b@l
//
// It returns the target and relative registers of the addis.
func tocPreamblePair(stmts []asm.Statement, idx int) (target, relative string, ok bool) {
	instr1, _ := stmts[idx].(asm.Instruction)
	if idx+1 >= len(stmts) {
		return "", "", false
	}
	instr2, good := stmts[idx+1].(asm.Instruction)
	if !good {
		return "", "", false
	}

	if instr1.Name != "addis" || len(instr1.Args) != 3 ||
		instr2.Name != "addi" || len(instr2.Args) != 3 {
		return "", "", false
	}

	target = argText(instr1.Args[0])
	relative = argText(instr1.Args[1])
	source1 := argText(instr1.Args[2])
	source2 := argText(instr2.Args[2])

	if !strings.HasSuffix(source1, "@ha") ||
		!strings.HasSuffix(source2, "@l") ||
		strings.TrimSuffix(source1, "@ha") != strings.TrimSuffix(source2, "@l") ||
		argText(instr2.Args[0]) != target ||
		argText(instr2.Args[1]) != target {
		return "", "", false
	}

	return target, relative, true
}

// establishTOC writes the global entry prelude for a function. The standard
// prelude involves relocations so this version calls a helper function
// (outside the integrity-checked area) to get the TOC value.
func establishTOC(w io.StringWriter) {
	// On entry, r12 is set to the address of the global entry point. Since
	// that value isn't otherwise used, the return address can live there.
	w.WriteString("\tmflr 12\n")
	w.WriteString("\tbl .LBORINGSSL_bcm_set_toc\n")
	w.WriteString("\tmtlr 12\n")
	// A nop is needed because the size of the global entry prelude must be
	// a power of two.
	w.WriteString("\tnop\n")
}

// loadTOCFuncName returns the name of a synthesized function that sets r3 to
// the value of "symbol+offset@section". (The offset argument may be empty.)
func loadTOCFuncName(symbol, section, offset string) string {
	ret := "Lbcm_loadtoc_" + symbol + "_at_" + strings.ReplaceAll(section, "@", "_at_")
	if len(offset) > 0 {
		ret += "_offset_"
		ret += strings.Replace(strings.Replace(offset, "+", "", 1), "-", "neg_", 1)
	}
	return "." + strings.ReplaceAll(ret, ".", "_dot_")
}

// registersReferenced returns the registers mentioned by an instruction's
// operands. Registers are just written as numbers, without any prefix, so
// every numeric operand is conservatively treated as a register.
func registersReferenced(args []asm.Arg) []int {
	var regs []int
	for _, arg := range args {
		switch a := arg.(type) {
		case asm.RegisterOrConstant:
			if val, err := strconv.Atoi(a.Text); err == nil {
				regs = append(regs, val)
			}
		case asm.MemoryRef:
			if base, ok := a.BaseRegister(); ok {
				if val, err := strconv.Atoi(base); err == nil {
					regs = append(regs, val)
				}
			}
		}
	}
	return regs
}

// getTOC returns a wrapper function that emits code to load
// "symbol+offset@section" into a register, avoiding use of any of a given
// set of registers. (The offset argument may be empty.)
func (d *delocation) getTOC(symbol, section, offset string, avoidRegisters []int) (string, wrapperFunc) {
	destRegisterNo := 3

FindDest:
	for ; ; destRegisterNo++ {
		for _, avoid := range avoidRegisters {
			if avoid == destRegisterNo {
				continue FindDest
			}
		}
		break
	}

	dest := strconv.Itoa(destRegisterNo)
	d.tocLoaders[tocRef{symbol, section, offset}] = struct{}{}

	w := d.output
	return dest, func(k func()) {
		w.WriteString("\taddi 1, 1, -288\n")
		w.WriteString("\tstd " + dest + ", -8(1)\n")
		w.WriteString("\tmflr " + dest + "\n")
		w.WriteString("\tstd " + dest + ", -16(1)\n")
		w.WriteString("\tstd 2, -24(1)\n")
		if dest != "3" {
			w.WriteString("\tstd 3, -32(1)\n")
		}

		// loadTOCFuncName returns a ".L" name, so no nop is needed after
		// this call.
		w.WriteString("\tbl " + loadTOCFuncName(symbol, section, offset) + "\n")

		if dest != "3" {
			w.WriteString("\tmr " + dest + ", 3\n")
			w.WriteString("\tld 3, -32(1)\n")
		}
		w.WriteString("\tld 2, -24(1)\n")

		k()

		w.WriteString("\tld " + dest + ", -16(1)\n")
		w.WriteString("\tmtlr " + dest + "\n")
		w.WriteString("\tld " + dest + ", -8(1)\n")
		w.WriteString("\taddi 1, 1, 288\n")
	}
}

func (ppcRewriter) writeRedirector(d *delocation, target, redirector string) {
	w := d.output
	w.WriteString(".type " + redirector + ", @function\n")
	w.WriteString(redirector + ":\n")
	w.WriteString("\tmflr 0\n")
	w.WriteString("\tstd 0,16(1)\n")
	w.WriteString("\tstdu 1,-32(1)\n")
	w.WriteString("\tbl\t" + target + "\n")
	w.WriteString("\tnop\n")
	w.WriteString("\taddi 1,1,32\n")
	w.WriteString("\tld 0,16(1)\n")
	w.WriteString("\tmtlr 0\n")
	w.WriteString("\tblr\n")
}

func (ppcRewriter) writeAccessor(d *delocation, funcName, target string) {
	w := d.output
	w.WriteString(".type " + funcName + ", @function\n")
	w.WriteString(funcName + ":\n")
	w.WriteString("\taddis 3, 2, " + target + "@toc@ha\n")
	w.WriteString("\taddi 3, 3, " + target + "@toc@l\n")
	w.WriteString("\tblr\n")
}

func (ppcRewriter) writeHelpers(d *delocation) {
	w := d.output

	var refs []tocRef
	for ref := range d.tocLoaders {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].symbol != refs[j].symbol {
			return refs[i].symbol < refs[j].symbol
		}
		if refs[i].section != refs[j].section {
			return refs[i].section < refs[j].section
		}
		return refs[i].offset < refs[j].offset
	})

	for _, ref := range refs {
		funcName := loadTOCFuncName(ref.symbol, ref.section, ref.offset)
		target := ref.symbol + "@" + ref.section + ref.offset

		// The linker has three issues with these functions:
		//   1) if you add an @ha value to anything but r2, and with
		//      anything but addis, it complains that it can't optimise
		//      that pattern, which is a fatal error in some
		//      configurations.
		//   2) if the @ha value resolves to zero, the linker may replace
		//      the addis instruction with a nop.
		//   3) if you add an @l value to anything but r2, the linker may
		//      rewrite it to use r2 anyway.
		//
		// Thus the calling code saves r2 so that these functions can zero
		// it and still add the offset to r2, as required.
		w.WriteString(".type " + funcName[2:] + ", @function\n")
		w.WriteString(funcName[2:] + ":\n")
		w.WriteString(funcName + ":\n")
		if strings.HasSuffix(ref.section, "@ha") {
			w.WriteString("\taddi 2, 0, 0\n")
			w.WriteString("\taddi 3, 0, 0\n")
			w.WriteString("\taddis 3, 2, " + target + "\n")
		} else {
			w.WriteString("\taddi 2, 0, 0\n")
			w.WriteString("\taddi 3, 2, " + target + "\n")
		}
		w.WriteString("\tblr\n")
	}

	w.WriteString("BORINGSSL_bcm_set_toc:\n")
	w.WriteString(".LBORINGSSL_bcm_set_toc:\n")
	// This function writes the TOC address to r2. Register 12 needs to be
	// preserved because the calling function is using it to store a return
	// address.
	w.WriteString("\tmflr 2\n")
	w.WriteString("\tstd 12, -8(1)\n")
	// This jumps one instruction forward and thus saves the address of
	// label "0" in the link register.
	w.WriteString("\tbcl 20,31,$+4\n")
	w.WriteString("0:\n")
	w.WriteString("\tmflr 12\n")
	w.WriteString("\tmtlr 2\n")
	w.WriteString("\taddis 2,12,.TOC.-0b@ha\n")
	w.WriteString("\taddi 2,2,.TOC.-0b@l\n")
	w.WriteString("\tld 12, -8(1)\n")
	w.WriteString("\tblr\n")
}
