// Package delocate rewrites compiled, relocatable assembly into a single
// self-contained block of machine text with no load-time relocations, so
// that the module's byte image is independent of where the final binary is
// linked or loaded and can be hashed for a runtime integrity check.
//
// References that would need a relocation inside the hashed region are
// rewritten to go through synthesized helper functions (redirectors, BSS
// accessors, TOC loaders, GOT delta objects) emitted after the region's end
// marker. Everything between BORINGSSL_bcm_text_start and
// BORINGSSL_bcm_text_end is covered by the hash.
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

// Processor identifies the instruction set of the inputs.
type Processor int

const (
	PPC64LE Processor = iota + 1
	X86_64
)

// InputFile is one parsed assembly input. Index 0 is reserved for the
// archive-extracted source, whose local symbols are treated as canonical and
// exempt from renaming.
type InputFile struct {
	Path      string
	Index     int
	IsArchive bool
	File      *asm.File
}

// StatementError is a structural violation tied to a specific source
// statement. Any such violation is fatal: a partially delocated module would
// not match its intended self-test hash.
type StatementError struct {
	Path string
	Line int
	Text string
	Err  error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%s:%d: %v (while processing %q)", e.Path, e.Line, e.Err, e.Text)
}

func (e *StatementError) Unwrap() error { return e.Err }

// archRewriter is the per-architecture half of the pass. rewriteInstruction
// processes the instruction at stmts[i] and returns the index of the last
// statement it consumed (the ppc64le TOC preamble spans two statements).
type archRewriter interface {
	rewriteInstruction(d *delocation, stmts []asm.Statement, i int) (int, error)
	writeRedirector(d *delocation, target, redirector string)
	writeAccessor(d *delocation, funcName, target string)
	writeHelpers(d *delocation)
}

type tocRef struct {
	symbol  string
	section string
	offset  string
}

type gotRef struct {
	symbol  string
	section string
}

// delocation holds the state threaded through a single pass over all inputs.
// It is created by Transform and discarded after the final emission step.
type delocation struct {
	processor Processor
	arch      archRewriter
	output    io.StringWriter

	// symbols is the set of global symbols defined in the module.
	symbols map[string]struct{}
	// redirectors maps an out-call target to the name of its trampoline,
	// e.g. "memcpy@PLT" -> "bcm_redirector_memcpy".
	redirectors map[string]string
	// bssAccessorsNeeded maps a BSS symbol to the symbol its accessor
	// function should reference.
	bssAccessorsNeeded map[string]string
	// tocLoaders is the set of TOC helper functions required. (ppc64le.)
	tocLoaders map[tocRef]struct{}
	// gotExternalsNeeded is the set of delta objects required: objects
	// holding the offset from their own location to the GOT entry. (x86-64.)
	gotExternalsNeeded map[gotRef]struct{}

	currentInput InputFile
}

// Transform runs the delocation pass over inputs in argument order, writing
// the rewritten module to w.
func Transform(w io.StringWriter, inputs []InputFile) error {
	symbols, err := scanSymbols(inputs)
	if err != nil {
		return err
	}

	processor := X86_64
	if len(inputs) > 0 {
		processor, err = detectProcessor(inputs[0])
		if err != nil {
			return err
		}
	}

	d := &delocation{
		processor:          processor,
		output:             w,
		symbols:            symbols,
		redirectors:        make(map[string]string),
		bssAccessorsNeeded: make(map[string]string),
		tocLoaders:         make(map[tocRef]struct{}),
		gotExternalsNeeded: make(map[gotRef]struct{}),
	}
	switch processor {
	case X86_64:
		d.arch = intelRewriter{}
	case PPC64LE:
		d.arch = ppcRewriter{}
	}

	w.WriteString(".text\nBORINGSSL_bcm_text_start:\n")

	for _, input := range inputs {
		if err := d.processInput(input); err != nil {
			return err
		}
	}

	w.WriteString(".text\nBORINGSSL_bcm_text_end:\n")

	d.writeGeneratedCode()
	return nil
}

// scanSymbols builds the set of global symbols defined across all inputs.
// Later lookups rely on uniqueness to tell in-module references from
// external calls, so a duplicate definition is fatal.
func scanSymbols(inputs []InputFile) (map[string]struct{}, error) {
	symbols := make(map[string]struct{})
	for _, input := range inputs {
		for _, stmt := range input.File.Statements {
			label, ok := stmt.(asm.Label)
			if !ok || label.Kind != asm.GlobalSymbol {
				continue
			}
			if _, ok := symbols[label.Name]; ok {
				paths := make([]string, 0, len(inputs))
				for _, in := range inputs {
					paths = append(paths, in.Path)
				}
				return nil, fmt.Errorf("duplicate symbol %q found in %q (inputs: %s)",
					label.Name, input.Path, strings.Join(paths, ", "))
			}
			symbols[label.Name] = struct{}{}
		}
	}
	return symbols, nil
}

// detectProcessor scans the first input for a recognizable mnemonic. Mixed
// architecture input sets are not modeled; the first file wins.
func detectProcessor(input InputFile) (Processor, error) {
	for _, stmt := range input.File.Statements {
		instr, ok := stmt.(asm.Instruction)
		if !ok {
			continue
		}
		switch instr.Name {
		case "movq", "call", "leaq":
			return X86_64, nil
		case "addis", "addi", "mflr":
			return PPC64LE, nil
		}
	}
	return 0, fmt.Errorf("no recognized instructions in %q", input.Path)
}

func (d *delocation) processInput(input InputFile) error {
	d.currentInput = input
	stmts := input.File.Statements

	for i := 0; i < len(stmts); i++ {
		stmt := stmts[i]
		var err error

		switch s := stmt.(type) {
		case asm.GlobalDirective, asm.Comment, asm.LocationDirective, asm.Empty:
			d.writeStatement(stmt)
		case asm.Directive:
			i, err = d.processDirective(s, stmts, i)
		case asm.LabelContainingDirective:
			d.processLabelContainingDirective(s)
		case asm.Label:
			d.processLabel(s)
		case asm.Instruction:
			i, err = d.arch.rewriteInstruction(d, stmts, i)
		default:
			err = fmt.Errorf("unknown statement type %T", stmt)
		}

		if err != nil {
			var se *StatementError
			if errors.As(err, &se) {
				return err
			}
			return d.statementError(stmt, err)
		}
	}
	return nil
}

func (d *delocation) writeStatement(stmt asm.Statement) {
	d.output.WriteString(d.currentInput.File.Text(stmt.Span()))
}

// writeCommented preserves a rewritten statement's source text as a comment.
func (d *delocation) writeCommented(stmt asm.Statement) {
	line := d.currentInput.File.Text(stmt.Span())
	d.output.WriteString("# WAS " + strings.TrimSpace(line) + "\n")
}

func (d *delocation) statementError(stmt asm.Statement, err error) error {
	f := d.currentInput.File
	return &StatementError{
		Path: d.currentInput.Path,
		Line: f.LineOf(stmt.Span().Begin),
		Text: strings.TrimSpace(f.Text(stmt.Span())),
		Err:  err,
	}
}

func (d *delocation) processDirective(dir asm.Directive, stmts []asm.Statement, i int) (int, error) {
	switch dir.Name {
	case "comm", "lcomm":
		if len(dir.Args) < 1 {
			return i, errors.New("comm directive has no arguments")
		}
		d.bssAccessorsNeeded[dir.Args[0]] = dir.Args[0]
		d.writeStatement(dir)

	case "section":
		if len(dir.Args) < 1 {
			return i, errors.New("section directive has no arguments")
		}
		section := dir.Args[0]

		if section == ".data.rel.ro" {
			// Not a true data section: sanitizer builds emit it, and any
			// reference from the module would carry a relocation. Demote it
			// to .text, keeping the original directive as a comment.
			d.writeCommented(dir)
			d.output.WriteString(".text\n")
			break
		}

		sectionType, ok := sectionType(section)
		if !ok {
			// Unknown sections pass through so the tool stays robust to
			// compiler modes it does not model.
			d.writeStatement(dir)
			break
		}

		switch sectionType {
		case ".rodata", ".text":
			// Read-only data is merged into .text so it can be addressed
			// IP-relatively without a relocation. -fmerge-constants places
			// strings into sections named like .rodata.str1.1, and
			// .text.startup must land in the module too.
			d.writeCommented(dir)
			d.output.WriteString(".text\n")

		case ".init_array", ".fini_array", ".ctors", ".dtors":
			// Constructor/destructor pointer tables carry relocations, but
			// they live outside the hashed region.
			d.writeStatement(dir)

		case ".debug", ".note", ".toc":
			d.writeStatement(dir)

		case ".bss":
			d.writeStatement(dir)
			return d.handleBSS(stmts, i)

		default:
			d.writeStatement(dir)
		}

	default:
		d.writeStatement(dir)
	}

	return i, nil
}

// processLabelContainingDirective maps local symbols inside directive
// arguments (e.g. DWARF location tables) so that inputs do not collide.
func (d *delocation) processLabelContainingDirective(dir asm.LabelContainingDirective) {
	changed := false
	args := make([]string, 0, len(dir.Args))

	for _, arg := range dir.Args {
		var mapped strings.Builder
		for _, term := range arg.Terms {
			text := term.Text
			if term.Local {
				renamed := d.mapLocalSymbol(text)
				if renamed != text {
					changed = true
					text = renamed
				}
			}
			mapped.WriteString(text)
		}
		args = append(args, mapped.String())
	}

	if !changed {
		d.writeStatement(dir)
		return
	}
	d.writeCommented(dir)
	d.output.WriteString("\t" + dir.Name + "\t" + strings.Join(args, ", ") + "\n")
}

func (d *delocation) processLabel(label asm.Label) {
	switch label.Kind {
	case asm.LocalNumericLabel:
		d.output.WriteString(label.Name + ":\n")
	case asm.LocalSymbol:
		d.output.WriteString(d.mapLocalSymbol(label.Name) + ":\n")
	case asm.GlobalSymbol:
		d.output.WriteString(localTargetName(label.Name) + ":\n")
		d.writeStatement(label)
	}
}

// handleBSS consumes the statements of a .bss section up to the next
// section-changing directive, which is left for the caller to reprocess.
// Every global label gets a synthesized local target and an accessor
// function request, so the symbol is only ever addressed through the
// accessor rather than a relocation in the hashed region.
func (d *delocation) handleBSS(stmts []asm.Statement, i int) (int, error) {
	for j := i + 1; j < len(stmts); j++ {
		switch s := stmts[j].(type) {
		case asm.GlobalDirective, asm.Comment, asm.LocationDirective, asm.Instruction, asm.Empty:
			d.writeStatement(s)

		case asm.Directive:
			if s.Name == "text" || s.Name == "section" || s.Name == "data" {
				return j - 1, nil
			}
			d.writeStatement(s)

		case asm.Label:
			switch s.Kind {
			case asm.LocalNumericLabel:
				d.output.WriteString(s.Name + ":\n")
			case asm.LocalSymbol:
				d.output.WriteString(d.mapLocalSymbol(s.Name) + ":\n")
			case asm.GlobalSymbol:
				d.writeStatement(s)
				localSymbol := localTargetName(s.Name)
				d.output.WriteString(fmt.Sprintf("\n%s:\n", localSymbol))
				d.bssAccessorsNeeded[s.Name] = localSymbol
			}

		case asm.LabelContainingDirective:
			d.processLabelContainingDirective(s)

		default:
			return j, d.statementError(stmts[j], errors.New("unexpected statement in .bss section"))
		}
	}
	return len(stmts) - 1, nil
}

// writeGeneratedCode emits, after the end of the hashed region, every helper
// the pass accumulated, each family in sorted name order so output is
// deterministic, and finally the hash placeholder.
func (d *delocation) writeGeneratedCode() {
	w := d.output

	for _, target := range sortedKeys(d.redirectors) {
		d.arch.writeRedirector(d, target, d.redirectors[target])
	}

	for _, name := range sortedKeys(d.bssAccessorsNeeded) {
		d.arch.writeAccessor(d, accessorName(name), d.bssAccessorsNeeded[name])
	}

	d.arch.writeHelpers(d)

	w.WriteString(".type BORINGSSL_bcm_text_hash, @object\n")
	w.WriteString(".size BORINGSSL_bcm_text_hash, 64\n")
	w.WriteString("BORINGSSL_bcm_text_hash:\n")
	for _, b := range uninitHashValue {
		w.WriteString(".byte 0x" + strconv.FormatUint(uint64(b), 16) + "\n")
	}
}

// uninitHashValue is the placeholder digest of the module text. The separate
// post-build step replaces it with the real hash.
var uninitHashValue = [64]byte{}

// localTargetName returns the in-module alias label for a global symbol, so
// intra-module references never go through the GOT, PLT or TOC.
func localTargetName(name string) string {
	return ".L" + name + "_local_target"
}

func redirectorName(symbol string) string {
	return "bcm_redirector_" + symbol
}

// accessorName returns the name of the accessor function for a BSS symbol.
func accessorName(name string) string {
	return name + "_bss_get"
}

// isSynthesized reports symbols generated by this tool itself; references to
// them need no rewriting.
func isSynthesized(symbol string) bool {
	return strings.HasSuffix(symbol, "_bss_get") ||
		symbol == "OPENSSL_ia32cap_get" ||
		strings.HasPrefix(symbol, "BORINGSSL_bcm_text_")
}

// mapLocalSymbol disambiguates a compiler-private label per input file. It is
// a pure function of the symbol and the input's index, so two files never
// collide even if their compilers chose identical label numbers.
func (d *delocation) mapLocalSymbol(symbol string) string {
	if d.currentInput.Index == 0 {
		return symbol
	}
	return symbol + "_BCM_" + strconv.Itoa(d.currentInput.Index)
}

// sectionType returns the coarse type of a section: ".text.startup" is
// ".text" and all .debug_* sections are ".debug".
func sectionType(section string) (string, bool) {
	if len(section) == 0 || section[0] != '.' {
		return "", false
	}

	if i := strings.Index(section[1:], "."); i != -1 {
		section = section[:i+1]
	}

	if strings.HasPrefix(section, ".debug_") {
		return ".debug", true
	}

	return section, true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// argText reconstructs an operand's source text.
func argText(arg asm.Arg) string {
	switch a := arg.(type) {
	case asm.RegisterOrConstant:
		return a.Text
	case asm.LocalLabelRef:
		return a.Text
	case asm.TOCRefHigh:
		return a.Text
	case asm.TOCRefLow:
		return a.Text
	case asm.MemoryRef:
		var b strings.Builder
		if a.Indirect {
			b.WriteString("*")
		}
		b.WriteString(a.Symbol)
		b.WriteString(a.Offset)
		if a.Section != "" {
			b.WriteString("@")
			b.WriteString(a.Section)
		}
		b.WriteString(a.Tail)
		return b.String()
	}
	return ""
}
