// Package asm defines the statement tree for GNU assembler source.
// This is the input representation of the delocation engine: an ordered
// sequence of tagged statements, each carrying the byte span of its source
// text so unchanged statements can be reproduced verbatim.
package asm

import "strings"

// Span is a half-open byte range into a File's contents.
type Span struct {
	Begin int
	End   int
}

// File is a parsed assembly source file.
type File struct {
	Path       string
	Contents   string
	Statements []Statement
}

// Text returns the source text covered by a span.
func (f *File) Text(s Span) string {
	return f.Contents[s.Begin:s.End]
}

// LineOf returns the 1-based line number containing byte offset off.
func (f *File) LineOf(off int) int {
	if off > len(f.Contents) {
		off = len(f.Contents)
	}
	return 1 + strings.Count(f.Contents[:off], "\n")
}

// --- Statement variants ---

// Statement is the interface for top-level assembly statements.
type Statement interface {
	Span() Span
	implStatement()
}

// GlobalDirective is a .globl/.global directive.
type GlobalDirective struct {
	Pos    Span
	Symbol string
}

// Comment is a whole-line # comment.
type Comment struct {
	Pos Span
}

// LocationDirective is a .file or .loc debug-location directive.
type LocationDirective struct {
	Pos Span
}

// Directive is any other assembler directive, e.g. .section or .comm.
// Name is stored without the leading dot. Quoted arguments are stored as
// their raw quoted contents.
type Directive struct {
	Pos  Span
	Name string
	Args []string
}

// LabelContainingDirective is a directive whose arguments may reference
// symbols (e.g. .quad, .size, .localentry). Name keeps the leading dot.
type LabelContainingDirective struct {
	Pos  Span
	Name string
	Args []SymbolArg
}

// SymbolArg is one comma-separated argument of a LabelContainingDirective,
// broken into terms so local symbols can be renamed in place.
type SymbolArg struct {
	Terms []SymbolTerm
}

// SymbolTerm is a run of an argument's text. Local terms are compiler-private
// .L symbols subject to per-file renaming; other terms are kept verbatim.
type SymbolTerm struct {
	Local bool
	Text  string
}

// Text reconstructs the argument's source text.
func (a SymbolArg) Text() string {
	var b strings.Builder
	for _, t := range a.Terms {
		b.WriteString(t.Text)
	}
	return b.String()
}

// LabelKind classifies label definitions.
type LabelKind int

const (
	// LocalNumericLabel is a numeric label like "1:".
	LocalNumericLabel LabelKind = iota
	// LocalSymbol is a compiler-private label like ".Lfoo:".
	LocalSymbol
	// GlobalSymbol is an externally linkable symbol name.
	GlobalSymbol
)

// Label is a label definition. Name excludes the trailing colon.
type Label struct {
	Pos  Span
	Kind LabelKind
	Name string
}

// Instruction is a machine instruction with its operands.
type Instruction struct {
	Pos  Span
	Name string
	Args []Arg
}

// Empty is a statement with no content: a blank line, stray whitespace, or
// the line terminator left after a label definition.
type Empty struct {
	Pos Span
}

func (s GlobalDirective) Span() Span          { return s.Pos }
func (s Comment) Span() Span                  { return s.Pos }
func (s LocationDirective) Span() Span        { return s.Pos }
func (s Directive) Span() Span                { return s.Pos }
func (s LabelContainingDirective) Span() Span { return s.Pos }
func (s Label) Span() Span                    { return s.Pos }
func (s Instruction) Span() Span              { return s.Pos }
func (s Empty) Span() Span                    { return s.Pos }

func (GlobalDirective) implStatement()          {}
func (Comment) implStatement()                  {}
func (LocationDirective) implStatement()        {}
func (Directive) implStatement()                {}
func (LabelContainingDirective) implStatement() {}
func (Label) implStatement()                    {}
func (Instruction) implStatement()              {}
func (Empty) implStatement()                    {}

// --- Instruction arguments ---

// Arg is the interface for instruction operands.
type Arg interface {
	implArg()
}

// RegisterOrConstant is a register or immediate operand, kept verbatim.
type RegisterOrConstant struct {
	Text string
}

// LocalLabelRef is a numeric label reference like "1b" or "2f".
type LocalLabelRef struct {
	Text string
}

// TOCRefHigh is a ".TOC.-<label>@ha" operand (ppc64le TOC preamble).
type TOCRefHigh struct {
	Text string
}

// TOCRefLow is a ".TOC.-<label>@l" operand (ppc64le TOC preamble).
type TOCRefLow struct {
	Text string
}

// MemoryRef is an addressed operand. An empty Symbol means the operand has
// no symbolic part (e.g. "8(%rsp)"); Tail then holds the whole text.
// Tail otherwise carries everything after the symbol, offset and section
// qualifier: a base-index-scale suffix like "(%rip)" or "(3)", or AVX-512
// opmask tokens.
type MemoryRef struct {
	Symbol        string
	SymbolIsLocal bool
	Offset        string
	Section       string
	Indirect      bool
	Tail          string
}

// BaseRegister returns the register inside a plain "(reg)" tail, if any.
func (m MemoryRef) BaseRegister() (string, bool) {
	if len(m.Tail) < 3 || m.Tail[0] != '(' || m.Tail[len(m.Tail)-1] != ')' {
		return "", false
	}
	inner := m.Tail[1 : len(m.Tail)-1]
	if inner == "" || strings.ContainsAny(inner, ",() \t") {
		return "", false
	}
	return inner, true
}

func (RegisterOrConstant) implArg() {}
func (LocalLabelRef) implArg()      {}
func (TOCRefHigh) implArg()         {}
func (TOCRefLow) implArg()          {}
func (MemoryRef) implArg()          {}
