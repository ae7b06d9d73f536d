// Package parser parses GNU assembler source into the statement tree
// consumed by the delocation engine. The grammar is line oriented:
// statements end at a newline or ';', labels stand on their own, and
// everything the engine does not model is captured verbatim so it can be
// reproduced byte for byte.
package parser

import (
	"fmt"
	"strings"

	"github.com/raymyers/delocate/pkg/asm"
)

// Parse parses the contents of an assembly file.
func Parse(path, contents string) (*asm.File, error) {
	p := &parser{input: contents}
	var statements []asm.Statement
	for p.pos < len(p.input) {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)
	}
	return &asm.File{Path: path, Contents: contents, Statements: statements}, nil
}

// labelContainingDirectives are the directives whose arguments may contain
// symbol references that need per-file renaming.
var labelContainingDirectives = map[string]bool{
	".long":       true,
	".set":        true,
	".8byte":      true,
	".4byte":      true,
	".quad":       true,
	".tc":         true,
	".localentry": true,
	".size":       true,
	".type":       true,
	".uleb128":    true,
	".sleb128":    true,
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) ch() byte {
	return p.input[p.pos]
}

func (p *parser) errorf(format string, args ...interface{}) error {
	line := 1 + strings.Count(p.input[:p.pos], "\n")
	col := p.pos - strings.LastIndex(p.input[:p.pos], "\n")
	return fmt.Errorf("line %d, col %d: %s", line, col, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.ch() == ' ' || p.ch() == '\t') {
		p.pos++
	}
}

func (p *parser) skipToEOL() {
	for !p.eof() && p.ch() != '\n' {
		p.pos++
	}
}

// endStatement consumes optional trailing whitespace, an optional comment and
// the statement terminator, returning the statement's full span.
func (p *parser) endStatement(start int) (asm.Span, error) {
	p.skipSpace()
	if !p.eof() && p.ch() == '#' {
		p.skipToEOL()
	}
	if p.eof() {
		return asm.Span{Begin: start, End: p.pos}, nil
	}
	if c := p.ch(); c == '\n' || c == ';' {
		p.pos++
		return asm.Span{Begin: start, End: p.pos}, nil
	}
	return asm.Span{}, p.errorf("unexpected character %q at end of statement", p.ch())
}

func (p *parser) parseStatement() (asm.Statement, error) {
	start := p.pos
	p.skipSpace()

	if p.eof() {
		return asm.Empty{Pos: asm.Span{Begin: start, End: p.pos}}, nil
	}

	switch p.ch() {
	case '\n', ';':
		p.pos++
		return asm.Empty{Pos: asm.Span{Begin: start, End: p.pos}}, nil
	case '#':
		p.skipToEOL()
		if !p.eof() {
			p.pos++
		}
		return asm.Comment{Pos: asm.Span{Begin: start, End: p.pos}}, nil
	}

	if name, kind, end, ok := p.peekLabel(); ok {
		p.pos = end
		return asm.Label{Pos: asm.Span{Begin: start, End: end}, Kind: kind, Name: name}, nil
	}

	if p.ch() == '.' {
		return p.parseDirective(start)
	}
	if isAlpha(p.ch()) {
		return p.parseInstruction(start)
	}
	return nil, p.errorf("unexpected character %q", p.ch())
}

// peekLabel reports whether the text at the current position is a label
// definition, returning its name, kind and the position after the colon.
func (p *parser) peekLabel() (string, asm.LabelKind, int, bool) {
	i := p.pos

	if isDigit(p.input[i]) {
		for i < len(p.input) && (isDigit(p.input[i]) || p.input[i] == '$') {
			i++
		}
		if i < len(p.input) && p.input[i] == ':' {
			return p.input[p.pos:i], asm.LocalNumericLabel, i + 1, true
		}
		return "", 0, 0, false
	}

	if !isSymbolStart(p.input[i]) {
		return "", 0, 0, false
	}
	for i < len(p.input) && isSymbolChar(p.input[i]) {
		i++
	}
	if i >= len(p.input) || p.input[i] != ':' {
		return "", 0, 0, false
	}
	name := p.input[p.pos:i]
	kind := asm.GlobalSymbol
	if strings.HasPrefix(name, ".L") {
		kind = asm.LocalSymbol
	}
	return name, kind, i + 1, true
}

func (p *parser) parseDirective(start int) (asm.Statement, error) {
	p.pos++ // leading dot
	nameStart := p.pos
	for !p.eof() && isDirectiveChar(p.ch()) {
		p.pos++
	}
	name := p.input[nameStart:p.pos]
	if name == "" {
		return nil, p.errorf("missing directive name")
	}

	switch strings.ToLower(name) {
	case "globl", "global":
		p.skipSpace()
		symbol := p.scanSymbol()
		if symbol == "" {
			return nil, p.errorf("missing symbol after .%s", name)
		}
		pos, err := p.endStatement(start)
		if err != nil {
			return nil, err
		}
		return asm.GlobalDirective{Pos: pos, Symbol: symbol}, nil

	case "file", "loc":
		for !p.eof() && p.ch() != '#' && p.ch() != '\n' {
			p.pos++
		}
		pos, err := p.endStatement(start)
		if err != nil {
			return nil, err
		}
		return asm.LocationDirective{Pos: pos}, nil
	}

	if labelContainingDirectives["."+strings.ToLower(name)] {
		args, err := p.parseSymbolArgs()
		if err != nil {
			return nil, err
		}
		pos, err := p.endStatement(start)
		if err != nil {
			return nil, err
		}
		return asm.LabelContainingDirective{Pos: pos, Name: "." + name, Args: args}, nil
	}

	args, err := p.parseDirectiveArgs()
	if err != nil {
		return nil, err
	}
	pos, err := p.endStatement(start)
	if err != nil {
		return nil, err
	}
	return asm.Directive{Pos: pos, Name: name, Args: args}, nil
}

// parseDirectiveArgs parses a comma-separated argument list. Quoted arguments
// are stored as their raw contents without the quotes.
func (p *parser) parseDirectiveArgs() ([]string, error) {
	var args []string
	p.skipSpace()
	if p.eof() || p.ch() == '\n' || p.ch() == ';' || p.ch() == '#' {
		return nil, nil
	}
	for {
		p.skipSpace()
		if !p.eof() && p.ch() == '"' {
			p.pos++
			argStart := p.pos
			for !p.eof() && p.ch() != '"' {
				if p.ch() == '\\' {
					p.pos++
				}
				if !p.eof() {
					p.pos++
				}
			}
			if p.eof() {
				return nil, p.errorf("unterminated quoted argument")
			}
			args = append(args, p.input[argStart:p.pos])
			p.pos++ // closing quote
		} else {
			argStart := p.pos
			for !p.eof() && !isArgTerminator(p.ch()) {
				p.pos++
			}
			args = append(args, strings.TrimRight(p.input[argStart:p.pos], " \t"))
		}
		p.skipSpace()
		if p.eof() || p.ch() != ',' {
			return args, nil
		}
		p.pos++
	}
}

// parseSymbolArgs parses the arguments of a label-containing directive,
// splitting each argument into renameable terms.
func (p *parser) parseSymbolArgs() ([]asm.SymbolArg, error) {
	var args []asm.SymbolArg
	for {
		p.skipSpace()
		argStart := p.pos
		for !p.eof() && !isArgTerminator(p.ch()) {
			p.pos++
		}
		text := strings.TrimRight(p.input[argStart:p.pos], " \t")
		if text == "" {
			return nil, p.errorf("empty symbol argument")
		}
		args = append(args, asm.SymbolArg{Terms: symbolArgTerms(text)})
		p.skipSpace()
		if p.eof() || p.ch() != ',' {
			return args, nil
		}
		p.pos++
	}
}

// symbolArgTerms splits an argument into symbol tokens and verbatim runs so
// local symbols can be renamed wherever they appear.
func symbolArgTerms(text string) []asm.SymbolTerm {
	var terms []asm.SymbolTerm
	for i := 0; i < len(text); {
		if isSymbolStart(text[i]) {
			j := i
			for j < len(text) && isSymbolChar(text[j]) {
				j++
			}
			tok := text[i:j]
			terms = append(terms, asm.SymbolTerm{Local: strings.HasPrefix(tok, ".L"), Text: tok})
			i = j
		} else {
			j := i
			for j < len(text) && !isSymbolStart(text[j]) {
				j++
			}
			terms = append(terms, asm.SymbolTerm{Text: text[i:j]})
			i = j
		}
	}
	return terms
}

func (p *parser) parseInstruction(start int) (asm.Statement, error) {
	nameStart := p.pos
	for !p.eof() && isAlnum(p.ch()) {
		p.pos++
	}
	// Mnemonics may carry a trailing modifier character.
	if !p.eof() && (p.ch() == '.' || p.ch() == '+' || p.ch() == '-') {
		if p.pos+1 >= len(p.input) || isSpaceOrEOL(p.input[p.pos+1]) {
			p.pos++
		}
	}
	name := p.input[nameStart:p.pos]

	var args []asm.Arg
	p.skipSpace()
	if !p.eof() && p.ch() != '\n' && p.ch() != ';' && p.ch() != '#' {
		for {
			argStart := p.pos
			depth := 0
			for !p.eof() {
				c := p.ch()
				if c == '(' || c == '{' {
					depth++
				} else if c == ')' || c == '}' {
					depth--
				} else if depth == 0 && isArgTerminator(c) {
					break
				}
				p.pos++
			}
			text := strings.TrimSpace(p.input[argStart:p.pos])
			if text == "" {
				return nil, p.errorf("empty instruction operand")
			}
			arg, err := classifyArg(text)
			if err != nil {
				return nil, p.errorf("%s", err)
			}
			args = append(args, arg)
			p.skipSpace()
			if p.eof() || p.ch() != ',' {
				break
			}
			p.pos++
			p.skipSpace()
		}
	}

	pos, err := p.endStatement(start)
	if err != nil {
		return nil, err
	}
	return asm.Instruction{Pos: pos, Name: name, Args: args}, nil
}

// classifyArg decides which operand variant a piece of text is.
func classifyArg(text string) (asm.Arg, error) {
	t := text
	indirect := false
	if strings.HasPrefix(t, "*") {
		indirect = true
		t = t[1:]
	}
	if t == "" {
		return nil, fmt.Errorf("empty operand")
	}

	if isLocalLabelRef(t) {
		return asm.LocalLabelRef{Text: text}, nil
	}

	if strings.HasPrefix(t, ".TOC.-") {
		lower := strings.ToLower(t)
		switch {
		case strings.HasSuffix(lower, "@ha"):
			return asm.TOCRefHigh{Text: text}, nil
		case strings.HasSuffix(lower, "@l"):
			return asm.TOCRefLow{Text: text}, nil
		}
	}

	if !strings.ContainsAny(t, "({") {
		if t[0] == '%' || t[0] == '$' || isOffsetStart(t) {
			return asm.RegisterOrConstant{Text: text}, nil
		}
	} else if t[0] == '%' {
		// Forms like %st(1); never rewritten, kept verbatim.
		return asm.RegisterOrConstant{Text: text}, nil
	}

	m := asm.MemoryRef{Indirect: indirect}
	rest := t
	if isSymbolStart(rest[0]) {
		i := 0
		for i < len(rest) && isSymbolChar(rest[i]) {
			i++
		}
		m.Symbol = rest[:i]
		m.SymbolIsLocal = strings.HasPrefix(m.Symbol, ".L")
		rest = rest[i:]

		for len(rest) > 0 && (rest[0] == '+' || rest[0] == '-') && len(rest) > 1 && isDigit(rest[1]) {
			j := 1
			for j < len(rest) && isOffsetChar(rest[j]) {
				j++
			}
			m.Offset += rest[:j]
			rest = rest[j:]
		}

		if strings.HasPrefix(rest, "@") {
			j := 1
			for j < len(rest) && (isAlpha(rest[j]) || rest[j] == '@') {
				j++
			}
			m.Section = rest[1:j]
			rest = rest[j:]

			// Offsets may also follow the section qualifier.
			for len(rest) > 0 && (rest[0] == '+' || rest[0] == '-') && len(rest) > 1 && isDigit(rest[1]) {
				j := 1
				for j < len(rest) && isOffsetChar(rest[j]) {
					j++
				}
				m.Offset += rest[:j]
				rest = rest[j:]
			}
		}
	}
	m.Tail = rest
	return m, nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlnum(c byte) bool {
	return isAlpha(c) || isDigit(c)
}

func isDirectiveChar(c byte) bool {
	return isAlnum(c) || c == '_'
}

func isSymbolStart(c byte) bool {
	return isAlpha(c) || c == '.' || c == '_'
}

func isSymbolChar(c byte) bool {
	return isAlnum(c) || c == '.' || c == '$' || c == '_'
}

func isSpaceOrEOL(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == ';'
}

func isArgTerminator(c byte) bool {
	return c == ',' || c == '#' || c == '\n' || c == ';'
}

// isLocalLabelRef reports numeric label references like "1b" or "2f".
func isLocalLabelRef(t string) bool {
	if len(t) < 2 || !isDigit(t[0]) {
		return false
	}
	last := t[len(t)-1]
	if last != 'b' && last != 'f' {
		return false
	}
	for i := 1; i < len(t)-1; i++ {
		if !isDigit(t[i]) && t[i] != '$' {
			return false
		}
	}
	return true
}

// isOffsetStart reports text that begins like a numeric constant.
func isOffsetStart(t string) bool {
	i := 0
	for i < len(t) && (t[i] == '+' || t[i] == '-') {
		i++
	}
	return i < len(t) && isDigit(t[i])
}

func isOffsetChar(c byte) bool {
	return isAlnum(c) // covers decimal, 0x... and 0b... forms
}

func (p *parser) scanSymbol() string {
	start := p.pos
	if p.eof() || !isSymbolStart(p.ch()) {
		return ""
	}
	for !p.eof() && isSymbolChar(p.ch()) {
		p.pos++
	}
	return p.input[start:p.pos]
}
