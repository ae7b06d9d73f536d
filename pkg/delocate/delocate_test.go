package delocate

import (
	"errors"
	"strings"
	"testing"

	"github.com/raymyers/delocate/pkg/asm"
	"github.com/raymyers/delocate/pkg/parser"
)

func mustParse(t *testing.T, path, contents string) *asm.File {
	t.Helper()
	file, err := parser.Parse(path, contents)
	if err != nil {
		t.Fatalf("parsing %s failed: %v", path, err)
	}
	return file
}

func transformInputs(t *testing.T, inputs []InputFile) string {
	t.Helper()
	var out strings.Builder
	if err := Transform(&out, inputs); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	return out.String()
}

func transformSingle(t *testing.T, contents string) string {
	t.Helper()
	return transformInputs(t, []InputFile{
		{Path: "in.s", Index: 0, File: mustParse(t, "in.s", contents)},
	})
}

func TestModuleMarkersAndHash(t *testing.T) {
	out := transformSingle(t, ".text\nfoo:\n\tmovq %rax, %rbx\n\tret\n")

	if !strings.HasPrefix(out, ".text\nBORINGSSL_bcm_text_start:\n") {
		t.Errorf("output does not begin with the start marker:\n%s", out)
	}

	endIdx := strings.Index(out, ".text\nBORINGSSL_bcm_text_end:\n")
	if endIdx == -1 {
		t.Fatalf("output is missing the end marker:\n%s", out)
	}
	hashIdx := strings.Index(out, "BORINGSSL_bcm_text_hash:\n")
	if hashIdx == -1 {
		t.Fatalf("output is missing the hash placeholder:\n%s", out)
	}
	if hashIdx < endIdx {
		t.Errorf("hash placeholder emitted inside the hashed region")
	}
	if got := strings.Count(out, ".byte 0x0\n"); got != 64 {
		t.Errorf("hash placeholder has %d zero bytes, want 64", got)
	}
	if !strings.Contains(out, ".size BORINGSSL_bcm_text_hash, 64\n") {
		t.Errorf("hash placeholder is missing its size directive")
	}
}

func TestDuplicateSymbolsFatal(t *testing.T) {
	a := mustParse(t, "a.s", ".text\nfoo:\n\tmovq %rax, %rbx\n")
	b := mustParse(t, "b.s", ".text\nfoo:\n\tret\n")

	var out strings.Builder
	err := Transform(&out, []InputFile{
		{Path: "a.s", Index: 0, File: a},
		{Path: "b.s", Index: 1, File: b},
	})
	if err == nil {
		t.Fatal("expected an error for a duplicate symbol")
	}
	if !strings.Contains(err.Error(), "duplicate symbol") || !strings.Contains(err.Error(), "foo") {
		t.Errorf("error %q does not describe the duplicate", err.Error())
	}
	if !strings.Contains(err.Error(), "a.s") || !strings.Contains(err.Error(), "b.s") {
		t.Errorf("error %q does not list the input paths", err.Error())
	}
}

func TestDetectProcessor(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Processor
	}{
		{"x86 movq", ".text\n\tmovq %rax, %rbx\n", X86_64},
		{"x86 call", "\tcall foo\n", X86_64},
		{"ppc addis", "\taddis 2, 12, .TOC.-0b@ha\n", PPC64LE},
		{"ppc mflr", "\tmflr 0\n", PPC64LE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := InputFile{Path: "in.s", File: mustParse(t, "in.s", tt.input)}
			got, err := detectProcessor(input)
			if err != nil {
				t.Fatalf("detectProcessor failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("unrecognized", func(t *testing.T) {
		input := InputFile{Path: "in.s", File: mustParse(t, "in.s", ".text\n")}
		if _, err := detectProcessor(input); err == nil {
			t.Error("expected an error for input without instructions")
		}
	})
}

func TestSectionType(t *testing.T) {
	tests := []struct {
		section string
		want    string
		ok      bool
	}{
		{".rodata", ".rodata", true},
		{".rodata.str1.1", ".rodata", true},
		{".text.startup", ".text", true},
		{".debug_info", ".debug", true},
		{".debug_str", ".debug", true},
		{".bss", ".bss", true},
		{"data", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := sectionType(tt.section)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("sectionType(%q): got %q, %v; want %q, %v", tt.section, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRodataMergedIntoText(t *testing.T) {
	out := transformSingle(t, ".text\nfoo:\n\tmovq %rax, %rbx\n\t.section .rodata\n\t.quad 42\n")

	if !strings.Contains(out, "# WAS .section .rodata\n.text\n") {
		t.Errorf("rodata section not merged into .text:\n%s", out)
	}
}

func TestSectionMergeIdempotent(t *testing.T) {
	input := ".text\nfoo:\n\tmovq %rax, %rbx\n\tret\n.section .rodata\nkTable:\n\t.quad 42\n"
	first := transformSingle(t, input)

	startMarker := "BORINGSSL_bcm_text_start:\n"
	begin := strings.Index(first, startMarker)
	end := strings.Index(first, ".text\nBORINGSSL_bcm_text_end:")
	if begin == -1 || end == -1 {
		t.Fatalf("module markers missing:\n%s", first)
	}
	merged := first[begin+len(startMarker) : end]

	// The hashed region holds only merged .text; running the pass over it
	// again must not rewrite any section directive.
	second := transformSingle(t, merged)
	if got, want := strings.Count(second, "# WAS"), strings.Count(merged, "# WAS"); got != want {
		t.Errorf("second pass rewrote %d more statements:\n%s", got-want, second)
	}
	if got := strings.Count(second, "# WAS .section .rodata"); got != 1 {
		t.Errorf("merge comment should carry through exactly once, found %d:\n%s", got, second)
	}
}

func TestDataRelRoDemoted(t *testing.T) {
	out := transformSingle(t, ".text\nfoo:\n\tmovq %rax, %rbx\n\t.section .data.rel.ro,\"aw\"\n\t.quad foo\n")

	if !strings.Contains(out, "# WAS .section .data.rel.ro,\"aw\"\n.text\n") {
		t.Errorf(".data.rel.ro not demoted to .text:\n%s", out)
	}
}

func TestDebugSectionsPassThrough(t *testing.T) {
	input := ".text\nfoo:\n\tmovq %rax, %rbx\n\t.section .debug_info,\"\",@progbits\n"
	out := transformSingle(t, input)

	if !strings.Contains(out, "\t.section .debug_info,\"\",@progbits\n") {
		t.Errorf("debug section was not passed through verbatim:\n%s", out)
	}
}

func TestGlobalLabelGetsLocalTarget(t *testing.T) {
	out := transformSingle(t, ".text\nfoo:\n\tmovq %rax, %rbx\n\tret\n")

	if !strings.Contains(out, ".Lfoo_local_target:\nfoo:\n") {
		t.Errorf("global label is missing its local target alias:\n%s", out)
	}
}

func TestLocalSymbolRenaming(t *testing.T) {
	input := ".text\n\tmovq %rax, %rbx\n.Lloop:\n\tjmp .Lloop\n"
	out := transformInputs(t, []InputFile{
		{Path: "in.s", Index: 1, File: mustParse(t, "in.s", input)},
	})

	if !strings.Contains(out, ".Lloop_BCM_1:\n") {
		t.Errorf("local label definition not renamed:\n%s", out)
	}
	if !strings.Contains(out, "\tjmp\t.Lloop_BCM_1\n") {
		t.Errorf("local label reference not renamed:\n%s", out)
	}
	if strings.Contains(out, "\tjmp .Lloop\n") {
		t.Errorf("stale local label reference left behind:\n%s", out)
	}
}

func TestArchiveInputLocalSymbolsCanonical(t *testing.T) {
	input := ".text\n\tmovq %rax, %rbx\n.Lloop:\n\tjmp .Lloop\n"
	out := transformInputs(t, []InputFile{
		{Path: "bcm.s", Index: 0, IsArchive: true, File: mustParse(t, "bcm.s", input)},
	})

	if !strings.Contains(out, ".Lloop:\n") {
		t.Errorf("index-0 local label should keep its name:\n%s", out)
	}
	if strings.Contains(out, "_BCM_") {
		t.Errorf("index-0 input must not be renamed:\n%s", out)
	}
}

func TestLabelContainingDirectiveRenaming(t *testing.T) {
	input := ".text\n\tmovq %rax, %rbx\n.Ltable:\n\t.quad .Ltable\n\t.quad .Ltable-4\n"
	out := transformInputs(t, []InputFile{
		{Path: "in.s", Index: 2, File: mustParse(t, "in.s", input)},
	})

	if !strings.Contains(out, "\t.quad\t.Ltable_BCM_2\n") {
		t.Errorf("directive argument not renamed:\n%s", out)
	}
	if !strings.Contains(out, "\t.quad\t.Ltable_BCM_2-4\n") {
		t.Errorf("directive argument with offset not renamed:\n%s", out)
	}
	if !strings.Contains(out, "# WAS .quad .Ltable\n") {
		t.Errorf("rewritten directive is missing its source comment:\n%s", out)
	}
}

func TestBSSAccessors(t *testing.T) {
	input := ".text\nfoo:\n\tmovq %rax, %rbx\n\t.section .bss\n\t.globl bss_sym\nbss_sym:\n\t.zero 16\n\t.text\n"
	out := transformSingle(t, input)

	if !strings.Contains(out, "bss_sym:\n.Lbss_sym_local_target:\n") {
		t.Errorf("BSS symbol is missing its local target:\n%s", out)
	}
	if !strings.Contains(out, "bss_sym_bss_get:\n\tleaq\t.Lbss_sym_local_target(%rip), %rax\n\tret\n") {
		t.Errorf("BSS accessor not generated:\n%s", out)
	}
	if got := strings.Count(out, "bss_sym_bss_get:"); got != 1 {
		t.Errorf("accessor emitted %d times, want once", got)
	}
}

func TestCommDirectiveAccessor(t *testing.T) {
	out := transformSingle(t, ".text\nfoo:\n\tmovq %rax, %rbx\n\t.comm stack,4096,32\n")

	if !strings.Contains(out, "\t.comm stack,4096,32\n") {
		t.Errorf(".comm directive not preserved:\n%s", out)
	}
	if !strings.Contains(out, "stack_bss_get:\n") {
		t.Errorf(".comm symbol did not get an accessor:\n%s", out)
	}
}

func TestStatementErrorHasContext(t *testing.T) {
	input := ".text\n\tmovq memcpy@PLT(%rip), %rax\n"
	var out strings.Builder
	err := Transform(&out, []InputFile{
		{Path: "in.s", Index: 0, File: mustParse(t, "in.s", input)},
	})
	if err == nil {
		t.Fatal("expected an error for a PLT reference in a non-jump instruction")
	}

	var se *StatementError
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not a StatementError", err)
	}
	if se.Path != "in.s" {
		t.Errorf("path: got %q, want %q", se.Path, "in.s")
	}
	if se.Line != 2 {
		t.Errorf("line: got %d, want 2", se.Line)
	}
	if se.Text != "movq memcpy@PLT(%rip), %rax" {
		t.Errorf("text: got %q", se.Text)
	}
	if !strings.Contains(err.Error(), "PLT") {
		t.Errorf("error %q does not describe the PLT problem", err.Error())
	}
}

func TestHelpersEmittedAfterEndMarker(t *testing.T) {
	input := ".text\nfoo:\n\tmovq %rax, %rbx\n\tcall memcpy@PLT\n"
	out := transformSingle(t, input)

	endIdx := strings.Index(out, "BORINGSSL_bcm_text_end:")
	redirIdx := strings.Index(out, "bcm_redirector_memcpy:")
	hashIdx := strings.Index(out, "BORINGSSL_bcm_text_hash:")

	if endIdx == -1 || redirIdx == -1 || hashIdx == -1 {
		t.Fatalf("missing end marker, redirector or hash:\n%s", out)
	}
	if !(endIdx < redirIdx && redirIdx < hashIdx) {
		t.Errorf("emission order wrong: end=%d redirector=%d hash=%d", endIdx, redirIdx, hashIdx)
	}
}

func TestTransformDeterministic(t *testing.T) {
	input := ".text\nfoo:\n\tmovq %rax, %rbx\n\tcall memcpy@PLT\n\tcall memset@PLT\n\t.comm a,8,8\n\t.comm b,8,8\n"

	first := transformSingle(t, input)
	for i := 0; i < 10; i++ {
		if got := transformSingle(t, input); got != first {
			t.Fatal("output differs between runs")
		}
	}
}

func TestMapLocalSymbol(t *testing.T) {
	d := &delocation{currentInput: InputFile{Index: 0}}
	if got := d.mapLocalSymbol(".Lfoo"); got != ".Lfoo" {
		t.Errorf("index 0: got %q, want %q", got, ".Lfoo")
	}

	d.currentInput.Index = 3
	if got := d.mapLocalSymbol(".Lfoo"); got != ".Lfoo_BCM_3" {
		t.Errorf("index 3: got %q, want %q", got, ".Lfoo_BCM_3")
	}
}

func TestIsSynthesized(t *testing.T) {
	tests := []struct {
		symbol string
		want   bool
	}{
		{"foo_bss_get", true},
		{"OPENSSL_ia32cap_get", true},
		{"BORINGSSL_bcm_text_start", true},
		{"BORINGSSL_bcm_text_hash", true},
		{"memcpy", false},
		{"OPENSSL_ia32cap_P", false},
	}
	for _, tt := range tests {
		if got := isSynthesized(tt.symbol); got != tt.want {
			t.Errorf("isSynthesized(%q): got %v, want %v", tt.symbol, got, tt.want)
		}
	}
}
