package ar

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// buildArchive assembles a minimal GNU-style archive in memory.
func buildArchive(members []struct{ name, contents string }) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")

	var longNames bytes.Buffer
	nameField := make([]string, len(members))
	for i, m := range members {
		if len(m.name)+1 > 16 {
			nameField[i] = fmt.Sprintf("/%d", longNames.Len())
			longNames.WriteString(m.name)
			longNames.WriteString("/\n")
		} else {
			nameField[i] = m.name + "/"
		}
	}

	writeMember := func(name, contents string) {
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", len(contents))
		buf.WriteString(contents)
		if len(contents)%2 == 1 {
			buf.WriteByte('\n')
		}
	}

	if longNames.Len() > 0 {
		writeMember("//", longNames.String())
	}
	for i, m := range members {
		writeMember(nameField[i], m.contents)
	}
	return buf.Bytes()
}

func TestParseSingleMember(t *testing.T) {
	raw := buildArchive([]struct{ name, contents string }{
		{"bcm.s", ".text\nfoo:\n\tret\n"},
	})

	members, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	contents, ok := members["bcm.s"]
	if !ok {
		t.Fatalf("member bcm.s missing; got %v", keys(members))
	}
	if string(contents) != ".text\nfoo:\n\tret\n" {
		t.Errorf("contents mismatch: %q", contents)
	}
}

func TestParseLongFilename(t *testing.T) {
	name := "a_rather_long_assembly_source_name.s"
	raw := buildArchive([]struct{ name, contents string }{
		{name, "ret\n"},
	})

	members, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := members[name]; !ok {
		t.Errorf("long filename not resolved; got %v", keys(members))
	}
}

func TestParseSkipsSymbolTable(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	symtab := "\x00\x00\x00\x01"
	fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", "/", "0", "0", "0", "0", len(symtab))
	buf.WriteString(symtab)
	member := "ret\n"
	fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", "x.s/", "0", "0", "0", "644", len(member))
	buf.WriteString(member)

	members, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	if _, ok := members["x.s"]; !ok {
		t.Errorf("member x.s missing; got %v", keys(members))
	}
}

func TestParseBSDName(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	name := "bcm.s\x00\x00\x00"
	contents := "ret\n"
	stored := name + contents
	fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", fmt.Sprintf("#1/%d", len(name)), "0", "0", "0", "644", len(stored))
	buf.WriteString(stored)

	members, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got, ok := members["bcm.s"]
	if !ok {
		t.Fatalf("member bcm.s missing; got %v", keys(members))
	}
	if string(got) != contents {
		t.Errorf("contents mismatch: %q", got)
	}
}

func TestParseRejectsNonArchive(t *testing.T) {
	_, err := Parse(strings.NewReader("not an archive at all"))
	if err == nil {
		t.Fatal("expected an error")
	}
}

func keys(m map[string][]byte) []string {
	var ret []string
	for k := range m {
		ret = append(ret, k)
	}
	return ret
}
