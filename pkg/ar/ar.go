// Package ar reads Unix ar archive files. The build system hands the
// delocation tool its assembly sources wrapped in an archive, so only
// reading is supported.
package ar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const arMagic = "!<arch>\n"

// Parse reads an archive from r and returns a map from member name to
// contents. Symbol tables and filename tables are consumed internally and do
// not appear in the result.
func Parse(r io.Reader) (map[string][]byte, error) {
	var magic [len(arMagic)]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("ar: reading magic: %w", err)
	}
	if string(magic[:]) != arMagic {
		return nil, errors.New("ar: not an archive file")
	}

	var longFilenameTable []byte
	members := make(map[string][]byte)

	for {
		var header [60]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return members, nil
			}
			return nil, fmt.Errorf("ar: reading member header: %w", err)
		}

		name := strings.TrimRight(string(header[:16]), " ")
		sizeStr := strings.TrimRight(string(header[48:58]), "\x00 ")
		size, err := strconv.ParseUint(sizeStr, 10, 63)
		if err != nil {
			return nil, fmt.Errorf("ar: parsing member size: %w", err)
		}

		// Member contents are padded to an even length.
		storedSize := size
		if storedSize%2 == 1 {
			storedSize++
		}
		contents := make([]byte, storedSize)
		if _, err := io.ReadFull(r, contents); err != nil {
			return nil, fmt.Errorf("ar: reading member contents: %w", err)
		}
		contents = contents[:size]

		switch {
		case name == "//":
			// GNU long-filename table.
			if longFilenameTable != nil {
				return nil, errors.New("ar: two filename tables found")
			}
			longFilenameTable = contents
			continue

		case name == "/":
			// Symbol table.
			continue

		case len(name) > 1 && name[0] == '/':
			// Reference into the long-filename table.
			if longFilenameTable == nil {
				return nil, errors.New("ar: long filename reference before filename table")
			}
			offset, err := strconv.ParseUint(name[1:], 10, 31)
			if err != nil {
				return nil, fmt.Errorf("ar: parsing filename offset: %w", err)
			}
			if int(offset) > len(longFilenameTable) {
				return nil, errors.New("ar: filename offset out of bounds")
			}
			filename := longFilenameTable[offset:]
			// GNU terminates table entries with '/', Windows with NUL.
			i := bytes.IndexAny(filename, "/\x00")
			if i < 0 {
				return nil, errors.New("ar: unterminated filename in table")
			}
			name = string(filename[:i])

		default:
			name = strings.TrimRight(name, "/")
		}

		// BSD style: "#1/n" stores an n-byte name, possibly NUL padded, as a
		// prefix of the member contents.
		var nameLen uint
		if n, err := fmt.Sscanf(name, "#1/%d", &nameLen); err == nil && n == 1 && len(contents) >= int(nameLen) {
			name = string(contents[:nameLen])
			contents = contents[nameLen:]
			if i := strings.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
		}

		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			continue
		}

		members[name] = contents
	}
}
