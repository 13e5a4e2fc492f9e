package server

import (
	"fmt"
	"unicode/utf8"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// ApplyIncrementalChange replaces the text covered by r with newContent.
func ApplyIncrementalChange(r transport.Range, newContent string, content string, encoding transport.PositionEncodingKind) (string, error) {
	start, err := PositionToOffset(r.Start, content, encoding)
	if err != nil {
		return content, err
	}
	end, err := PositionToOffset(r.End, content, encoding)
	if err != nil {
		return content, err
	}
	if end < start {
		return content, fmt.Errorf("range end %d:%d before start %d:%d", r.End.Line, r.End.Character, r.Start.Line, r.Start.Character)
	}
	return content[:start] + newContent + content[end:], nil
}

// PositionToOffset converts an LSP position into a byte offset of s.
// Characters past the end of a line clamp to the line end.
func PositionToOffset(pos transport.Position, s string, encoding transport.PositionEncodingKind) (uint, error) {
	if len(s) == 0 {
		return 0, nil
	}
	indices := GetLineIndices(s)
	if pos.Line > uint32(len(indices)) {
		return 0, fmt.Errorf("invalid line %d", pos.Line)
	} else if pos.Line == uint32(len(indices)) {
		return uint(len(s)), nil
	}

	offset := indices[pos.Line]
	for units := uint32(0); units < pos.Character && int(offset) < len(s); {
		r, w := utf8.DecodeRuneInString(s[offset:])
		if r == '\n' {
			break
		}
		units += codeUnits(r, w, encoding)
		if units > pos.Character {
			// Position inside a surrogate pair
			break
		}
		offset += uint(w)
	}
	return offset, nil
}

// OffsetToPosition converts a byte offset of s into an LSP position.
// Offsets past the end clamp to the end of the text.
func OffsetToPosition(offset uint, s string, encoding transport.PositionEncodingKind) (transport.Position, error) {
	if offset > uint(len(s)) {
		offset = uint(len(s))
	}
	var pos transport.Position
	for i := uint(0); i < offset; {
		r, w := utf8.DecodeRuneInString(s[i:])
		if r == '\n' {
			pos.Line++
			pos.Character = 0
		} else {
			pos.Character += codeUnits(r, w, encoding)
		}
		i += uint(w)
	}
	return pos, nil
}

// GetLineIndices returns the byte offset at which every line starts.
func GetLineIndices(s string) []uint {
	lines := []uint{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, uint(i)+1)
		}
	}
	return lines
}

func codeUnits(r rune, width int, encoding transport.PositionEncodingKind) uint32 {
	switch encoding {
	case transport.UTF8:
		return uint32(width)
	case transport.UTF32:
		return 1
	default:
		if r >= 0x10000 {
			return 2
		}
		return 1
	}
}
