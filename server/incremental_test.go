package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

func pos(line, char uint32) transport.Position {
	return transport.Position{Line: line, Character: char}
}

func rng(sl, sc, el, ec uint32) transport.Range {
	return transport.Range{Start: pos(sl, sc), End: pos(el, ec)}
}

func TestGetLineIndices(t *testing.T) {
	assert.Equal(t, []uint{0}, GetLineIndices("abcde"))
	assert.Equal(t, []uint{0, 4, 8}, GetLineIndices("abc\ndef\ngh"))
	assert.Equal(t, []uint{0, 1, 2, 3}, GetLineIndices("\n\n\n"))
}

func TestPositionToOffset(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		pos      transport.Position
		encoding transport.PositionEncodingKind
		want     uint
		wantErr  bool
	}{
		{"Empty string, position 0,0", "", pos(0, 0), transport.UTF16, 0, false},
		{"Single line, position at end", "abc", pos(0, 3), transport.UTF16, 3, false},
		{"Single line, position out of bounds", "abc", pos(0, 10), transport.UTF16, 3, false},
		{"Multi-line, start of second line", "abc\ndef", pos(1, 0), transport.UTF16, 4, false},
		{"Multi-line, end of second line", "abc\ndef", pos(1, 3), transport.UTF16, 7, false},
		{"Character past line end clamps to newline", "abc\ndef", pos(0, 10), transport.UTF16, 3, false},
		{"Position beyond last line", "abc\ndef", pos(2, 0), transport.UTF16, 7, false},
		{"Line far beyond text", "abc\ndef", pos(5, 0), transport.UTF16, 0, true},
		{"Unicode character, utf-16 encoding", "a😆b\nc", pos(0, 3), transport.UTF16, 5, false},
		{"Unicode character, utf-32 encoding", "a😆b\nc", pos(0, 2), transport.UTF32, 5, false},
		{"Unicode character, utf-8 encoding", "a😆b\nc", pos(0, 5), transport.UTF8, 5, false},
		{"Inside a surrogate pair", "a💚c", pos(0, 2), transport.UTF16, 1, false},
		{"String with only newlines", "\n\n\n", pos(2, 0), transport.UTF16, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PositionToOffset(tt.pos, tt.text, tt.encoding)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOffsetToPosition(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		offset   uint
		encoding transport.PositionEncodingKind
		want     transport.Position
	}{
		{"Offset at start of file", "abc\ndef", 0, transport.UTF16, pos(0, 0)},
		{"Offset at newline character", "abc\ndef", 3, transport.UTF16, pos(0, 3)},
		{"Offset after newline", "abc\ndef", 4, transport.UTF16, pos(1, 0)},
		{"Offset beyond last character", "abc\ndef", 100, transport.UTF16, pos(1, 3)},
		{"Unicode character, utf-16 encoding", "a😆b\nc", 5, transport.UTF16, pos(0, 3)},
		{"Unicode character, utf-32 encoding", "a😆b\nc", 5, transport.UTF32, pos(0, 2)},
		{"Tabs and spaces", "a\tb c\n d", 8, transport.UTF16, pos(1, 2)},
		{"String with only newlines", "\n\n\n", 2, transport.UTF16, pos(2, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OffsetToPosition(tt.offset, tt.text, tt.encoding)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPositionRoundTrip(t *testing.T) {
	text := "int main() {\n\treturn 💚;\n}\n"
	for _, enc := range []transport.PositionEncodingKind{transport.UTF8, transport.UTF16, transport.UTF32} {
		for off := range uint(len(text)) {
			// Skip offsets inside a multi-byte rune
			if off > 0 && text[off]&0xC0 == 0x80 {
				continue
			}
			p, err := OffsetToPosition(off, text, enc)
			require.NoError(t, err)
			back, err := PositionToOffset(p, text, enc)
			require.NoError(t, err)
			assert.Equal(t, off, back, "encoding %s offset %d", enc, off)
		}
	}
}

func TestApplyIncrementalChange(t *testing.T) {
	tests := []struct {
		name     string
		original string
		r        transport.Range
		newText  string
		want     string
	}{
		{"Replace middle of line", "abcdef", rng(0, 2, 0, 4), "XY", "abXYef"},
		{"Insert at start", "abcdef", rng(0, 0, 0, 0), "123", "123abcdef"},
		{"Insert at end", "abcdef", rng(0, 6, 0, 6), "XYZ", "abcdefXYZ"},
		{"Delete range", "abcdef", rng(0, 2, 0, 5), "", "abf"},
		{"Out of bounds range (end too large)", "abcdef", rng(0, 4, 0, 100), "ZZ", "abcdZZ"},
		{"Multi-line replace", "abc\ndef\nghi", rng(1, 0, 2, 3), "XYZ", "abc\nXYZ"},
		{"Insert newline", "abc\ndef", rng(0, 3, 0, 3), "\n", "abc\n\ndef"},
		{"Undo: insert then remove", "abc\n\ndef", rng(0, 3, 1, 0), "", "abc\ndef"},
		{"Insert at empty document", "", rng(0, 0, 0, 0), "hello", "hello"},
		{"Replace across multiple lines with longer text", "abc\ndef\nghi", rng(0, 1, 2, 2), "LONGREPLACEMENT", "aLONGREPLACEMENTi"},
		{"Insert unicode emoji", "abc", rng(0, 1, 0, 1), "💚", "a💚bc"},
		{"Replace after emoji", "a💚bc", rng(0, 3, 0, 4), "X", "a💚Xc"},
		{"Replace with multi-line text", "abc\ndef", rng(0, 1, 1, 2), "1\n2\n3", "a1\n2\n3f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyIncrementalChange(tt.r, tt.newText, tt.original, transport.UTF16)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ApplyIncrementalChange(rng(0, 4, 0, 2), "", "abcdef", transport.UTF16)
	assert.Error(t, err)
}
