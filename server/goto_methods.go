package server

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

// Definition resolves the identifier under the cursor to its first
// occurrence in the document. There is no symbol table; the first mention
// stands in for the declaration.
func Definition(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.DefinitionParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	logging.Logger.Info("Goto Definition Request", "uri", string(params.TextDocument.URI), "line", params.Position.Line)

	path, err := util.URI2Path(string(params.TextDocument.URI))
	if err != nil {
		return nil, transport.NewError(transport.InvalidParams, "%v", err)
	}
	content, _, err := s.contentOf(path)
	if err != nil {
		return nil, transport.NewError(transport.RequestFailed, "read %s: %v", path, err)
	}
	s.mu.Lock()
	encoding := s.encoding
	s.mu.Unlock()

	ident, ok := identAt(content, params.Position, encoding)
	if !ok {
		// Couldn't find symbol to lookup
		return nil, nil
	}
	start, ok := firstOccurrence(content, ident)
	if !ok {
		return nil, nil
	}
	from, _ := OffsetToPosition(uint(start), content, encoding)
	to, _ := OffsetToPosition(uint(start+len(ident)), content, encoding)
	return transport.Location{URI: params.TextDocument.URI, Range: transport.Range{Start: from, End: to}}, nil
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// identAt returns the identifier touching pos.
func identAt(content string, pos transport.Position, encoding transport.PositionEncodingKind) (string, bool) {
	offset, err := PositionToOffset(pos, content, encoding)
	if err != nil {
		return "", false
	}
	start, end := int(offset), int(offset)
	for start > 0 {
		r, w := utf8.DecodeLastRuneInString(content[:start])
		if !isIdentRune(r) {
			break
		}
		start -= w
	}
	for end < len(content) {
		r, w := utf8.DecodeRuneInString(content[end:])
		if !isIdentRune(r) {
			break
		}
		end += w
	}
	if start == end {
		return "", false
	}
	ident := content[start:end]
	if r, _ := utf8.DecodeRuneInString(ident); unicode.IsDigit(r) {
		return "", false
	}
	return ident, true
}

// firstOccurrence finds ident as a whole word.
func firstOccurrence(content, ident string) (int, bool) {
	for from := 0; from < len(content); {
		i := strings.Index(content[from:], ident)
		if i < 0 {
			return 0, false
		}
		i += from
		end := i + len(ident)
		before, _ := utf8.DecodeLastRuneInString(content[:i])
		after, _ := utf8.DecodeRuneInString(content[end:])
		if (i == 0 || !isIdentRune(before)) && (end == len(content) || !isIdentRune(after)) {
			return i, true
		}
		from = end
	}
	return 0, false
}
