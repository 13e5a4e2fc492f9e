package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

const graphFormat = "dot"

var graphs = []transport.GraphInfo{
	{Name: "Calls", Kind: "calls"},
	{Name: "Called By", Kind: "calledby"},
	{Name: "Declaration", Kind: "declaration"},
}

var callPattern = regexp.MustCompile(`([\p{L}_][\p{L}\p{N}_]*)\s*\(`)

// graphTarget resolves the document and identifier a graph request is
// about, falling back to the last synced selection when the request names
// no document.
func (s *Server) graphTarget(doc transport.TextDocumentIdentifier, pos transport.Position) (util.Path, string, string, error) {
	if doc.URI == "" {
		s.mu.Lock()
		sel := s.selection
		s.mu.Unlock()
		if sel == nil {
			return "", "", "", transport.NewError(transport.InvalidParams, "no document or selection")
		}
		doc, pos = sel.TextDocument, sel.Position
	}
	path, err := util.URI2Path(string(doc.URI))
	if err != nil {
		return "", "", "", transport.NewError(transport.InvalidParams, "%v", err)
	}
	content, _, err := s.contentOf(path)
	if err != nil {
		return "", "", "", transport.NewError(transport.RequestFailed, "read %s: %v", path, err)
	}
	s.mu.Lock()
	encoding := s.encoding
	s.mu.Unlock()
	ident, _ := identAt(content, pos, encoding)
	return path, content, ident, nil
}

// ListGraphs returns the graphs available for the entity under the cursor.
func ListGraphs(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.GraphsListParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	_, _, ident, err := s.graphTarget(params.TextDocument, params.Position)
	if err != nil {
		return nil, err
	}
	if ident == "" {
		return []transport.GraphInfo{}, nil
	}
	return graphs, nil
}

func DrawGraph(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.GraphsDrawParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	path, content, ident, err := s.graphTarget(params.TextDocument, params.Position)
	if err != nil {
		return nil, err
	}
	if ident == "" {
		return nil, transport.NewError(transport.InvalidParams, "no entity at position")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", params.Name)
	fmt.Fprintf(&b, "  %q;\n", ident)
	switch params.Name {
	case "Calls":
		for _, callee := range callees(content, ident) {
			fmt.Fprintf(&b, "  %q -> %q;\n", ident, callee)
		}
	case "Called By":
		for _, site := range callSites(content, ident, filepath.Base(path)) {
			fmt.Fprintf(&b, "  %q -> %q;\n", site, ident)
		}
	case "Declaration":
		if start, ok := firstOccurrence(content, ident); ok {
			line := strings.Count(content[:start], "\n") + 1
			fmt.Fprintf(&b, "  %q [label=%q];\n", ident, fmt.Sprintf("%s\n%s:%d", ident, filepath.Base(path), line))
		}
	default:
		return nil, transport.NewError(transport.InvalidParams, "unknown graph %q", params.Name)
	}
	b.WriteString("}\n")
	return transport.GraphsDrawResult{Format: graphFormat, Content: b.String()}, nil
}

// callees lists the distinct names called anywhere in content, other than
// ident itself.
func callees(content, ident string) []string {
	seen := map[string]bool{ident: true}
	var names []string
	for _, m := range callPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// callSites lists file:line for every call of ident after its first mention.
func callSites(content, ident, file string) []string {
	first, _ := firstOccurrence(content, ident)
	firstLine := strings.Count(content[:first], "\n")
	var sites []string
	for n, line := range strings.Split(content, "\n") {
		if n == firstLine {
			continue
		}
		for _, m := range callPattern.FindAllStringSubmatch(line, -1) {
			if m[1] == ident {
				sites = append(sites, fmt.Sprintf("%s:%d", file, n+1))
				break
			}
		}
	}
	return sites
}
