package server

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

const violationSource = "understand"

type RuleOptions struct {
	MaxLineLength int
	Disabled      map[string]bool
}

// Rule is one text check run over every line of a file.
type Rule struct {
	Code        string
	Title       string
	Description string
	Severity    transport.DiagnosticSeverity
	// check returns the byte range of the violation within line, or ok=false.
	check func(line string, opts RuleOptions) (start, end int, ok bool)
}

var Rules = []Rule{
	{
		Code:  "UND001",
		Title: "Line too long",
		Description: "Lines longer than the configured maximum are hard to read side by side. " +
			"The limit comes from maxLineLength in the editor settings or max_line_length in the project file.",
		Severity: transport.Warning,
		check: func(line string, opts RuleOptions) (int, int, bool) {
			if opts.MaxLineLength <= 0 || utf8.RuneCountInString(line) <= opts.MaxLineLength {
				return 0, 0, false
			}
			start := 0
			for i := 0; i < opts.MaxLineLength; i++ {
				_, w := utf8.DecodeRuneInString(line[start:])
				start += w
			}
			return start, len(line), true
		},
	},
	{
		Code:        "UND002",
		Title:       "Trailing whitespace",
		Description: "Whitespace at the end of a line is invisible and produces noisy diffs.",
		Severity:    transport.Information,
		check: func(line string, _ RuleOptions) (int, int, bool) {
			trimmed := strings.TrimRight(line, " \t")
			if len(trimmed) == len(line) {
				return 0, 0, false
			}
			return len(trimmed), len(line), true
		},
	},
	{
		Code:        "UND003",
		Title:       "Tab indentation",
		Description: "Indent with spaces so the code renders the same in every viewer.",
		Severity:    transport.Hint,
		check: func(line string, _ RuleOptions) (int, int, bool) {
			indent := len(line) - len(strings.TrimLeft(line, " \t"))
			if !strings.Contains(line[:indent], "\t") {
				return 0, 0, false
			}
			return 0, indent, true
		},
	},
}

func lookupRule(code string) (Rule, bool) {
	for _, r := range Rules {
		if r.Code == code {
			return r, true
		}
	}
	return Rule{}, false
}

// Violations runs every enabled rule over content.
func Violations(content string, opts RuleOptions, encoding transport.PositionEncodingKind) []transport.Diagnostic {
	diagnostics := []transport.Diagnostic{}
	for n, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		for _, rule := range Rules {
			if opts.Disabled[rule.Code] {
				continue
			}
			start, end, ok := rule.check(line, opts)
			if !ok {
				continue
			}
			diagnostics = append(diagnostics, transport.Diagnostic{
				Range: transport.Range{
					Start: transport.Position{Line: uint32(n), Character: columnOf(line, start, encoding)},
					End:   transport.Position{Line: uint32(n), Character: columnOf(line, end, encoding)},
				},
				Severity: rule.Severity,
				Code:     rule.Code,
				Source:   violationSource,
				Message:  rule.Title,
			})
		}
	}
	return diagnostics
}

// columnOf converts a byte offset within line into a character column.
func columnOf(line string, offset int, encoding transport.PositionEncodingKind) uint32 {
	pos, _ := OffsetToPosition(uint(offset), line, encoding)
	return pos.Character
}

// DescribeViolation answers understand/violationDescription.
func DescribeViolation(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.ViolationDescriptionParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	rule, ok := lookupRule(params.Code)
	if !ok {
		return nil, transport.NewError(transport.InvalidParams, "unknown violation %q", params.Code)
	}
	return transport.ViolationDescription{Code: rule.Code, Title: rule.Title, Description: rule.Description}, nil
}
