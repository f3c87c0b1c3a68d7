// Package placeholder validates the positional placeholder grammar used in
// message template bodies.
//
// A placeholder is written {{n}} where n is one or more ASCII digits. Bodies
// submitted to the provider must number their placeholders 1..n without gaps,
// may repeat a number, and must not start or end with a placeholder or place
// two placeholders next to each other.
package placeholder

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Code identifies a single grammar violation.
type Code string

const (
	CodeInvalidFormat Code = "INVALID_PLACEHOLDER_FORMAT"
	CodeEmpty         Code = "EMPTY_PLACEHOLDER"
	CodeNamed         Code = "NAMED_PLACEHOLDER"
	CodeFormatSpec    Code = "FORMAT_SPECIFIER"
	CodeStacked       Code = "STACKED_PLACEHOLDERS"
	CodeLeading       Code = "LEADING_PLACEHOLDER"
	CodeTrailing      Code = "TRAILING_PLACEHOLDER"
	CodeNonSequential Code = "NON_SEQUENTIAL_PLACEHOLDERS"
)

// Issue is one violation found in a template body.
type Issue struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Offset is the byte offset of the offending token, or -1 for
	// whole-body checks.
	Offset int `json:"offset"`
}

type tokenKind int

const (
	tokenValid tokenKind = iota
	tokenDouble
	tokenSingle
	tokenBrace
	tokenFormat
)

// Alternation order matters: RE2 picks the leftmost alternative that matches
// at a given position.
var tokenPattern = regexp.MustCompile(
	`(\{\{\d+\}\})` +
		`|(\{\{[^{}]*\}\})` +
		`|(\{[^{}]*\})` +
		`|([{}])` +
		`|(%(?:\d+\$)?[sdfi]\b)`,
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

type token struct {
	kind  tokenKind
	start int
	end   int
	text  string
}

func scan(body string) []token {
	matches := tokenPattern.FindAllStringSubmatchIndex(body, -1)
	tokens := make([]token, 0, len(matches))
	for _, m := range matches {
		// m[0:2] is the full match, groups follow in pairs.
		for g := 1; g <= 5; g++ {
			if m[2*g] >= 0 {
				tokens = append(tokens, token{
					kind:  tokenKind(g - 1),
					start: m[0],
					end:   m[1],
					text:  body[m[0]:m[1]],
				})
				break
			}
		}
	}
	return tokens
}

// Extract returns the numbers of all well-formed placeholders in order of
// appearance, repeats included.
func Extract(body string) []int {
	var out []int
	for _, tok := range scan(body) {
		if tok.kind != tokenValid {
			continue
		}
		if n, ok := number(tok.text); ok {
			out = append(out, n)
		}
	}
	return out
}

func number(text string) (int, bool) {
	n, err := strconv.Atoi(text[2 : len(text)-2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks body against the placeholder grammar and returns every
// violation found. An empty result means the body is valid.
//
// Issues are ordered by the position of the offending token; the numbering
// check runs last.
func Validate(body string) []Issue {
	var issues []Issue

	tokens := scan(body)
	leadingAt := len(body) - len(strings.TrimLeftFunc(body, unicode.IsSpace))
	trailingAt := len(strings.TrimRightFunc(body, unicode.IsSpace))

	var numbers []int
	var prev *token
	var last *token

	for i := range tokens {
		tok := &tokens[i]
		switch tok.kind {
		case tokenValid:
			n, ok := number(tok.text)
			if !ok {
				issues = append(issues, Issue{
					Code:    CodeInvalidFormat,
					Message: fmt.Sprintf("placeholder %s is out of range", tok.text),
					Offset:  tok.start,
				})
				continue
			}
			numbers = append(numbers, n)

			if prev == nil && tok.start == leadingAt {
				issues = append(issues, Issue{
					Code:    CodeLeading,
					Message: fmt.Sprintf("template cannot start with placeholder %s", tok.text),
					Offset:  tok.start,
				})
			}
			if prev != nil && strings.TrimSpace(body[prev.end:tok.start]) == "" {
				issues = append(issues, Issue{
					Code:    CodeStacked,
					Message: fmt.Sprintf("placeholders %s and %s need text between them", prev.text, tok.text),
					Offset:  tok.start,
				})
			}
			prev = tok
			last = tok

		case tokenDouble:
			issues = append(issues, classifyDouble(tok))

		case tokenSingle, tokenBrace:
			issues = append(issues, Issue{
				Code:    CodeInvalidFormat,
				Message: fmt.Sprintf("%q is not a valid placeholder, use {{1}}", tok.text),
				Offset:  tok.start,
			})

		case tokenFormat:
			issues = append(issues, Issue{
				Code:    CodeFormatSpec,
				Message: fmt.Sprintf("format specifier %q is not supported, use {{1}}", tok.text),
				Offset:  tok.start,
			})
		}
	}

	if last != nil && last.end == trailingAt {
		issues = append(issues, Issue{
			Code:    CodeTrailing,
			Message: fmt.Sprintf("template cannot end with placeholder %s", last.text),
			Offset:  last.start,
		})
	}

	if issue, ok := checkSequence(numbers); !ok {
		issues = append(issues, issue)
	}

	return issues
}

func classifyDouble(tok *token) Issue {
	inner := strings.TrimSpace(tok.text[2 : len(tok.text)-2])
	switch {
	case inner == "":
		return Issue{
			Code:    CodeEmpty,
			Message: "placeholder is empty",
			Offset:  tok.start,
		}
	case identPattern.MatchString(inner):
		return Issue{
			Code:    CodeNamed,
			Message: fmt.Sprintf("named placeholder %s is not supported, use {{1}}", tok.text),
			Offset:  tok.start,
		}
	default:
		return Issue{
			Code:    CodeInvalidFormat,
			Message: fmt.Sprintf("%q is not a valid placeholder, use {{1}}", tok.text),
			Offset:  tok.start,
		}
	}
}

// checkSequence reports whether the distinct numbers form 1..n.
func checkSequence(numbers []int) (Issue, bool) {
	if len(numbers) == 0 {
		return Issue{}, true
	}

	seen := make(map[int]struct{}, len(numbers))
	unique := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}
	sort.Ints(unique)

	for i, n := range unique {
		if n != i+1 {
			return Issue{
				Code:    CodeNonSequential,
				Message: fmt.Sprintf("placeholders must be numbered 1..%d without gaps, found %v", len(unique), unique),
				Offset:  -1,
			}, false
		}
	}
	return Issue{}, true
}

// Render substitutes values into body. values[0] fills {{1}}.
func Render(body string, values []string) (string, error) {
	var b strings.Builder
	pos := 0
	for _, tok := range scan(body) {
		if tok.kind != tokenValid {
			continue
		}
		n, ok := number(tok.text)
		if !ok || n < 1 || n > len(values) {
			return "", fmt.Errorf("no value for placeholder %s", tok.text)
		}
		b.WriteString(body[pos:tok.start])
		b.WriteString(values[n-1])
		pos = tok.end
	}
	b.WriteString(body[pos:])
	return b.String(), nil
}
