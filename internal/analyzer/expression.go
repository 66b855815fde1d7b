package analyzer

import (
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// TermKind classifies one conjunct of a predicate.
type TermKind string

const (
	TermSimple        TermKind = "simple"
	TermLiteralInList TermKind = "literal_in_list"
	TermParamInList   TermKind = "param_in_list"
	TermComplex       TermKind = "complex"
)

// Term is one conjunct of a predicate.
type Term struct {
	Text    string
	Kind    TermKind
	Columns []string
}

// Expression is a predicate split on its top-level ANDs.
type Expression struct {
	Text  string
	Terms []Term
}

const (
	ident    = `[A-Za-z_][A-Za-z0-9_$]*`
	column   = `(?:` + ident + `\.)?(` + ident + `)`
	cast     = `(?:::[A-Za-z_ ]+(?:\[\])?)?`
	constant = `(?:-?\d+(?:\.\d+)?|'(?:[^']|'')*'|\$\d+|true|false|NULL)` + cast
)

var (
	simpleTerm    = regexp.MustCompile(`(?i)^` + column + `\s*(?:=|<>|!=|<=|>=|<|>|~~|!~~)\s*` + constant + `$`)
	reversedTerm  = regexp.MustCompile(`(?i)^` + constant + `\s*(?:=|<>|!=|<=|>=|<|>)\s*` + column + `$`)
	nullTerm      = regexp.MustCompile(`(?i)^` + column + `\s+IS\s+(?:NOT\s+)?NULL$`)
	literalInList = regexp.MustCompile(`(?i)^` + column + `\s*=\s*ANY\s*\(\s*'\{[^}]*\}'` + cast + `\s*\)$`)
	paramInList   = regexp.MustCompile(`(?i)^(?:` + column + `|ROW\s*\([^)]*\))\s*=\s*ANY\s*\(\s*(?:\$\d+|ARRAY\s*\[\s*\$\d+.*\])` + cast + `\s*\)$`)
	identifiers   = regexp.MustCompile(`(?:` + ident + `\.)?` + ident + `\s*\(?`)
	stringLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)
	typeCast      = regexp.MustCompile(`::[A-Za-z_ ]+(?:\[\])?`)

	sqlWords = mapset.NewSet(
		"and", "or", "not", "any", "all", "is", "null", "true", "false", "in", "array", "row",
		"like", "ilike", "between", "case", "when", "then", "else", "end", "distinct", "from",
	)
)

// ParseExpression splits a predicate as printed in a plan, e.g. "((a = 1) AND (b > $1))".
func ParseExpression(text string) Expression {
	expr := Expression{Text: text}
	for _, part := range splitConjuncts(stripParens(strings.TrimSpace(text))) {
		part = stripParens(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		expr.Terms = append(expr.Terms, Term{Text: part, Kind: classifyTerm(part), Columns: termColumns(part)})
	}
	return expr
}

// Columns returns the distinct columns touched by the expression in order of appearance.
func (e Expression) Columns() []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	for _, t := range e.Terms {
		for _, c := range t.Columns {
			if seen.Add(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Count returns how many terms are of kind.
func (e Expression) Count(kind TermKind) int {
	n := 0
	for _, t := range e.Terms {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// KeyPrefixLength returns how many leading key columns are bound by a simple or IN-list term.
func (e Expression) KeyPrefixLength(keys []string) int {
	bound := mapset.NewThreadUnsafeSet[string]()
	for _, t := range e.Terms {
		if t.Kind != TermComplex && len(t.Columns) == 1 {
			bound.Add(strings.ToLower(t.Columns[0]))
		}
	}
	n := 0
	for _, k := range keys {
		if !bound.Contains(strings.ToLower(k)) {
			break
		}
		n++
	}
	return n
}

// CoversKeyPrefix reports whether every column of keys is bound.
func (e Expression) CoversKeyPrefix(keys []string) bool {
	return len(keys) > 0 && e.KeyPrefixLength(keys) == len(keys)
}

// HasLeadingKey reports whether the first key column is bound.
func (e Expression) HasLeadingKey(keys []string) bool {
	return e.KeyPrefixLength(keys) > 0
}

func classifyTerm(term string) TermKind {
	switch {
	case literalInList.MatchString(term):
		return TermLiteralInList
	case paramInList.MatchString(term):
		return TermParamInList
	case simpleTerm.MatchString(term), reversedTerm.MatchString(term), nullTerm.MatchString(term):
		return TermSimple
	default:
		return TermComplex
	}
}

func termColumns(term string) []string {
	cleaned := typeCast.ReplaceAllString(stringLiteral.ReplaceAllString(term, "''"), "")
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	for _, m := range identifiers.FindAllString(cleaned, -1) {
		if strings.HasSuffix(m, "(") {
			continue
		}
		name := strings.TrimSpace(m)
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if sqlWords.Contains(strings.ToLower(name)) {
			continue
		}
		if seen.Add(name) {
			out = append(out, name)
		}
	}
	return out
}

// splitConjuncts splits on AND at parenthesis depth zero outside of string literals.
func splitConjuncts(text string) []string {
	var (
		out   []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '\'':
			quote = !quote
		case quote:
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case depth == 0 && i+5 <= len(text) && strings.EqualFold(text[i:i+5], " AND "):
			out = append(out, text[start:i])
			start = i + len(" AND ")
			i = start - 1
		}
	}
	return append(out, text[start:])
}

// stripParens removes parentheses that enclose the whole text.
func stripParens(text string) string {
	for len(text) >= 2 && text[0] == '(' && text[len(text)-1] == ')' && enclosing(text) {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}

func enclosing(text string) bool {
	depth := 0
	quote := false
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '\'':
			quote = !quote
		case quote:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i < len(text)-1 {
				return false
			}
		}
	}
	return depth == 0
}
