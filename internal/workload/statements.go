package workload

import (
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"

	"github.com/mickamy/taqo/internal/model"
)

// Statement is one SQL statement of a workload file together with the tips found in the
// comment lines above it.
type Statement struct {
	SQL  string
	Tips model.QueryTips
}

// ParseStatements splits text on semicolons outside of quotes, dollar-quoted bodies and comments.
//
// Block comments, hint blocks included, are kept verbatim. Comment lines of the form "-- key: value" attach tips to the statement that follows:
//
//	-- accept: Leading((a b))
//	-- reject: NestLoop
//	-- tags: dml, slow
//	-- max_timeout: 30s
//	-- debug_hints: Set(enable_hashjoin off)
//
// Other comments are dropped.
func ParseStatements(text string) ([]Statement, error) {
	var (
		out     []Statement
		current strings.Builder
		tips    model.QueryTips
		quote   rune
	)
	flush := func() {
		sql := strings.TrimSpace(current.String())
		current.Reset()
		if sql != "" {
			out = append(out, Statement{SQL: sql, Tips: tips})
		}
		tips = model.QueryTips{}
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '$' && !identRune(runes, i-1) && dollarTagAt(runes, i) != "":
			tag := dollarTagAt(runes, i)
			rest := string(runes[i+len([]rune(tag)):])
			end := strings.Index(rest, tag)
			if end < 0 {
				return nil, errors.Newf("workload: unterminated %s quote", tag)
			}
			body := tag + rest[:end] + tag
			current.WriteString(body)
			i += len([]rune(body)) - 1
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			end := i
			for end < len(runes) && runes[end] != '\n' {
				end++
			}
			if err := applyTip(&tips, string(runes[i+2:end])); err != nil {
				return nil, err
			}
			i = end
			if current.Len() > 0 {
				current.WriteRune('\n')
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end := strings.Index(string(runes[i:]), "*/")
			if end < 0 {
				return nil, errors.New("workload: unterminated block comment")
			}
			block := string(runes[i:])[:end+2]
			current.WriteString(block)
			i += len([]rune(block)) - 1
		case r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.Newf("workload: unterminated %c quote", quote)
	}
	flush()
	return out, nil
}

// dollarTagAt returns the $tag$ opening a dollar-quoted string at i, if any.
func dollarTagAt(runes []rune, i int) string {
	for j := i + 1; j < len(runes); j++ {
		r := runes[j]
		switch {
		case r == '$':
			return string(runes[i : j+1])
		case r == '_' || unicode.IsLetter(r) || (j > i+1 && unicode.IsDigit(r)):
		default:
			return ""
		}
	}
	return ""
}

func identRune(runes []rune, i int) bool {
	if i < 0 {
		return false
	}
	r := runes[i]
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// SplitSQL returns the statements of text without tips.
func SplitSQL(text string) ([]string, error) {
	stmts, err := ParseStatements(text)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(stmts))
	for _, s := range stmts {
		out = append(out, s.SQL)
	}
	return out, nil
}

func applyTip(tips *model.QueryTips, comment string) error {
	key, value, ok := strings.Cut(comment, ":")
	if !ok {
		return nil
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "accept":
		tips.Accept = append(tips.Accept, value)
	case "reject":
		tips.Reject = append(tips.Reject, value)
	case "tags":
		for _, tag := range strings.Split(value, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tips.Tags = append(tips.Tags, tag)
			}
		}
	case "max_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "workload: max_timeout %q", value)
		}
		tips.MaxTimeout = d
	case "debug_hints":
		tips.DebugHints = strings.TrimSpace(tips.DebugHints + " " + value)
	}
	return nil
}
