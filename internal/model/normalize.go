package model

import (
	"regexp"
	"strings"
)

// Normalizer strips dialect-specific noise from plan text.
type Normalizer struct {
	// Annotations are removed wherever they occur in a line.
	Annotations []*regexp.Regexp
	// NoiseLines drop a whole line when its trimmed text matches.
	NoiseLines []*regexp.Regexp
	// BlockHeaders drop the matching line together with every more indented line below it.
	BlockHeaders []*regexp.Regexp
}

var treePrefix = regexp.MustCompile(`^\s*(?:->\s*)?`)

const annotationNum = `\d+(?:\.\d+)?`

var (
	annotationSpan = regexp.MustCompile(`\((?:cost=|actual )[^)]*\)`)
	wellFormed     = regexp.MustCompile(`^\((?:cost=` + annotationNum + `\.\.` + annotationNum + ` rows=` + annotationNum + ` width=` + annotationNum +
		`|actual (?:time=` + annotationNum + `\.\.` + annotationNum + ` )?rows=` + annotationNum + ` loops=` + annotationNum + `)\)$`)
)

// DefaultNormalizer understands PostgreSQL and YugabyteDB EXPLAIN output.
var DefaultNormalizer = Normalizer{
	Annotations: []*regexp.Regexp{
		regexp.MustCompile(`\s*\(cost=[^)]*\)`),
		regexp.MustCompile(`\s*\(actual (?:time|rows)=[^)]*\)`),
		regexp.MustCompile(`\s*\(never executed\)`),
	},
	NoiseLines: []*regexp.Regexp{
		regexp.MustCompile(`^Planning Time:`),
		regexp.MustCompile(`^Execution Time:`),
		regexp.MustCompile(`^Buffers:`),
		regexp.MustCompile(`^I/O Timings:`),
		regexp.MustCompile(`^(?:Peak )?Memory(?: Usage)?:`),
		regexp.MustCompile(`^Heap Fetches:`),
		regexp.MustCompile(`^Rows Removed by `),
		regexp.MustCompile(`^Sort Method:`),
		regexp.MustCompile(`^Buckets:`),
		regexp.MustCompile(`^Batches:`),
		regexp.MustCompile(`^Worker \d+:`),
		regexp.MustCompile(`^Storage [A-Za-z ]+(?:Requests|Rows Scanned|Execution Time|Wait Time|Ops):`),
		regexp.MustCompile(`^Catalog Reads? [A-Za-z ]*:`),
		regexp.MustCompile(`^Metric [a-z_]+:`),
		regexp.MustCompile(`^Estimated Seeks:`),
		regexp.MustCompile(`^Estimated Nexts:`),
		regexp.MustCompile(`^Estimated Docdb Result Width:`),
	},
	BlockHeaders: []*regexp.Regexp{
		regexp.MustCompile(`^JIT:`),
		regexp.MustCompile(`^Planning:`),
	},
}

// With returns a copy of n extended with extra patterns.
func (n Normalizer) With(annotations, noiseLines []*regexp.Regexp) Normalizer {
	out := Normalizer{
		Annotations:  append(append([]*regexp.Regexp(nil), n.Annotations...), annotations...),
		NoiseLines:   append(append([]*regexp.Regexp(nil), n.NoiseLines...), noiseLines...),
		BlockHeaders: append([]*regexp.Regexp(nil), n.BlockHeaders...),
	}
	return out
}

// NoCost removes runtime and cost annotations while keeping the tree layout.
func (n Normalizer) NoCost(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blockIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := indentation(line)
		if blockIndent >= 0 {
			if indent > blockIndent {
				continue
			}
			blockIndent = -1
		}
		body := treePrefix.ReplaceAllString(line, "")
		if matchAny(n.BlockHeaders, body) {
			blockIndent = indent
			continue
		}
		if matchAny(n.NoiseLines, body) {
			continue
		}
		for _, re := range n.Annotations {
			line = re.ReplaceAllString(line, "")
		}
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" || strings.TrimSpace(line) == "->" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// NoTree strips indentation and child markers so that only node and property text remains.
func (n Normalizer) NoTree(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(treePrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Clean applies NoCost then NoTree.
func (n Normalizer) Clean(text string) string {
	return n.NoTree(n.NoCost(text))
}

// CleanChecked is Clean that also reports whether every cost and actual annotation in text
// was well formed. A false result means the clean form dropped text it could not read.
func (n Normalizer) CleanChecked(text string) (string, bool) {
	for _, span := range annotationSpan.FindAllString(text, -1) {
		if !wellFormed.MatchString(span) {
			return n.Clean(text), false
		}
	}
	return n.Clean(text), true
}

// Hash returns the md5 of the clean form of text.
func (n Normalizer) Hash(text string) string {
	return HashString(n.Clean(text))
}

func indentation(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
