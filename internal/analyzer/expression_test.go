package analyzer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mickamy/taqo/internal/analyzer"
)

func TestParseExpression(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		kinds   []analyzer.TermKind
		columns []string
	}{
		{
			name:    "conjunction",
			text:    "((a = 1) AND (t.b > $1))",
			kinds:   []analyzer.TermKind{analyzer.TermSimple, analyzer.TermSimple},
			columns: []string{"a", "b"},
		},
		{
			name:    "literal in list",
			text:    "(a = ANY ('{1,2,3}'::integer[]))",
			kinds:   []analyzer.TermKind{analyzer.TermLiteralInList},
			columns: []string{"a"},
		},
		{
			name:    "parameterized in list",
			text:    "(a = ANY (ARRAY[$1, $2, $3]))",
			kinds:   []analyzer.TermKind{analyzer.TermParamInList},
			columns: []string{"a"},
		},
		{
			name:    "string constant with cast",
			text:    "(region = 'eu and us'::text)",
			kinds:   []analyzer.TermKind{analyzer.TermSimple},
			columns: []string{"region"},
		},
		{
			name:    "join condition",
			text:    "(o.customer_id = c.id)",
			kinds:   []analyzer.TermKind{analyzer.TermComplex},
			columns: []string{"customer_id", "id"},
		},
		{
			name:    "function call",
			text:    "((lower(name) = 'x'::text) AND (b IS NOT NULL))",
			kinds:   []analyzer.TermKind{analyzer.TermComplex, analyzer.TermSimple},
			columns: []string{"name", "b"},
		},
		{
			name:    "disjunction stays one term",
			text:    "((a = 1) OR (b = 2))",
			kinds:   []analyzer.TermKind{analyzer.TermComplex},
			columns: []string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := analyzer.ParseExpression(tt.text)
			var kinds []analyzer.TermKind
			for _, term := range e.Terms {
				kinds = append(kinds, term.Kind)
			}
			assert.Equal(t, tt.kinds, kinds)
			assert.Equal(t, tt.columns, e.Columns())
		})
	}
}

func TestExpressionCounts(t *testing.T) {
	e := analyzer.ParseExpression("((a = 1) AND (b = ANY ($1)) AND (c = ANY ('{1,2}'::integer[])) AND ((a + b) > 3))")
	assert.Equal(t, 1, e.Count(analyzer.TermSimple))
	assert.Equal(t, 1, e.Count(analyzer.TermParamInList))
	assert.Equal(t, 1, e.Count(analyzer.TermLiteralInList))
	assert.Equal(t, 1, e.Count(analyzer.TermComplex))
}

func TestKeyPrefix(t *testing.T) {
	e := analyzer.ParseExpression("((a = 1) AND (c > 2) AND ((a + d) > 3))")

	assert.Equal(t, 1, e.KeyPrefixLength([]string{"a", "b", "c"}))
	assert.Equal(t, 2, e.KeyPrefixLength([]string{"A", "c"}))
	assert.Equal(t, 0, e.KeyPrefixLength([]string{"d"}))

	assert.True(t, e.CoversKeyPrefix([]string{"a", "c"}))
	assert.False(t, e.CoversKeyPrefix([]string{"a", "b"}))
	assert.False(t, e.CoversKeyPrefix(nil))

	assert.True(t, e.HasLeadingKey([]string{"c", "a"}))
	assert.False(t, e.HasLeadingKey([]string{"b", "a"}))
}
