package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func relational(op RelationalOp, field, value string) Expression {
	return Expression{
		Type:  TypeRelational,
		Op:    string(op),
		Left:  &Operand{Type: LeftArticle, Value: field},
		Right: &Operand{Type: RightString, Value: value},
	}
}

func TestEvaluate(t *testing.T) {
	fields := map[string]string{
		"title":       "Kubernetes 1.32 Released",
		"description": "Now with more YAML",
	}

	tests := []struct {
		name string
		expr Expression
		want bool
	}{
		{
			name: "EQ exact match",
			expr: relational(OpEq, "title", "Kubernetes 1.32 Released"),
			want: true,
		},
		{
			name: "EQ is case sensitive",
			expr: relational(OpEq, "title", "kubernetes 1.32 released"),
			want: false,
		},
		{
			name: "NOT_EQ inverts equality",
			expr: relational(OpNotEq, "title", "something else"),
			want: true,
		},
		{
			name: "CONTAINS is case insensitive",
			expr: relational(OpContains, "title", "KUBERNETES"),
			want: true,
		},
		{
			name: "NOT_CONTAIN blocks present substring",
			expr: relational(OpNotContain, "description", "yaml"),
			want: false,
		},
		{
			name: "MATCHES regex search",
			expr: relational(OpMatches, "title", `\d+\.\d+`),
			want: true,
		},
		{
			name: "MATCHES invalid regex is false",
			expr: relational(OpMatches, "title", `[unclosed`),
			want: false,
		},
		{
			name: "missing field resolves to empty string",
			expr: relational(OpEq, "author", ""),
			want: true,
		},
		{
			name: "AND all children true",
			expr: Expression{
				Type: TypeLogical,
				Op:   string(OpAnd),
				Children: []Expression{
					relational(OpContains, "title", "kubernetes"),
					relational(OpContains, "description", "yaml"),
				},
			},
			want: true,
		},
		{
			name: "AND one child false",
			expr: Expression{
				Type: TypeLogical,
				Op:   string(OpAnd),
				Children: []Expression{
					relational(OpContains, "title", "kubernetes"),
					relational(OpContains, "description", "json"),
				},
			},
			want: false,
		},
		{
			name: "AND over empty children is true",
			expr: Expression{Type: TypeLogical, Op: string(OpAnd), Children: []Expression{}},
			want: true,
		},
		{
			name: "OR any child true",
			expr: Expression{
				Type: TypeLogical,
				Op:   string(OpOr),
				Children: []Expression{
					relational(OpEq, "title", "nope"),
					relational(OpContains, "title", "released"),
				},
			},
			want: true,
		},
		{
			name: "OR over empty children is false",
			expr: Expression{Type: TypeLogical, Op: string(OpOr), Children: []Expression{}},
			want: false,
		},
		{
			name: "nested logical expressions",
			expr: Expression{
				Type: TypeLogical,
				Op:   string(OpAnd),
				Children: []Expression{
					{
						Type: TypeLogical,
						Op:   string(OpOr),
						Children: []Expression{
							relational(OpEq, "title", "nope"),
							relational(OpMatches, "title", "^Kubernetes"),
						},
					},
					relational(OpNotContain, "description", "terraform"),
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(&tt.expr, fields); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateNilExpressionPasses(t *testing.T) {
	if !Evaluate(nil, map[string]string{"title": "anything"}) {
		t.Error("nil expression should pass everything")
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	expr := Expression{
		Type: TypeLogical,
		Op:   string(OpOr),
		Children: []Expression{
			relational(OpMatches, "title", "release"),
			relational(OpContains, "description", "yaml"),
		},
	}
	fields := map[string]string{"title": "Release notes", "description": "n/a"}

	first := Evaluate(&expr, fields)
	for i := 0; i < 10; i++ {
		if got := Evaluate(&expr, fields); got != first {
			t.Fatalf("evaluation %d returned %v, first returned %v", i, got, first)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		expr Expression
		want []string
	}{
		{
			name: "valid logical with relational child",
			expr: Expression{
				Type:     TypeLogical,
				Op:       string(OpAnd),
				Children: []Expression{relational(OpEq, "title", "test")},
			},
			want: nil,
		},
		{
			name: "unknown node type",
			expr: Expression{Type: "FANCY", Op: "AND", Children: []Expression{}},
			want: []string{`Expected root.type to be one of LOGICAL, RELATIONAL but got "FANCY"`},
		},
		{
			name: "unknown logical op",
			expr: Expression{Type: TypeLogical, Op: "XOR", Children: []Expression{}},
			want: []string{`Expected root.op to be one of AND, OR but got "XOR"`},
		},
		{
			name: "logical node missing children",
			expr: Expression{Type: TypeLogical, Op: string(OpAnd)},
			want: []string{"Expected root.children to be an array"},
		},
		{
			name: "unknown relational op",
			expr: Expression{
				Type:  TypeRelational,
				Op:    "GT",
				Left:  &Operand{Type: LeftArticle, Value: "title"},
				Right: &Operand{Type: RightString, Value: "x"},
			},
			want: []string{`Expected root.op to be one of EQ, CONTAINS, MATCHES, NOT_EQ, NOT_CONTAIN but got "GT"`},
		},
		{
			name: "relational node missing operands",
			expr: Expression{Type: TypeRelational, Op: string(OpEq)},
			want: []string{
				"Expected root.left to be an object",
				"Expected root.right to be an object",
			},
		},
		{
			name: "relational node with wrong operand types",
			expr: Expression{
				Type:  TypeRelational,
				Op:    string(OpContains),
				Left:  &Operand{Type: "CHANNEL", Value: "title"},
				Right: &Operand{Type: "REGEXP", Value: "x"},
			},
			want: []string{
				`Expected root.left.type to be one of ARTICLE but got "CHANNEL"`,
				`Expected root.right.type to be one of STRING but got "REGEXP"`,
			},
		},
		{
			name: "errors in nested children carry their path",
			expr: Expression{
				Type: TypeLogical,
				Op:   string(OpOr),
				Children: []Expression{
					relational(OpEq, "title", "ok"),
					{Type: TypeRelational, Op: "BAD"},
				},
			},
			want: []string{
				`Expected root.children[1].op to be one of EQ, CONTAINS, MATCHES, NOT_EQ, NOT_CONTAIN but got "BAD"`,
				"Expected root.children[1].left to be an object",
				"Expected root.children[1].right to be an object",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(&tt.expr)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
