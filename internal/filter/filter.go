// Package filter implements the boolean filter expression engine that decides
// whether an article may be delivered to a medium.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// ExpressionType discriminates the two node kinds of a filter expression tree.
type ExpressionType string

// Known expression node kinds.
const (
	TypeLogical    ExpressionType = "LOGICAL"
	TypeRelational ExpressionType = "RELATIONAL"
)

// LogicalOp joins child expressions.
type LogicalOp string

// Supported logical operators.
const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// RelationalOp compares an article field against a literal.
type RelationalOp string

// Supported relational operators.
const (
	OpEq         RelationalOp = "EQ"
	OpContains   RelationalOp = "CONTAINS"
	OpMatches    RelationalOp = "MATCHES"
	OpNotEq      RelationalOp = "NOT_EQ"
	OpNotContain RelationalOp = "NOT_CONTAIN"
)

// Supported operand types.
const (
	LeftArticle = "ARTICLE"
	RightString = "STRING"
)

// Operand is one side of a relational expression.
type Operand struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Expression is one node of a filter tree. Exactly one of the two node kinds
// is populated, discriminated by Type: Logical nodes carry Op (AND/OR) and
// Children; Relational nodes carry Op, Left and Right and are always leaves.
type Expression struct {
	Type     ExpressionType `json:"type"`
	Op       string         `json:"op"`
	Children []Expression   `json:"children,omitempty"`
	Left     *Operand       `json:"left,omitempty"`
	Right    *Operand       `json:"right,omitempty"`
}

// Evaluate reports whether the article's flattened fields satisfy the
// expression. A nil expression passes everything. AND over zero children is
// true, OR over zero children is false. A missing article field resolves to
// the empty string rather than an error.
func Evaluate(expr *Expression, fields map[string]string) bool {
	if expr == nil {
		return true
	}

	switch expr.Type {
	case TypeLogical:
		return evaluateLogical(expr, fields)
	case TypeRelational:
		return evaluateRelational(expr, fields)
	default:
		return false
	}
}

func evaluateLogical(expr *Expression, fields map[string]string) bool {
	switch LogicalOp(expr.Op) {
	case OpAnd:
		for i := range expr.Children {
			if !Evaluate(&expr.Children[i], fields) {
				return false
			}
		}
		return true
	case OpOr:
		for i := range expr.Children {
			if Evaluate(&expr.Children[i], fields) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evaluateRelational(expr *Expression, fields map[string]string) bool {
	if expr.Left == nil || expr.Right == nil {
		return false
	}

	reference := fields[expr.Left.Value]
	input := expr.Right.Value

	switch RelationalOp(expr.Op) {
	case OpEq:
		return reference == input
	case OpNotEq:
		return reference != input
	case OpContains:
		return strings.Contains(strings.ToLower(reference), strings.ToLower(input))
	case OpNotContain:
		return !strings.Contains(strings.ToLower(reference), strings.ToLower(input))
	case OpMatches:
		re, err := regexp.Compile("(?i)" + input)
		if err != nil {
			return false
		}
		return re.MatchString(reference)
	default:
		return false
	}
}

// Validate walks the expression performing structural and type checks only,
// without evaluating anything. It returns one human-readable message per
// violation. Used to vet user-authored filters before they run on real data.
func Validate(expr *Expression) []string {
	if expr == nil {
		return nil
	}
	return validateNode(expr, "root")
}

func validateNode(expr *Expression, path string) []string {
	switch expr.Type {
	case TypeLogical:
		return validateLogical(expr, path)
	case TypeRelational:
		return validateRelational(expr, path)
	default:
		return []string{fmt.Sprintf(
			"Expected %s.type to be one of LOGICAL, RELATIONAL but got %q", path, string(expr.Type),
		)}
	}
}

func validateLogical(expr *Expression, path string) []string {
	var errs []string

	switch LogicalOp(expr.Op) {
	case OpAnd, OpOr:
	default:
		errs = append(errs, fmt.Sprintf(
			"Expected %s.op to be one of AND, OR but got %q", path, expr.Op,
		))
	}

	if expr.Children == nil {
		errs = append(errs, fmt.Sprintf("Expected %s.children to be an array", path))
		return errs
	}

	for i := range expr.Children {
		childPath := fmt.Sprintf("%s.children[%d]", path, i)
		errs = append(errs, validateNode(&expr.Children[i], childPath)...)
	}

	return errs
}

func validateRelational(expr *Expression, path string) []string {
	var errs []string

	switch RelationalOp(expr.Op) {
	case OpEq, OpContains, OpMatches, OpNotEq, OpNotContain:
	default:
		errs = append(errs, fmt.Sprintf(
			"Expected %s.op to be one of EQ, CONTAINS, MATCHES, NOT_EQ, NOT_CONTAIN but got %q",
			path, expr.Op,
		))
	}

	if len(expr.Children) > 0 {
		errs = append(errs, fmt.Sprintf("Expected %s to have no children", path))
	}

	if expr.Left == nil {
		errs = append(errs, fmt.Sprintf("Expected %s.left to be an object", path))
	} else if expr.Left.Type != LeftArticle {
		errs = append(errs, fmt.Sprintf(
			"Expected %s.left.type to be one of ARTICLE but got %q", path, expr.Left.Type,
		))
	}

	if expr.Right == nil {
		errs = append(errs, fmt.Sprintf("Expected %s.right to be an object", path))
	} else if expr.Right.Type != RightString {
		errs = append(errs, fmt.Sprintf(
			"Expected %s.right.type to be one of STRING but got %q", path, expr.Right.Type,
		))
	}

	return errs
}
