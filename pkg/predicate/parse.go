package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// ErrSyntax is returned by Parse for malformed expressions.
var ErrSyntax = errors.New("predicate syntax error")

// Parse compiles an expression such as
//
//	type("User") && (exists("email") || !has("guest"))
//
// Leaves are type, exists, has (alias has_tag, tag) and member_of (alias
// memberOf, group). Operands combine with &&, || and !, or with the and, or
// and not functions. Leaf names may be quoted strings or bare identifiers.
// An empty expression matches everything.
func Parse(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return True(), nil
	}

	x, diags := hclsyntax.ParseExpression([]byte(expr), "predicate", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return Predicate{}, fmt.Errorf("%w: %s", ErrSyntax, diags.Error())
	}

	p, err := build(x)
	if err != nil {
		return Predicate{}, err
	}
	if err := p.Validate(); err != nil {
		return Predicate{}, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	return p, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) Predicate {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func build(x hclsyntax.Expression) (Predicate, error) {
	switch e := x.(type) {
	case *hclsyntax.ParenthesesExpr:
		return build(e.Expression)

	case *hclsyntax.LiteralValueExpr:
		if e.Val.Type() == cty.Bool && e.Val.IsKnown() && !e.Val.IsNull() {
			if e.Val.True() {
				return True(), nil
			}
			return False(), nil
		}
		return Predicate{}, syntaxErr(e.Range(), "unexpected literal")

	case *hclsyntax.UnaryOpExpr:
		if e.Op != hclsyntax.OpLogicalNot {
			return Predicate{}, syntaxErr(e.Range(), "unsupported operator")
		}
		sub, err := build(e.Val)
		if err != nil {
			return Predicate{}, err
		}
		return Not(sub), nil

	case *hclsyntax.BinaryOpExpr:
		lhs, err := build(e.LHS)
		if err != nil {
			return Predicate{}, err
		}
		rhs, err := build(e.RHS)
		if err != nil {
			return Predicate{}, err
		}
		switch e.Op {
		case hclsyntax.OpLogicalAnd:
			return flatten(OpAnd, lhs, rhs), nil
		case hclsyntax.OpLogicalOr:
			return flatten(OpOr, lhs, rhs), nil
		}
		return Predicate{}, syntaxErr(e.Range(), "unsupported operator")

	case *hclsyntax.FunctionCallExpr:
		return buildCall(e)
	}
	return Predicate{}, syntaxErr(x.Range(), fmt.Sprintf("unsupported expression %T", x))
}

func buildCall(e *hclsyntax.FunctionCallExpr) (Predicate, error) {
	var leaf func(string) Predicate
	switch e.Name {
	case "type":
		leaf = Type
	case "exists":
		leaf = Exists
	case "has", "has_tag", "tag":
		leaf = HasTag
	case "member_of", "memberOf", "group":
		leaf = MemberOf
	}

	if leaf != nil {
		if len(e.Args) != 1 {
			return Predicate{}, syntaxErr(e.Range(), fmt.Sprintf("%s takes one argument, got %d", e.Name, len(e.Args)))
		}
		name, err := stringArg(e.Args[0])
		if err != nil {
			return Predicate{}, err
		}
		return leaf(name), nil
	}

	subs := make([]Predicate, 0, len(e.Args))
	for _, arg := range e.Args {
		p, err := build(arg)
		if err != nil {
			return Predicate{}, err
		}
		subs = append(subs, p)
	}

	switch e.Name {
	case "and", "all":
		return And(subs...), nil
	case "or", "any":
		return Or(subs...), nil
	case "not":
		if len(subs) != 1 {
			return Predicate{}, syntaxErr(e.Range(), fmt.Sprintf("not takes one argument, got %d", len(subs)))
		}
		return Not(subs[0]), nil
	}
	return Predicate{}, syntaxErr(e.NameRange, fmt.Sprintf("unknown function %q", e.Name))
}

// stringArg accepts a quoted literal or a bare identifier.
func stringArg(x hclsyntax.Expression) (string, error) {
	if t, ok := x.(*hclsyntax.ScopeTraversalExpr); ok && len(t.Traversal) == 1 {
		return t.Traversal.RootName(), nil
	}
	if len(x.Variables()) > 0 {
		return "", syntaxErr(x.Range(), "argument must be a constant string")
	}

	v, diags := x.Value(nil)
	if diags.HasErrors() {
		return "", fmt.Errorf("%w: %s", ErrSyntax, diags.Error())
	}
	if v.IsNull() || !v.IsKnown() || v.Type() != cty.String {
		return "", syntaxErr(x.Range(), "argument must be a string")
	}
	s := v.AsString()
	if s == "" {
		return "", syntaxErr(x.Range(), "argument must not be empty")
	}
	return s, nil
}

// flatten merges nested operands of the same operator so that a && b && c
// builds one node with three operands.
func flatten(op Op, lhs, rhs Predicate) Predicate {
	var subs []Predicate
	for _, p := range []Predicate{lhs, rhs} {
		if p.op == op && len(p.sub) > 0 {
			subs = append(subs, p.sub...)
		} else {
			subs = append(subs, p)
		}
	}
	return Predicate{op: op, sub: subs}
}

func syntaxErr(r hcl.Range, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrSyntax, r.String(), msg)
}
