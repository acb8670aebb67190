package client

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr/parser"
)

var (
	selectorRe = regexp.MustCompile(`^(.+?)\((.+)\)$`)
	plainIvar  = regexp.MustCompile(`(?i)^@[_a-z][_a-z0-9]+$`)
)

// Selector is a parsed method selector: a query such as "Foo#bar" plus
// the expressions to evaluate on every matching call.
type Selector struct {
	Query string
	Exprs []string
}

// ParseSelector splits "Foo#bar(expr1, expr2)" into its query and
// expressions. Instance variable references that are not plain names get
// a leading space so the traced process evaluates them as code.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fmt.Errorf("empty selector: %w", ErrInvalidSelector)
	}

	m := selectorRe.FindStringSubmatch(s)
	if m == nil {
		return Selector{Query: s}, nil
	}

	sel := Selector{Query: m[1]}
	for _, arg := range strings.Split(m[2], ",") {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if strings.HasPrefix(arg, "@") && !plainIvar.MatchString(arg) {
			arg = " " + arg
		}
		sel.Exprs = append(sel.Exprs, arg)
	}
	return sel, nil
}

// ValidateExpression checks that code parses as an expression. Instance
// variable references are resolved by the traced process and pass as is.
func ValidateExpression(code string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return fmt.Errorf("empty expression")
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil
	}
	if _, err := parser.Parse(trimmed); err != nil {
		return fmt.Errorf("expression %q: %w", code, err)
	}
	return nil
}
