package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/log"
	"go.opentelemetry.io/otel/attribute"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(exprEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// Len is the number of configured attributes.
func (e *Evaluator) Len() int { return len(e.customAttrs) }

// EvaluateCustomAttributes evaluates custom attribute expressions for one
// call record. Map results expand into one attribute per key.
func (e *Evaluator) EvaluateCustomAttributes(rec *Record) []attribute.KeyValue {
	if len(e.customAttrs) == 0 || rec == nil {
		return nil
	}

	env := rec.env()

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			log.Warn("failed to evaluate attribute expression", "attribute", customAttr.Name, "error", err)
			continue
		}

		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
			continue
		}

		for _, key := range outputValue.MapKeys() {
			attrName := customAttr.Name + "." + SanitizeAttributeName(fmt.Sprintf("%v", key.Interface()))
			value := outputValue.MapIndex(key).Interface()

			switch reflect.ValueOf(value).Kind() {
			case reflect.Map, reflect.Slice, reflect.Array:
				attrs = append(attrs, attribute.String(attrName, fmt.Sprintf("%v", value)))
			default:
				attrs = append(attrs, attribute.String(attrName, fmt.Sprint(value)))
			}
		}
	}

	return attrs
}

// SanitizeAttributeName replaces characters outside [a-zA-Z0-9_] with underscores.
func SanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
