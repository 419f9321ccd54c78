package compliance

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/expr"
)

// Outcome is the verdict of one expression tree evaluation.
type Outcome struct {
	Satisfied bool
	Message   string
	Actual    interface{}
	Expected  interface{}
}

// Evaluate walks a compiled expression tree against the context and
// reports whether the expression holds.
func Evaluate(node expr.Node, ec *EvaluationContext) (Outcome, error) {
	switch n := node.(type) {
	case *expr.Simple:
		return evalSimple(n, ec)
	case *expr.Logical:
		return evalLogical(n, ec)
	case *expr.Conditional:
		return evalConditional(n, ec)
	default:
		return Outcome{}, fmt.Errorf("unknown expression node %T", node)
	}
}

func evalSimple(n *expr.Simple, ec *EvaluationContext) (Outcome, error) {
	actual := ec.Resolve(n.Field)
	expected := resolveValue(n.Value, ec)

	ok, err := expr.Apply(n.Operator, actual, expected)
	if err != nil {
		return Outcome{}, fmt.Errorf("condition %q: %w", n.Field, err)
	}

	return Outcome{
		Satisfied: ok,
		Message:   fmt.Sprintf("%s %s %v (actual: %v)", n.Field, n.Operator, expected, actual),
		Actual:    actual,
		Expected:  expected,
	}, nil
}

func evalLogical(n *expr.Logical, ec *EvaluationContext) (Outcome, error) {
	outcomes := make([]Outcome, 0, len(n.Operands))
	for _, operand := range n.Operands {
		out, err := Evaluate(operand, ec)
		if err != nil {
			return Outcome{}, err
		}
		outcomes = append(outcomes, out)
	}

	var satisfied bool
	if n.Operator == expr.OpAnd {
		satisfied = true
		for _, out := range outcomes {
			satisfied = satisfied && out.Satisfied
		}
	} else {
		for _, out := range outcomes {
			satisfied = satisfied || out.Satisfied
		}
	}

	combined := Outcome{Satisfied: satisfied}
	messages := make([]string, 0, len(outcomes))
	for _, out := range outcomes {
		messages = append(messages, out.Message)
	}

	// The first failing operand supplies the diagnostic values; a
	// fully satisfied expression reports its first operand.
	for i, out := range outcomes {
		if i == 0 || !out.Satisfied {
			combined.Actual = out.Actual
			combined.Expected = out.Expected
		}
		if !out.Satisfied {
			break
		}
	}

	sep := " AND "
	if n.Operator == expr.OpOr {
		sep = " OR "
	}
	combined.Message = strings.Join(messages, sep)

	return combined, nil
}

func evalConditional(n *expr.Conditional, ec *EvaluationContext) (Outcome, error) {
	cond, err := evalSimple(n.Condition, ec)
	if err != nil {
		return Outcome{}, err
	}

	if cond.Satisfied {
		return Evaluate(n.Then, ec)
	}
	if n.Else != nil {
		return Evaluate(n.Else, ec)
	}

	// No else branch: the rule does not apply, which counts as
	// compliant.
	return Outcome{
		Satisfied: true,
		Message:   fmt.Sprintf("not applicable: %s", cond.Message),
	}, nil
}

// resolveValue materializes a parsed literal, resolving field
// references against the context at evaluation time.
func resolveValue(v expr.Value, ec *EvaluationContext) interface{} {
	switch v.Kind {
	case expr.ValueString:
		return v.Str
	case expr.ValueNumber:
		return v.Num
	case expr.ValueBool:
		return v.Bool
	case expr.ValueList:
		list := make([]interface{}, 0, len(v.List))
		for _, item := range v.List {
			list = append(list, resolveValue(item, ec))
		}
		return list
	case expr.ValueFieldRef:
		return ec.Resolve(v.Ref)
	default:
		return nil
	}
}
