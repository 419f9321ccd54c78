package compliance

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// newCELEnv declares the variables CEL rules may reference. The same
// sections the native grammar resolves are exposed as maps.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("portfolio", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("positions", cel.ListType(cel.DynType)),
	)
}

func (e *Engine) compileCEL(rule *domain.ComplianceRule) (cel.Program, error) {
	ast, issues := e.celEnv.Compile(rule.RuleExpression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: cel expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return program, nil
}

func (e *Engine) runCEL(_ context.Context, cr *CompiledRule, ec *EvaluationContext) (Outcome, error) {
	activation := map[string]interface{}{
		"portfolio":  orEmpty(ec.Portfolio),
		"metrics":    orEmpty(ec.Metrics),
		"parameters": orEmpty(ec.Parameters),
		"context":    orEmpty(ec.Extra),
		"positions":  ec.Positions,
	}
	if activation["positions"] == nil {
		activation["positions"] = []interface{}{}
	}

	out, _, err := cr.Program.Eval(activation)
	if err != nil {
		return Outcome{}, fmt.Errorf("cel evaluation failed: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return Outcome{}, fmt.Errorf("cel expression returned %v, want bool", out.Type())
	}

	outcome := Outcome{Satisfied: bool(b)}
	if outcome.Satisfied {
		outcome.Message = fmt.Sprintf("%s holds", cr.Rule.RuleExpression)
	} else {
		outcome.Message = fmt.Sprintf("%s violated", cr.Rule.RuleExpression)
	}
	return outcome, nil
}

// orEmpty substitutes an empty map for nil so CEL activation never
// sees a nil section.
func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
