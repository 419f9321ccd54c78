package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports an expression that matches no recognized form.
type ParseError struct {
	Expression string
	Reason     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %q: %s", e.Expression, e.Reason)
}

// simpleOperators is the operator scan order for simple conditions.
// Two-character operators come before their one-character prefixes so
// that "age <= 30" splits on "<=", never on "<" with a dangling "= 30".
var simpleOperators = []string{"<=", ">=", "!=", "=", "<", ">", "IN", "NOT IN", "CONTAINS", "MATCHES"}

// wordOperators must be surrounded by spaces to match, so that field
// names containing the letters are not split.
var wordOperators = map[string]bool{
	"IN":       true,
	"NOT IN":   true,
	"CONTAINS": true,
	"MATCHES":  true,
}

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Compile parses a rule expression into a syntax tree.
//
// Grammar, informally: a conditional is "IF <condition> THEN <expr>
// [ELSE <expr>]"; a logical form splits on the first " AND " or " OR "
// (AND checked first) into two recursively compiled operands; anything
// else is a simple "<field> <op> <value>" condition.
func Compile(expression string) (Node, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, &ParseError{Expression: expression, Reason: "empty expression"}
	}
	return compileExpr(expr)
}

func compileExpr(expr string) (Node, error) {
	if strings.HasPrefix(expr, "IF ") {
		return compileConditional(expr)
	}

	if idx := strings.Index(expr, " AND "); idx >= 0 {
		return compileLogical(expr, OpAnd, idx, len(" AND "))
	}
	if idx := strings.Index(expr, " OR "); idx >= 0 {
		return compileLogical(expr, OpOr, idx, len(" OR "))
	}

	return compileSimple(expr)
}

func compileLogical(expr, op string, idx, tokenLen int) (Node, error) {
	left, err := compileExpr(strings.TrimSpace(expr[:idx]))
	if err != nil {
		return nil, err
	}
	right, err := compileExpr(strings.TrimSpace(expr[idx+tokenLen:]))
	if err != nil {
		return nil, err
	}
	return &Logical{Operator: op, Operands: []Node{left, right}}, nil
}

func compileConditional(expr string) (Node, error) {
	body := strings.TrimPrefix(expr, "IF ")

	thenIdx := strings.Index(body, " THEN ")
	if thenIdx < 0 {
		return nil, &ParseError{Expression: expr, Reason: "conditional is missing THEN"}
	}

	cond, err := compileSimple(strings.TrimSpace(body[:thenIdx]))
	if err != nil {
		return nil, err
	}

	rest := body[thenIdx+len(" THEN "):]
	thenText := rest
	elseText := ""
	if elseIdx := strings.Index(rest, " ELSE "); elseIdx >= 0 {
		thenText = rest[:elseIdx]
		elseText = rest[elseIdx+len(" ELSE "):]
	}

	thenNode, err := compileExpr(strings.TrimSpace(thenText))
	if err != nil {
		return nil, err
	}

	node := &Conditional{Condition: cond, Then: thenNode}
	if elseText != "" {
		elseNode, err := compileExpr(strings.TrimSpace(elseText))
		if err != nil {
			return nil, err
		}
		node.Else = elseNode
	}

	return node, nil
}

func compileSimple(expr string) (*Simple, error) {
	for _, op := range simpleOperators {
		token := op
		if wordOperators[op] {
			token = " " + op + " "
		}

		idx := strings.Index(expr, token)
		if idx < 0 {
			continue
		}

		field := strings.TrimSpace(expr[:idx])
		rawValue := strings.TrimSpace(expr[idx+len(token):])

		// "x NOT IN [...]" finds the IN token first; the NOT belongs
		// to the operator, not the field.
		operator := op
		if op == "IN" && strings.HasSuffix(field, " NOT") {
			operator = "NOT IN"
			field = strings.TrimSpace(strings.TrimSuffix(field, " NOT"))
		}

		if field == "" {
			return nil, &ParseError{Expression: expr, Reason: fmt.Sprintf("missing field before %q", operator)}
		}
		if rawValue == "" {
			return nil, &ParseError{Expression: expr, Reason: fmt.Sprintf("missing value after %q", operator)}
		}

		return &Simple{
			Field:    field,
			Operator: operator,
			Value:    parseValue(rawValue),
		}, nil
	}

	return nil, &ParseError{Expression: expr, Reason: "no recognized operator"}
}

// parseValue classifies a raw value token. It cannot fail: anything
// that is not a quoted string, bracketed list, number, or boolean is a
// field reference resolved at evaluation time.
func parseValue(raw string) Value {
	raw = strings.TrimSpace(raw)

	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return Value{Kind: ValueString, Str: raw[1 : len(raw)-1]}
		}
	}

	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		var items []Value
		if inner != "" {
			for _, part := range strings.Split(inner, ",") {
				items = append(items, parseValue(strings.TrimSpace(part)))
			}
		}
		return Value{Kind: ValueList, List: items}
	}

	if numberPattern.MatchString(raw) {
		num, _ := strconv.ParseFloat(raw, 64)
		return Value{Kind: ValueNumber, Num: num}
	}

	switch raw {
	case "true":
		return Value{Kind: ValueBool, Bool: true}
	case "false":
		return Value{Kind: ValueBool, Bool: false}
	}

	return Value{Kind: ValueFieldRef, Ref: raw}
}
