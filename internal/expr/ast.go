// Package expr implements the textual rule-expression language used by
// compliance rules: parsing expressions into syntax trees and applying
// condition operators to resolved values.
package expr

// Logical operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// Node is a compiled rule expression. Trees are immutable once compiled.
type Node interface {
	isNode()
}

// Simple is a single condition: a field compared to a value.
type Simple struct {
	Field    string
	Operator string
	Value    Value
}

// Logical combines two or more operands with AND or OR.
type Logical struct {
	Operator string
	Operands []Node
}

// Conditional is an IF/THEN/ELSE form. Else may be nil; an unmatched
// condition without an else branch is treated as satisfied.
type Conditional struct {
	Condition *Simple
	Then      Node
	Else      Node
}

func (*Simple) isNode()      {}
func (*Logical) isNode()     {}
func (*Conditional) isNode() {}

// ValueKind discriminates compiled value literals.
type ValueKind int

const (
	// ValueString is a quoted string literal.
	ValueString ValueKind = iota

	// ValueNumber is a decimal literal.
	ValueNumber

	// ValueBool is a true/false literal.
	ValueBool

	// ValueList is a bracketed list of values.
	ValueList

	// ValueFieldRef is an unquoted token resolved against the
	// evaluation context at evaluation time.
	ValueFieldRef
)

// Value is a compiled value literal on the right side of a condition.
type Value struct {
	Kind ValueKind

	Str  string
	Num  float64
	Bool bool
	List []Value

	// Ref is the dotted path for ValueFieldRef values.
	Ref string
}
