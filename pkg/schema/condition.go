package schema

import (
	"encoding/json"
)

// Operator enumerates the comparison operators of the condition grammar.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "neq"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpIsNull      Operator = "is_null"
)

// Condition is a closed, non-Turing-complete boolean expression tree.
// A node is either a composite (exactly one of All/Any/Not) or a leaf
// comparison {Field, Op, Value}. There is deliberately no way to express
// function calls, loops, or anything beyond field comparison.
type Condition struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`

	Field string          `json:"field,omitempty"`
	Op    Operator        `json:"op,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// IsLeaf reports whether the node is a field comparison.
func (c *Condition) IsLeaf() bool {
	return len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil
}

// Validate checks the node against the closed grammar. It is called at
// save time; evaluation assumes a validated tree.
func (c *Condition) Validate() error {
	composites := 0
	if len(c.All) > 0 {
		composites++
	}
	if len(c.Any) > 0 {
		composites++
	}
	if c.Not != nil {
		composites++
	}

	if composites > 1 {
		return NewError(ErrCodeValidation, "condition node mixes all/any/not")
	}

	if composites == 1 {
		if c.Field != "" || c.Op != "" || len(c.Value) > 0 {
			return NewError(ErrCodeValidation, "composite condition node carries leaf fields")
		}
		for i := range c.All {
			if err := c.All[i].Validate(); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].Validate(); err != nil {
				return err
			}
		}
		if c.Not != nil {
			return c.Not.Validate()
		}
		return nil
	}

	// Leaf node.
	if c.Field == "" {
		return NewError(ErrCodeValidation, "condition leaf missing field")
	}
	switch c.Op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains:
		if len(c.Value) == 0 {
			return NewErrorf(ErrCodeValidation, "operator %q requires a literal value", c.Op)
		}
	case OpIn:
		var arr []any
		if err := json.Unmarshal(c.Value, &arr); err != nil {
			return NewError(ErrCodeValidation, `operator "in" requires a JSON array literal`)
		}
	case OpIsNull:
		if len(c.Value) > 0 {
			return NewError(ErrCodeValidation, `operator "is_null" takes no literal value`)
		}
	default:
		return NewErrorf(ErrCodeValidation, "unknown operator %q", c.Op)
	}
	return nil
}
