package condition

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type LogicalOperator string

const (
	LOGICAL_AND LogicalOperator = "AND"
	LOGICAL_OR  LogicalOperator = "OR"
)

type Operator string

const (
	OP_EQUAL            Operator = "="
	OP_NOT_EQUAL        Operator = "!="
	OP_LESS             Operator = "<"
	OP_LESS_OR_EQUAL    Operator = "<="
	OP_GREATER          Operator = ">"
	OP_GREATER_OR_EQUAL Operator = ">="
	OP_IN               Operator = "IN"
	OP_NOT_IN           Operator = "NOT IN"
	OP_LIKE             Operator = "LIKE"
	OP_ILIKE            Operator = "ILIKE"
	OP_IS_NULL          Operator = "IS NULL"
	OP_IS_NOT_NULL      Operator = "IS NOT NULL"
)

var operators = map[Operator]bool{
	OP_EQUAL:            true,
	OP_NOT_EQUAL:        true,
	OP_LESS:             true,
	OP_LESS_OR_EQUAL:    true,
	OP_GREATER:          true,
	OP_GREATER_OR_EQUAL: true,
	OP_IN:               true,
	OP_NOT_IN:           true,
	OP_LIKE:             true,
	OP_ILIKE:            true,
	OP_IS_NULL:          true,
	OP_IS_NOT_NULL:      true,
}

type Flags struct {
	CaseSensitive bool `json:"case_sensitive"`
}

// Component is a single comparison between a context field and a value.
type Component struct {
	Expression string      `json:"expression"`
	Operator   Operator    `json:"operator"`
	Value      interface{} `json:"value,omitempty"`
	Flags      *Flags      `json:"flags,omitempty"`
}

// Clause combines its components with one logical operator.
type Clause struct {
	LogicalOperator LogicalOperator `json:"logical_operator"`
	Components      []Component     `json:"components"`
}

// Condition is a sequence of clauses, implicitly combined with AND.
type Condition struct {
	Clauses []Clause `json:"clauses"`
}

func Parse(data []byte) (*Condition, error) {

	cond := &Condition{}
	err := json.Unmarshal(data, cond)
	if err != nil {
		return nil, err
	}

	err = cond.Validate()
	if err != nil {
		return nil, err
	}

	return cond, nil
}

func (c *Condition) Validate() error {

	for i, clause := range c.Clauses {

		if clause.LogicalOperator != LOGICAL_AND && clause.LogicalOperator != LOGICAL_OR {
			return fmt.Errorf("clause %d: unknown logical operator \"%s\"", i, clause.LogicalOperator)
		}

		if len(clause.Components) == 0 {
			return fmt.Errorf("clause %d: no components", i)
		}

		for j, comp := range clause.Components {

			if len(comp.Expression) == 0 {
				return fmt.Errorf("clause %d, component %d: empty expression", i, j)
			}

			if !operators[comp.Operator] {
				return fmt.Errorf("clause %d, component %d: unknown operator \"%s\"", i, j, comp.Operator)
			}
		}
	}

	return nil
}

func (c *Condition) Encode() ([]byte, error) {
	return json.Marshal(c)
}
