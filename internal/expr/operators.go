package expr

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/validation"
)

// Supported comparison operators.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpLessThan     = "<"
	OpLessEqual    = "<="
	OpGreaterThan  = ">"
	OpGreaterEqual = ">="
	OpBetween      = "BETWEEN"
	OpBeginsWith   = "BEGINS_WITH"
	OpIn           = "IN"
	OpContains     = "CONTAINS"
	OpExists       = "EXISTS"
	OpNotExists    = "NOT_EXISTS"
)

// maxInOperands is the DynamoDB limit on the IN comparator.
const maxInOperands = 100

// NormalizeOperator canonicalizes op, accepting lower case and the "<>" alias.
func NormalizeOperator(op string) (string, error) {
	switch normalized := strings.ToUpper(strings.TrimSpace(op)); normalized {
	case "=", "==":
		return OpEqual, nil
	case "!=", "<>":
		return OpNotEqual, nil
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual,
		OpBetween, OpBeginsWith, OpIn, OpContains, OpExists, OpNotExists:
		return normalized, nil
	case "BEGINSWITH":
		return OpBeginsWith, nil
	case "ATTRIBUTE_EXISTS":
		return OpExists, nil
	case "ATTRIBUTE_NOT_EXISTS", "NOTEXISTS":
		return OpNotExists, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidOperator, op)
	}
}

// IsKeyOperator reports whether op may appear in a key condition.
func IsKeyOperator(op string) bool {
	switch op {
	case OpEqual, OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual, OpBetween, OpBeginsWith:
		return true
	default:
		return false
	}
}

// Operands returns how many values op takes; -1 means one or more.
func Operands(op string) int {
	switch op {
	case OpExists, OpNotExists:
		return 0
	case OpBetween:
		return 2
	case OpIn:
		return -1
	default:
		return 1
	}
}

// Condition builds a condition over the attribute path name.
func Condition(name, op string, values ...types.AttributeValue) (expression.ConditionBuilder, error) {
	op, err := NormalizeOperator(op)
	if err != nil {
		return expression.ConditionBuilder{}, err
	}
	if err := validation.ValidateAttributePath(name); err != nil {
		return expression.ConditionBuilder{}, err
	}
	if err := checkOperands(op, values); err != nil {
		return expression.ConditionBuilder{}, err
	}

	n := expression.Name(name)
	switch op {
	case OpEqual:
		return n.Equal(operand(values[0])), nil
	case OpNotEqual:
		return n.NotEqual(operand(values[0])), nil
	case OpLessThan:
		return n.LessThan(operand(values[0])), nil
	case OpLessEqual:
		return n.LessThanEqual(operand(values[0])), nil
	case OpGreaterThan:
		return n.GreaterThan(operand(values[0])), nil
	case OpGreaterEqual:
		return n.GreaterThanEqual(operand(values[0])), nil
	case OpBetween:
		return n.Between(operand(values[0]), operand(values[1])), nil
	case OpIn:
		rest := make([]expression.OperandBuilder, 0, len(values)-1)
		for _, v := range values[1:] {
			rest = append(rest, operand(v))
		}
		return n.In(operand(values[0]), rest...), nil
	case OpBeginsWith:
		prefix, err := stringOperand(op, values[0])
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		return n.BeginsWith(prefix), nil
	case OpContains:
		substr, err := stringOperand(op, values[0])
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		return n.Contains(substr), nil
	case OpExists:
		return n.AttributeExists(), nil
	case OpNotExists:
		return n.AttributeNotExists(), nil
	}
	return expression.ConditionBuilder{}, fmt.Errorf("%w: %s", errors.ErrInvalidOperator, op)
}

// KeyCondition builds a key condition for a partition or sort key attribute.
func KeyCondition(name, op string, values ...types.AttributeValue) (expression.KeyConditionBuilder, error) {
	op, err := NormalizeOperator(op)
	if err != nil {
		return expression.KeyConditionBuilder{}, err
	}
	if err := validation.ValidateAttributePath(name); err != nil {
		return expression.KeyConditionBuilder{}, err
	}
	if !IsKeyOperator(op) {
		return expression.KeyConditionBuilder{}, fmt.Errorf("%w: %s is not allowed in a key condition", errors.ErrInvalidOperator, op)
	}
	if err := checkOperands(op, values); err != nil {
		return expression.KeyConditionBuilder{}, err
	}

	k := expression.Key(name)
	switch op {
	case OpEqual:
		return k.Equal(value(values[0])), nil
	case OpLessThan:
		return k.LessThan(value(values[0])), nil
	case OpLessEqual:
		return k.LessThanEqual(value(values[0])), nil
	case OpGreaterThan:
		return k.GreaterThan(value(values[0])), nil
	case OpGreaterEqual:
		return k.GreaterThanEqual(value(values[0])), nil
	case OpBetween:
		return k.Between(value(values[0]), value(values[1])), nil
	default:
		prefix, err := stringOperand(op, values[0])
		if err != nil {
			return expression.KeyConditionBuilder{}, err
		}
		return k.BeginsWith(prefix), nil
	}
}

func checkOperands(op string, values []types.AttributeValue) error {
	want := Operands(op)
	switch {
	case want == -1 && len(values) == 0:
		return fmt.Errorf("%w: %s needs at least one value", errors.ErrInvalidOperator, op)
	case want == -1 && len(values) > maxInOperands:
		return fmt.Errorf("%w: %s supports at most %d values", errors.ErrInvalidOperator, op, maxInOperands)
	case want >= 0 && len(values) != want:
		return fmt.Errorf("%w: %s needs %d value(s), got %d", errors.ErrInvalidOperator, op, want, len(values))
	}
	for _, v := range values {
		if v == nil {
			return fmt.Errorf("%w: nil operand for %s", errors.ErrEmptyValue, op)
		}
	}
	return nil
}

func stringOperand(op string, av types.AttributeValue) (string, error) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("%w: %s needs a string operand", errors.ErrInvalidOperator, op)
	}
	return s.Value, nil
}
