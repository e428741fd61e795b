package expr

import (
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// rawValue hands an already marshaled attribute value to the expression builder
// unchanged.
type rawValue struct {
	av types.AttributeValue
}

// MarshalDynamoDBAttributeValue implements attributevalue.Marshaler.
func (v rawValue) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	if v.av == nil {
		return &types.AttributeValueMemberNULL{Value: true}, nil
	}
	return v.av, nil
}

func value(av types.AttributeValue) expression.ValueBuilder {
	return expression.Value(rawValue{av: av})
}

func operand(av types.AttributeValue) expression.OperandBuilder {
	return value(av)
}
