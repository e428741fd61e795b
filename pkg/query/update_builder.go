package query

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// UpdateBuilder provides a fluent API for building atomic update expressions on the
// item identified by the query's model. Execute returns the updated item into the
// model and refreshes its snapshot.
type UpdateBuilder struct {
	buildErr error
	query    *Query
	expr     *expr.Builder
	touched  map[string]bool
}

// UpdateBuilder starts an atomic update of the bound model.
func (q *Query) UpdateBuilder() *UpdateBuilder {
	return &UpdateBuilder{
		buildErr: q.builderErr,
		query:    q,
		expr:     expr.NewBuilder(),
		touched:  map[string]bool{},
	}
}

func (ub *UpdateBuilder) operand(op, field string, value any) (string, types.AttributeValue, bool) {
	name, codec := ub.query.resolve(field)
	if ub.isKey(name) {
		ub.fail(fmt.Errorf("%s(%s): %w: key attributes cannot be updated", op, field, errors.ErrInvalidPrimaryKey))
		return "", nil, false
	}
	av, err := marshalOperand(codec, value)
	if err != nil {
		ub.fail(fmt.Errorf("%s(%s): %w", op, field, err))
		return "", nil, false
	}
	ub.touched[name] = true
	return name, av, true
}

func (ub *UpdateBuilder) isKey(name string) bool {
	for _, key := range ub.query.metadata.KeyAttributes() {
		if key == name {
			return true
		}
	}
	return false
}

func (ub *UpdateBuilder) fail(err error) {
	if ub.buildErr == nil {
		ub.buildErr = err
	}
}

// Set adds a SET expression to update a field
func (ub *UpdateBuilder) Set(field string, value any) *UpdateBuilder {
	if name, av, ok := ub.operand("Set", field, value); ok {
		ub.expr.AddUpdateSet(name, av)
	}
	return ub
}

// SetIfNotExists sets a field only if it doesn't exist
func (ub *UpdateBuilder) SetIfNotExists(field string, value any) *UpdateBuilder {
	if name, av, ok := ub.operand("SetIfNotExists", field, value); ok {
		ub.expr.AddUpdateSetIfNotExists(name, av)
	}
	return ub
}

// Add adds a number to a numeric field or elements to a set field.
func (ub *UpdateBuilder) Add(field string, value any) *UpdateBuilder {
	if name, av, ok := ub.operand("Add", field, value); ok {
		ub.expr.AddUpdateAdd(name, av)
	}
	return ub
}

// Increment atomically adds one to a numeric field.
func (ub *UpdateBuilder) Increment(field string) *UpdateBuilder {
	return ub.Add(field, numberValue(1))
}

// Decrement atomically subtracts one from a numeric field.
func (ub *UpdateBuilder) Decrement(field string) *UpdateBuilder {
	return ub.Add(field, numberValue(-1))
}

// Remove deletes an attribute from the item.
func (ub *UpdateBuilder) Remove(field string) *UpdateBuilder {
	name, _ := ub.query.resolve(field)
	if ub.isKey(name) {
		ub.fail(fmt.Errorf("Remove(%s): %w: key attributes cannot be removed", field, errors.ErrInvalidPrimaryKey))
		return ub
	}
	ub.touched[name] = true
	ub.expr.AddUpdateRemove(name)
	return ub
}

// DeleteFromSet removes elements from a set field.
func (ub *UpdateBuilder) DeleteFromSet(field string, value any) *UpdateBuilder {
	if name, av, ok := ub.operand("DeleteFromSet", field, value); ok {
		ub.expr.AddUpdateDelete(name, av)
	}
	return ub
}

// Append adds values to the end of a list field, creating the list when missing.
func (ub *UpdateBuilder) Append(field string, values any) *UpdateBuilder {
	return ub.listAppend("Append", field, values, false)
}

// Prepend adds values to the front of a list field, creating the list when missing.
func (ub *UpdateBuilder) Prepend(field string, values any) *UpdateBuilder {
	return ub.listAppend("Prepend", field, values, true)
}

func (ub *UpdateBuilder) listAppend(op, field string, values any, prepend bool) *UpdateBuilder {
	name, _ := ub.query.resolve(field)
	list := make([]types.AttributeValue, 0)
	for _, v := range spread(values) {
		av, err := marshalOperand(nil, v)
		if err != nil {
			ub.fail(fmt.Errorf("%s(%s): %w", op, field, err))
			return ub
		}
		list = append(list, av)
	}
	ub.touched[name] = true
	ub.expr.AddUpdateListAppend(name, &types.AttributeValueMemberL{Value: list}, prepend)
	return ub
}

// Condition adds a condition joined with AND that must hold for the update to apply.
func (ub *UpdateBuilder) Condition(field string, operator string, value any) *UpdateBuilder {
	return ub.condition(expr.And, field, operator, value)
}

// OrCondition adds a condition joined with OR.
func (ub *UpdateBuilder) OrCondition(field string, operator string, value any) *UpdateBuilder {
	return ub.condition(expr.Or, field, operator, value)
}

func (ub *UpdateBuilder) condition(logicalOp, field, operator string, value any) *UpdateBuilder {
	op, err := expr.NormalizeOperator(operator)
	if err != nil {
		ub.fail(err)
		return ub
	}
	name, values, err := ub.query.operands(Condition{Field: field, Operator: op, Value: value})
	if err != nil {
		ub.fail(err)
		return ub
	}
	if err := ub.expr.AddConditionExpressionWithOp(logicalOp, name, op, values...); err != nil {
		ub.fail(err)
	}
	return ub
}

// Execute sends the UpdateItem request. updated_at is stamped and the version is
// bumped unless the caller changed them explicitly.
func (ub *UpdateBuilder) Execute() error {
	q := ub.query
	if ub.buildErr != nil {
		return q.wrap("update", ub.buildErr)
	}
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("update", err)
	}
	key, err := q.metadata.KeyOf(v.Addr().Interface())
	if err != nil {
		return q.wrap("update", err)
	}
	if !ub.expr.HasUpdate() {
		return q.wrap("update", fmt.Errorf("%w: no update actions", errors.ErrEmptyValue))
	}

	if f := q.metadata.UpdatedAtField; f != nil && !ub.touched[f.DBName] {
		av, err := f.Codec.MarshalAny(q.exec.now())
		if err != nil {
			return q.wrap("update", err)
		}
		ub.expr.AddUpdateSet(f.DBName, av)
	}
	if f := q.metadata.VersionField; f != nil && !ub.touched[f.DBName] {
		ub.expr.AddUpdateAdd(f.DBName, numberValue(1))
	}
	if err := q.addWriteConditions(ub.expr); err != nil {
		return q.wrap("update", err)
	}

	components, err := ub.expr.Build()
	if err != nil {
		return q.wrap("update", err)
	}

	q.exec.logger.Debug("update item", zap.String("table", q.table))
	output, err := q.exec.client.UpdateItem(q.ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(q.table),
		Key:                       key,
		UpdateExpression:          components.UpdateExpression,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return q.wrap("update", errors.FromSDK(err))
	}
	if len(output.Attributes) == 0 {
		return nil
	}
	return q.wrap("update", q.metadata.Load(output.Attributes, v))
}
