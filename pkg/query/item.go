package query

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
)

// Create inserts the model, failing with ErrConditionFailed when an item with the
// same key exists. It fills `default:` fields, the timestamps and version 1.
func (q *Query) Create() error {
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("create", err)
	}

	restore := q.metadata.Remember(v)
	q.metadata.PrepareCreate(v, q.exec.now())

	builder := expr.NewBuilder()
	if err := builder.AddConditionExpression(q.metadata.PrimaryKey.PartitionKey.DBName, expr.OpNotExists); err != nil {
		return q.wrap("create", err)
	}
	if err := q.put(v, builder); err != nil {
		restore.Apply(v)
		return q.wrap("create", err)
	}
	return nil
}

// Put writes the model unconditionally, replacing any existing item.
func (q *Query) Put() error {
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("put", err)
	}

	restore := q.metadata.Remember(v)
	q.metadata.PreparePut(v, q.exec.now())
	if err := q.put(v, expr.NewBuilder()); err != nil {
		restore.Apply(v)
		return q.wrap("put", err)
	}
	return nil
}

func (q *Query) put(v reflect.Value, builder *expr.Builder) error {
	if err := q.addWriteConditions(builder); err != nil {
		return err
	}
	item, err := q.metadata.MarshalValue(v)
	if err != nil {
		return err
	}
	if _, err := q.metadata.KeyOf(v.Addr().Interface()); err != nil {
		return err
	}
	components, err := builder.Build()
	if err != nil {
		return err
	}

	q.exec.logger.Debug("put item", zap.String("table", q.table))
	_, err = q.exec.client.PutItem(q.ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(q.table),
		Item:                      item,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	})
	if err != nil {
		return errors.FromSDK(err)
	}
	return q.metadata.MarkPersisted(v)
}

// Save persists the model according to its tracking state: new (or deleted) models
// are created, clean models without changes are left alone and dirty models are
// updated with only their changed attributes. Untracked models are put.
func (q *Query) Save() error {
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("save", err)
	}

	state, tracked := tracking.Of(v.Addr().Interface())
	switch {
	case !tracked:
		return q.Put()
	case state.IsNew():
		return q.Create()
	}

	current, err := q.metadata.MarshalValue(v)
	if err != nil {
		return q.wrap("save", err)
	}
	changes := state.Changes(current)
	if len(changes) == 0 {
		return nil
	}
	for _, name := range q.metadata.KeyAttributes() {
		if changes.Changed(name) {
			return q.wrap("save", fmt.Errorf("%w: %s changed since the model was loaded", errors.ErrInvalidPrimaryKey, name))
		}
	}

	restore := q.metadata.Remember(v)
	if err := q.update(v, state); err != nil {
		restore.Apply(v)
		return q.wrap("save", err)
	}
	return nil
}

// update sends the dirty attributes of a clean model as an UpdateItem.
func (q *Query) update(v reflect.Value, state *tracking.State) error {
	now := q.exec.now()
	q.metadata.Touch(v, now)

	builder := expr.NewBuilder()
	versioned := false
	if f := q.metadata.VersionField; f != nil {
		if previous, ok := state.SnapshotValue(f.DBName); ok {
			current, _ := q.metadata.Version(v)
			q.metadata.SetVersion(v, current+1)
			if err := builder.AddConditionExpression(f.DBName, expr.OpEqual, previous); err != nil {
				return err
			}
			versioned = true
		}
	}

	current, err := q.metadata.MarshalValue(v)
	if err != nil {
		return err
	}
	changes := state.Changes(current)
	for _, name := range changes.Updated() {
		builder.AddUpdateSet(name, current[name])
	}
	for _, name := range changes.Removed() {
		builder.AddUpdateRemove(name)
	}

	if err := builder.AddConditionExpression(q.metadata.PrimaryKey.PartitionKey.DBName, expr.OpExists); err != nil {
		return err
	}
	if err := q.addWriteConditions(builder); err != nil {
		return err
	}
	components, err := builder.Build()
	if err != nil {
		return err
	}

	q.exec.logger.Debug("update item",
		zap.String("table", q.table),
		zap.Strings("attributes", changes.Attributes()))

	_, err = q.exec.client.UpdateItem(q.ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(q.table),
		Key:                       q.metadata.ExtractKey(current),
		UpdateExpression:          components.UpdateExpression,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	})
	if err != nil {
		return staleOr(errors.FromSDK(err), versioned)
	}
	state.MarkClean(current)
	return nil
}

// Delete removes the item. A clean, versioned model is only deleted while the
// stored version still matches.
func (q *Query) Delete() error {
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("delete", err)
	}
	key, err := q.metadata.KeyOf(v.Addr().Interface())
	if err != nil {
		return q.wrap("delete", err)
	}

	builder := expr.NewBuilder()
	versioned := false
	if state, ok := tracking.Of(v.Addr().Interface()); ok && state.Status() == tracking.StatusClean && q.metadata.VersionField != nil {
		if previous, ok := state.SnapshotValue(q.metadata.VersionField.DBName); ok {
			if err := builder.AddConditionExpression(q.metadata.VersionField.DBName, expr.OpEqual, previous); err != nil {
				return q.wrap("delete", err)
			}
			versioned = true
		}
	}
	if err := q.addWriteConditions(builder); err != nil {
		return q.wrap("delete", err)
	}
	components, err := builder.Build()
	if err != nil {
		return q.wrap("delete", err)
	}

	q.exec.logger.Debug("delete item", zap.String("table", q.table))
	_, err = q.exec.client.DeleteItem(q.ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(q.table),
		Key:                       key,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	})
	if err != nil {
		return q.wrap("delete", staleOr(errors.FromSDK(err), versioned))
	}
	q.metadata.MarkDeleted(v)
	return nil
}

// Reload re-reads the model by its primary key.
func (q *Query) Reload() error {
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("reload", err)
	}
	key, err := q.metadata.KeyOf(v.Addr().Interface())
	if err != nil {
		return q.wrap("reload", err)
	}
	return q.wrap("reload", q.getItem(key, v))
}

// Find loads the item with the given key into the model. sort is required exactly
// when the table has a sort key.
func (q *Query) Find(partition any, sort ...any) error {
	v, err := q.modelValue()
	if err != nil {
		return q.wrap("find", err)
	}
	var sk any
	if len(sort) > 0 {
		sk = sort[0]
	}
	key, err := q.metadata.KeyFromValues(partition, sk)
	if err != nil {
		return q.wrap("find", err)
	}
	return q.wrap("find", q.getItem(key, v))
}

func (q *Query) getItem(key map[string]types.AttributeValue, v reflect.Value) error {
	if q.builderErr != nil {
		return q.builderErr
	}
	input := &dynamodb.GetItemInput{
		TableName: aws.String(q.table),
		Key:       key,
	}
	if q.consistentRead {
		input.ConsistentRead = aws.Bool(true)
	}
	if len(q.projection) > 0 {
		builder := expr.NewBuilder()
		for _, field := range append(append([]string(nil), q.projection...), q.metadata.KeyAttributes()...) {
			name, _ := q.resolve(field)
			builder.AddProjection(name)
		}
		components, err := builder.Build()
		if err != nil {
			return err
		}
		input.ProjectionExpression = components.ProjectionExpression
		input.ExpressionAttributeNames = components.ExpressionAttributeNames
	}

	q.exec.logger.Debug("get item", zap.String("table", q.table))
	output, err := q.exec.client.GetItem(q.ctx, input)
	if err != nil {
		return errors.FromSDK(err)
	}
	if len(output.Item) == 0 {
		return errors.ErrItemNotFound
	}
	return q.metadata.Load(output.Item, v)
}

// Discard drops local edits by re-hydrating the model from its snapshot.
func (q *Query) Discard() error {
	if q.builderErr != nil {
		return q.wrap("discard", q.builderErr)
	}
	if q.model == nil {
		return q.wrap("discard", fmt.Errorf("%w: no model bound to the query", errors.ErrInvalidModel))
	}
	return q.wrap("discard", q.metadata.Discard(q.model))
}

// modelValue returns the addressable struct bound to the query.
func (q *Query) modelValue() (reflect.Value, error) {
	if q.builderErr != nil {
		return reflect.Value{}, q.builderErr
	}
	if q.model == nil {
		return reflect.Value{}, fmt.Errorf("%w: no model bound to the query", errors.ErrInvalidModel)
	}
	return q.metadata.StructValue(q.model)
}

// staleOr reports a failed version guard as ErrStaleObject.
func staleOr(err error, versioned bool) error {
	if versioned && errors.IsConditionFailed(err) {
		return fmt.Errorf("%w: %w", errors.ErrStaleObject, err)
	}
	return err
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
