package expr_test

import (
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/errors"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func namesFor(c expr.ExpressionComponents) []string {
	out := make([]string, 0, len(c.ExpressionAttributeNames))
	for _, name := range c.ExpressionAttributeNames {
		out = append(out, name)
	}
	return out
}

func TestNewBuilder(t *testing.T) {
	builder := expr.NewBuilder()
	require.NotNil(t, builder)

	components, err := builder.Build()
	require.NoError(t, err)
	assert.Nil(t, components.KeyConditionExpression)
	assert.Nil(t, components.FilterExpression)
	assert.Empty(t, components.ExpressionAttributeValues)
}

func TestNormalizeOperator(t *testing.T) {
	tests := map[string]string{
		"=":            expr.OpEqual,
		"<>":           expr.OpNotEqual,
		"!=":           expr.OpNotEqual,
		"between":      expr.OpBetween,
		" begins_with": expr.OpBeginsWith,
		"in":           expr.OpIn,
		"contains":     expr.OpContains,
		"exists":       expr.OpExists,
		"not_exists":   expr.OpNotExists,
	}
	for input, want := range tests {
		got, err := expr.NormalizeOperator(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := expr.NormalizeOperator("LIKE")
	assert.ErrorIs(t, err, errors.ErrInvalidOperator)
}

func TestAddKeyCondition(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		values   []types.AttributeValue
		contains string
		wantErr  bool
	}{
		{name: "equality", op: "=", values: []types.AttributeValue{s("u1")}, contains: "="},
		{name: "range", op: ">", values: []types.AttributeValue{n("10")}, contains: ">"},
		{name: "between", op: "BETWEEN", values: []types.AttributeValue{n("1"), n("5")}, contains: "BETWEEN"},
		{name: "begins with", op: "begins_with", values: []types.AttributeValue{s("ORDER#")}, contains: "begins_with"},
		{name: "not equal is not a key operator", op: "!=", values: []types.AttributeValue{s("x")}, wantErr: true},
		{name: "in is not a key operator", op: "IN", values: []types.AttributeValue{s("x")}, wantErr: true},
		{name: "begins with needs a string", op: "BEGINS_WITH", values: []types.AttributeValue{n("1")}, wantErr: true},
		{name: "between needs two values", op: "BETWEEN", values: []types.AttributeValue{n("1")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := expr.NewBuilder()
			err := builder.AddKeyCondition("sk", tt.op, tt.values...)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidOperator)
				assert.False(t, builder.HasKeyCondition())
				return
			}
			require.NoError(t, err)

			components, err := builder.Build()
			require.NoError(t, err)
			require.NotNil(t, components.KeyConditionExpression)
			assert.Contains(t, *components.KeyConditionExpression, tt.contains)
			assert.Contains(t, namesFor(components), "sk")
			assert.Len(t, components.ExpressionAttributeValues, len(tt.values))
		})
	}
}

func TestKeyConditionsAreJoinedWithAnd(t *testing.T) {
	builder := expr.NewBuilder()
	require.NoError(t, builder.AddKeyCondition("pk", "=", s("u1")))
	require.NoError(t, builder.AddKeyCondition("sk", ">=", n("3")))

	components, err := builder.Build()
	require.NoError(t, err)
	assert.Contains(t, *components.KeyConditionExpression, "AND")
	assert.ElementsMatch(t, []string{"pk", "sk"}, namesFor(components))
}

func TestFilterOperators(t *testing.T) {
	tests := []struct {
		op       string
		values   []types.AttributeValue
		contains string
	}{
		{op: "=", values: []types.AttributeValue{s("a")}, contains: "="},
		{op: "<>", values: []types.AttributeValue{s("a")}, contains: "<>"},
		{op: "<", values: []types.AttributeValue{n("1")}, contains: "<"},
		{op: "<=", values: []types.AttributeValue{n("1")}, contains: "<="},
		{op: ">", values: []types.AttributeValue{n("1")}, contains: ">"},
		{op: ">=", values: []types.AttributeValue{n("1")}, contains: ">="},
		{op: "BETWEEN", values: []types.AttributeValue{n("1"), n("2")}, contains: "BETWEEN"},
		{op: "IN", values: []types.AttributeValue{s("a"), s("b"), s("c")}, contains: "IN"},
		{op: "BEGINS_WITH", values: []types.AttributeValue{s("a")}, contains: "begins_with"},
		{op: "CONTAINS", values: []types.AttributeValue{s("a")}, contains: "contains"},
		{op: "EXISTS", contains: "attribute_exists"},
		{op: "NOT_EXISTS", contains: "attribute_not_exists"},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			builder := expr.NewBuilder()
			require.NoError(t, builder.AddFilterCondition(expr.And, "status", tt.op, tt.values...))
			require.True(t, builder.HasFilter())

			components, err := builder.Build()
			require.NoError(t, err)
			require.NotNil(t, components.FilterExpression)
			assert.Contains(t, *components.FilterExpression, tt.contains)
			assert.Len(t, components.ExpressionAttributeValues, len(tt.values))
		})
	}
}

func TestFilterOperandValidation(t *testing.T) {
	builder := expr.NewBuilder()

	assert.ErrorIs(t, builder.AddFilterCondition(expr.And, "a", "EXISTS", s("x")), errors.ErrInvalidOperator)
	assert.ErrorIs(t, builder.AddFilterCondition(expr.And, "a", "IN"), errors.ErrInvalidOperator)
	assert.ErrorIs(t, builder.AddFilterCondition(expr.And, "a", "=", nil), errors.ErrEmptyValue)
	assert.ErrorIs(t, builder.AddFilterCondition(expr.And, "a", "CONTAINS", n("1")), errors.ErrInvalidOperator)
	assert.ErrorIs(t, builder.AddFilterCondition("XOR", "a", "=", s("x")), errors.ErrInvalidOperator)

	tooMany := make([]types.AttributeValue, 101)
	for i := range tooMany {
		tooMany[i] = n("1")
	}
	assert.ErrorIs(t, builder.AddFilterCondition(expr.And, "a", "IN", tooMany...), errors.ErrInvalidOperator)
	assert.ErrorIs(t, builder.AddFilterCondition(expr.And, "a..b", "=", s("x")), errors.ErrInvalidName)
	assert.ErrorIs(t, builder.AddKeyCondition("tags[x]", "=", s("x")), errors.ErrInvalidName)
	assert.False(t, builder.HasFilter())
	assert.False(t, builder.HasKeyCondition())
}

func TestFilterPrecedence(t *testing.T) {
	builder := expr.NewBuilder()
	require.NoError(t, builder.AddFilterCondition(expr.And, "a", "=", s("1")))
	require.NoError(t, builder.AddFilterCondition(expr.And, "b", "=", s("2")))
	require.NoError(t, builder.AddFilterCondition(expr.Or, "c", "=", s("3")))

	components, err := builder.Build()
	require.NoError(t, err)
	filter := *components.FilterExpression
	assert.Contains(t, filter, "OR")
	assert.Contains(t, filter, "AND")
	assert.Less(t, strings.Index(filter, "AND"), strings.Index(filter, "OR"))
	assert.Len(t, components.ExpressionAttributeValues, 3)
}

func TestAddGroupFilter(t *testing.T) {
	group := expr.NewBuilder()
	require.NoError(t, group.AddFilterCondition(expr.And, "a", "=", s("1")))
	require.NoError(t, group.AddFilterCondition(expr.Or, "b", "=", s("2")))

	builder := expr.NewBuilder()
	require.NoError(t, builder.AddFilterCondition(expr.And, "c", "EXISTS"))
	require.NoError(t, builder.AddGroupFilter(expr.And, group))
	require.NoError(t, builder.AddGroupFilter(expr.And, expr.NewBuilder()))

	components, err := builder.Build()
	require.NoError(t, err)
	assert.Contains(t, *components.FilterExpression, "attribute_exists")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, namesFor(components))
}

func TestConditionExpression(t *testing.T) {
	builder := expr.NewBuilder()
	require.NoError(t, builder.AddConditionExpression("pk", "NOT_EXISTS"))
	require.NoError(t, builder.AddConditionExpressionWithOp(expr.Or, "version", "=", n("3")))

	components, err := builder.Build()
	require.NoError(t, err)
	require.NotNil(t, components.ConditionExpression)
	assert.Contains(t, *components.ConditionExpression, "attribute_not_exists")
	assert.Contains(t, *components.ConditionExpression, "OR")
	assert.Nil(t, components.FilterExpression)
}

func TestUpdateExpression(t *testing.T) {
	builder := expr.NewBuilder()
	assert.False(t, builder.HasUpdate())

	builder.AddUpdateSet("name", s("Ada"))
	builder.AddUpdateSetIfNotExists("createdAt", s("2024-01-01"))
	builder.AddUpdateAdd("count", n("2"))
	builder.AddUpdateRemove("nickname")
	builder.AddUpdateDelete("tags", &types.AttributeValueMemberSS{Value: []string{"old"}})
	builder.AddUpdateListAppend("events", &types.AttributeValueMemberL{Value: []types.AttributeValue{s("e")}}, false)
	require.True(t, builder.HasUpdate())

	components, err := builder.Build()
	require.NoError(t, err)
	require.NotNil(t, components.UpdateExpression)
	update := *components.UpdateExpression
	for _, part := range []string{"SET", "ADD", "REMOVE", "DELETE", "if_not_exists", "list_append"} {
		assert.Contains(t, update, part)
	}
	assert.ElementsMatch(t, []string{"name", "createdAt", "count", "nickname", "tags", "events"}, namesFor(components))
}

func TestProjection(t *testing.T) {
	builder := expr.NewBuilder()
	builder.AddProjection("id", "name")

	components, err := builder.Build()
	require.NoError(t, err)
	require.NotNil(t, components.ProjectionExpression)
	assert.Equal(t, 1, strings.Count(*components.ProjectionExpression, ","))
	assert.ElementsMatch(t, []string{"id", "name"}, namesFor(components))
}

func TestNestedAttributePaths(t *testing.T) {
	builder := expr.NewBuilder()
	require.NoError(t, builder.AddFilterCondition(expr.And, "address.city", "=", s("Oslo")))

	components, err := builder.Build()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"address", "city"}, namesFor(components))
}

func TestClone(t *testing.T) {
	builder := expr.NewBuilder()
	require.NoError(t, builder.AddFilterCondition(expr.And, "a", "=", s("1")))

	clone := builder.Clone()
	require.NoError(t, clone.AddFilterCondition(expr.And, "b", "=", s("2")))

	original, err := builder.Build()
	require.NoError(t, err)
	cloned, err := clone.Build()
	require.NoError(t, err)
	assert.Len(t, original.ExpressionAttributeValues, 1)
	assert.Len(t, cloned.ExpressionAttributeValues, 2)
}
