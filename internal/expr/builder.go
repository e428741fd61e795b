// Package expr assembles DynamoDB condition, key, filter, update and projection
// expressions from already marshaled attribute values.
package expr

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// Logical operators joining filter and condition terms.
const (
	And = "AND"
	Or  = "OR"
)

// ExpressionComponents holds the compiled expressions and their placeholders.
// Unset expressions are nil so they can be assigned to SDK inputs directly.
type ExpressionComponents struct {
	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]types.AttributeValue
	KeyConditionExpression    *string
	FilterExpression          *string
	ProjectionExpression      *string
	UpdateExpression          *string
	ConditionExpression       *string
}

// Builder accumulates expression parts. Terms joined with AND bind tighter than
// terms joined with OR, matching DynamoDB precedence.
type Builder struct {
	keyCondition expression.KeyConditionBuilder
	update       expression.UpdateBuilder
	filter       terms
	condition    terms
	projection   []string
	hasKey       bool
	hasUpdate    bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddKeyCondition adds a condition on a key attribute. Multiple key conditions are
// joined with AND.
func (b *Builder) AddKeyCondition(name, op string, values ...types.AttributeValue) error {
	cond, err := KeyCondition(name, op, values...)
	if err != nil {
		return err
	}
	if b.hasKey {
		b.keyCondition = b.keyCondition.And(cond)
	} else {
		b.keyCondition = cond
		b.hasKey = true
	}
	return nil
}

// AddFilterCondition adds a filter term joined to the previous ones with logicalOp.
func (b *Builder) AddFilterCondition(logicalOp, name, op string, values ...types.AttributeValue) error {
	cond, err := Condition(name, op, values...)
	if err != nil {
		return err
	}
	return b.filter.add(logicalOp, cond)
}

// AddGroupFilter adds the filter of group as a single parenthesized term.
func (b *Builder) AddGroupFilter(logicalOp string, group *Builder) error {
	cond, ok := group.filter.build()
	if !ok {
		return nil
	}
	return b.filter.add(logicalOp, cond)
}

// AddConditionExpression adds a write condition term joined with AND.
func (b *Builder) AddConditionExpression(name, op string, values ...types.AttributeValue) error {
	return b.AddConditionExpressionWithOp(And, name, op, values...)
}

// AddConditionExpressionWithOp adds a write condition term joined with logicalOp.
func (b *Builder) AddConditionExpressionWithOp(logicalOp, name, op string, values ...types.AttributeValue) error {
	cond, err := Condition(name, op, values...)
	if err != nil {
		return err
	}
	return b.condition.add(logicalOp, cond)
}

// AddProjection limits the returned attributes.
func (b *Builder) AddProjection(names ...string) {
	b.projection = append(b.projection, names...)
}

// AddUpdateSet adds "SET name = value".
func (b *Builder) AddUpdateSet(name string, v types.AttributeValue) {
	b.setUpdate(b.update.Set(expression.Name(name), operand(v)))
}

// AddUpdateSetIfNotExists adds "SET name = if_not_exists(name, value)".
func (b *Builder) AddUpdateSetIfNotExists(name string, v types.AttributeValue) {
	n := expression.Name(name)
	b.setUpdate(b.update.Set(n, expression.IfNotExists(n, operand(v))))
}

// AddUpdateListAppend appends (or prepends) the list v, creating the list when missing.
func (b *Builder) AddUpdateListAppend(name string, v types.AttributeValue, prepend bool) {
	n := expression.Name(name)
	current := expression.IfNotExists(n, operand(&types.AttributeValueMemberL{Value: []types.AttributeValue{}}))
	var appended expression.SetValueBuilder
	if prepend {
		appended = expression.ListAppend(operand(v), current)
	} else {
		appended = expression.ListAppend(current, operand(v))
	}
	b.setUpdate(b.update.Set(n, appended))
}

// AddUpdateAdd adds "ADD name value" for numbers and sets.
func (b *Builder) AddUpdateAdd(name string, v types.AttributeValue) {
	b.setUpdate(b.update.Add(expression.Name(name), value(v)))
}

// AddUpdateRemove adds "REMOVE name".
func (b *Builder) AddUpdateRemove(name string) {
	b.setUpdate(b.update.Remove(expression.Name(name)))
}

// AddUpdateDelete adds "DELETE name value" removing elements from a set.
func (b *Builder) AddUpdateDelete(name string, v types.AttributeValue) {
	b.setUpdate(b.update.Delete(expression.Name(name), value(v)))
}

func (b *Builder) setUpdate(update expression.UpdateBuilder) {
	b.update = update
	b.hasUpdate = true
}

// HasKeyCondition reports whether a key condition was added.
func (b *Builder) HasKeyCondition() bool { return b.hasKey }

// HasFilter reports whether any filter term was added.
func (b *Builder) HasFilter() bool { return len(b.filter.groups) > 0 }

// HasUpdate reports whether any update action was added.
func (b *Builder) HasUpdate() bool { return b.hasUpdate }

// Build compiles the accumulated parts. An empty builder yields empty components.
func (b *Builder) Build() (ExpressionComponents, error) {
	builder := expression.NewBuilder()
	empty := true

	if b.hasKey {
		builder = builder.WithKeyCondition(b.keyCondition)
		empty = false
	}
	if cond, ok := b.filter.build(); ok {
		builder = builder.WithFilter(cond)
		empty = false
	}
	if cond, ok := b.condition.build(); ok {
		builder = builder.WithCondition(cond)
		empty = false
	}
	if b.hasUpdate {
		builder = builder.WithUpdate(b.update)
		empty = false
	}
	if len(b.projection) > 0 {
		names := make([]expression.NameBuilder, 0, len(b.projection))
		for _, name := range b.projection {
			names = append(names, expression.Name(name))
		}
		builder = builder.WithProjection(expression.NamesList(names[0], names[1:]...))
		empty = false
	}

	if empty {
		return ExpressionComponents{}, nil
	}

	compiled, err := builder.Build()
	if err != nil {
		return ExpressionComponents{}, fmt.Errorf("build expression: %w", err)
	}

	return ExpressionComponents{
		ExpressionAttributeNames:  compiled.Names(),
		ExpressionAttributeValues: compiled.Values(),
		KeyConditionExpression:    compiled.KeyCondition(),
		FilterExpression:          compiled.Filter(),
		ProjectionExpression:      compiled.Projection(),
		UpdateExpression:          compiled.Update(),
		ConditionExpression:       compiled.Condition(),
	}, nil
}

// Clone returns an independent copy of the builder.
func (b *Builder) Clone() *Builder {
	clone := *b
	clone.filter = b.filter.clone()
	clone.condition = b.condition.clone()
	clone.projection = append([]string(nil), b.projection...)
	return &clone
}

// terms is a disjunction of conjunctions.
type terms struct {
	groups [][]expression.ConditionBuilder
}

func (t *terms) add(logicalOp string, cond expression.ConditionBuilder) error {
	switch strings.ToUpper(strings.TrimSpace(logicalOp)) {
	case And, "":
		if len(t.groups) == 0 {
			t.groups = append(t.groups, nil)
		}
		last := len(t.groups) - 1
		t.groups[last] = append(t.groups[last], cond)
	case Or:
		t.groups = append(t.groups, []expression.ConditionBuilder{cond})
	default:
		return fmt.Errorf("%w: logical operator %q", errors.ErrInvalidOperator, logicalOp)
	}
	return nil
}

func (t *terms) build() (expression.ConditionBuilder, bool) {
	var (
		out   expression.ConditionBuilder
		found bool
	)
	for _, group := range t.groups {
		if len(group) == 0 {
			continue
		}
		conj := group[0]
		if len(group) > 1 {
			conj = expression.And(group[0], group[1], group[2:]...)
		}
		if !found {
			out = conj
			found = true
			continue
		}
		out = out.Or(conj)
	}
	return out, found
}

func (t terms) clone() terms {
	groups := make([][]expression.ConditionBuilder, len(t.groups))
	for i, g := range t.groups {
		groups[i] = append([]expression.ConditionBuilder(nil), g...)
	}
	return terms{groups: groups}
}
