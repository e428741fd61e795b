package query

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/attr"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
)

// Sort directions accepted by OrderBy.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Query represents a DynamoDB query builder bound to one model. Builder methods
// record the first error and report it from the terminal call.
type Query struct {
	builderErr      error
	ctx             context.Context
	exec            *Executor
	metadata        *model.Metadata
	model           any
	table           string
	index           string
	cursor          string
	orderBy         string
	projection      []string
	conditions      []Condition
	filters         []filterTerm
	writeConditions []filterTerm
	limit           int
	pageSize        int
	consistentRead  bool
}

// Condition represents a query condition
type Condition struct {
	Value    any
	Field    string
	Operator string
}

type filterTerm struct {
	group     *Query
	logicalOp string
	cond      Condition
}

// New creates a Query over table for the model described by metadata. model is the
// pointer the item operations read from and write to; it may be nil for pure reads.
func New(ctx context.Context, exec *Executor, metadata *model.Metadata, table string, m any) *Query {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Query{
		ctx:            ctx,
		exec:           exec,
		metadata:       metadata,
		model:          m,
		table:          table,
		consistentRead: exec != nil && exec.consistentReads,
	}
}

// Failed returns a query whose terminal operations all report err. It stands in for
// a query over a model that could not be registered.
func Failed(ctx context.Context, err error) *Query {
	q := New(ctx, nil, &model.Metadata{
		Type:       reflect.TypeOf(struct{}{}),
		PrimaryKey: &model.KeySchema{PartitionKey: &model.FieldMetadata{}},
	}, "", nil)
	q.builderErr = err
	return q
}

// WithContext replaces the context used by terminal operations.
func (q *Query) WithContext(ctx context.Context) *Query {
	if ctx != nil {
		q.ctx = ctx
	}
	return q
}

// Metadata returns the model metadata of the query.
func (q *Query) Metadata() *model.Metadata { return q.metadata }

// TableName returns the physical table name.
func (q *Query) TableName() string { return q.table }

// Where adds a condition. Conditions on the keys of the selected index become key
// conditions; the rest are filters joined with AND.
func (q *Query) Where(field string, op string, value any) *Query {
	normalized, err := expr.NormalizeOperator(op)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.conditions = append(q.conditions, Condition{Field: field, Operator: normalized, Value: value})
	return q
}

// Filter adds a filter joined to the previous filters with AND.
func (q *Query) Filter(field string, op string, value any) *Query {
	return q.addFilter(expr.And, field, op, value)
}

// OrFilter adds a filter joined to the previous filters with OR.
func (q *Query) OrFilter(field string, op string, value any) *Query {
	return q.addFilter(expr.Or, field, op, value)
}

// FilterGroup adds a parenthesized group of filters joined with AND.
func (q *Query) FilterGroup(fn func(*Query)) *Query {
	return q.addFilterGroup(expr.And, fn)
}

// OrFilterGroup adds a parenthesized group of filters joined with OR.
func (q *Query) OrFilterGroup(fn func(*Query)) *Query {
	return q.addFilterGroup(expr.Or, fn)
}

func (q *Query) addFilter(logicalOp, field, op string, value any) *Query {
	normalized, err := expr.NormalizeOperator(op)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.filters = append(q.filters, filterTerm{
		logicalOp: logicalOp,
		cond:      Condition{Field: field, Operator: normalized, Value: value},
	})
	return q
}

func (q *Query) addFilterGroup(logicalOp string, fn func(*Query)) *Query {
	group := &Query{metadata: q.metadata}
	fn(group)
	if group.builderErr != nil {
		q.recordBuilderError(group.builderErr)
		return q
	}
	if len(group.filters) > 0 {
		q.filters = append(q.filters, filterTerm{logicalOp: logicalOp, group: group})
	}
	return q
}

// Index forces the query to run against a secondary index.
func (q *Query) Index(name string) *Query {
	if _, err := q.metadata.IndexByName(name); err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.index = name
	return q
}

// Limit caps the number of items returned by All and Page.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// PageSize sets the per-request item limit sent to DynamoDB.
func (q *Query) PageSize(n int) *Query {
	q.pageSize = n
	return q
}

// OrderBy sets the sort key direction, asc or desc. Scans ignore it.
func (q *Query) OrderBy(direction string) *Query {
	switch d := strings.ToLower(strings.TrimSpace(direction)); d {
	case SortAsc, SortDesc:
		q.orderBy = d
	default:
		q.recordBuilderError(fmt.Errorf("%w: sort direction %q", errors.ErrInvalidOperator, direction))
	}
	return q
}

// ConsistentRead requests strongly consistent reads.
func (q *Query) ConsistentRead() *Query {
	q.consistentRead = true
	return q
}

// Select limits the attributes fetched. Primary key attributes are always fetched.
func (q *Query) Select(fields ...string) *Query {
	q.projection = append(q.projection, fields...)
	return q
}

// Cursor resumes a previous Page from its cursor.
func (q *Query) Cursor(token string) *Query {
	q.cursor = token
	return q
}

// IfExists guards the next write with attribute_exists on the partition key.
func (q *Query) IfExists() *Query {
	return q.WithCondition(q.metadata.PrimaryKey.PartitionKey.DBName, expr.OpExists, nil)
}

// IfNotExists guards the next write with attribute_not_exists on the partition key.
func (q *Query) IfNotExists() *Query {
	return q.WithCondition(q.metadata.PrimaryKey.PartitionKey.DBName, expr.OpNotExists, nil)
}

// WithCondition adds a write condition joined with AND.
func (q *Query) WithCondition(field, op string, value any) *Query {
	normalized, err := expr.NormalizeOperator(op)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.writeConditions = append(q.writeConditions, filterTerm{
		logicalOp: expr.And,
		cond:      Condition{Field: field, Operator: normalized, Value: value},
	})
	return q
}

func (q *Query) recordBuilderError(err error) {
	if q.builderErr == nil {
		q.builderErr = err
	}
}

// resolve maps a Go field name, attribute name or document path to the attribute
// path and the codec used for its operands.
func (q *Query) resolve(field string) (string, *attr.Codec) {
	if f, ok := q.metadata.Field(field); ok {
		return f.DBName, f.Codec
	}
	if i := strings.IndexAny(field, ".["); i > 0 {
		if f, ok := q.metadata.Field(field[:i]); ok {
			return f.DBName + field[i:], nil
		}
	}
	return field, nil
}

// operands marshals the value of cond into the operand list of its operator.
func (q *Query) operands(cond Condition) (string, []types.AttributeValue, error) {
	name, codec := q.resolve(cond.Field)

	var raw []any
	switch cond.Operator {
	case expr.OpExists, expr.OpNotExists:
		return name, nil, nil
	case expr.OpBetween:
		raw = spread(cond.Value)
		if len(raw) != 2 {
			return "", nil, fmt.Errorf("%w: BETWEEN on %s needs two values", errors.ErrInvalidOperator, cond.Field)
		}
	case expr.OpIn:
		raw = spread(cond.Value)
	default:
		raw = []any{cond.Value}
	}

	values := make([]types.AttributeValue, 0, len(raw))
	for _, v := range raw {
		av, err := marshalOperand(codec, v)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", cond.Field, err)
		}
		values = append(values, av)
	}
	return name, values, nil
}

func marshalOperand(codec *attr.Codec, v any) (types.AttributeValue, error) {
	if codec != nil {
		return codec.MarshalAny(v)
	}
	if av, ok := v.(types.AttributeValue); ok {
		return av, nil
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrUnsupportedType, err)
	}
	return av, nil
}

// spread expands a slice or array operand; other values become a single operand.
func spread(value any) []any {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() {
		return []any{value}
	}
	if (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// addFilters appends the filter terms of q (and its groups) to builder.
func (q *Query) addFilters(builder *expr.Builder, terms []filterTerm) error {
	for _, term := range terms {
		if term.group != nil {
			group := expr.NewBuilder()
			if err := term.group.addFilters(group, term.group.filters); err != nil {
				return err
			}
			if err := builder.AddGroupFilter(term.logicalOp, group); err != nil {
				return err
			}
			continue
		}
		name, values, err := q.operands(term.cond)
		if err != nil {
			return err
		}
		if err := builder.AddFilterCondition(term.logicalOp, name, term.cond.Operator, values...); err != nil {
			return err
		}
	}
	return nil
}

// addWriteConditions appends the write conditions of q to builder.
func (q *Query) addWriteConditions(builder *expr.Builder) error {
	for _, term := range q.writeConditions {
		name, values, err := q.operands(term.cond)
		if err != nil {
			return err
		}
		if err := builder.AddConditionExpressionWithOp(term.logicalOp, name, term.cond.Operator, values...); err != nil {
			return err
		}
	}
	return nil
}
