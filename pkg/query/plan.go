package query

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/internal/numutil"
	"github.com/theory-cloud/tablemodel/pkg/model"
)

// target is the key schema a read runs against: the table itself or one index.
type target struct {
	index        *model.IndexSchema
	partitionKey *model.FieldMetadata
	sortKey      *model.FieldMetadata
}

func (t target) name() string {
	if t.index == nil {
		return ""
	}
	return t.index.Name
}

// plan is a compiled read.
type plan struct {
	query    *dynamodb.QueryInput
	scan     *dynamodb.ScanInput
	index    string
	filtered bool
}

// defaultLimit sets the request limit when the compiled request has none.
func (p plan) defaultLimit(n int) {
	if n <= 0 {
		return
	}
	if p.query != nil && p.query.Limit == nil {
		p.query.Limit = numutil.Limit(n)
	}
	if p.scan != nil && p.scan.Limit == nil {
		p.scan.Limit = numutil.Limit(n)
	}
}

func (p plan) pager(exec *Executor) pager {
	if p.query != nil {
		return queryPager{exec: exec, input: p.query}
	}
	return scanPager{exec: exec, input: p.scan}
}

func (q *Query) tableTarget() target {
	return target{
		partitionKey: q.metadata.PrimaryKey.PartitionKey,
		sortKey:      q.metadata.PrimaryKey.SortKey,
	}
}

func indexTarget(idx *model.IndexSchema) target {
	return target{index: idx, partitionKey: idx.PartitionKey, sortKey: idx.SortKey}
}

// selectTarget picks the key schema for the read and whether a Query is possible.
func (q *Query) selectTarget(forceScan bool) (target, bool, error) {
	if q.index != "" {
		idx, err := q.metadata.IndexByName(q.index)
		if err != nil {
			return target{}, false, err
		}
		t := indexTarget(idx)
		return t, !forceScan && q.hasEquality(t.partitionKey), nil
	}
	if forceScan {
		return q.tableTarget(), false, nil
	}

	best, bestScore := q.tableTarget(), q.score(q.tableTarget())
	for i := range q.metadata.Indexes {
		t := indexTarget(&q.metadata.Indexes[i])
		if score := q.score(t); score > bestScore {
			best, bestScore = t, score
		}
	}
	if bestScore == 0 {
		return q.tableTarget(), false, nil
	}
	return best, true, nil
}

// score rates how well t serves the Where conditions; zero means t cannot be queried.
func (q *Query) score(t target) int {
	if t.partitionKey == nil || !q.hasEquality(t.partitionKey) {
		return 0
	}
	if t.index != nil && !q.indexCovers(t.index) {
		return 0
	}
	score := 100

	if t.sortKey != nil {
		if cond, ok := q.sortCondition(t); ok {
			switch cond.Operator {
			case expr.OpEqual:
				score += 50
			case expr.OpBeginsWith:
				score += 40
			default:
				score += 30
			}
		}
	}

	switch {
	case t.index == nil:
		score += 20
	case t.index.Type == model.GlobalSecondaryIndex:
		score += 10
	}
	if t.index != nil && t.index.ProjectionType == model.ProjectionAll {
		score += 5
	}
	return score
}

// indexCovers reports whether an automatically chosen index returns everything the
// caller needs: all selected attributes, or every attribute when nothing is selected.
func (q *Query) indexCovers(idx *model.IndexSchema) bool {
	if q.consistentRead && idx.Type == model.GlobalSecondaryIndex {
		return false
	}
	if len(q.projection) == 0 {
		return idx.ProjectionType == model.ProjectionAll || idx.ProjectionType == ""
	}
	for _, field := range q.projection {
		name, _ := q.resolve(field)
		if !idx.ProjectsAttribute(name, q.metadata) {
			return false
		}
	}
	return true
}

func (q *Query) hasEquality(f *model.FieldMetadata) bool {
	_, ok := q.partitionCondition(f)
	return ok
}

func (q *Query) partitionCondition(f *model.FieldMetadata) (int, bool) {
	for i, cond := range q.conditions {
		if cond.Operator != expr.OpEqual {
			continue
		}
		if name, _ := q.resolve(cond.Field); name == f.DBName {
			return i, true
		}
	}
	return -1, false
}

func (q *Query) sortCondition(t target) (Condition, bool) {
	i, ok := q.sortConditionIndex(t)
	if !ok {
		return Condition{}, false
	}
	return q.conditions[i], true
}

func (q *Query) sortConditionIndex(t target) (int, bool) {
	if t.sortKey == nil {
		return -1, false
	}
	for i, cond := range q.conditions {
		if !expr.IsKeyOperator(cond.Operator) {
			continue
		}
		if name, _ := q.resolve(cond.Field); name == t.sortKey.DBName {
			return i, true
		}
	}
	return -1, false
}

// compile turns the builder state into a Query or Scan request.
func (q *Query) compile(forceScan bool, countOnly bool) (plan, error) {
	if q.builderErr != nil {
		return plan{}, q.builderErr
	}

	t, useQuery, err := q.selectTarget(forceScan)
	if err != nil {
		return plan{}, err
	}

	builder := expr.NewBuilder()
	keyConds := map[int]bool{}
	if useQuery {
		pk, _ := q.partitionCondition(t.partitionKey)
		keyConds[pk] = true
		if sk, ok := q.sortConditionIndex(t); ok {
			keyConds[sk] = true
		}
	}

	for i, cond := range q.conditions {
		name, values, err := q.operands(cond)
		if err != nil {
			return plan{}, err
		}
		if keyConds[i] {
			err = builder.AddKeyCondition(name, cond.Operator, values...)
		} else {
			err = builder.AddFilterCondition(expr.And, name, cond.Operator, values...)
		}
		if err != nil {
			return plan{}, err
		}
	}

	if len(q.filters) > 0 {
		group := expr.NewBuilder()
		if err := q.addFilters(group, q.filters); err != nil {
			return plan{}, err
		}
		if err := builder.AddGroupFilter(expr.And, group); err != nil {
			return plan{}, err
		}
	}

	if len(q.projection) > 0 && !countOnly {
		seen := map[string]bool{}
		names := make([]string, 0, len(q.projection)+2)
		fields := append(append([]string(nil), q.projection...), q.metadata.KeyAttributes()...)
		for _, field := range fields {
			name, _ := q.resolve(field)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		builder.AddProjection(names...)
	}

	components, err := builder.Build()
	if err != nil {
		return plan{}, err
	}

	var limit *int32
	switch {
	case q.pageSize > 0:
		limit = numutil.Limit(q.pageSize)
	case q.limit > 0 && !builder.HasFilter() && !countOnly:
		limit = numutil.Limit(q.limit)
	}

	var indexName *string
	if t.index != nil {
		indexName = aws.String(t.index.Name)
	}
	var consistent *bool
	if q.consistentRead {
		consistent = aws.Bool(true)
	}
	var selectMode types.Select
	if countOnly {
		selectMode = types.SelectCount
	}

	if useQuery {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(q.table),
			IndexName:                 indexName,
			KeyConditionExpression:    components.KeyConditionExpression,
			FilterExpression:          components.FilterExpression,
			ProjectionExpression:      components.ProjectionExpression,
			ExpressionAttributeNames:  components.ExpressionAttributeNames,
			ExpressionAttributeValues: components.ExpressionAttributeValues,
			ConsistentRead:            consistent,
			Limit:                     limit,
			Select:                    selectMode,
		}
		if q.orderBy == SortDesc {
			input.ScanIndexForward = aws.Bool(false)
		}
		return plan{query: input, index: t.name(), filtered: builder.HasFilter()}, nil
	}

	return plan{
		scan: &dynamodb.ScanInput{
			TableName:                 aws.String(q.table),
			IndexName:                 indexName,
			FilterExpression:          components.FilterExpression,
			ProjectionExpression:      components.ProjectionExpression,
			ExpressionAttributeNames:  components.ExpressionAttributeNames,
			ExpressionAttributeValues: components.ExpressionAttributeValues,
			ConsistentRead:            consistent,
			Limit:                     limit,
			Select:                    selectMode,
		},
		index:    t.name(),
		filtered: builder.HasFilter(),
	}, nil
}
