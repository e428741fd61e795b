// Package query implements item operations and the query/scan DSL.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/interfaces"
)

// Executor runs compiled requests against DynamoDB. It is safe for concurrent use.
type Executor struct {
	client          interfaces.DynamoDBAPI
	logger          *zap.Logger
	now             func() time.Time
	consistentReads bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for timestamps and `default:now`.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithConsistentReads makes strongly consistent reads the default.
func WithConsistentReads(enabled bool) ExecutorOption {
	return func(e *Executor) {
		e.consistentReads = enabled
	}
}

// NewExecutor creates an Executor over client.
func NewExecutor(client interfaces.DynamoDBAPI, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client: client,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Client returns the underlying DynamoDB client.
func (e *Executor) Client() interfaces.DynamoDBAPI { return e.client }

// Logger returns the executor's logger.
func (e *Executor) Logger() *zap.Logger { return e.logger }

// Now returns the current time according to the executor's clock.
func (e *Executor) Now() time.Time { return e.now() }

// page is one response of a Query or Scan.
type page struct {
	items        []map[string]types.AttributeValue
	lastKey      map[string]types.AttributeValue
	count        int
	scannedCount int
}

// pager fetches consecutive pages of one request.
type pager interface {
	fetch(ctx context.Context, startKey map[string]types.AttributeValue) (page, error)
}

type queryPager struct {
	exec  *Executor
	input *dynamodb.QueryInput
}

func (p queryPager) fetch(ctx context.Context, startKey map[string]types.AttributeValue) (page, error) {
	input := *p.input
	input.ExclusiveStartKey = startKey

	p.exec.logger.Debug("query",
		zap.String("table", deref(input.TableName)),
		zap.String("index", deref(input.IndexName)))

	output, err := p.exec.client.Query(ctx, &input)
	if err != nil {
		return page{}, fmt.Errorf("failed to execute query: %w", errors.FromSDK(err))
	}
	return page{
		items:        output.Items,
		lastKey:      output.LastEvaluatedKey,
		count:        int(output.Count),
		scannedCount: int(output.ScannedCount),
	}, nil
}

type scanPager struct {
	exec  *Executor
	input *dynamodb.ScanInput
}

func (p scanPager) fetch(ctx context.Context, startKey map[string]types.AttributeValue) (page, error) {
	input := *p.input
	input.ExclusiveStartKey = startKey

	p.exec.logger.Debug("scan",
		zap.String("table", deref(input.TableName)),
		zap.String("index", deref(input.IndexName)))

	output, err := p.exec.client.Scan(ctx, &input)
	if err != nil {
		return page{}, fmt.Errorf("failed to execute scan: %w", errors.FromSDK(err))
	}
	return page{
		items:        output.Items,
		lastKey:      output.LastEvaluatedKey,
		count:        int(output.Count),
		scannedCount: int(output.ScannedCount),
	}, nil
}

// collect follows LastEvaluatedKey until the pages run out or limit items are
// gathered. A positive limit truncates the result.
func collect(ctx context.Context, p pager, startKey map[string]types.AttributeValue, limit int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	key := startKey

	for {
		pg, err := p.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		items = append(items, pg.items...)

		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
		if len(pg.lastKey) == 0 {
			return items, nil
		}
		key = pg.lastKey
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
