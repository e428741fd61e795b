package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/internal/expr"
	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/query"
)

// Reader reads several items as one serializable snapshot with TransactGetItems.
type Reader struct {
	ctx     context.Context
	err     error
	exec    *query.Executor
	resolve Resolver
	gets    []get
}

type get struct {
	model    any
	metadata *model.Metadata
	table    string
	fields   []string
}

// NewReader creates an empty read transaction.
func NewReader(ctx context.Context, exec *query.Executor, resolve Resolver) *Reader {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Reader{ctx: ctx, exec: exec, resolve: resolve}
}

// Get schedules a read of the item identified by the key fields of m. When
// fields are given only those attributes (plus the key) are loaded.
func (r *Reader) Get(m any, fields ...string) *Reader {
	if r.err != nil {
		return r
	}
	if len(r.gets) >= MaxOperations {
		r.err = fmt.Errorf("dynamodb transactions support up to %d operations", MaxOperations)
		return r
	}
	metadata, table, err := r.resolve(m)
	if err != nil {
		r.err = err
		return r
	}
	r.gets = append(r.gets, get{model: m, metadata: metadata, table: table, fields: fields})
	return r
}

// Execute loads every scheduled model. Models whose item does not exist are
// left untouched and reported together as ErrItemNotFound.
func (r *Reader) Execute() error {
	if r.err != nil {
		return r.err
	}
	if len(r.gets) == 0 {
		return errors.New("transaction has no operations")
	}

	items := make([]types.TransactGetItem, len(r.gets))
	for i, g := range r.gets {
		item, err := g.build()
		if err != nil {
			return fmt.Errorf("transaction get (index %d): %w", i, err)
		}
		items[i] = item
	}

	r.exec.Logger().Debug("transact get items", zap.Int("operations", len(items)))
	output, err := r.exec.Client().TransactGetItems(r.ctx, &dynamodb.TransactGetItemsInput{TransactItems: items})
	if err != nil {
		return customerrors.FromSDK(err)
	}

	var missing []error
	for i, g := range r.gets {
		if i >= len(output.Responses) || len(output.Responses[i].Item) == 0 {
			missing = append(missing, fmt.Errorf("%s (index %d): %w", g.metadata.Name(), i, customerrors.ErrItemNotFound))
			continue
		}
		v, err := g.metadata.StructValue(g.model)
		if err != nil {
			return err
		}
		if err := g.metadata.Load(output.Responses[i].Item, v); err != nil {
			return err
		}
	}
	r.gets = nil
	return errors.Join(missing...)
}

func (g get) build() (types.TransactGetItem, error) {
	key, err := g.metadata.KeyOf(g.model)
	if err != nil {
		return types.TransactGetItem{}, err
	}
	in := &types.Get{TableName: aws.String(g.table), Key: key}

	if len(g.fields) > 0 {
		builder := expr.NewBuilder()
		for _, field := range append(append([]string(nil), g.fields...), g.metadata.KeyAttributes()...) {
			if f, ok := g.metadata.Field(field); ok {
				field = f.DBName
			}
			builder.AddProjection(field)
		}
		components, err := builder.Build()
		if err != nil {
			return types.TransactGetItem{}, err
		}
		in.ProjectionExpression = components.ProjectionExpression
		in.ExpressionAttributeNames = components.ExpressionAttributeNames
	}
	return types.TransactGetItem{Get: in}, nil
}
