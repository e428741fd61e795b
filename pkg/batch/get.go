package batch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// Get loads the items for keys into dest, a pointer to a slice of models or model
// pointers, in the order the keys were given. Duplicate keys are fetched once and
// keys without an item are skipped. When keys remain unprocessed after retries the
// retrieved items are still loaded and a *errors.BatchError is returned.
func (b *Batch) Get(ctx context.Context, keys any, dest any, opts *core.BatchGetOptions) error {
	opts = opts.Normalize()

	refs, err := b.keys(keys)
	if err != nil {
		return b.wrap("batch get", err)
	}
	unique := make([]keyRef, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if !seen[ref.id] {
			seen[ref.id] = true
			unique = append(unique, ref)
		}
	}

	template, err := b.keysAndAttributes(opts)
	if err != nil {
		return b.wrap("batch get", err)
	}

	found := make(map[string]map[string]types.AttributeValue, len(unique))
	batchErr := &errors.BatchError{Op: "batch get"}

	for _, bounds := range chunkBounds(len(unique), opts.ChunkSize) {
		chunk := unique[bounds[0]:bounds[1]]
		pending := make([]map[string]types.AttributeValue, len(chunk))
		for i, ref := range chunk {
			pending[i] = ref.key
		}

		if err := ctx.Err(); err != nil {
			batchErr.ChunkErrors = append(batchErr.ChunkErrors, err)
			batchErr.UnprocessedKeys = append(batchErr.UnprocessedKeys, pending...)
			continue
		}

		items, leftover, err := b.getChunk(ctx, pending, template, opts)
		for _, item := range items {
			found[b.keyID(b.metadata.ExtractKey(item))] = item
		}
		batchErr.Processed += len(pending) - len(leftover)
		batchErr.UnprocessedKeys = append(batchErr.UnprocessedKeys, leftover...)
		if err != nil {
			batchErr.ChunkErrors = append(batchErr.ChunkErrors, err)
		}

		if opts.ProgressCallback != nil {
			opts.ProgressCallback(bounds[1], len(unique))
		}
	}

	ordered := make([]map[string]types.AttributeValue, 0, len(found))
	for _, ref := range unique {
		if item, ok := found[ref.id]; ok {
			ordered = append(ordered, item)
		}
	}
	if err := b.metadata.LoadItems(ordered, dest); err != nil {
		return b.wrap("batch get", err)
	}

	if len(batchErr.UnprocessedKeys) == 0 {
		return nil
	}
	if len(batchErr.ChunkErrors) > 0 {
		batchErr.Err = batchErr.ChunkErrors[0]
	}
	b.exec.Logger().Warn("batch get left keys unprocessed",
		zap.String("table", b.table),
		zap.Int("unprocessed", len(batchErr.UnprocessedKeys)),
		zap.Int("processed", batchErr.Processed))
	return b.wrap("batch get", batchErr)
}

// getChunk fetches one chunk, retrying unprocessed keys. It returns the retrieved
// items and the keys still pending when it gave up.
func (b *Batch) getChunk(ctx context.Context, keys []map[string]types.AttributeValue, template types.KeysAndAttributes, opts *core.BatchGetOptions) ([]map[string]types.AttributeValue, []map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	pending := keys

	for attempt := 0; ; attempt++ {
		request := template
		request.Keys = pending

		b.exec.Logger().Debug("batch get item",
			zap.String("table", b.table),
			zap.Int("keys", len(pending)),
			zap.Int("attempt", attempt))

		if err := wait(ctx, opts.Limiter); err != nil {
			return items, pending, err
		}
		output, err := b.exec.Client().BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{b.table: request},
		})
		if err != nil {
			return items, pending, errors.FromSDK(err)
		}
		items = append(items, output.Responses[b.table]...)

		pending = output.UnprocessedKeys[b.table].Keys
		if len(pending) == 0 {
			return items, nil, nil
		}
		if attempt >= opts.RetryPolicy.Retries() {
			return items, pending, nil
		}

		b.exec.Logger().Warn("retrying unprocessed batch get keys",
			zap.String("table", b.table),
			zap.Int("unprocessed", len(pending)),
			zap.Int("attempt", attempt+1))
		if err := sleep(ctx, opts.Sleep, opts.RetryPolicy, attempt); err != nil {
			return items, pending, err
		}
	}
}

func (b *Batch) keysAndAttributes(opts *core.BatchGetOptions) (types.KeysAndAttributes, error) {
	var template types.KeysAndAttributes
	if opts.ConsistentRead {
		consistent := true
		template.ConsistentRead = &consistent
	}
	if len(opts.Projection) == 0 {
		return template, nil
	}

	builder := expr.NewBuilder()
	seen := map[string]bool{}
	for _, field := range append(append([]string(nil), opts.Projection...), b.metadata.KeyAttributes()...) {
		name := field
		if f, ok := b.metadata.Field(field); ok {
			name = f.DBName
		}
		if !seen[name] {
			seen[name] = true
			builder.AddProjection(name)
		}
	}
	components, err := builder.Build()
	if err != nil {
		return template, fmt.Errorf("projection: %w", err)
	}
	template.ProjectionExpression = components.ProjectionExpression
	template.ExpressionAttributeNames = components.ExpressionAttributeNames
	return template, nil
}
