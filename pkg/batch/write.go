package batch

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
)

// writeEntry is one request of a batch write and the model it updates afterwards.
type writeEntry struct {
	request types.WriteRequest
	model   reflect.Value
	restore model.Restore
	id      string
	put     bool
}

// Write puts the models in puts and deletes the keys in deletes. deletes accepts
// the same key forms as Get. The same key may appear only once per call.
//
// Puts are unconditional: timestamps are stamped and a zero version becomes 1.
// Written models are marked clean and deleted models deleted; models whose put
// stayed unprocessed keep their previous state. Leftovers are returned in the
// result and as a *errors.BatchError.
func (b *Batch) Write(ctx context.Context, puts any, deletes any, opts *core.BatchWriteOptions) (*core.BatchWriteResult, error) {
	opts = opts.Normalize()

	entries, err := b.entries(puts, deletes)
	if err != nil {
		return nil, b.wrap("batch write", err)
	}

	result := &core.BatchWriteResult{}
	if len(entries) == 0 {
		return result, nil
	}

	done := make(map[string]bool, len(entries))
	batchErr := &errors.BatchError{Op: "batch write"}
	stopped := false

	for _, bounds := range chunkBounds(len(entries), opts.ChunkSize) {
		chunk := entries[bounds[0]:bounds[1]]
		requests := make([]types.WriteRequest, len(chunk))
		for i, entry := range chunk {
			requests[i] = entry.request
		}

		if stopped || ctx.Err() != nil {
			if !stopped {
				batchErr.ChunkErrors = append(batchErr.ChunkErrors, ctx.Err())
				stopped = true
			}
			result.Unprocessed = append(result.Unprocessed, requests...)
			continue
		}

		result.Chunks++
		leftover, retries, err := b.writeChunk(ctx, requests, opts)
		result.Retries += retries

		pending := make(map[string]bool, len(leftover))
		for _, request := range leftover {
			pending[b.requestID(request)] = true
		}
		for _, entry := range chunk {
			if !pending[entry.id] {
				done[entry.id] = true
				result.Processed++
			}
		}
		result.Unprocessed = append(result.Unprocessed, leftover...)

		if err != nil {
			batchErr.ChunkErrors = append(batchErr.ChunkErrors, err)
			if opts.StopOnError {
				stopped = true
			}
		}

		if opts.ProgressCallback != nil {
			opts.ProgressCallback(bounds[1], len(entries))
		}
	}

	for _, entry := range entries {
		switch {
		case !entry.model.IsValid():
		case !done[entry.id]:
			if entry.put {
				entry.restore.Apply(entry.model)
			}
		case entry.put:
			if err := b.metadata.MarkPersisted(entry.model); err != nil {
				return result, b.wrap("batch write", err)
			}
		default:
			b.metadata.MarkDeleted(entry.model)
		}
	}

	if len(result.Unprocessed) == 0 {
		return result, nil
	}
	batchErr.Processed = result.Processed
	batchErr.UnprocessedWrites = result.Unprocessed
	if len(batchErr.ChunkErrors) > 0 {
		batchErr.Err = batchErr.ChunkErrors[0]
	}
	b.exec.Logger().Warn("batch write left requests unprocessed",
		zap.String("table", b.table),
		zap.Int("unprocessed", len(result.Unprocessed)),
		zap.Int("processed", result.Processed))
	return result, b.wrap("batch write", batchErr)
}

// Save puts every model in models.
func (b *Batch) Save(ctx context.Context, models any, opts *core.BatchWriteOptions) (*core.BatchWriteResult, error) {
	return b.Write(ctx, models, nil, opts)
}

// Delete deletes every key or model in keys.
func (b *Batch) Delete(ctx context.Context, keys any, opts *core.BatchWriteOptions) (*core.BatchWriteResult, error) {
	return b.Write(ctx, nil, keys, opts)
}

// entries prepares the write requests and rejects duplicate keys before anything
// is sent. Models prepared for a put are restored when the call is rejected.
func (b *Batch) entries(puts any, deletes any) ([]writeEntry, error) {
	models, err := elements(puts)
	if err != nil {
		return nil, err
	}
	now := b.exec.Now()

	entries := make([]writeEntry, 0, len(models))
	rollback := func() {
		for _, entry := range entries {
			if entry.put {
				entry.restore.Apply(entry.model)
			}
		}
	}

	for i, elem := range models {
		for elem.Kind() == reflect.Interface && !elem.IsNil() {
			elem = elem.Elem()
		}
		v, err := b.modelValue(elem)
		if err == nil && !v.IsValid() {
			err = fmt.Errorf("%w: put %d is %s, not %s", errors.ErrInvalidModel, i, elem.Type(), b.metadata.Name())
		}
		if err != nil {
			rollback()
			return nil, err
		}

		restore := b.metadata.Remember(v)
		b.metadata.PreparePut(v, now)
		entry := writeEntry{model: v, restore: restore, put: true}
		entries = append(entries, entry)

		item, err := b.metadata.MarshalValue(v)
		if err == nil {
			_, err = b.metadata.KeyOf(v.Addr().Interface())
		}
		if err != nil {
			rollback()
			return nil, fmt.Errorf("put %d: %w", i, err)
		}
		entries[len(entries)-1].request = types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
		entries[len(entries)-1].id = b.keyID(b.metadata.ExtractKey(item))
	}

	refs, err := b.keys(deletes)
	if err != nil {
		rollback()
		return nil, err
	}
	for _, ref := range refs {
		entries = append(entries, writeEntry{
			request: types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: ref.key}},
			model:   ref.model,
			id:      ref.id,
		})
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if seen[entry.id] {
			rollback()
			return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateKey, describeKey(entry))
		}
		seen[entry.id] = true
	}
	return entries, nil
}

// writeChunk sends one chunk, retrying unprocessed requests. It returns the
// requests still pending when it gave up and the number of retries made.
func (b *Batch) writeChunk(ctx context.Context, requests []types.WriteRequest, opts *core.BatchWriteOptions) ([]types.WriteRequest, int, error) {
	pending := requests

	for attempt := 0; ; attempt++ {
		b.exec.Logger().Debug("batch write item",
			zap.String("table", b.table),
			zap.Int("requests", len(pending)),
			zap.Int("attempt", attempt))

		if err := wait(ctx, opts.Limiter); err != nil {
			return pending, attempt, err
		}
		output, err := b.exec.Client().BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{b.table: pending},
		})
		if err != nil {
			return pending, attempt, errors.FromSDK(err)
		}

		pending = output.UnprocessedItems[b.table]
		if len(pending) == 0 {
			return nil, attempt, nil
		}
		if attempt >= opts.RetryPolicy.Retries() {
			return pending, attempt, nil
		}

		b.exec.Logger().Warn("retrying unprocessed batch write requests",
			zap.String("table", b.table),
			zap.Int("unprocessed", len(pending)),
			zap.Int("attempt", attempt+1))
		if err := sleep(ctx, opts.Sleep, opts.RetryPolicy, attempt); err != nil {
			return pending, attempt, err
		}
	}
}

func (b *Batch) requestID(request types.WriteRequest) string {
	switch {
	case request.PutRequest != nil:
		return b.keyID(b.metadata.ExtractKey(request.PutRequest.Item))
	case request.DeleteRequest != nil:
		return b.keyID(request.DeleteRequest.Key)
	}
	return ""
}

func describeKey(entry writeEntry) string {
	key := strings.ReplaceAll(strings.TrimSuffix(entry.id, "\x00"), "\x00", ", ")
	if entry.put {
		return "put " + key
	}
	return "delete " + key
}
