// Package batch orchestrates BatchGetItem and BatchWriteItem for one model table.
//
// Requests are split into chunks that respect the service limits. Keys or write
// requests the service hands back as unprocessed are retried with the configured
// RetryPolicy; whatever is still pending afterwards is reported through a
// *errors.BatchError while the work that did succeed is kept.
package batch

import (
	"context"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/query"
)

// Batch runs batch operations against the table of one model.
type Batch struct {
	exec     *query.Executor
	metadata *model.Metadata
	table    string
}

// New returns a Batch for metadata stored in table.
func New(exec *query.Executor, metadata *model.Metadata, table string) *Batch {
	return &Batch{exec: exec, metadata: metadata, table: table}
}

// keyRef is a resolved primary key together with the model it came from, if any.
type keyRef struct {
	key   map[string]types.AttributeValue
	model reflect.Value
	id    string
}

// keys resolves every element of list into a primary key. Elements may be
// core.KeyPair values, raw key maps, models of the batch type (value or pointer)
// or bare partition key values.
func (b *Batch) keys(list any) ([]keyRef, error) {
	elems, err := elements(list)
	if err != nil {
		return nil, err
	}

	refs := make([]keyRef, 0, len(elems))
	for i, elem := range elems {
		ref, err := b.keyOf(elem)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (b *Batch) keyOf(elem reflect.Value) (keyRef, error) {
	for elem.Kind() == reflect.Interface && !elem.IsNil() {
		elem = elem.Elem()
	}

	var (
		key map[string]types.AttributeValue
		err error
		v   reflect.Value
	)
	switch x := elem.Interface().(type) {
	case core.KeyPair:
		key, err = b.metadata.KeyFromValues(x.PartitionKey, x.SortKey)
	case *core.KeyPair:
		key, err = b.metadata.KeyFromValues(x.PartitionKey, x.SortKey)
	case map[string]types.AttributeValue:
		key = b.metadata.ExtractKey(x)
		if len(key) != len(b.metadata.KeyAttributes()) {
			err = fmt.Errorf("%w: key map lacks %v", errors.ErrMissingPrimaryKey, b.metadata.KeyAttributes())
		}
	default:
		if v, err = b.modelValue(elem); err == nil && v.IsValid() {
			key, err = b.metadata.KeyOf(v.Addr().Interface())
		} else if err == nil {
			key, err = b.metadata.KeyFromValues(elem.Interface(), nil)
		}
	}
	if err != nil {
		return keyRef{}, err
	}
	return keyRef{key: key, model: v, id: b.keyID(key)}, nil
}

// modelValue returns the addressable struct behind elem when elem is a model of the
// batch type, or an invalid value when it is something else.
func (b *Batch) modelValue(elem reflect.Value) (reflect.Value, error) {
	switch {
	case elem.Kind() == reflect.Ptr && elem.Type().Elem() == b.metadata.Type:
		if elem.IsNil() {
			return reflect.Value{}, fmt.Errorf("%w: nil %s", errors.ErrInvalidModel, b.metadata.Name())
		}
		return elem.Elem(), nil
	case elem.Type() == b.metadata.Type:
		if elem.CanAddr() {
			return elem, nil
		}
		copied := reflect.New(elem.Type()).Elem()
		copied.Set(elem)
		return copied, nil
	}
	return reflect.Value{}, nil
}

// keyID renders a key as a comparable string.
func (b *Batch) keyID(key map[string]types.AttributeValue) string {
	var sb strings.Builder
	for _, name := range b.metadata.KeyAttributes() {
		sb.WriteString(name)
		switch v := key[name].(type) {
		case *types.AttributeValueMemberS:
			sb.WriteString("=S:")
			sb.WriteString(v.Value)
		case *types.AttributeValueMemberN:
			sb.WriteString("=N:")
			sb.WriteString(v.Value)
		case *types.AttributeValueMemberB:
			sb.WriteString("=B:")
			sb.WriteString(hex.EncodeToString(v.Value))
		default:
			sb.WriteString("=?")
		}
		sb.WriteByte(0)
	}
	return sb.String()
}

// elements spreads a slice or array argument; any other value is a single element.
func elements(list any) ([]reflect.Value, error) {
	if list == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(list)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Slice {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []reflect.Value{rv}, nil
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, fmt.Errorf("%w: a byte slice is not a key list", errors.ErrInvalidModel)
	}

	out := make([]reflect.Value, rv.Len())
	for i := range out {
		out[i] = rv.Index(i)
	}
	return out, nil
}

func chunkBounds(total, size int) [][2]int {
	var bounds [][2]int
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}

func (b *Batch) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.NewError(op, b.metadata.Name(), err)
}

// sleep waits out the retry delay for attempt using the configured sleeper.
func sleep(ctx context.Context, sleeper core.Sleeper, policy *core.RetryPolicy, attempt int) error {
	return sleeper(ctx, policy.Delay(attempt))
}

func wait(ctx context.Context, limiter core.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
