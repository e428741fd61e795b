// Package core holds value types shared by the query, batch and schema packages.
package core

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB request limits.
const (
	MaxBatchGetItems   = 100
	MaxBatchWriteItems = 25
)

// Limiter paces batch requests. Wait blocks until the next request may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

// BatchProgressCallback is invoked after each chunk completes with the number of
// keys or requests handled so far and the total.
type BatchProgressCallback func(processed, total int)

// BatchGetOptions tune the behavior of BatchGet operations.
type BatchGetOptions struct {
	RetryPolicy      *RetryPolicy
	ProgressCallback BatchProgressCallback
	Sleep            Sleeper
	Limiter          Limiter
	Projection       []string
	ChunkSize        int
	ConsistentRead   bool
}

// DefaultBatchGetOptions returns a sensible baseline configuration.
func DefaultBatchGetOptions() *BatchGetOptions {
	return &BatchGetOptions{
		ChunkSize:   MaxBatchGetItems,
		RetryPolicy: DefaultRetryPolicy(),
	}
}

// Clone returns a shallow copy of the options to decouple caller modifications from shared defaults.
func (o *BatchGetOptions) Clone() *BatchGetOptions {
	if o == nil {
		return nil
	}

	clone := *o
	if o.RetryPolicy != nil {
		clone.RetryPolicy = o.RetryPolicy.Clone()
	}
	clone.Projection = append([]string(nil), o.Projection...)
	return &clone
}

// Normalize clamps the chunk size to the service limit and fills defaults.
func (o *BatchGetOptions) Normalize() *BatchGetOptions {
	out := o.Clone()
	if out == nil {
		out = DefaultBatchGetOptions()
	}
	if out.ChunkSize <= 0 || out.ChunkSize > MaxBatchGetItems {
		out.ChunkSize = MaxBatchGetItems
	}
	if out.Sleep == nil {
		out.Sleep = SleepContext
	}
	return out
}

// BatchWriteOptions tune the behavior of BatchWrite operations.
type BatchWriteOptions struct {
	RetryPolicy      *RetryPolicy
	ProgressCallback BatchProgressCallback
	Sleep            Sleeper
	Limiter          Limiter
	ChunkSize        int
	// StopOnError stops after the first chunk that fails instead of attempting the rest.
	StopOnError bool
}

// DefaultBatchWriteOptions returns a sensible baseline configuration.
func DefaultBatchWriteOptions() *BatchWriteOptions {
	return &BatchWriteOptions{
		ChunkSize:   MaxBatchWriteItems,
		RetryPolicy: DefaultRetryPolicy(),
	}
}

// Clone returns a shallow copy of the options.
func (o *BatchWriteOptions) Clone() *BatchWriteOptions {
	if o == nil {
		return nil
	}
	clone := *o
	if o.RetryPolicy != nil {
		clone.RetryPolicy = o.RetryPolicy.Clone()
	}
	return &clone
}

// Normalize clamps the chunk size to the service limit and fills defaults.
func (o *BatchWriteOptions) Normalize() *BatchWriteOptions {
	out := o.Clone()
	if out == nil {
		out = DefaultBatchWriteOptions()
	}
	if out.ChunkSize <= 0 || out.ChunkSize > MaxBatchWriteItems {
		out.ChunkSize = MaxBatchWriteItems
	}
	if out.Sleep == nil {
		out.Sleep = SleepContext
	}
	return out
}

// BatchWriteResult summarizes a batch write.
type BatchWriteResult struct {
	// Unprocessed holds the requests that were still pending after retries,
	// including every request of a chunk that failed outright.
	Unprocessed []types.WriteRequest
	Processed   int
	Chunks      int
	Retries     int
}

// KeyPair lets callers supply composite keys without defining ad-hoc structs.
type KeyPair struct {
	PartitionKey any
	SortKey      any
}

// NewKeyPair constructs a KeyPair with the optional sort key.
func NewKeyPair(partitionKey any, sortKey ...any) KeyPair {
	var sk any
	if len(sortKey) > 0 {
		sk = sortKey[0]
	}
	return KeyPair{
		PartitionKey: partitionKey,
		SortKey:      sk,
	}
}

// Page describes one page of query or scan results.
type Page struct {
	// Cursor resumes after the last item of this page; empty on the last page.
	Cursor       string
	Count        int
	ScannedCount int
	HasMore      bool
}
