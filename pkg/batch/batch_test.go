package batch_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/pkg/batch"
	"github.com/theory-cloud/tablemodel/pkg/core"
	tmerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/mocks"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/query"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
)

type Event struct {
	tracking.State
	At      time.Time `tablemodel:"updated_at,attr:at"`
	Stream  string    `tablemodel:"pk,attr:stream"`
	Payload string    `tablemodel:"attr:payload"`
	Seq     int       `tablemodel:"sk,attr:seq"`
	Version int64     `tablemodel:"version,attr:version"`
}

var fixedNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	client   *mocks.MockDynamoDBClient
	metadata *model.Metadata
	batch    *batch.Batch
	delays   []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metadata, err := model.NewRegistry(nil).Resolve(&Event{})
	require.NoError(t, err)

	client := new(mocks.MockDynamoDBClient)
	t.Cleanup(func() { client.AssertExpectations(t) })

	exec := query.NewExecutor(client, query.WithClock(func() time.Time { return fixedNow }))
	return &fixture{
		client:   client,
		metadata: metadata,
		batch:    batch.New(exec, metadata, "events"),
	}
}

func (f *fixture) sleeper(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func (f *fixture) getOptions(retries int) *core.BatchGetOptions {
	return &core.BatchGetOptions{
		RetryPolicy: &core.RetryPolicy{MaxRetries: retries, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2},
		Sleep:       f.sleeper,
	}
}

func (f *fixture) writeOptions(retries int) *core.BatchWriteOptions {
	return &core.BatchWriteOptions{
		RetryPolicy: &core.RetryPolicy{MaxRetries: retries, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2},
		Sleep:       f.sleeper,
	}
}

func (f *fixture) item(t *testing.T, stream string, seq int) map[string]types.AttributeValue {
	t.Helper()
	item, err := f.metadata.Marshal(&Event{Stream: stream, Seq: seq, Payload: fmt.Sprintf("%s-%d", stream, seq)})
	require.NoError(t, err)
	return item
}

func (f *fixture) key(t *testing.T, stream string, seq int) map[string]types.AttributeValue {
	t.Helper()
	return f.metadata.ExtractKey(f.item(t, stream, seq))
}

func getRequest(in *dynamodb.BatchGetItemInput) types.KeysAndAttributes {
	return in.RequestItems["events"]
}

func writeRequests(in *dynamodb.BatchWriteItemInput) []types.WriteRequest {
	return in.RequestItems["events"]
}

func TestGetReturnsItemsInKeyOrder(t *testing.T) {
	f := newFixture(t)

	f.client.On("BatchGetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchGetItemInput) bool {
		return len(getRequest(in).Keys) == 3
	}), mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]map[string]types.AttributeValue{
			"events": {f.item(t, "s", 3), f.item(t, "s", 1)},
		},
	}, nil).Once()

	keys := []any{
		core.NewKeyPair("s", 1),
		core.NewKeyPair("s", 2),
		&Event{Stream: "s", Seq: 3},
		core.NewKeyPair("s", 1),
	}

	var events []*Event
	require.NoError(t, f.batch.Get(context.Background(), keys, &events, f.getOptions(0)))
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, 3, events[1].Seq)
	assert.Equal(t, "s-3", events[1].Payload)
	assert.Equal(t, tracking.StatusClean, events[0].Status())
}

func TestGetChunksAndReportsProgress(t *testing.T) {
	f := newFixture(t)

	keys := make([]core.KeyPair, 0, 250)
	for i := 0; i < 250; i++ {
		keys = append(keys, core.NewKeyPair("s", i))
	}

	var sizes []int
	f.client.On("BatchGetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchGetItemInput) bool {
		sizes = append(sizes, len(getRequest(in).Keys))
		return len(getRequest(in).Keys) <= core.MaxBatchGetItems
	}), mock.Anything).Return(&dynamodb.BatchGetItemOutput{}, nil).Times(3)

	var progress [][2]int
	opts := f.getOptions(0)
	opts.ProgressCallback = func(processed, total int) {
		progress = append(progress, [2]int{processed, total})
	}

	var events []Event
	require.NoError(t, f.batch.Get(context.Background(), keys, &events, opts))
	assert.Empty(t, events)
	assert.Equal(t, [][2]int{{100, 250}, {200, 250}, {250, 250}}, progress)
	assert.Contains(t, sizes, 50)
}

func TestGetRetriesUnprocessedKeys(t *testing.T) {
	f := newFixture(t)
	pending := f.key(t, "s", 2)

	f.client.On("BatchGetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchGetItemInput) bool {
		return len(getRequest(in).Keys) == 2
	}), mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]map[string]types.AttributeValue{"events": {f.item(t, "s", 1)}},
		UnprocessedKeys: map[string]types.KeysAndAttributes{
			"events": {Keys: []map[string]types.AttributeValue{pending}},
		},
	}, nil).Once()
	f.client.On("BatchGetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchGetItemInput) bool {
		return len(getRequest(in).Keys) == 1
	}), mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]map[string]types.AttributeValue{"events": {f.item(t, "s", 2)}},
	}, nil).Once()

	var events []Event
	keys := []core.KeyPair{core.NewKeyPair("s", 1), core.NewKeyPair("s", 2)}
	require.NoError(t, f.batch.Get(context.Background(), keys, &events, f.getOptions(2)))
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Seq)
	assert.Len(t, f.delays, 1)
}

func TestGetExhaustedRetriesDeliversPartialResult(t *testing.T) {
	f := newFixture(t)
	pending := f.key(t, "s", 2)

	f.client.On("BatchGetItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]map[string]types.AttributeValue{"events": {f.item(t, "s", 1)}},
		UnprocessedKeys: map[string]types.KeysAndAttributes{
			"events": {Keys: []map[string]types.AttributeValue{pending}},
		},
	}, nil).Once()
	f.client.On("BatchGetItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		UnprocessedKeys: map[string]types.KeysAndAttributes{
			"events": {Keys: []map[string]types.AttributeValue{pending}},
		},
	}, nil).Once()

	var events []Event
	keys := []core.KeyPair{core.NewKeyPair("s", 1), core.NewKeyPair("s", 2)}
	err := f.batch.Get(context.Background(), keys, &events, f.getOptions(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, tmerrors.ErrBatchOperationFailed)

	batchErr, ok := tmerrors.AsBatchError(err)
	require.True(t, ok)
	assert.Equal(t, []map[string]types.AttributeValue{pending}, batchErr.UnprocessedKeys)
	assert.Equal(t, 1, batchErr.Processed)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Seq)
}

func TestGetChunkErrorKeepsOtherChunks(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("throttled")

	f.client.On("BatchGetItem", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom).Once()
	f.client.On("BatchGetItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]map[string]types.AttributeValue{"events": {f.item(t, "s", 2)}},
	}, nil).Once()

	opts := f.getOptions(0)
	opts.ChunkSize = 1

	var events []Event
	keys := []core.KeyPair{core.NewKeyPair("s", 1), core.NewKeyPair("s", 2)}
	err := f.batch.Get(context.Background(), keys, &events, opts)
	assert.ErrorIs(t, err, boom)

	batchErr, ok := tmerrors.AsBatchError(err)
	require.True(t, ok)
	assert.Len(t, batchErr.ChunkErrors, 1)
	assert.Len(t, batchErr.UnprocessedKeys, 1)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Seq)
}

func TestGetProjectionIncludesKeys(t *testing.T) {
	f := newFixture(t)

	f.client.On("BatchGetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchGetItemInput) bool {
		request := getRequest(in)
		names := make(map[string]bool)
		for _, name := range request.ExpressionAttributeNames {
			names[name] = true
		}
		return request.ProjectionExpression != nil &&
			names["payload"] && names["stream"] && names["seq"] && len(names) == 3 &&
			request.ConsistentRead != nil && *request.ConsistentRead
	}), mock.Anything).Return(&dynamodb.BatchGetItemOutput{}, nil).Once()

	opts := f.getOptions(0)
	opts.Projection = []string{"Payload"}
	opts.ConsistentRead = true

	var events []Event
	require.NoError(t, f.batch.Get(context.Background(), []core.KeyPair{core.NewKeyPair("s", 1)}, &events, opts))
}

func TestGetRejectsIncompleteKeys(t *testing.T) {
	f := newFixture(t)
	var events []Event
	err := f.batch.Get(context.Background(), []string{"only-partition"}, &events, nil)
	assert.ErrorIs(t, err, tmerrors.ErrMissingPrimaryKey)
}

func TestWriteMarksModels(t *testing.T) {
	f := newFixture(t)
	created := &Event{Stream: "s", Seq: 1, Payload: "a"}
	gone := &Event{Stream: "s", Seq: 9}
	require.NoError(t, f.metadata.MarkPersisted(mustValue(t, f, gone)))

	f.client.On("BatchWriteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchWriteItemInput) bool {
		requests := writeRequests(in)
		return len(requests) == 3 &&
			requests[0].PutRequest != nil &&
			requests[1].DeleteRequest != nil &&
			requests[2].DeleteRequest != nil
	}), mock.Anything).Return(&dynamodb.BatchWriteItemOutput{}, nil).Once()

	result, err := f.batch.Write(context.Background(),
		[]*Event{created},
		[]any{gone, core.NewKeyPair("s", 10)},
		f.writeOptions(0))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Chunks)

	assert.Equal(t, tracking.StatusClean, created.Status())
	assert.Equal(t, int64(1), created.Version)
	assert.True(t, created.At.Equal(fixedNow))
	assert.True(t, gone.IsDeleted())
}

func TestWriteRejectsDuplicateKeys(t *testing.T) {
	f := newFixture(t)
	event := &Event{Stream: "s", Seq: 1}

	_, err := f.batch.Write(context.Background(), []*Event{event}, []core.KeyPair{core.NewKeyPair("s", 1)}, nil)
	assert.ErrorIs(t, err, tmerrors.ErrDuplicateKey)
	assert.Zero(t, event.Version)
	assert.True(t, event.At.IsZero())
	f.client.AssertNotCalled(t, "BatchWriteItem", mock.Anything, mock.Anything, mock.Anything)
}

func TestWriteRetriesAndReportsLeftovers(t *testing.T) {
	f := newFixture(t)
	first := &Event{Stream: "s", Seq: 1}
	second := &Event{Stream: "s", Seq: 2}

	leftover := []types.WriteRequest{{PutRequest: &types.PutRequest{Item: f.item(t, "s", 2)}}}
	f.client.On("BatchWriteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchWriteItemInput) bool {
		return len(writeRequests(in)) == 2
	}), mock.Anything).Return(&dynamodb.BatchWriteItemOutput{
		UnprocessedItems: map[string][]types.WriteRequest{"events": leftover},
	}, nil).Once()
	f.client.On("BatchWriteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.BatchWriteItemInput) bool {
		return len(writeRequests(in)) == 1
	}), mock.Anything).Return(&dynamodb.BatchWriteItemOutput{
		UnprocessedItems: map[string][]types.WriteRequest{"events": leftover},
	}, nil).Twice()

	result, err := f.batch.Save(context.Background(), []*Event{first, second}, f.writeOptions(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, tmerrors.ErrBatchOperationFailed)

	batchErr, ok := tmerrors.AsBatchError(err)
	require.True(t, ok)
	assert.Len(t, batchErr.UnprocessedWrites, 1)
	assert.Equal(t, 1, batchErr.Processed)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2, result.Retries)
	assert.Len(t, result.Unprocessed, 1)
	assert.Len(t, f.delays, 2)
	assert.Greater(t, f.delays[1], f.delays[0])

	assert.Equal(t, tracking.StatusClean, first.Status())
	assert.Equal(t, tracking.StatusNew, second.Status())
	assert.Zero(t, second.Version)
}

func TestWriteStopOnError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("service unavailable")

	f.client.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom).Once()

	events := make([]Event, 30)
	for i := range events {
		events[i] = Event{Stream: "s", Seq: i}
	}
	opts := f.writeOptions(0)
	opts.StopOnError = true

	result, err := f.batch.Save(context.Background(), events, opts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, result.Chunks)
	assert.Zero(t, result.Processed)
	assert.Len(t, result.Unprocessed, 30)
	assert.Equal(t, tracking.StatusNew, events[0].Status())
}

func TestWriteAttemptsEveryChunk(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("service unavailable")

	f.client.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom).Once()
	f.client.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.BatchWriteItemOutput{}, nil).Once()

	keys := make([]core.KeyPair, 30)
	for i := range keys {
		keys[i] = core.NewKeyPair("s", i)
	}

	result, err := f.batch.Delete(context.Background(), keys, f.writeOptions(0))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, result.Chunks)
	assert.Equal(t, 5, result.Processed)
	assert.Len(t, result.Unprocessed, 25)
}

type countingLimiter struct {
	calls int
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.calls++
	return l.err
}

func TestRequestsWaitOnLimiter(t *testing.T) {
	f := newFixture(t)
	leftover := []types.WriteRequest{{PutRequest: &types.PutRequest{Item: f.item(t, "s", 2)}}}
	f.client.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.BatchWriteItemOutput{
		UnprocessedItems: map[string][]types.WriteRequest{"events": leftover},
	}, nil).Once()
	f.client.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.BatchWriteItemOutput{}, nil).Once()

	limiter := &countingLimiter{}
	opts := f.writeOptions(1)
	opts.Limiter = limiter

	_, err := f.batch.Save(context.Background(), []*Event{{Stream: "s", Seq: 1}, {Stream: "s", Seq: 2}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.calls)
}

func TestLimiterErrorStopsRequest(t *testing.T) {
	f := newFixture(t)
	opts := f.getOptions(0)
	opts.Limiter = &countingLimiter{err: context.Canceled}

	var out []Event
	err := f.batch.Get(context.Background(), []core.KeyPair{core.NewKeyPair("s", 1)}, &out, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
	f.client.AssertNotCalled(t, "BatchGetItem", mock.Anything, mock.Anything, mock.Anything)
}

func TestWriteNothing(t *testing.T) {
	f := newFixture(t)
	result, err := f.batch.Write(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func mustValue(t *testing.T, f *fixture, e *Event) reflect.Value {
	t.Helper()
	v, err := f.metadata.StructValue(e)
	require.NoError(t, err)
	return v
}
