package tablemodel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/pkg/core"
	tmerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/session"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
)

type Event struct {
	tracking.State
	Tenant string `tablemodel:"pk,attr:tenant"`
	Seq    int64  `tablemodel:"sk,attr:seq"`
	Kind   string `tablemodel:"attr:kind"`
}

func (Event) TableName() string { return "events" }

type httpStubResponse struct {
	validate func(*testing.T, map[string]any)
	target   string
	body     string
	status   int
}

type httpClientStub struct {
	t         *testing.T
	responses []httpStubResponse
	mu        sync.Mutex
}

func (c *httpClientStub) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	require.NotEmpty(c.t, c.responses, "unexpected request to %s", req.Header.Get("X-Amz-Target"))
	resp := c.responses[0]
	c.responses = c.responses[1:]

	if resp.target != "" {
		require.Equal(c.t, resp.target, req.Header.Get("X-Amz-Target"))
	}
	if resp.validate != nil {
		body, err := io.ReadAll(req.Body)
		require.NoError(c.t, err)
		var payload map[string]any
		require.NoError(c.t, json.Unmarshal(body, &payload))
		resp.validate(c.t, payload)
	}

	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	body := resp.body
	if body == "" {
		body = "{}"
	}
	return &http.Response{
		StatusCode:    status,
		Body:          io.NopCloser(strings.NewReader(body)),
		Header:        http.Header{"Content-Type": []string{"application/x-amz-json-1.0"}},
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (c *httpClientStub) assertDrained(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.responses, "expected all stub responses to be consumed")
}

func newWireDB(t *testing.T, responses ...httpStubResponse) *DB {
	t.Helper()
	stub := &httpClientStub{t: t, responses: responses}
	t.Cleanup(func() { stub.assertDrained(t) })

	client := dynamodb.NewFromConfig(aws.Config{
		Region:      "us-west-2",
		Credentials: aws.AnonymousCredentials{},
		HTTPClient:  stub,
		Retryer: func() aws.Retryer {
			return aws.NopRetryer{}
		},
	}, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String("https://dynamodb.stub.local")
	})

	cfg := session.DefaultConfig()
	cfg.Client = client
	db, err := New(cfg)
	require.NoError(t, err)
	return db
}

func TestWireQueryFollowsPages(t *testing.T) {
	db := newWireDB(t,
		httpStubResponse{
			target: "DynamoDB_20120810.Query",
			validate: func(t *testing.T, payload map[string]any) {
				assert.Equal(t, "events", payload["TableName"])
				assert.Contains(t, payload["KeyConditionExpression"], "=")
				assert.Nil(t, payload["ExclusiveStartKey"])
			},
			body: `{"Count":1,"Items":[{"tenant":{"S":"t1"},"seq":{"N":"1"},"kind":{"S":"open"}}],
				"LastEvaluatedKey":{"tenant":{"S":"t1"},"seq":{"N":"1"}}}`,
		},
		httpStubResponse{
			target: "DynamoDB_20120810.Query",
			validate: func(t *testing.T, payload map[string]any) {
				start, ok := payload["ExclusiveStartKey"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, map[string]any{"N": "1"}, start["seq"])
			},
			body: `{"Count":1,"Items":[{"tenant":{"S":"t1"},"seq":{"N":"2"},"kind":{"S":"close"}}]}`,
		},
	)

	var events []Event
	require.NoError(t, db.Model(&Event{}).Where("Tenant", "=", "t1").All(&events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, "close", events[1].Kind)
	assert.Equal(t, tracking.StatusClean, events[0].Status())
}

func TestWireBatchWriteRetriesUnprocessed(t *testing.T) {
	db := newWireDB(t,
		httpStubResponse{
			target: "DynamoDB_20120810.BatchWriteItem",
			validate: func(t *testing.T, payload map[string]any) {
				items := payload["RequestItems"].(map[string]any)
				assert.Len(t, items["events"], 2)
			},
			body: `{"UnprocessedItems":{"events":[{"PutRequest":{"Item":{"tenant":{"S":"t1"},"seq":{"N":"2"},"kind":{"S":"b"}}}}]}}`,
		},
		httpStubResponse{
			target: "DynamoDB_20120810.BatchWriteItem",
			validate: func(t *testing.T, payload map[string]any) {
				items := payload["RequestItems"].(map[string]any)
				assert.Len(t, items["events"], 1)
			},
		},
	)

	var slept []time.Duration
	opts := &core.BatchWriteOptions{
		RetryPolicy: &core.RetryPolicy{MaxRetries: 2, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2},
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	events := []*Event{{Tenant: "t1", Seq: 1, Kind: "a"}, {Tenant: "t1", Seq: 2, Kind: "b"}}
	result, err := db.BatchSave(events, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Retries)
	assert.Len(t, slept, 1)
	for _, event := range events {
		assert.Equal(t, tracking.StatusClean, event.Status())
	}
}

func TestWireConditionFailureMapsToSentinel(t *testing.T) {
	db := newWireDB(t, httpStubResponse{
		target: "DynamoDB_20120810.PutItem",
		status: http.StatusBadRequest,
		body:   `{"__type":"com.amazonaws.dynamodb.v20120810#ConditionalCheckFailedException","message":"The conditional request failed"}`,
	})

	event := &Event{Tenant: "t1", Seq: 9}
	err := db.Create(event)
	require.Error(t, err)
	assert.ErrorIs(t, err, tmerrors.ErrConditionFailed)
	assert.True(t, event.IsNew())
}
