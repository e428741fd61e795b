// Package modeltest provides a DB backed by a mocked DynamoDB client for unit
// tests of code that uses tablemodel. Expectations are set per table, and items
// are marshaled through the same registry the DB uses.
package modeltest

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/mock"

	"github.com/theory-cloud/tablemodel"
	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/mocks"
	"github.com/theory-cloud/tablemodel/pkg/session"
)

// DefaultNow is the clock reading of every harness unless WithNow overrides it.
var DefaultNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestingT is the subset of *testing.T the harness needs.
type TestingT interface {
	mock.TestingT
	Helper()
	Cleanup(func())
}

// Harness pairs a DB with the mocked client behind it.
type Harness struct {
	DB     *tablemodel.DB
	Client *mocks.MockDynamoDBClient
	Now    time.Time

	t TestingT
}

// Option customizes a harness.
type Option func(*settings)

type settings struct {
	now       time.Time
	configure []func(*session.Config)
	dbOptions []tablemodel.Option
}

// WithNow fixes the clock of the DB.
func WithNow(now time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithTablePrefix sets the table prefix of the DB.
func WithTablePrefix(prefix string) Option {
	return WithConfig(func(cfg *session.Config) { cfg.TablePrefix = prefix })
}

// WithConfig edits the session configuration before the DB is built.
func WithConfig(fn func(*session.Config)) Option {
	return func(s *settings) { s.configure = append(s.configure, fn) }
}

// WithDBOptions passes options through to tablemodel.New.
func WithDBOptions(opts ...tablemodel.Option) Option {
	return func(s *settings) { s.dbOptions = append(s.dbOptions, opts...) }
}

// New builds a harness. Unmet expectations fail t when the test finishes.
// Batch retries are disabled so an unprocessed response is returned as is.
func New(t TestingT, opts ...Option) *Harness {
	t.Helper()
	s := &settings{now: DefaultNow}
	for _, opt := range opts {
		opt(s)
	}

	client := new(mocks.MockDynamoDBClient)
	cfg := session.DefaultConfig()
	cfg.Client = client
	cfg.BatchRetry = core.NoRetry()
	for _, fn := range s.configure {
		fn(cfg)
	}

	now := s.now
	dbOptions := append([]tablemodel.Option{tablemodel.WithClock(func() time.Time { return now })}, s.dbOptions...)
	db, err := tablemodel.New(cfg, dbOptions...)
	if err != nil {
		t.Errorf("modeltest: create db: %v", err)
		t.FailNow()
		return nil
	}
	t.Cleanup(func() { client.AssertExpectations(t) })

	return &Harness{DB: db, Client: client, Now: now, t: t}
}

// Table returns the prefixed table name of m.
func (h *Harness) Table(m any) string {
	h.t.Helper()
	name, err := h.DB.TableName(m)
	if err != nil {
		h.fatalf("table name of %T: %v", m, err)
	}
	return name
}

// Item marshals m the way the DB would store it.
func (h *Harness) Item(m any) map[string]types.AttributeValue {
	h.t.Helper()
	metadata, err := h.DB.Registry().Resolve(m)
	if err != nil {
		h.fatalf("resolve %T: %v", m, err)
	}
	item, err := metadata.Marshal(m)
	if err != nil {
		h.fatalf("marshal %T: %v", m, err)
	}
	return item
}

// ExpectGet answers the next GetItem on the table of found with its item.
func (h *Harness) ExpectGet(found any) *Harness {
	h.t.Helper()
	h.Client.On("GetItem", mock.Anything, h.onTable(found), mock.Anything).
		Return(&dynamodb.GetItemOutput{Item: h.Item(found)}, nil).Once()
	return h
}

// ExpectGetMissing answers the next GetItem on the table of m with no item.
func (h *Harness) ExpectGetMissing(m any) *Harness {
	h.t.Helper()
	h.Client.On("GetItem", mock.Anything, h.onTable(m), mock.Anything).
		Return(&dynamodb.GetItemOutput{}, nil).Once()
	return h
}

// ExpectPut accepts the next PutItem on the table of m.
func (h *Harness) ExpectPut(m any) *Harness {
	h.t.Helper()
	h.Client.On("PutItem", mock.Anything, h.onTable(m), mock.Anything).
		Return(&dynamodb.PutItemOutput{}, nil).Once()
	return h
}

// ExpectUpdate accepts the next UpdateItem on the table of m.
func (h *Harness) ExpectUpdate(m any) *Harness {
	h.t.Helper()
	h.Client.On("UpdateItem", mock.Anything, h.onTable(m), mock.Anything).
		Return(&dynamodb.UpdateItemOutput{}, nil).Once()
	return h
}

// ExpectDelete accepts the next DeleteItem on the table of m.
func (h *Harness) ExpectDelete(m any) *Harness {
	h.t.Helper()
	h.Client.On("DeleteItem", mock.Anything, h.onTable(m), mock.Anything).
		Return(&dynamodb.DeleteItemOutput{}, nil).Once()
	return h
}

// ExpectConditionFailed fails the next call of operation (PutItem, UpdateItem
// or DeleteItem) on the table of m with a conditional check failure.
func (h *Harness) ExpectConditionFailed(operation string, m any) *Harness {
	h.t.Helper()
	h.Client.On(operation, mock.Anything, h.onTable(m), mock.Anything).
		Return(nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}).Once()
	return h
}

// ExpectQuery answers the next Query on the table of m with the given models as
// a single page.
func (h *Harness) ExpectQuery(m any, results ...any) *Harness {
	h.t.Helper()
	h.Client.On("Query", mock.Anything, h.onTable(m), mock.Anything).
		Return(h.page(results), nil).Once()
	return h
}

// ExpectScan answers the next Scan on the table of m with the given models.
func (h *Harness) ExpectScan(m any, results ...any) *Harness {
	h.t.Helper()
	out := h.page(results)
	h.Client.On("Scan", mock.Anything, h.onTable(m), mock.Anything).
		Return(&dynamodb.ScanOutput{Items: out.Items, Count: out.Count, ScannedCount: out.Count}, nil).Once()
	return h
}

// ExpectError fails the next call of operation on the table of m with err.
func (h *Harness) ExpectError(operation string, m any, err error) *Harness {
	h.t.Helper()
	h.Client.On(operation, mock.Anything, h.onTable(m), mock.Anything).Return(nil, err).Once()
	return h
}

func (h *Harness) page(results []any) *dynamodb.QueryOutput {
	items := make([]map[string]types.AttributeValue, 0, len(results))
	for _, r := range results {
		items = append(items, h.Item(r))
	}
	count := int32(len(items))
	return &dynamodb.QueryOutput{Items: items, Count: count, ScannedCount: count}
}

// onTable matches any input whose TableName is the table of m.
func (h *Harness) onTable(m any) any {
	table := h.Table(m)
	return mock.MatchedBy(func(in any) bool {
		return tableOf(in) == table
	})
}

func tableOf(in any) string {
	switch v := in.(type) {
	case *dynamodb.GetItemInput:
		return aws.ToString(v.TableName)
	case *dynamodb.PutItemInput:
		return aws.ToString(v.TableName)
	case *dynamodb.UpdateItemInput:
		return aws.ToString(v.TableName)
	case *dynamodb.DeleteItemInput:
		return aws.ToString(v.TableName)
	case *dynamodb.QueryInput:
		return aws.ToString(v.TableName)
	case *dynamodb.ScanInput:
		return aws.ToString(v.TableName)
	default:
		return ""
	}
}

func (h *Harness) fatalf(format string, args ...any) {
	h.t.Errorf("modeltest: "+format, args...)
	h.t.FailNow()
}
