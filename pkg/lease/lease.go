// Package lease provides a small, correctness-first DynamoDB lease/lock helper.
//
// A lease is an item holding a random token and an expiry. Acquire succeeds when
// the item is missing or expired; Refresh and Release only succeed for the
// holder of the token.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/core"
	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
)

// DynamoDBLeaseAPI is the part of the DynamoDB client the manager needs.
type DynamoDBLeaseAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Key identifies a lease item. SK is ignored for tables without a sort key.
type Key struct {
	PK any
	SK any
}

// Lease is a held lease.
type Lease struct {
	ExpiresAt time.Time
	Key       Key
	Token     string
}

// Remaining returns how long the lease is still held at now.
func (l Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Manager acquires, refreshes and releases leases in one table.
type Manager struct {
	client DynamoDBLeaseAPI
	logger *zap.Logger
	// metadata, when set, supplies the key attributes and their codecs.
	metadata *model.Metadata

	tableName string

	pkAttr  string
	skAttr  string
	hasSort bool

	tokenAttr     string
	expiresAtAttr string
	ttlAttr       string

	now         func() time.Time
	token       func() string
	sleep       core.Sleeper
	ttlBuffer   time.Duration
	lockSortKey any
	includeTTL  bool
}

// Option configures a Manager.
type Option func(*Manager)

const (
	DefaultPKAttribute        = "pk"
	DefaultSKAttribute        = "sk"
	DefaultTokenAttribute     = "lease_token"
	DefaultExpiresAtAttribute = "lease_expires_at"
	DefaultTTLAttribute       = "ttl"
	DefaultLockSortKey        = "LOCK"
	DefaultTTLBuffer          = time.Hour
)

// WithModel takes the key attributes of the lease table from a registered model.
func WithModel(metadata *model.Metadata) Option {
	return func(m *Manager) {
		if metadata == nil {
			return
		}
		m.metadata = metadata
		m.pkAttr = metadata.PrimaryKey.PartitionKey.DBName
		m.hasSort = metadata.PrimaryKey.SortKey != nil
		if m.hasSort {
			m.skAttr = metadata.PrimaryKey.SortKey.DBName
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithTokenGenerator(token func() string) Option {
	return func(m *Manager) {
		if token != nil {
			m.token = token
		}
	}
}

// WithSleeper replaces the wait used by AcquireWait.
func WithSleeper(sleep core.Sleeper) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithTTLBuffer sets how long after expiry DynamoDB TTL may remove the item.
func WithTTLBuffer(buffer time.Duration) Option {
	return func(m *Manager) {
		m.ttlBuffer = buffer
	}
}

func WithLockSortKey(lockSortKey any) Option {
	return func(m *Manager) {
		if lockSortKey != nil {
			m.lockSortKey = lockSortKey
		}
	}
}

func WithKeyAttributeNames(pkAttr, skAttr string) Option {
	return func(m *Manager) {
		if pkAttr != "" {
			m.pkAttr = pkAttr
		}
		if skAttr != "" {
			m.skAttr = skAttr
		}
	}
}

func WithLeaseAttributeNames(tokenAttr, expiresAtAttr, ttlAttr string) Option {
	return func(m *Manager) {
		if tokenAttr != "" {
			m.tokenAttr = tokenAttr
		}
		if expiresAtAttr != "" {
			m.expiresAtAttr = expiresAtAttr
		}
		if ttlAttr != "" {
			m.ttlAttr = ttlAttr
		}
	}
}

func WithIncludeTTL(include bool) Option {
	return func(m *Manager) {
		m.includeTTL = include
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a lease manager over tableName.
func NewManager(client DynamoDBLeaseAPI, tableName string, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("lease manager: client is required")
	}
	if tableName == "" {
		return nil, fmt.Errorf("lease manager: tableName is required")
	}

	m := &Manager{
		client: client,
		logger: zap.NewNop(),

		tableName: tableName,

		pkAttr:  DefaultPKAttribute,
		skAttr:  DefaultSKAttribute,
		hasSort: true,

		tokenAttr:     DefaultTokenAttribute,
		expiresAtAttr: DefaultExpiresAtAttribute,
		ttlAttr:       DefaultTTLAttribute,

		now:         time.Now,
		token:       uuid.NewString,
		sleep:       core.SleepContext,
		ttlBuffer:   DefaultTTLBuffer,
		lockSortKey: DefaultLockSortKey,
		includeTTL:  true,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Acquire takes the lease on pk under the lock sort key.
func (m *Manager) Acquire(ctx context.Context, pk any, duration time.Duration) (*Lease, error) {
	return m.AcquireKey(ctx, Key{PK: pk, SK: m.lockSortKey}, duration)
}

// AcquireKey takes the lease on key for duration. It fails with a *LeaseHeldError
// while another holder's lease has not expired.
func (m *Manager) AcquireKey(ctx context.Context, key Key, duration time.Duration) (*Lease, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("lease manager: duration must be > 0")
	}
	item, err := m.key(key)
	if err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := now.Add(duration)
	token := m.token()

	item[m.tokenAttr] = &types.AttributeValueMemberS{Value: token}
	item[m.expiresAtAttr] = unixValue(expiresAt)
	if ttl, ok := m.ttl(expiresAt); ok {
		item[m.ttlAttr] = ttl
	}

	builder := expr.NewBuilder()
	if err := builder.AddConditionExpression(m.pkAttr, expr.OpNotExists); err != nil {
		return nil, err
	}
	if err := builder.AddConditionExpressionWithOp(expr.Or, m.expiresAtAttr, expr.OpLessEqual, unixValue(now)); err != nil {
		return nil, err
	}
	components, err := builder.Build()
	if err != nil {
		return nil, err
	}

	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(m.tableName),
		Item:                      item,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	})
	if err != nil {
		if customerrors.IsConditionFailed(customerrors.FromSDK(err)) {
			return nil, &LeaseHeldError{Key: key}
		}
		return nil, fmt.Errorf("lease manager: acquire failed: %w", customerrors.FromSDK(err))
	}

	m.logger.Debug("lease acquired", zap.String("table", m.tableName), zap.Time("expires_at", expiresAt))
	return &Lease{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

// AcquireWait retries AcquireKey while the lease is held, waiting between
// attempts according to policy. Other errors are returned immediately.
func (m *Manager) AcquireWait(ctx context.Context, key Key, duration time.Duration, policy *core.RetryPolicy) (*Lease, error) {
	for attempt := 0; ; attempt++ {
		lease, err := m.AcquireKey(ctx, key, duration)
		if err == nil || !IsLeaseHeld(err) || attempt >= policy.Retries() {
			return lease, err
		}
		if err := m.sleep(ctx, policy.Delay(attempt)); err != nil {
			return nil, err
		}
	}
}

// Refresh extends a lease the caller still holds. It fails with a
// *LeaseNotOwnedError once the lease expired or changed hands.
func (m *Manager) Refresh(ctx context.Context, lease Lease, duration time.Duration) (*Lease, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("lease manager: duration must be > 0")
	}
	if lease.Token == "" {
		return nil, fmt.Errorf("lease manager: token is required")
	}
	key, err := m.key(lease.Key)
	if err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := now.Add(duration)

	builder := expr.NewBuilder()
	builder.AddUpdateSet(m.expiresAtAttr, unixValue(expiresAt))
	if ttl, ok := m.ttl(expiresAt); ok {
		builder.AddUpdateSet(m.ttlAttr, ttl)
	}
	if err := builder.AddConditionExpression(m.tokenAttr, expr.OpEqual, &types.AttributeValueMemberS{Value: lease.Token}); err != nil {
		return nil, err
	}
	if err := builder.AddConditionExpression(m.expiresAtAttr, expr.OpGreaterThan, unixValue(now)); err != nil {
		return nil, err
	}
	components, err := builder.Build()
	if err != nil {
		return nil, err
	}

	_, err = m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(m.tableName),
		Key:                       key,
		UpdateExpression:          components.UpdateExpression,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	})
	if err != nil {
		if customerrors.IsConditionFailed(customerrors.FromSDK(err)) {
			return nil, &LeaseNotOwnedError{Key: lease.Key}
		}
		return nil, fmt.Errorf("lease manager: refresh failed: %w", customerrors.FromSDK(err))
	}

	out := lease
	out.ExpiresAt = expiresAt
	return &out, nil
}

// Release deletes the lease if the caller still holds it. Releasing a lease
// that was already lost is not an error.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	if lease.Token == "" {
		return fmt.Errorf("lease manager: token is required")
	}
	key, err := m.key(lease.Key)
	if err != nil {
		return err
	}

	builder := expr.NewBuilder()
	if err := builder.AddConditionExpression(m.tokenAttr, expr.OpEqual, &types.AttributeValueMemberS{Value: lease.Token}); err != nil {
		return err
	}
	components, err := builder.Build()
	if err != nil {
		return err
	}

	_, err = m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(m.tableName),
		Key:                       key,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	})
	if err != nil {
		if customerrors.IsConditionFailed(customerrors.FromSDK(err)) {
			return nil // best-effort
		}
		return fmt.Errorf("lease manager: release failed: %w", customerrors.FromSDK(err))
	}
	return nil
}

// key marshals k into the primary key of the lease item.
func (m *Manager) key(k Key) (map[string]types.AttributeValue, error) {
	sk := k.SK
	if !m.hasSort {
		sk = nil
	}
	if m.metadata != nil {
		return m.metadata.KeyFromValues(k.PK, sk)
	}

	if k.PK == nil || k.PK == "" || (m.hasSort && (sk == nil || sk == "")) {
		return nil, fmt.Errorf("lease manager: %w: PK and SK are required", customerrors.ErrMissingPrimaryKey)
	}
	key := make(map[string]types.AttributeValue, 2)
	av, err := attributevalue.Marshal(k.PK)
	if err != nil {
		return nil, fmt.Errorf("lease manager: %w", err)
	}
	key[m.pkAttr] = av
	if m.hasSort {
		if av, err = attributevalue.Marshal(sk); err != nil {
			return nil, fmt.Errorf("lease manager: %w", err)
		}
		key[m.skAttr] = av
	}
	return key, nil
}

func (m *Manager) ttl(expiresAt time.Time) (types.AttributeValue, bool) {
	if !m.includeTTL || m.ttlBuffer <= 0 || m.ttlAttr == "" {
		return nil, false
	}
	return unixValue(expiresAt.Add(m.ttlBuffer)), true
}

func unixValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}
