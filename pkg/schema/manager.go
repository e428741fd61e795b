package schema

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/interfaces"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/validation"
)

// ErrMultipleIndexChanges is returned by UpdateTable when the model differs from the
// table by more than one global secondary index. Migrate applies such changes one
// at a time.
var ErrMultipleIndexChanges = stderrors.New("more than one global secondary index change")

const (
	defaultWaitTimeout  = 5 * time.Minute
	defaultPollInterval = 5 * time.Second
	defaultIndexRCU     = 5
	defaultIndexWCU     = 5
)

// Manager handles DynamoDB table schema operations
type Manager struct {
	client          interfaces.DynamoDBAPI
	registry        *model.Registry
	logger          *zap.Logger
	existsWaiter    interfaces.TableWaiter
	notExistsWaiter interfaces.TableNotExistsWaiter
	sleep           core.Sleeper
	prefix          string
	defaults        []TableOption
	waitTimeout     time.Duration
	pollInterval    time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for table lifecycle events.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTablePrefix prepends prefix to every model table name.
func WithTablePrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.prefix = prefix }
}

// WithWaiters replaces the SDK table waiters.
func WithWaiters(exists interfaces.TableWaiter, notExists interfaces.TableNotExistsWaiter) ManagerOption {
	return func(m *Manager) {
		m.existsWaiter = exists
		m.notExistsWaiter = notExists
	}
}

// WithWaitTimeout bounds every wait for a table or index to settle.
func WithWaitTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.waitTimeout = d
		}
	}
}

// WithPolling sets how index status is polled while waiting for index changes.
func WithPolling(interval time.Duration, sleep core.Sleeper) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithDefaultTableOptions applies opts to every table the manager creates, before
// the options given to the call itself.
func WithDefaultTableOptions(opts ...TableOption) ManagerOption {
	return func(m *Manager) { m.defaults = append(m.defaults, opts...) }
}

// NewManager creates a new schema manager
func NewManager(client interfaces.DynamoDBAPI, registry *model.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:       client,
		registry:     registry,
		logger:       zap.NewNop(),
		sleep:        core.SleepContext,
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.existsWaiter == nil {
		m.existsWaiter = interfaces.NewTableWaiter(client)
	}
	if m.notExistsWaiter == nil {
		m.notExistsWaiter = interfaces.NewTableNotExistsWaiter(client)
	}
	return m
}

// TableName returns the physical table name of metadata.
func (m *Manager) TableName(metadata *model.Metadata) string {
	return m.prefix + metadata.TableName
}

// TableOption configures table creation options
type TableOption func(*dynamodb.CreateTableInput)

// WithBillingMode sets the billing mode for the table
func WithBillingMode(mode types.BillingMode) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.BillingMode = mode
		if mode == types.BillingModePayPerRequest {
			input.ProvisionedThroughput = nil
		}
	}
}

// WithThroughput sets provisioned throughput for the table
func WithThroughput(rcu, wcu int64) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.BillingMode = types.BillingModeProvisioned
		input.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(rcu),
			WriteCapacityUnits: aws.Int64(wcu),
		}
	}
}

// WithStreamSpecification enables DynamoDB streams
func WithStreamSpecification(spec types.StreamSpecification) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.StreamSpecification = &spec
	}
}

// WithSSESpecification enables server-side encryption
func WithSSESpecification(spec types.SSESpecification) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.SSESpecification = &spec
	}
}

// CreateTable creates the table of model and waits until it is active. A table that
// already exists is not an error.
func (m *Manager) CreateTable(ctx context.Context, model any, opts ...TableOption) error {
	metadata, err := m.registry.Resolve(model)
	if err != nil {
		return fmt.Errorf("failed to get model metadata: %w", err)
	}
	_, err = m.createTable(ctx, metadata, opts)
	return err
}

// TableDefinition returns the CreateTable request CreateTable would send for
// model, without sending it.
func (m *Manager) TableDefinition(model any, opts ...TableOption) (*dynamodb.CreateTableInput, error) {
	metadata, err := m.registry.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("failed to get model metadata: %w", err)
	}
	return m.buildCreateTableInput(metadata, opts), nil
}

// createTable reports whether the table was created by this call.
func (m *Manager) createTable(ctx context.Context, metadata *model.Metadata, opts []TableOption) (bool, error) {
	input := m.buildCreateTableInput(metadata, opts)
	tableName := aws.ToString(input.TableName)
	if err := validation.ValidateTableName(tableName); err != nil {
		return false, err
	}
	for _, index := range metadata.Indexes {
		if err := validation.ValidateIndexName(index.Name); err != nil {
			return false, fmt.Errorf("%s: %w", tableName, err)
		}
	}

	m.logger.Debug("create table", zap.String("table", tableName))
	_, err := m.client.CreateTable(ctx, input)
	if err != nil {
		var existsErr *types.ResourceInUseException
		if stderrors.As(err, &existsErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create table %s: %w", tableName, errors.FromSDK(err))
	}

	if err := m.waitForTableActive(ctx, tableName); err != nil {
		return true, err
	}
	m.logger.Info("table created",
		zap.String("table", tableName),
		zap.String("billing_mode", string(input.BillingMode)),
		zap.Int("global_indexes", len(input.GlobalSecondaryIndexes)),
		zap.Int("local_indexes", len(input.LocalSecondaryIndexes)))
	return true, nil
}

func (m *Manager) buildCreateTableInput(metadata *model.Metadata, opts []TableOption) *dynamodb.CreateTableInput {
	input := &dynamodb.CreateTableInput{
		TableName:            aws.String(m.TableName(metadata)),
		BillingMode:          types.BillingModePayPerRequest,
		KeySchema:            buildKeySchema(metadata),
		AttributeDefinitions: buildAttributeDefinitions(metadata),
	}

	gsiList, lsiList := buildIndexes(metadata)
	if len(gsiList) > 0 {
		input.GlobalSecondaryIndexes = gsiList
	}
	if len(lsiList) > 0 {
		input.LocalSecondaryIndexes = lsiList
	}

	for _, opt := range m.defaults {
		opt(input)
	}
	for _, opt := range opts {
		opt(input)
	}

	if input.BillingMode == types.BillingModeProvisioned {
		for i := range input.GlobalSecondaryIndexes {
			if input.GlobalSecondaryIndexes[i].ProvisionedThroughput == nil {
				input.GlobalSecondaryIndexes[i].ProvisionedThroughput = indexThroughput(input.ProvisionedThroughput)
			}
		}
	}
	return input
}

// EnsureTable creates the table of model unless it exists already.
func (m *Manager) EnsureTable(ctx context.Context, model any, opts ...TableOption) error {
	metadata, err := m.registry.Resolve(model)
	if err != nil {
		return fmt.Errorf("failed to get model metadata: %w", err)
	}
	_, err = m.ensureTable(ctx, metadata, opts)
	return err
}

func (m *Manager) ensureTable(ctx context.Context, metadata *model.Metadata, opts []TableOption) (bool, error) {
	exists, err := m.TableExists(ctx, m.TableName(metadata))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return m.createTable(ctx, metadata, opts)
}

// TableExists checks if a table exists
func (m *Manager) TableExists(ctx context.Context, tableName string) (bool, error) {
	_, err := m.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		var notFoundErr *types.ResourceNotFoundException
		if stderrors.As(err, &notFoundErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check table %s: %w", tableName, err)
	}
	return true, nil
}

// DescribeTable returns the description of the table of model.
func (m *Manager) DescribeTable(ctx context.Context, model any) (*types.TableDescription, error) {
	metadata, err := m.registry.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("failed to get model metadata: %w", err)
	}
	return m.DescribeTableByName(ctx, m.TableName(metadata))
}

// DescribeTableByName returns the description of tableName.
func (m *Manager) DescribeTableByName(ctx context.Context, tableName string) (*types.TableDescription, error) {
	output, err := m.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", tableName, errors.FromSDK(err))
	}
	return output.Table, nil
}

// DeleteTable deletes tableName and waits until it is gone.
func (m *Manager) DeleteTable(ctx context.Context, tableName string) error {
	_, err := m.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to delete table %s: %w", tableName, errors.FromSDK(err))
	}

	if err := m.notExistsWaiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, m.waitTimeout); err != nil {
		return fmt.Errorf("failed waiting for table %s to be deleted: %w", tableName, err)
	}
	m.logger.Info("table deleted", zap.String("table", tableName))
	return nil
}

// ListTables returns the names of all tables in the account and region.
func (m *Manager) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	paginator := dynamodb.NewListTablesPaginator(m.client, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		names = append(names, page.TableNames...)
	}
	return names, nil
}

// waitForTableActive waits for a table to become active
func (m *Manager) waitForTableActive(ctx context.Context, tableName string) error {
	err := m.existsWaiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, m.waitTimeout)
	if err != nil {
		return fmt.Errorf("failed waiting for table %s to be active: %w", tableName, err)
	}
	return nil
}

// waitForIndexes polls until the table and all of its global indexes are active.
func (m *Manager) waitForIndexes(ctx context.Context, tableName string) error {
	deadline := time.Now().Add(m.waitTimeout)
	for {
		table, err := m.DescribeTableByName(ctx, tableName)
		if err != nil {
			return err
		}
		if settled(table) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for indexes of table %s", tableName)
		}
		if err := m.sleep(ctx, m.pollInterval); err != nil {
			return err
		}
	}
}

func settled(table *types.TableDescription) bool {
	if table == nil || table.TableStatus != types.TableStatusActive {
		return false
	}
	for _, gsi := range table.GlobalSecondaryIndexes {
		if gsi.IndexStatus != types.IndexStatusActive {
			return false
		}
	}
	return true
}

// buildKeySchema builds the primary key schema
func buildKeySchema(metadata *model.Metadata) []types.KeySchemaElement {
	return keySchema(metadata.PrimaryKey.PartitionKey, metadata.PrimaryKey.SortKey)
}

func keySchema(partition, sort *model.FieldMetadata) []types.KeySchemaElement {
	schema := []types.KeySchemaElement{
		{
			AttributeName: aws.String(partition.DBName),
			KeyType:       types.KeyTypeHash,
		},
	}
	if sort != nil {
		schema = append(schema, types.KeySchemaElement{
			AttributeName: aws.String(sort.DBName),
			KeyType:       types.KeyTypeRange,
		})
	}
	return schema
}

// buildAttributeDefinitions builds attribute definitions for all keys, sorted by name.
func buildAttributeDefinitions(metadata *model.Metadata) []types.AttributeDefinition {
	attrs := make(map[string]types.ScalarAttributeType)
	add := func(f *model.FieldMetadata) {
		if f != nil {
			attrs[f.DBName] = attributeType(f)
		}
	}

	add(metadata.PrimaryKey.PartitionKey)
	add(metadata.PrimaryKey.SortKey)
	for _, index := range metadata.Indexes {
		add(index.PartitionKey)
		add(index.SortKey)
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	definitions := make([]types.AttributeDefinition, 0, len(names))
	for _, name := range names {
		definitions = append(definitions, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: attrs[name],
		})
	}
	return definitions
}

// attributeType returns the scalar type a key field is stored as.
func attributeType(f *model.FieldMetadata) types.ScalarAttributeType {
	if f.Codec != nil {
		if t, ok := f.Codec.KeyType(); ok {
			return t
		}
	}

	kind := f.Type.Kind()
	if kind == reflect.Ptr {
		kind = f.Type.Elem().Kind()
	}
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return types.ScalarAttributeTypeN
	case reflect.Slice:
		return types.ScalarAttributeTypeB
	default:
		return types.ScalarAttributeTypeS
	}
}

// buildIndexes separates and builds GSI and LSI from metadata
func buildIndexes(metadata *model.Metadata) ([]types.GlobalSecondaryIndex, []types.LocalSecondaryIndex) {
	var gsiList []types.GlobalSecondaryIndex
	var lsiList []types.LocalSecondaryIndex

	for _, index := range metadata.Indexes {
		switch index.Type {
		case model.GlobalSecondaryIndex:
			gsiList = append(gsiList, types.GlobalSecondaryIndex{
				IndexName:  aws.String(index.Name),
				KeySchema:  keySchema(index.PartitionKey, index.SortKey),
				Projection: projection(index),
			})
		case model.LocalSecondaryIndex:
			lsiList = append(lsiList, types.LocalSecondaryIndex{
				IndexName:  aws.String(index.Name),
				KeySchema:  keySchema(metadata.PrimaryKey.PartitionKey, index.SortKey),
				Projection: projection(index),
			})
		}
	}

	return gsiList, lsiList
}

func projection(index model.IndexSchema) *types.Projection {
	p := &types.Projection{ProjectionType: types.ProjectionTypeAll}
	if index.ProjectionType != "" {
		p.ProjectionType = types.ProjectionType(index.ProjectionType)
		if index.ProjectionType == model.ProjectionInclude && len(index.ProjectedFields) > 0 {
			p.NonKeyAttributes = append([]string(nil), index.ProjectedFields...)
		}
	}
	return p
}

func indexThroughput(table *types.ProvisionedThroughput) *types.ProvisionedThroughput {
	if table != nil {
		copied := *table
		return &copied
	}
	return &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(defaultIndexRCU),
		WriteCapacityUnits: aws.Int64(defaultIndexWCU),
	}
}
