// Package tablemodel provides a type-safe object mapper for Amazon DynamoDB.
package tablemodel

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/attr"
	"github.com/theory-cloud/tablemodel/pkg/batch"
	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/dms"
	"github.com/theory-cloud/tablemodel/pkg/interfaces"
	"github.com/theory-cloud/tablemodel/pkg/lease"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/naming"
	"github.com/theory-cloud/tablemodel/pkg/protection"
	"github.com/theory-cloud/tablemodel/pkg/query"
	"github.com/theory-cloud/tablemodel/pkg/schema"
	"github.com/theory-cloud/tablemodel/pkg/session"
	"github.com/theory-cloud/tablemodel/pkg/stream"
	"github.com/theory-cloud/tablemodel/pkg/transaction"
)

// DB is the main tablemodel database instance. It is safe for concurrent use; the
// With* methods return copies that share the registry, client and schema manager.
type DB struct {
	lambdaDeadline      time.Time
	ctx                 context.Context
	session             *session.Session
	registry            *model.Registry
	exec                *query.Executor
	schema              *schema.Manager
	logger              *zap.Logger
	batchRetry          *core.RetryPolicy
	batchLimiter        core.Limiter
	prefix              string
	lambdaTimeoutBuffer time.Duration
}

// Option customizes a DB beyond what session.Config carries.
type Option func(*options)

type options struct {
	now           func() time.Time
	converters    *attr.Converters
	schemaOptions []schema.ManagerOption
}

// WithClock overrides the clock used for timestamps and `default:now` values.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithConverters shares a converter registry between DB instances.
func WithConverters(converters *attr.Converters) Option {
	return func(o *options) { o.converters = converters }
}

// WithSchemaOptions passes options to the schema manager, after the ones derived
// from the configuration.
func WithSchemaOptions(opts ...schema.ManagerOption) Option {
	return func(o *options) { o.schemaOptions = append(o.schemaOptions, opts...) }
}

// New creates a DB from cfg. A nil cfg uses session.DefaultConfig.
func New(cfg *session.Config, opts ...Option) (*DB, error) {
	return NewWithContext(context.Background(), cfg, opts...)
}

// NewWithContext is New with a context for loading the AWS configuration.
func NewWithContext(ctx context.Context, cfg *session.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = session.DefaultConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	sess, err := session.NewSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	client, err := sess.Client()
	if err != nil {
		return nil, err
	}
	logger := sess.Logger()
	registry := model.NewRegistry(o.converters)

	managerOptions := []schema.ManagerOption{
		schema.WithLogger(logger),
		schema.WithTablePrefix(cfg.TablePrefix),
	}
	if cfg.BillingMode == string(types.BillingModeProvisioned) {
		managerOptions = append(managerOptions,
			schema.WithDefaultTableOptions(schema.WithThroughput(cfg.DefaultRCU, cfg.DefaultWCU)))
	}
	managerOptions = append(managerOptions, o.schemaOptions...)

	db := &DB{
		ctx:      ctx,
		session:  sess,
		registry: registry,
		exec: query.NewExecutor(client,
			query.WithLogger(logger),
			query.WithClock(o.now),
			query.WithConsistentReads(cfg.ConsistentReads)),
		schema:     schema.NewManager(client, registry, managerOptions...),
		logger:     logger,
		batchRetry: cfg.BatchRetry,
		prefix:     cfg.TablePrefix,
	}
	if cfg.BatchRequestRate > 0 {
		limiter, err := protection.NewLimiter(cfg.BatchRequestRate, cfg.BatchRequestBurst)
		if err != nil {
			return nil, err
		}
		db.batchLimiter = limiter
	}
	return db, nil
}

// Register parses and caches the metadata of every model.
func (db *DB) Register(models ...any) error {
	for _, m := range models {
		if err := db.registry.Register(m); err != nil {
			return fmt.Errorf("failed to register model %T: %w", m, err)
		}
	}
	return nil
}

// RegisterTypeConverter registers a custom converter for a Go type. Codecs look
// converters up on every call, so models registered earlier pick it up too.
func (db *DB) RegisterTypeConverter(typ reflect.Type, converter attr.Converter) error {
	if typ == nil {
		return fmt.Errorf("converter type cannot be nil")
	}
	if converter == nil {
		return fmt.Errorf("converter implementation cannot be nil")
	}
	db.registry.Converters().Register(typ, converter)
	return nil
}

// Model returns a new query builder for the given model. Registration failures
// surface from the terminal call of the returned query.
func (db *DB) Model(m any) *query.Query {
	ctx := db.context()
	if err := db.checkLambdaTimeout(); err != nil {
		return query.Failed(ctx, err)
	}
	metadata, err := db.registry.Resolve(m)
	if err != nil {
		return query.Failed(ctx, fmt.Errorf("failed to register model %T: %w", m, err))
	}
	return query.New(ctx, db.exec, metadata, db.tableName(metadata), m)
}

// Find loads the item with the given key into dest.
func (db *DB) Find(dest any, partition any, sort ...any) error {
	return db.Model(dest).Find(partition, sort...)
}

// Create stores a new item and fails when one with the same key exists.
func (db *DB) Create(m any) error {
	return db.Model(m).Create()
}

// Save creates a new model or writes the changes of a loaded one.
func (db *DB) Save(m any) error {
	return db.Model(m).Save()
}

// Put overwrites the item unconditionally.
func (db *DB) Put(m any) error {
	return db.Model(m).Put()
}

// Delete removes the item of m.
func (db *DB) Delete(m any) error {
	return db.Model(m).Delete()
}

// BatchGet loads the items for keys into dest, a pointer to a slice of models.
// Without an explicit retry policy the configured batch retry policy applies.
func (db *DB) BatchGet(keys any, dest any, opts *core.BatchGetOptions) error {
	b, err := db.batch(dest)
	if err != nil {
		return err
	}
	out := opts.Clone()
	if out == nil {
		out = core.DefaultBatchGetOptions()
	}
	if opts == nil || opts.RetryPolicy == nil {
		out.RetryPolicy = db.retryPolicy()
	}
	if out.Limiter == nil {
		out.Limiter = db.batchLimiter
	}
	return b.Get(db.context(), keys, dest, out)
}

// BatchWrite puts the models in puts and deletes the keys in deletes, all of the
// model type of m.
func (db *DB) BatchWrite(m any, puts any, deletes any, opts *core.BatchWriteOptions) (*core.BatchWriteResult, error) {
	b, err := db.batch(m)
	if err != nil {
		return nil, err
	}
	return b.Write(db.context(), puts, deletes, db.writeOptions(opts))
}

// BatchSave puts every model in models, a slice of models or model pointers.
func (db *DB) BatchSave(models any, opts *core.BatchWriteOptions) (*core.BatchWriteResult, error) {
	return db.BatchWrite(models, models, nil, opts)
}

// BatchDelete deletes the items for keys from the table of m.
func (db *DB) BatchDelete(m any, keys any, opts *core.BatchWriteOptions) (*core.BatchWriteResult, error) {
	return db.BatchWrite(m, nil, keys, opts)
}

func (db *DB) batch(m any) (*batch.Batch, error) {
	if err := db.checkLambdaTimeout(); err != nil {
		return nil, err
	}
	metadata, err := db.registry.Resolve(m)
	if err != nil {
		return nil, fmt.Errorf("failed to register model %T: %w", m, err)
	}
	return batch.New(db.exec, metadata, db.tableName(metadata)), nil
}

func (db *DB) writeOptions(opts *core.BatchWriteOptions) *core.BatchWriteOptions {
	out := opts.Clone()
	if out == nil {
		out = core.DefaultBatchWriteOptions()
	}
	if opts == nil || opts.RetryPolicy == nil {
		out.RetryPolicy = db.retryPolicy()
	}
	if out.Limiter == nil {
		out.Limiter = db.batchLimiter
	}
	return out
}

func (db *DB) retryPolicy() *core.RetryPolicy {
	if db.batchRetry == nil {
		return core.DefaultRetryPolicy()
	}
	return db.batchRetry.Clone()
}

// Transact starts a write transaction. Cancelled transactions caused by
// conflicts or throttling are retried with the configured batch retry policy.
func (db *DB) Transact() *transaction.Builder {
	if err := db.checkLambdaTimeout(); err != nil {
		return transaction.Failed(db.context(), err)
	}
	return transaction.NewBuilder(db.context(), db.exec, db.resolve).WithRetryPolicy(db.retryPolicy())
}

// TransactWrite runs fn against a new write transaction and commits it when fn
// returns nil.
func (db *DB) TransactWrite(fn func(tx *transaction.Builder) error) error {
	tx := db.Transact()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Execute()
}

// TransactGet loads the given models, identified by their key fields, from one
// consistent snapshot.
func (db *DB) TransactGet(models ...any) error {
	if err := db.checkLambdaTimeout(); err != nil {
		return err
	}
	reader := transaction.NewReader(db.context(), db.exec, db.resolve)
	for _, m := range models {
		reader.Get(m)
	}
	return reader.Execute()
}

// Leases returns a lease manager over the table of m. The key attributes come
// from the model; opts may override the lease attribute names and timings.
func (db *DB) Leases(m any, opts ...lease.Option) (*lease.Manager, error) {
	metadata, table, err := db.resolve(m)
	if err != nil {
		return nil, err
	}
	base := []lease.Option{
		lease.WithModel(metadata),
		lease.WithLogger(db.logger),
		lease.WithNow(db.exec.Now),
	}
	return lease.NewManager(db.Client(), table, append(base, opts...)...)
}

// resolve is the transaction.Resolver of the DB.
func (db *DB) resolve(m any) (*model.Metadata, string, error) {
	metadata, err := db.registry.Resolve(m)
	if err != nil {
		return nil, "", fmt.Errorf("failed to register model %T: %w", m, err)
	}
	return metadata, db.tableName(metadata), nil
}

// SchemaDocument describes the tables the given models would create, using
// the configured table prefix.
func (db *DB) SchemaDocument(models ...any) (*dms.Document, error) {
	doc := &dms.Document{Version: dms.Version}
	for _, m := range models {
		input, err := db.schema.TableDefinition(m)
		if err != nil {
			return nil, err
		}
		doc.Tables = append(doc.Tables, dms.FromCreateInput(input))
	}
	return doc, nil
}

// AutoMigrate creates or updates the tables of the given models.
func (db *DB) AutoMigrate(models ...any) error {
	_, err := db.Migrate(models...)
	return err
}

// Migrate brings the tables of models in line with their metadata and reports
// what changed.
func (db *DB) Migrate(models ...any) (*schema.MigrationReport, error) {
	if err := db.checkLambdaTimeout(); err != nil {
		return nil, err
	}
	return db.schema.Migrate(db.context(), models)
}

// CreateTable creates the table of model and waits until it is active.
func (db *DB) CreateTable(m any, opts ...schema.TableOption) error {
	if err := db.checkLambdaTimeout(); err != nil {
		return err
	}
	return db.schema.CreateTable(db.context(), m, opts...)
}

// EnsureTable creates the table of model unless it exists.
func (db *DB) EnsureTable(m any, opts ...schema.TableOption) error {
	if err := db.checkLambdaTimeout(); err != nil {
		return err
	}
	return db.schema.EnsureTable(db.context(), m, opts...)
}

// UpdateTable applies billing, stream, encryption and index changes to the table
// of model.
func (db *DB) UpdateTable(m any, opts ...schema.TableOption) error {
	if err := db.checkLambdaTimeout(); err != nil {
		return err
	}
	return db.schema.UpdateTable(db.context(), m, opts...)
}

// EnableTTL turns on time to live for the ttl field of model.
func (db *DB) EnableTTL(m any) (bool, error) {
	if err := db.checkLambdaTimeout(); err != nil {
		return false, err
	}
	return db.schema.EnableTTL(db.context(), m)
}

// DeleteTable deletes the table of a model, or the table with the given physical
// name when m is a string.
func (db *DB) DeleteTable(m any) error {
	if err := db.checkLambdaTimeout(); err != nil {
		return err
	}
	if tableName, ok := m.(string); ok {
		return db.schema.DeleteTable(db.context(), tableName)
	}
	metadata, err := db.registry.Resolve(m)
	if err != nil {
		return fmt.Errorf("failed to register model %T: %w", m, err)
	}
	return db.schema.DeleteTable(db.context(), db.tableName(metadata))
}

// DescribeTable returns the table description for the given model.
func (db *DB) DescribeTable(m any) (*types.TableDescription, error) {
	if err := db.checkLambdaTimeout(); err != nil {
		return nil, err
	}
	return db.schema.DescribeTable(db.context(), m)
}

// ListTables returns the names of all tables visible to the client.
func (db *DB) ListTables() ([]string, error) {
	if err := db.checkLambdaTimeout(); err != nil {
		return nil, err
	}
	return db.schema.ListTables(db.context())
}

// UnmarshalItem hydrates dest, a model or a slice of models, from a raw item. A
// tracked model is left clean with item as its snapshot.
func (db *DB) UnmarshalItem(item map[string]types.AttributeValue, dest any) error {
	metadata, err := db.registry.Resolve(dest)
	if err != nil {
		return err
	}
	return metadata.LoadItems([]map[string]types.AttributeValue{item}, dest)
}

// UnmarshalStreamImage hydrates dest from a DynamoDB stream image delivered to Lambda.
func (db *DB) UnmarshalStreamImage(image map[string]events.DynamoDBAttributeValue, dest any) error {
	return stream.UnmarshalImage(db.registry, image, dest)
}

// UnmarshalStreamRecord hydrates dest from the image of record that describes the
// item after the change and returns the record's operation.
func (db *DB) UnmarshalStreamRecord(record events.DynamoDBEventRecord, dest any) (events.DynamoDBOperationType, error) {
	return stream.UnmarshalRecord(db.registry, record, dest)
}

// WithContext returns a DB whose operations use ctx.
func (db *DB) WithContext(ctx context.Context) *DB {
	clone := *db
	clone.ctx = ctx
	return &clone
}

// Registry returns the model registry.
func (db *DB) Registry() *model.Registry { return db.registry }

// Schema returns the schema manager.
func (db *DB) Schema() *schema.Manager { return db.schema }

// Session returns the session the DB was built from.
func (db *DB) Session() *session.Session { return db.session }

// Client returns the DynamoDB client.
func (db *DB) Client() interfaces.DynamoDBAPI { return db.exec.Client() }

// Logger returns the logger shared by all components.
func (db *DB) Logger() *zap.Logger { return db.logger }

// TableName returns the physical table name of model, prefix included.
func (db *DB) TableName(m any) (string, error) {
	metadata, err := db.registry.Resolve(m)
	if err != nil {
		return "", err
	}
	return db.tableName(metadata), nil
}

// Close releases resources. SDK v2 clients hold none, so it only flushes the logger.
func (db *DB) Close() error {
	_ = db.logger.Sync()
	return nil
}

func (db *DB) tableName(metadata *model.Metadata) string {
	return naming.WithPrefix(db.prefix, metadata.TableName)
}

func (db *DB) context() context.Context {
	if db.ctx == nil {
		return context.Background()
	}
	return db.ctx
}
