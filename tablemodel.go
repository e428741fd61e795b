// Package tablemodel provides a type-safe object mapper for Amazon DynamoDB in Go.
//
// Import path:
//
//	import "github.com/theory-cloud/tablemodel"
//
// Implementation lives in `internal/tablemodel` so the repo root stays minimal.
package tablemodel

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	internaltablemodel "github.com/theory-cloud/tablemodel/internal/tablemodel"
	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/dms"
	"github.com/theory-cloud/tablemodel/pkg/lease"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/query"
	"github.com/theory-cloud/tablemodel/pkg/schema"
	"github.com/theory-cloud/tablemodel/pkg/session"
	"github.com/theory-cloud/tablemodel/pkg/stream"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
	"github.com/theory-cloud/tablemodel/pkg/transaction"
)

type (
	DB             = internaltablemodel.DB
	Option         = internaltablemodel.Option
	MultiAccountDB = internaltablemodel.MultiAccountDB
	AccountConfig  = internaltablemodel.AccountConfig

	// Re-export types for convenience.
	Config            = session.Config
	Query             = query.Query
	UpdateBuilder     = query.UpdateBuilder
	TableOption       = schema.TableOption
	MigrationReport   = schema.MigrationReport
	BatchGetOptions   = core.BatchGetOptions
	BatchWriteOptions = core.BatchWriteOptions
	BatchWriteResult  = core.BatchWriteResult
	RetryPolicy       = core.RetryPolicy
	Page              = core.Page
	KeyPair           = core.KeyPair
	Condition         = query.Condition
	Transaction       = transaction.Builder
	Lease             = lease.Lease
	LeaseManager      = lease.Manager
	SchemaDocument    = dms.Document

	// Tracked is embedded in models to enable dirty tracking.
	Tracked = tracking.State
)

// Re-export options for convenience.
var (
	WithClock         = internaltablemodel.WithClock
	WithConverters    = internaltablemodel.WithConverters
	WithSchemaOptions = internaltablemodel.WithSchemaOptions

	WithBillingMode          = schema.WithBillingMode
	WithThroughput           = schema.WithThroughput
	WithStreamSpecification  = schema.WithStreamSpecification
	WithSSESpecification     = schema.WithSSESpecification
	DefaultConfig            = session.DefaultConfig
	LoadConfig               = session.LoadConfig
	DefaultRetryPolicy       = core.DefaultRetryPolicy
	DefaultBatchGetOptions   = core.DefaultBatchGetOptions
	DefaultBatchWriteOptions = core.DefaultBatchWriteOptions
)

func New(config *Config, opts ...Option) (*DB, error) {
	return internaltablemodel.New(config, opts...)
}

func NewWithContext(ctx context.Context, config *Config, opts ...Option) (*DB, error) {
	return internaltablemodel.NewWithContext(ctx, config, opts...)
}

func NewKeyPair(partitionKey any, sortKey ...any) core.KeyPair {
	return core.NewKeyPair(partitionKey, sortKey...)
}

// UnmarshalItem hydrates dest from item using a registry private to the call.
// Use DB.UnmarshalItem to honor registered type converters.
func UnmarshalItem(item map[string]types.AttributeValue, dest any) error {
	metadata, err := model.NewRegistry(nil).Resolve(dest)
	if err != nil {
		return err
	}
	return metadata.LoadItems([]map[string]types.AttributeValue{item}, dest)
}

// UnmarshalStreamImage hydrates dest from a stream image using a registry private
// to the call. Use DB.UnmarshalStreamImage to honor registered type converters.
func UnmarshalStreamImage(image map[string]events.DynamoDBAttributeValue, dest any) error {
	return stream.UnmarshalImage(model.NewRegistry(nil), image, dest)
}

func IsLambdaEnvironment() bool {
	return internaltablemodel.IsLambdaEnvironment()
}

func GetLambdaMemoryMB() int {
	return internaltablemodel.GetLambdaMemoryMB()
}

func GetRemainingTimeMillis(ctx context.Context) int64 {
	return internaltablemodel.GetRemainingTimeMillis(ctx)
}

func LambdaInit(models ...any) (*DB, error) {
	return internaltablemodel.LambdaInit(models...)
}

func NewMultiAccount(config *Config, accounts map[string]AccountConfig, opts ...Option) (*MultiAccountDB, error) {
	return internaltablemodel.NewMultiAccount(config, accounts, opts...)
}

func PartnerContext(ctx context.Context, partnerID string) context.Context {
	return internaltablemodel.PartnerContext(ctx, partnerID)
}

func GetPartnerFromContext(ctx context.Context) string {
	return internaltablemodel.GetPartnerFromContext(ctx)
}
