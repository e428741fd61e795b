// Package mocks provides testify mocks of the DynamoDB client interface used by tablemodel.
//
// Every client method records (ctx, params, optFns), so expectations take three arguments:
//
//	client := new(mocks.MockDynamoDBClient)
//	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).
//		Return(&dynamodb.GetItemOutput{Item: item}, nil).Once()
//
// Use mock.MatchedBy to assert on request contents.
package mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/mock"

	"github.com/theory-cloud/tablemodel/pkg/interfaces"
)

// MockDynamoDBClient implements interfaces.DynamoDBAPI.
type MockDynamoDBClient struct {
	mock.Mock
}

var _ interfaces.DynamoDBAPI = (*MockDynamoDBClient)(nil)

func output[T any](args mock.Arguments) (*T, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	out, ok := args.Get(0).(*T)
	if !ok {
		panic(fmt.Sprintf("unexpected type: expected %T, got %T", out, args.Get(0)))
	}
	return out, args.Error(1)
}

// Table Management Operations

// CreateTable mocks the DynamoDB CreateTable operation
func (m *MockDynamoDBClient) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	return output[dynamodb.CreateTableOutput](m.Called(ctx, params, optFns))
}

// DescribeTable mocks the DynamoDB DescribeTable operation
func (m *MockDynamoDBClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return output[dynamodb.DescribeTableOutput](m.Called(ctx, params, optFns))
}

// DeleteTable mocks the DynamoDB DeleteTable operation
func (m *MockDynamoDBClient) DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	return output[dynamodb.DeleteTableOutput](m.Called(ctx, params, optFns))
}

// UpdateTable mocks the DynamoDB UpdateTable operation
func (m *MockDynamoDBClient) UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	return output[dynamodb.UpdateTableOutput](m.Called(ctx, params, optFns))
}

// ListTables mocks the DynamoDB ListTables operation
func (m *MockDynamoDBClient) ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	return output[dynamodb.ListTablesOutput](m.Called(ctx, params, optFns))
}

// UpdateTimeToLive mocks the DynamoDB UpdateTimeToLive operation
func (m *MockDynamoDBClient) UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	return output[dynamodb.UpdateTimeToLiveOutput](m.Called(ctx, params, optFns))
}

// DescribeTimeToLive mocks the DynamoDB DescribeTimeToLive operation
func (m *MockDynamoDBClient) DescribeTimeToLive(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error) {
	return output[dynamodb.DescribeTimeToLiveOutput](m.Called(ctx, params, optFns))
}

// Data Operations

// GetItem mocks the DynamoDB GetItem operation
func (m *MockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return output[dynamodb.GetItemOutput](m.Called(ctx, params, optFns))
}

// PutItem mocks the DynamoDB PutItem operation
func (m *MockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return output[dynamodb.PutItemOutput](m.Called(ctx, params, optFns))
}

// UpdateItem mocks the DynamoDB UpdateItem operation
func (m *MockDynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return output[dynamodb.UpdateItemOutput](m.Called(ctx, params, optFns))
}

// DeleteItem mocks the DynamoDB DeleteItem operation
func (m *MockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return output[dynamodb.DeleteItemOutput](m.Called(ctx, params, optFns))
}

// Query mocks the DynamoDB Query operation
func (m *MockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return output[dynamodb.QueryOutput](m.Called(ctx, params, optFns))
}

// Scan mocks the DynamoDB Scan operation
func (m *MockDynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return output[dynamodb.ScanOutput](m.Called(ctx, params, optFns))
}

// BatchGetItem mocks the DynamoDB BatchGetItem operation
func (m *MockDynamoDBClient) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	return output[dynamodb.BatchGetItemOutput](m.Called(ctx, params, optFns))
}

// BatchWriteItem mocks the DynamoDB BatchWriteItem operation
func (m *MockDynamoDBClient) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return output[dynamodb.BatchWriteItemOutput](m.Called(ctx, params, optFns))
}

// Transactions

// TransactWriteItems mocks the DynamoDB TransactWriteItems operation
func (m *MockDynamoDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	return output[dynamodb.TransactWriteItemsOutput](m.Called(ctx, params, optFns))
}

// TransactGetItems mocks the DynamoDB TransactGetItems operation
func (m *MockDynamoDBClient) TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error) {
	return output[dynamodb.TransactGetItemsOutput](m.Called(ctx, params, optFns))
}

// MockTableExistsWaiter provides a mock implementation of the DynamoDB table exists waiter
type MockTableExistsWaiter struct {
	mock.Mock
}

var _ interfaces.TableWaiter = (*MockTableExistsWaiter)(nil)

// Wait mocks waiting for a table to exist
func (m *MockTableExistsWaiter) Wait(ctx context.Context, params *dynamodb.DescribeTableInput, maxWaitDur time.Duration, optFns ...func(*dynamodb.TableExistsWaiterOptions)) error {
	args := m.Called(ctx, params, maxWaitDur, optFns)
	return args.Error(0)
}

// MockTableNotExistsWaiter provides a mock implementation of the DynamoDB table not exists waiter
type MockTableNotExistsWaiter struct {
	mock.Mock
}

var _ interfaces.TableNotExistsWaiter = (*MockTableNotExistsWaiter)(nil)

// Wait mocks waiting for a table to be deleted
func (m *MockTableNotExistsWaiter) Wait(ctx context.Context, params *dynamodb.DescribeTableInput, maxWaitDur time.Duration, optFns ...func(*dynamodb.TableNotExistsWaiterOptions)) error {
	args := m.Called(ctx, params, maxWaitDur, optFns)
	return args.Error(0)
}

// Helper functions for creating common mock responses

// NewMockCreateTableOutput creates a mock CreateTable response
func NewMockCreateTableOutput(tableName string) *dynamodb.CreateTableOutput {
	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{
			TableName:   aws.String(tableName),
			TableStatus: types.TableStatusCreating,
		},
	}
}

// NewMockDescribeTableOutput creates a mock DescribeTable response
func NewMockDescribeTableOutput(tableName string, status types.TableStatus) *dynamodb.DescribeTableOutput {
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   aws.String(tableName),
			TableStatus: status,
		},
	}
}

// NewMockDeleteTableOutput creates a mock DeleteTable response
func NewMockDeleteTableOutput(tableName string) *dynamodb.DeleteTableOutput {
	return &dynamodb.DeleteTableOutput{
		TableDescription: &types.TableDescription{
			TableName:   aws.String(tableName),
			TableStatus: types.TableStatusDeleting,
		},
	}
}

// NewMockDescribeTimeToLiveOutput creates a DescribeTimeToLive response for attribute.
// An empty attribute reports TTL as disabled.
func NewMockDescribeTimeToLiveOutput(attribute string) *dynamodb.DescribeTimeToLiveOutput {
	if attribute == "" {
		return &dynamodb.DescribeTimeToLiveOutput{
			TimeToLiveDescription: &types.TimeToLiveDescription{TimeToLiveStatus: types.TimeToLiveStatusDisabled},
		}
	}
	return &dynamodb.DescribeTimeToLiveOutput{
		TimeToLiveDescription: &types.TimeToLiveDescription{
			AttributeName:    aws.String(attribute),
			TimeToLiveStatus: types.TimeToLiveStatusEnabled,
		},
	}
}
