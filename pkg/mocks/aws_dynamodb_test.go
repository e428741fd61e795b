package mocks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/pkg/mocks"
)

func TestMockDynamoDBClientCreateTable(t *testing.T) {
	mockClient := new(mocks.MockDynamoDBClient)
	ctx := context.Background()

	input := &dynamodb.CreateTableInput{TableName: aws.String("test-table")}
	mockClient.On("CreateTable", ctx, input, mock.Anything).Return(mocks.NewMockCreateTableOutput("test-table"), nil)

	result, err := mockClient.CreateTable(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, "test-table", *result.TableDescription.TableName)
	assert.Equal(t, types.TableStatusCreating, result.TableDescription.TableStatus)
	mockClient.AssertExpectations(t)
}

func TestMockDynamoDBClientErrors(t *testing.T) {
	mockClient := new(mocks.MockDynamoDBClient)
	expectedErr := errors.New("boom")
	mockClient.On("GetItem", mock.Anything, mock.Anything, mock.Anything).Return(nil, expectedErr)

	result, err := mockClient.GetItem(context.Background(), &dynamodb.GetItemInput{})
	assert.Nil(t, result)
	assert.Equal(t, expectedErr, err)
}

func TestMockDynamoDBClientWrongOutputTypePanics(t *testing.T) {
	mockClient := new(mocks.MockDynamoDBClient)
	mockClient.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{}, nil)

	assert.Panics(t, func() {
		_, _ = mockClient.Query(context.Background(), &dynamodb.QueryInput{})
	})
}

func TestMockDynamoDBClientSequencedResponses(t *testing.T) {
	mockClient := new(mocks.MockDynamoDBClient)
	mockClient.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).
		Return(&dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{"t": {{}}}}, nil).Once()
	mockClient.On("BatchWriteItem", mock.Anything, mock.Anything, mock.Anything).
		Return(&dynamodb.BatchWriteItemOutput{}, nil).Once()

	first, err := mockClient.BatchWriteItem(context.Background(), &dynamodb.BatchWriteItemInput{})
	require.NoError(t, err)
	assert.Len(t, first.UnprocessedItems["t"], 1)

	second, err := mockClient.BatchWriteItem(context.Background(), &dynamodb.BatchWriteItemInput{})
	require.NoError(t, err)
	assert.Empty(t, second.UnprocessedItems)
	mockClient.AssertNumberOfCalls(t, "BatchWriteItem", 2)
}

func TestMockWaiters(t *testing.T) {
	exists := new(mocks.MockTableExistsWaiter)
	exists.On("Wait", mock.Anything, mock.Anything, time.Minute, mock.Anything).Return(nil)
	require.NoError(t, exists.Wait(context.Background(), &dynamodb.DescribeTableInput{}, time.Minute))

	gone := new(mocks.MockTableNotExistsWaiter)
	gone.On("Wait", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("timeout"))
	assert.Error(t, gone.Wait(context.Background(), &dynamodb.DescribeTableInput{}, time.Minute))
}

func TestOutputHelpers(t *testing.T) {
	described := mocks.NewMockDescribeTableOutput("users", types.TableStatusActive)
	assert.Equal(t, types.TableStatusActive, described.Table.TableStatus)

	deleted := mocks.NewMockDeleteTableOutput("users")
	assert.Equal(t, types.TableStatusDeleting, deleted.TableDescription.TableStatus)

	ttl := mocks.NewMockDescribeTimeToLiveOutput("expiresAt")
	assert.Equal(t, "expiresAt", *ttl.TimeToLiveDescription.AttributeName)
	assert.Equal(t, types.TimeToLiveStatusDisabled, mocks.NewMockDescribeTimeToLiveOutput("").TimeToLiveDescription.TimeToLiveStatus)
}
