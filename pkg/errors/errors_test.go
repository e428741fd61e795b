package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "ErrItemNotFound", err: ErrItemNotFound, expected: "item not found"},
		{name: "ErrInvalidModel", err: ErrInvalidModel, expected: "invalid model"},
		{name: "ErrMissingPrimaryKey", err: ErrMissingPrimaryKey, expected: "missing primary key"},
		{name: "ErrConditionFailed", err: ErrConditionFailed, expected: "condition check failed"},
		{name: "ErrStaleObject", err: ErrStaleObject, expected: "stale object: condition check failed"},
		{name: "ErrBatchOperationFailed", err: ErrBatchOperationFailed, expected: "batch operation failed"},
		{name: "ErrInvalidCursor", err: ErrInvalidCursor, expected: "invalid cursor"},
		{name: "ErrInvalidOperator", err: ErrInvalidOperator, expected: "invalid query operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.err)
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestModelError(t *testing.T) {
	t.Run("message hides model and context", func(t *testing.T) {
		err := NewErrorWithContext("PutItem", "Order", ErrInvalidModel, map[string]any{"id": "123"})
		assert.Equal(t, "tablemodel: PutItem operation failed: invalid model", err.Error())
		assert.NotContains(t, err.Error(), "Order")
		assert.NotContains(t, err.Error(), "123")
	})

	t.Run("unwrap and is", func(t *testing.T) {
		err := NewError("UpdateItem", "User", fmt.Errorf("wrapped: %w", ErrConditionFailed))
		assert.True(t, errors.Is(err, ErrConditionFailed))
		assert.False(t, errors.Is(err, ErrItemNotFound))
		assert.NotNil(t, err.Unwrap())
	})

	t.Run("nil inner error", func(t *testing.T) {
		err := NewError("GetItem", "User", nil)
		assert.Nil(t, err.Unwrap())
		assert.False(t, err.Is(ErrItemNotFound))
	})
}

func TestStaleObjectIsConditionFailure(t *testing.T) {
	err := NewError("Save", "User", ErrStaleObject)
	assert.True(t, IsStale(err))
	assert.True(t, IsConditionFailed(err))
}

func TestBatchError(t *testing.T) {
	batchErr := &BatchError{
		Op:        "BatchWrite",
		Processed: 3,
		UnprocessedWrites: []types.WriteRequest{
			{DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: "a"},
			}}},
		},
		Err: errors.New("throttled"),
	}

	var err error = batchErr
	assert.True(t, errors.Is(err, ErrBatchOperationFailed))
	assert.Contains(t, err.Error(), "3 processed, 1 unprocessed")
	assert.Contains(t, err.Error(), "throttled")

	wrapped := fmt.Errorf("outer: %w", err)
	got, ok := AsBatchError(wrapped)
	require.True(t, ok)
	assert.Same(t, batchErr, got)

	_, ok = AsBatchError(errors.New("plain"))
	assert.False(t, ok)
}

func TestFromSDK(t *testing.T) {
	assert.Nil(t, FromSDK(nil))

	cond := &types.ConditionalCheckFailedException{Message: aws.String("nope")}
	mapped := FromSDK(fmt.Errorf("operation error: %w", cond))
	assert.True(t, IsConditionFailed(mapped))

	var sdkErr *types.ConditionalCheckFailedException
	assert.True(t, errors.As(mapped, &sdkErr))

	missing := FromSDK(&types.ResourceNotFoundException{Message: aws.String("gone")})
	assert.True(t, errors.Is(missing, ErrTableNotFound))

	other := errors.New("boom")
	assert.Equal(t, other, FromSDK(other))
}

func TestThrottling(t *testing.T) {
	exceeded := &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	assert.Equal(t, "ProvisionedThroughputExceededException", Code(fmt.Errorf("batch: %w", exceeded)))

	mapped := FromSDK(exceeded)
	assert.ErrorIs(t, mapped, ErrThrottled)
	assert.True(t, IsThrottled(mapped))

	generic := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
	assert.True(t, IsThrottled(generic))
	assert.ErrorIs(t, FromSDK(generic), ErrThrottled)

	assert.False(t, IsThrottled(&smithy.GenericAPIError{Code: "ValidationException"}))
	assert.False(t, IsThrottled(errors.New("boom")))
	assert.Empty(t, Code(errors.New("boom")))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("x: %w", ErrItemNotFound)))
	assert.True(t, IsInvalidModel(NewError("Register", "X", ErrInvalidModel)))
	assert.False(t, IsNotFound(nil))
}

func TestTransactionError(t *testing.T) {
	t.Run("nil receiver", func(t *testing.T) {
		var txErr *TransactionError
		assert.Equal(t, "tablemodel: transaction failed", txErr.Error())
		assert.Nil(t, txErr.Unwrap())
	})

	t.Run("includes operation, index and reason", func(t *testing.T) {
		txErr := &TransactionError{
			Err:            ErrConditionFailed,
			Operation:      "Update",
			Code:           "ConditionalCheckFailed",
			OperationIndex: 3,
		}
		assert.Equal(t, "tablemodel: transaction operation Update (index 3) failed: ConditionalCheckFailed", txErr.Error())
		assert.ErrorIs(t, txErr, ErrConditionFailed)
		assert.ErrorIs(t, txErr, ErrTransactionFailed)

		found, ok := AsTransactionError(fmt.Errorf("wrapped: %w", txErr))
		require.True(t, ok)
		assert.Equal(t, 3, found.OperationIndex)
	})

	t.Run("omits index when negative", func(t *testing.T) {
		txErr := &TransactionError{Operation: "Delete", OperationIndex: -1}
		assert.Equal(t, "tablemodel: transaction operation Delete failed", txErr.Error())
	})
}
