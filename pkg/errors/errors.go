// Package errors defines error types and utilities for tablemodel
package errors

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Common errors that can occur in tablemodel operations
var (
	// ErrItemNotFound is returned when an item is not found in the database
	ErrItemNotFound = errors.New("item not found")

	// ErrInvalidModel is returned when a model struct is invalid
	ErrInvalidModel = errors.New("invalid model")

	// ErrMissingPrimaryKey is returned when a model doesn't have a primary key
	ErrMissingPrimaryKey = errors.New("missing primary key")

	// ErrInvalidPrimaryKey is returned when a primary key value is invalid
	ErrInvalidPrimaryKey = errors.New("invalid primary key")

	// ErrConditionFailed is returned when a condition check fails
	ErrConditionFailed = errors.New("condition check failed")

	// ErrStaleObject is returned when an optimistic lock on the version attribute fails.
	// It always wraps ErrConditionFailed.
	ErrStaleObject = fmt.Errorf("stale object: %w", ErrConditionFailed)

	// ErrThrottled is returned when DynamoDB rejects a request for exceeding
	// throughput or request-rate limits
	ErrThrottled = errors.New("request throttled")

	// ErrIndexNotFound is returned when a specified index doesn't exist
	ErrIndexNotFound = errors.New("index not found")

	// ErrBatchOperationFailed is returned when a batch operation partially fails
	ErrBatchOperationFailed = errors.New("batch operation failed")

	// ErrDuplicateKey is returned when the same key appears twice in one batch write
	ErrDuplicateKey = errors.New("duplicate key in batch")

	// ErrUnsupportedType is returned when a field type is not supported
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrInvalidTag is returned when a struct tag is invalid
	ErrInvalidTag = errors.New("invalid struct tag")

	// ErrTableNotFound is returned when a table doesn't exist
	ErrTableNotFound = errors.New("table not found")

	// ErrDuplicatePrimaryKey is returned when multiple primary keys are defined
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key definition")

	// ErrEmptyValue is returned when a required value is empty
	ErrEmptyValue = errors.New("empty value")

	// ErrInvalidOperator is returned when an invalid query operator is used
	ErrInvalidOperator = errors.New("invalid query operator")

	// ErrInvalidCursor is returned when a pagination cursor cannot be used for the query
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrNotPersisted is returned when an operation needs a model that exists remotely
	ErrNotPersisted = errors.New("model is not persisted")

	// ErrInvalidConfig is returned when the session configuration is unusable
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTransactionFailed is returned when DynamoDB cancels a transaction
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrInvalidName is returned for table, index or attribute names DynamoDB would reject
	ErrInvalidName = errors.New("invalid name")
)

// ModelError represents a detailed error with context
type ModelError struct {
	Err     error
	Context map[string]any
	Op      string
	Model   string
}

// Error implements the error interface.
// Model names and context are kept off the message so logs never carry item data.
func (e *ModelError) Error() string {
	return fmt.Sprintf("tablemodel: %s operation failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *ModelError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target error
func (e *ModelError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new ModelError
func NewError(op, model string, err error) *ModelError {
	return &ModelError{
		Op:    op,
		Model: model,
		Err:   err,
	}
}

// NewErrorWithContext creates a new ModelError with context
func NewErrorWithContext(op, model string, err error, context map[string]any) *ModelError {
	return &ModelError{
		Op:      op,
		Model:   model,
		Err:     err,
		Context: context,
	}
}

// BatchError reports a batch operation that finished with leftovers.
// Processed counts the keys or write requests that succeeded; the Unprocessed
// slices hold whatever could not be completed after retries.
type BatchError struct {
	Err               error
	Op                string
	UnprocessedKeys   []map[string]types.AttributeValue
	UnprocessedWrites []types.WriteRequest
	ChunkErrors       []error
	Processed         int
}

func (e *BatchError) Error() string {
	if e == nil {
		return "tablemodel: batch operation failed"
	}
	leftovers := len(e.UnprocessedKeys) + len(e.UnprocessedWrites)
	msg := fmt.Sprintf("tablemodel: %s %v: %d processed, %d unprocessed", e.Op, ErrBatchOperationFailed, e.Processed, leftovers)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrBatchOperationFailed alongside the first underlying cause.
func (e *BatchError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := []error{ErrBatchOperationFailed}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// TransactionError points at the operation that made DynamoDB cancel a transaction.
type TransactionError struct {
	Err            error
	Operation      string
	Model          string
	Reason         string
	Code           string
	OperationIndex int
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	if e == nil {
		return "tablemodel: transaction failed"
	}

	op := "transaction"
	if e.Operation != "" {
		op = fmt.Sprintf("%s operation %s", op, e.Operation)
	}
	if e.OperationIndex >= 0 {
		op = fmt.Sprintf("%s (index %d)", op, e.OperationIndex)
	}
	reason := e.Code
	if e.Reason != "" {
		reason = e.Reason
	}
	if reason != "" {
		return fmt.Sprintf("tablemodel: %s failed: %s", op, reason)
	}
	return fmt.Sprintf("tablemodel: %s failed", op)
}

// Unwrap exposes ErrTransactionFailed alongside the mapped cause.
func (e *TransactionError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := []error{ErrTransactionFailed}
	if e.Err != nil && e.Err != ErrTransactionFailed {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsNotFound checks if an error indicates an item was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsInvalidModel checks if an error indicates an invalid model
func IsInvalidModel(err error) bool {
	return errors.Is(err, ErrInvalidModel)
}

// IsConditionFailed checks if an error indicates a condition check failure
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// IsStale checks if an error came from an optimistic lock conflict
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleObject)
}

// AsTransactionError extracts a *TransactionError from err.
func AsTransactionError(err error) (*TransactionError, bool) {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr, true
	}
	return nil, false
}

// AsBatchError extracts a *BatchError from err.
func AsBatchError(err error) (*BatchError, bool) {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr, true
	}
	return nil, false
}

// FromSDK maps DynamoDB service errors onto the package sentinels while keeping
// the original error in the chain.
func FromSDK(err error) error {
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%w: %w", ErrConditionFailed, err)
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrTableNotFound, err)
	}

	if isThrottleCode(Code(err)) {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}

	return err
}

// Code returns the service error code carried by err, or "" when err did not
// come from an AWS API call.
func Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsThrottled checks if an error indicates the request was throttled
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled) || isThrottleCode(Code(err))
}

func isThrottleCode(code string) bool {
	switch code {
	case "ProvisionedThroughputExceededException", "ThrottlingException",
		"RequestLimitExceeded", "LimitExceededException":
		return true
	default:
		return false
	}
}
