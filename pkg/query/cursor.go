package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// Cursor represents pagination state for DynamoDB queries
type Cursor struct {
	LastEvaluatedKey map[string]cursorValue `json:"lastKey"`
	IndexName        string                 `json:"index,omitempty"`
}

// cursorValue holds one key attribute. Keys are always S, N or B.
type cursorValue struct {
	S *string `json:"S,omitempty"`
	N *string `json:"N,omitempty"`
	B []byte  `json:"B,omitempty"`
}

// EncodeCursor encodes a DynamoDB LastEvaluatedKey into a base64 cursor string.
// An empty key yields an empty cursor.
func EncodeCursor(lastKey map[string]types.AttributeValue, indexName string) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}

	key := make(map[string]cursorValue, len(lastKey))
	for name, av := range lastKey {
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			key[name] = cursorValue{S: &v.Value}
		case *types.AttributeValueMemberN:
			key[name] = cursorValue{N: &v.Value}
		case *types.AttributeValueMemberB:
			key[name] = cursorValue{B: v.Value}
		default:
			return "", fmt.Errorf("%w: key attribute %s has type %T", errors.ErrInvalidCursor, name, av)
		}
	}

	data, err := json.Marshal(Cursor{LastEvaluatedKey: key, IndexName: indexName})
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeCursor decodes a base64 cursor string into a Cursor
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidCursor, err)
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidCursor, err)
	}
	if len(cursor.LastEvaluatedKey) == 0 {
		return nil, fmt.Errorf("%w: missing key", errors.ErrInvalidCursor)
	}
	return &cursor, nil
}

// ToAttributeValues converts the cursor's LastEvaluatedKey back to DynamoDB AttributeValues
func (c *Cursor) ToAttributeValues() (map[string]types.AttributeValue, error) {
	if c == nil || len(c.LastEvaluatedKey) == 0 {
		return nil, nil
	}

	result := make(map[string]types.AttributeValue, len(c.LastEvaluatedKey))
	for name, v := range c.LastEvaluatedKey {
		switch {
		case v.S != nil && v.N == nil && v.B == nil:
			result[name] = &types.AttributeValueMemberS{Value: *v.S}
		case v.N != nil && v.S == nil && v.B == nil:
			result[name] = &types.AttributeValueMemberN{Value: *v.N}
		case v.B != nil && v.S == nil && v.N == nil:
			result[name] = &types.AttributeValueMemberB{Value: v.B}
		default:
			return nil, fmt.Errorf("%w: attribute %s", errors.ErrInvalidCursor, name)
		}
	}
	return result, nil
}

// startKey decodes token and checks that it was issued for indexName.
func startKey(token, indexName string) (map[string]types.AttributeValue, error) {
	cursor, err := DecodeCursor(token)
	if err != nil || cursor == nil {
		return nil, err
	}
	if cursor.IndexName != indexName {
		return nil, fmt.Errorf("%w: cursor was issued for index %q, query uses %q", errors.ErrInvalidCursor, cursor.IndexName, indexName)
	}
	return cursor.ToAttributeValues()
}
