package query

import (
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/pkg/errors"
)

func TestCursorRoundTrip(t *testing.T) {
	key := map[string]types.AttributeValue{
		"customerId": &types.AttributeValueMemberS{Value: "c1"},
		"total":      &types.AttributeValueMemberN{Value: "12.5"},
		"blob":       &types.AttributeValueMemberB{Value: []byte{0x01, 0xff}},
	}

	encoded, err := EncodeCursor(key, "gsi-status")
	require.NoError(t, err)
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")

	cursor, err := DecodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, "gsi-status", cursor.IndexName)

	decoded, err := cursor.ToAttributeValues()
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestEmptyCursor(t *testing.T) {
	encoded, err := EncodeCursor(nil, "")
	require.NoError(t, err)
	assert.Empty(t, encoded)

	cursor, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	start, err := startKey("", "any")
	require.NoError(t, err)
	assert.Nil(t, start)
}

func TestEncodeCursorRejectsNonKeyTypes(t *testing.T) {
	_, err := EncodeCursor(map[string]types.AttributeValue{
		"tags": &types.AttributeValueMemberSS{Value: []string{"a"}},
	}, "")
	assert.ErrorIs(t, err, errors.ErrInvalidCursor)
}

func TestDecodeCursorErrors(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "not base64", token: "%%%"},
		{name: "not json", token: base64.URLEncoding.EncodeToString([]byte("nope"))},
		{name: "no key", token: base64.URLEncoding.EncodeToString([]byte(`{"lastKey":{}}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.token)
			assert.ErrorIs(t, err, errors.ErrInvalidCursor)
		})
	}

	cursor, err := DecodeCursor(base64.URLEncoding.EncodeToString([]byte(`{"lastKey":{"id":{"S":"a","N":"1"}}}`)))
	require.NoError(t, err)
	_, err = cursor.ToAttributeValues()
	assert.ErrorIs(t, err, errors.ErrInvalidCursor)
}

func TestStartKeyChecksIndex(t *testing.T) {
	key := map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "a"}}
	token, err := EncodeCursor(key, "")
	require.NoError(t, err)

	start, err := startKey(token, "")
	require.NoError(t, err)
	assert.Equal(t, key, start)

	_, err = startKey(token, "gsi-status")
	assert.ErrorIs(t, err, errors.ErrInvalidCursor)
}
