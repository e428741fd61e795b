package dms

import (
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
)

const ordersYAML = `version: "1"
tables:
  - name: dev_orders
    partition_key: {name: customer, type: S}
    sort_key: {name: placedAt, type: N}
    indexes:
      - name: gsi-status
        kind: GSI
        partition_key: {name: status, type: S}
        projection: INCLUDE
        non_key_attributes: [total, customer]
      - name: lsi-total
        kind: LSI
        partition_key: {name: customer, type: S}
        sort_key: {name: total, type: N}
`

func attrDef(name string, typ types.ScalarAttributeType) types.AttributeDefinition {
	return types.AttributeDefinition{AttributeName: aws.String(name), AttributeType: typ}
}

func keyElem(name string, typ types.KeyType) types.KeySchemaElement {
	return types.KeySchemaElement{AttributeName: aws.String(name), KeyType: typ}
}

func ordersDescription() *types.TableDescription {
	return &types.TableDescription{
		TableName: aws.String("dev_orders"),
		AttributeDefinitions: []types.AttributeDefinition{
			attrDef("customer", types.ScalarAttributeTypeS),
			attrDef("placedAt", types.ScalarAttributeTypeN),
			attrDef("status", types.ScalarAttributeTypeS),
			attrDef("total", types.ScalarAttributeTypeN),
		},
		KeySchema: []types.KeySchemaElement{keyElem("customer", types.KeyTypeHash), keyElem("placedAt", types.KeyTypeRange)},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{{
			IndexName: aws.String("gsi-status"),
			KeySchema: []types.KeySchemaElement{keyElem("status", types.KeyTypeHash)},
			Projection: &types.Projection{
				ProjectionType:   types.ProjectionTypeInclude,
				NonKeyAttributes: []string{"customer", "total"},
			},
		}},
		LocalSecondaryIndexes: []types.LocalSecondaryIndexDescription{{
			IndexName:  aws.String("lsi-total"),
			KeySchema:  []types.KeySchemaElement{keyElem("customer", types.KeyTypeHash), keyElem("total", types.KeyTypeRange)},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	}
}

func TestParseAndDescriptionAgree(t *testing.T) {
	doc, err := Parse([]byte(ordersYAML))
	require.NoError(t, err)

	want, ok := doc.Table("dev_orders")
	require.True(t, ok)
	assert.Empty(t, Diff(*want, FromDescription(ordersDescription())))

	_, ok = doc.Table("missing")
	assert.False(t, ok)
}

func TestFromCreateInput(t *testing.T) {
	table := FromCreateInput(&dynamodb.CreateTableInput{
		TableName:            aws.String("dev_tags"),
		AttributeDefinitions: []types.AttributeDefinition{attrDef("name", types.ScalarAttributeTypeS), attrDef("owner", types.ScalarAttributeTypeB)},
		KeySchema:            []types.KeySchemaElement{keyElem("name", types.KeyTypeHash)},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String("gsi-owner"),
			KeySchema: []types.KeySchemaElement{keyElem("owner", types.KeyTypeHash)},
		}},
	})

	assert.Equal(t, Key{Name: "name", Type: "S"}, table.PartitionKey)
	assert.Nil(t, table.SortKey)
	require.Len(t, table.Indexes, 1)
	assert.Equal(t, Index{
		Name:         "gsi-owner",
		Kind:         KindGlobal,
		PartitionKey: Key{Name: "owner", Type: "B"},
		Projection:   "ALL",
	}, table.Indexes[0])
}

func TestDiff(t *testing.T) {
	doc, err := Parse([]byte(ordersYAML))
	require.NoError(t, err)
	want := doc.Tables[0]

	desc := ordersDescription()
	desc.KeySchema = desc.KeySchema[:1]
	desc.GlobalSecondaryIndexes[0].Projection.NonKeyAttributes = []string{"total"}
	desc.LocalSecondaryIndexes = nil
	desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, types.GlobalSecondaryIndexDescription{
		IndexName: aws.String("gsi-legacy"),
		KeySchema: []types.KeySchemaElement{keyElem("status", types.KeyTypeHash)},
	})

	assert.Equal(t, []string{
		"sort key: want placedAt (N), got none",
		"index gsi-status projection: want INCLUDE [customer, total], got INCLUDE [total]",
		"index lsi-total: missing",
		"index gsi-legacy: not in schema",
	}, Diff(want, FromDescription(desc)))
}

func TestMarshalSortsAndParses(t *testing.T) {
	doc := &Document{Tables: []Table{
		{Name: "zones", PartitionKey: Key{Name: "id", Type: "S"}},
		{Name: "accounts", PartitionKey: Key{Name: "id", Type: "S"}, Indexes: []Index{
			{Name: "gsi-z", Kind: KindGlobal, PartitionKey: Key{Name: "z", Type: "S"}},
			{Name: "gsi-a", Kind: KindGlobal, PartitionKey: Key{Name: "a", Type: "N"}},
		}},
	}}

	data, err := doc.Marshal()
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, `version: "1"`))
	assert.Less(t, strings.Index(text, "accounts"), strings.Index(text, "zones"))
	assert.Less(t, strings.Index(text, "gsi-a"), strings.Index(text, "gsi-z"))
	assert.NotContains(t, text, "sort_key")

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "accounts", parsed.Tables[0].Name)
	assert.Equal(t, "ALL", parsed.Tables[0].Indexes[0].Projection)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"version":        "version: \"2\"\ntables: []\n",
		"unknown field":  "version: \"1\"\ntables: []\nextra: true\n",
		"table name":     "version: \"1\"\ntables:\n  - name: a b\n    partition_key: {name: id, type: S}\n",
		"duplicate":      "version: \"1\"\ntables:\n  - name: users\n    partition_key: {name: id, type: S}\n  - name: users\n    partition_key: {name: id, type: S}\n",
		"key type":       "version: \"1\"\ntables:\n  - name: users\n    partition_key: {name: id, type: BOOL}\n",
		"missing key":    "version: \"1\"\ntables:\n  - name: users\n",
		"index kind":     "version: \"1\"\ntables:\n  - name: users\n    partition_key: {name: id, type: S}\n    indexes:\n      - {name: by-x, kind: XSI, partition_key: {name: x, type: S}}\n",
		"malformed yaml": "version: [\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.ErrorIs(t, err, customerrors.ErrInvalidConfig)
		})
	}
}
