package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/pkg/mocks"
)

func newTestApp(t *testing.T) (*App, *mocks.MockDynamoDBClient, *bytes.Buffer) {
	t.Helper()
	client := new(mocks.MockDynamoDBClient)
	t.Cleanup(func() { client.AssertExpectations(t) })

	var stdout, stderr bytes.Buffer
	app := New().WithOutput(&stdout, &stderr).WithClient(client)
	return app, client, &stdout
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tablemodel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	app, _, stdout := newTestApp(t)
	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"version"}))
	assert.Contains(t, stdout.String(), "tablemodel version dev")
}

func TestHelpListsCommands(t *testing.T) {
	app, _, stdout := newTestApp(t)
	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"--help"}))
	for _, name := range []string{"list", "describe", "scan", "delete", "config", "schema"} {
		assert.Contains(t, stdout.String(), name)
	}
}

func TestConfigMasksSecrets(t *testing.T) {
	app, _, stdout := newTestApp(t)
	path := writeConfig(t, `
region: eu-west-1
table_prefix: prod_
access_key_id: AKIDEXAMPLE
secret_access_key: hunter2
`)

	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"config", "-c", path}))
	out := stdout.String()
	assert.Contains(t, out, "region: eu-west-1")
	assert.Contains(t, out, "table_prefix: prod_")
	assert.Contains(t, out, "****")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigLoadError(t *testing.T) {
	app, _, _ := newTestApp(t)
	err := app.ExecuteWithArgs(context.Background(), []string{"config", "-c", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "failed to load configuration")
}

func TestListFiltersByPrefix(t *testing.T) {
	app, client, stdout := newTestApp(t)
	path := writeConfig(t, "table_prefix: dev_\n")

	client.On("ListTables", mock.Anything, mock.Anything, mock.Anything).
		Return(&dynamodb.ListTablesOutput{TableNames: []string{"dev_orders", "dev_users", "prod_orders"}}, nil).Twice()

	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"list", "-c", path}))
	assert.Equal(t, "dev_orders\ndev_users\n", stdout.String())

	stdout.Reset()
	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"list", "-c", path, "--all"}))
	assert.Equal(t, "dev_orders\ndev_users\nprod_orders\n", stdout.String())
}

func TestDescribe(t *testing.T) {
	app, client, stdout := newTestApp(t)

	client.On("DescribeTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == "orders"
	}), mock.Anything).Return(&dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:          aws.String("orders"),
		TableStatus:        types.TableStatusActive,
		ItemCount:          aws.Int64(42),
		BillingModeSummary: &types.BillingModeSummary{BillingMode: types.BillingModePayPerRequest},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("customerId"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("orderId"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{{
			IndexName:   aws.String("gsi-status"),
			IndexStatus: types.IndexStatusActive,
			Projection:  &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
			KeySchema:   []types.KeySchemaElement{{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash}},
		}},
	}}, nil).Twice()

	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"describe", "orders"}))
	out := stdout.String()
	assert.Contains(t, out, "name: orders")
	assert.Contains(t, out, "billing_mode: PAY_PER_REQUEST")
	assert.Contains(t, out, "hash: customerId")
	assert.Contains(t, out, "range: orderId")
	assert.Contains(t, out, "name: gsi-status")
	assert.Contains(t, out, "item_count: 42")

	stdout.Reset()
	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"describe", "orders", "--json"}))
	assert.Contains(t, stdout.String(), `"projection": "KEYS_ONLY"`)
}

func TestDescribeMissingTable(t *testing.T) {
	app, client, _ := newTestApp(t)
	client.On("DescribeTable", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &types.ResourceNotFoundException{Message: aws.String("no table")}).Once()

	err := app.ExecuteWithArgs(context.Background(), []string{"describe", "ghost"})
	assert.ErrorContains(t, err, "ghost")
}

func TestScanPrintsJSONLines(t *testing.T) {
	app, client, stdout := newTestApp(t)

	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return aws.ToString(in.TableName) == "orders" && in.ExclusiveStartKey == nil
	}), mock.Anything).Return(&dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			{"id": &types.AttributeValueMemberS{Value: "o1"}, "total": &types.AttributeValueMemberN{Value: "12.5"}},
		},
		LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "o1"}},
	}, nil).Once()
	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey != nil
	}), mock.Anything).Return(&dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			{"id": &types.AttributeValueMemberS{Value: "o2"}, "tags": &types.AttributeValueMemberSS{Value: []string{"gift"}}},
			{"id": &types.AttributeValueMemberS{Value: "o3"}},
		},
	}, nil).Once()

	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"scan", "orders", "--limit", "2"}))
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"o1","total":12.5}`, lines[0])
	assert.JSONEq(t, `{"id":"o2","tags":["gift"]}`, lines[1])
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	app, client, _ := newTestApp(t)
	err := app.ExecuteWithArgs(context.Background(), []string{"delete", "orders"})
	assert.ErrorContains(t, err, "--yes")
	client.AssertNotCalled(t, "DeleteTable", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteWaitsForTable(t *testing.T) {
	app, client, stdout := newTestApp(t)

	client.On("DeleteTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteTableInput) bool {
		return aws.ToString(in.TableName) == "orders"
	}), mock.Anything).Return(mocks.NewMockDeleteTableOutput("orders"), nil).Once()
	client.On("DescribeTable", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &types.ResourceNotFoundException{Message: aws.String("gone")}).Once()

	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"delete", "orders", "--yes"}))
	assert.Equal(t, "deleted orders\n", stdout.String())
}
