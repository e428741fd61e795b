package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func usersTable() *types.TableDescription {
	return &types.TableDescription{
		TableName: aws.String("users"),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("email"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash}},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{{
			IndexName:  aws.String("gsi-email"),
			KeySchema:  []types.KeySchemaElement{{AttributeName: aws.String("email"), KeyType: types.KeyTypeHash}},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	}
}

func TestSchemaExportThenCheck(t *testing.T) {
	app, client, stdout := newTestApp(t)
	client.On("DescribeTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == "users"
	}), mock.Anything).Return(&dynamodb.DescribeTableOutput{Table: usersTable()}, nil).Twice()

	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"schema", "export", "users"}))
	exported := stdout.String()
	assert.Contains(t, exported, "name: users")
	assert.Contains(t, exported, "name: gsi-email")
	assert.Contains(t, exported, "kind: GSI")

	path := writeConfig(t, exported)
	stdout.Reset()
	require.NoError(t, app.ExecuteWithArgs(context.Background(), []string{"schema", "check", path}))
	assert.Equal(t, "users: ok\n", stdout.String())
}

func TestSchemaCheckReportsDrift(t *testing.T) {
	app, client, stdout := newTestApp(t)
	path := writeConfig(t, `version: "1"
tables:
  - name: users
    partition_key: {name: id, type: S}
    indexes:
      - name: gsi-email
        kind: GSI
        partition_key: {name: email, type: S}
        projection: KEYS_ONLY
  - name: ghosts
    partition_key: {name: id, type: S}
`)

	client.On("DescribeTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == "users"
	}), mock.Anything).Return(&dynamodb.DescribeTableOutput{Table: usersTable()}, nil).Once()
	client.On("DescribeTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == "ghosts"
	}), mock.Anything).Return(nil, &types.ResourceNotFoundException{Message: aws.String("no table")}).Once()

	err := app.ExecuteWithArgs(context.Background(), []string{"schema", "check", path})
	assert.ErrorContains(t, err, "2 of 2 tables differ")
	assert.Contains(t, stdout.String(), "users: index gsi-email projection: want KEYS_ONLY, got ALL")
	assert.Contains(t, stdout.String(), "ghosts: failed to describe table ghosts")
}

func TestSchemaCheckRejectsBadDocument(t *testing.T) {
	app, _, _ := newTestApp(t)
	path := writeConfig(t, "version: \"9\"\ntables: []\n")

	err := app.ExecuteWithArgs(context.Background(), []string{"schema", "check", path})
	assert.ErrorContains(t, err, "unsupported version")

	err = app.ExecuteWithArgs(context.Background(), []string{"schema", "check", filepath.Join(t.TempDir(), "none.yaml")})
	assert.Error(t, err)
}
