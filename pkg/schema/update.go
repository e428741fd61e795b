package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
)

// GSIUpdatePlan contains GSIs to create and delete
type GSIUpdatePlan struct {
	ToCreate []types.GlobalSecondaryIndex
	ToDelete []string
}

// Empty reports whether the plan changes nothing.
func (p *GSIUpdatePlan) Empty() bool {
	return len(p.ToCreate)+len(p.ToDelete) == 0
}

// UpdateTable applies billing, stream and encryption options and at most one global
// secondary index change to the table of model. A call that changes nothing sends
// no request.
func (m *Manager) UpdateTable(ctx context.Context, model any, opts ...TableOption) error {
	metadata, err := m.registry.Resolve(model)
	if err != nil {
		return fmt.Errorf("failed to get model metadata: %w", err)
	}

	tableName := m.TableName(metadata)
	current, err := m.DescribeTableByName(ctx, tableName)
	if err != nil {
		return err
	}

	input := &dynamodb.UpdateTableInput{TableName: aws.String(tableName)}
	createInput := buildCreateTableInput(opts)

	applyBillingModeUpdate(input, createInput, current)
	applyStreamUpdate(input, createInput)
	applySSEUpdate(input, createInput)

	plan := calculateGSIUpdates(metadata, current)
	if total := len(plan.ToCreate) + len(plan.ToDelete); total > 1 {
		return fmt.Errorf("%w: %d creates, %d deletes on table %s",
			ErrMultipleIndexChanges, len(plan.ToCreate), len(plan.ToDelete), tableName)
	}
	applyGSIUpdate(input, metadata, plan)

	if !hasChanges(input) {
		m.logger.Debug("table up to date", zap.String("table", tableName))
		return nil
	}
	return m.updateTable(ctx, input)
}

func (m *Manager) updateTable(ctx context.Context, input *dynamodb.UpdateTableInput) error {
	tableName := aws.ToString(input.TableName)
	if _, err := m.client.UpdateTable(ctx, input); err != nil {
		return fmt.Errorf("failed to update table %s: %w", tableName, errors.FromSDK(err))
	}
	m.logger.Info("table update requested",
		zap.String("table", tableName),
		zap.Int("index_updates", len(input.GlobalSecondaryIndexUpdates)))

	if len(input.GlobalSecondaryIndexUpdates) > 0 {
		return m.waitForIndexes(ctx, tableName)
	}
	return m.waitForTableActive(ctx, tableName)
}

func buildCreateTableInput(opts []TableOption) *dynamodb.CreateTableInput {
	createInput := &dynamodb.CreateTableInput{}
	for _, opt := range opts {
		opt(createInput)
	}
	return createInput
}

func applyBillingModeUpdate(input *dynamodb.UpdateTableInput, createInput *dynamodb.CreateTableInput, current *types.TableDescription) {
	if createInput.BillingMode == "" {
		return
	}

	currentMode := types.BillingModeProvisioned
	if current.BillingModeSummary != nil && current.BillingModeSummary.BillingMode != "" {
		currentMode = current.BillingModeSummary.BillingMode
	}
	if createInput.BillingMode == currentMode && createInput.ProvisionedThroughput == nil {
		return
	}

	input.BillingMode = createInput.BillingMode
	if createInput.BillingMode == types.BillingModeProvisioned && createInput.ProvisionedThroughput != nil {
		input.ProvisionedThroughput = createInput.ProvisionedThroughput
	}
}

func applyStreamUpdate(input *dynamodb.UpdateTableInput, createInput *dynamodb.CreateTableInput) {
	if createInput.StreamSpecification != nil {
		input.StreamSpecification = createInput.StreamSpecification
	}
}

func applySSEUpdate(input *dynamodb.UpdateTableInput, createInput *dynamodb.CreateTableInput) {
	if createInput.SSESpecification != nil {
		input.SSESpecification = createInput.SSESpecification
	}
}

// applyGSIUpdate adds the first change of plan to input. Creates go before deletes.
func applyGSIUpdate(input *dynamodb.UpdateTableInput, metadata *model.Metadata, plan *GSIUpdatePlan) {
	if len(plan.ToCreate) > 0 {
		gsi := plan.ToCreate[0]
		input.GlobalSecondaryIndexUpdates = []types.GlobalSecondaryIndexUpdate{
			{
				Create: &types.CreateGlobalSecondaryIndexAction{
					IndexName:             gsi.IndexName,
					KeySchema:             gsi.KeySchema,
					Projection:            gsi.Projection,
					ProvisionedThroughput: gsi.ProvisionedThroughput,
				},
			},
		}
		input.AttributeDefinitions = buildAttributeDefinitions(metadata)
		return
	}

	if len(plan.ToDelete) > 0 {
		input.GlobalSecondaryIndexUpdates = []types.GlobalSecondaryIndexUpdate{
			{
				Delete: &types.DeleteGlobalSecondaryIndexAction{
					IndexName: aws.String(plan.ToDelete[0]),
				},
			},
		}
	}
}

func hasChanges(input *dynamodb.UpdateTableInput) bool {
	return input.BillingMode != "" ||
		input.ProvisionedThroughput != nil ||
		input.StreamSpecification != nil ||
		input.SSESpecification != nil ||
		len(input.GlobalSecondaryIndexUpdates) > 0
}

// calculateGSIUpdates compares current GSIs with desired GSIs and returns update plan.
// Both lists are sorted by index name.
func calculateGSIUpdates(metadata *model.Metadata, current *types.TableDescription) *GSIUpdatePlan {
	plan := &GSIUpdatePlan{}
	desired, _ := buildIndexes(metadata)

	existing := make(map[string]bool, len(current.GlobalSecondaryIndexes))
	for _, gsi := range current.GlobalSecondaryIndexes {
		existing[aws.ToString(gsi.IndexName)] = true
	}
	wanted := make(map[string]bool, len(desired))

	provisioned := current.BillingModeSummary != nil &&
		current.BillingModeSummary.BillingMode == types.BillingModeProvisioned
	for _, gsi := range desired {
		name := aws.ToString(gsi.IndexName)
		wanted[name] = true
		if existing[name] {
			continue
		}
		if provisioned && gsi.ProvisionedThroughput == nil {
			gsi.ProvisionedThroughput = indexThroughput(nil)
		}
		plan.ToCreate = append(plan.ToCreate, gsi)
	}

	for name := range existing {
		if !wanted[name] {
			plan.ToDelete = append(plan.ToDelete, name)
		}
	}

	// Existing indexes are never modified in place: DynamoDB cannot change an index's
	// key schema, so a changed definition needs a rename.
	sort.Slice(plan.ToCreate, func(i, j int) bool {
		return aws.ToString(plan.ToCreate[i].IndexName) < aws.ToString(plan.ToCreate[j].IndexName)
	})
	sort.Strings(plan.ToDelete)
	return plan
}

// EnableTTL turns on time to live for the ttl attribute of model. It reports whether
// a change was requested.
func (m *Manager) EnableTTL(ctx context.Context, model any) (bool, error) {
	metadata, err := m.registry.Resolve(model)
	if err != nil {
		return false, fmt.Errorf("failed to get model metadata: %w", err)
	}
	return m.enableTTL(ctx, metadata)
}

func (m *Manager) enableTTL(ctx context.Context, metadata *model.Metadata) (bool, error) {
	if metadata.TTLField == nil {
		return false, fmt.Errorf("%w: %s has no ttl field", errors.ErrInvalidModel, metadata.Name())
	}
	tableName := m.TableName(metadata)
	attribute := metadata.TTLField.DBName

	described, err := m.client.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe ttl of table %s: %w", tableName, errors.FromSDK(err))
	}
	if desc := described.TimeToLiveDescription; desc != nil &&
		aws.ToString(desc.AttributeName) == attribute &&
		(desc.TimeToLiveStatus == types.TimeToLiveStatusEnabled || desc.TimeToLiveStatus == types.TimeToLiveStatusEnabling) {
		return false, nil
	}

	_, err = m.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attribute),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to enable ttl on table %s: %w", tableName, errors.FromSDK(err))
	}
	m.logger.Info("ttl enabled", zap.String("table", tableName), zap.String("attribute", attribute))
	return true, nil
}
