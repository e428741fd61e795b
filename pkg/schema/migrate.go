package schema

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/pkg/model"
)

// MigrationReport lists what Migrate changed.
type MigrationReport struct {
	Tables []TableMigration
}

// TableMigration is the outcome of migrating one model's table.
type TableMigration struct {
	Table          string
	IndexesCreated []string
	IndexesDeleted []string
	Created        bool
	TTLEnabled     bool
}

// Changed reports whether anything was changed on the table.
func (t TableMigration) Changed() bool {
	return t.Created || t.TTLEnabled || len(t.IndexesCreated) > 0 || len(t.IndexesDeleted) > 0
}

// Migrate brings the table of every model in line with its metadata: missing tables
// are created, global secondary indexes are created and deleted one at a time and
// time to live is enabled for models with a ttl field. opts apply to created tables
// only. Migration stops at the first failure and the report covers the work done
// until then.
func (m *Manager) Migrate(ctx context.Context, models []any, opts ...TableOption) (*MigrationReport, error) {
	report := &MigrationReport{}
	for _, model := range models {
		metadata, err := m.registry.Resolve(model)
		if err != nil {
			return report, fmt.Errorf("failed to get model metadata: %w", err)
		}

		entry, err := m.migrate(ctx, metadata, opts)
		report.Tables = append(report.Tables, entry)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) migrate(ctx context.Context, metadata *model.Metadata, opts []TableOption) (TableMigration, error) {
	entry := TableMigration{Table: m.TableName(metadata)}

	created, err := m.ensureTable(ctx, metadata, opts)
	entry.Created = created
	if err != nil {
		return entry, err
	}

	if !created {
		for {
			current, err := m.DescribeTableByName(ctx, entry.Table)
			if err != nil {
				return entry, err
			}
			plan := calculateGSIUpdates(metadata, current)
			if plan.Empty() {
				break
			}

			input := &dynamodb.UpdateTableInput{TableName: aws.String(entry.Table)}
			applyGSIUpdate(input, metadata, plan)
			m.logger.Info("migrating index",
				zap.String("table", entry.Table),
				zap.Int("pending_creates", len(plan.ToCreate)),
				zap.Int("pending_deletes", len(plan.ToDelete)))
			if err := m.updateTable(ctx, input); err != nil {
				return entry, err
			}

			update := input.GlobalSecondaryIndexUpdates[0]
			if update.Create != nil {
				entry.IndexesCreated = append(entry.IndexesCreated, aws.ToString(update.Create.IndexName))
			} else {
				entry.IndexesDeleted = append(entry.IndexesDeleted, aws.ToString(update.Delete.IndexName))
			}
		}
	}

	if metadata.TTLField != nil {
		enabled, err := m.enableTTL(ctx, metadata)
		entry.TTLEnabled = enabled
		if err != nil {
			return entry, err
		}
	}
	return entry, nil
}
