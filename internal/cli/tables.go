package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/theory-cloud/tablemodel/internal/numutil"
	"github.com/theory-cloud/tablemodel/pkg/session"
)

func (a *App) newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the configuration file and
TABLEMODEL_* environment overrides are applied. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return a.printYAML(masked(cfg))
		},
	}
}

func masked(cfg *session.Config) *session.Config {
	out := *cfg
	for _, secret := range []*string{&out.SecretAccessKey, &out.SessionToken, &out.ExternalID} {
		if *secret != "" {
			*secret = "****"
		}
	}
	return &out
}

type listOptions struct {
	all bool
}

func (a *App) newListCmd() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tables",
		Long: `List the tables visible to the configured credentials. When a table prefix
is configured only tables carrying it are shown, unless --all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, manager, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			names, err := manager.ListTables(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				if opts.all || strings.HasPrefix(name, cfg.TablePrefix) {
					_, _ = fmt.Fprintln(a.stdout, name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.all, "all", false, "Show tables without the configured prefix too")
	return cmd
}

// tableSummary is the describe output.
type tableSummary struct {
	Name        string            `yaml:"name" json:"name"`
	Status      string            `yaml:"status" json:"status"`
	BillingMode string            `yaml:"billing_mode" json:"billing_mode"`
	Keys        map[string]string `yaml:"keys" json:"keys"`
	Indexes     []indexSummary    `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	Stream      string            `yaml:"stream,omitempty" json:"stream,omitempty"`
	ItemCount   int64             `yaml:"item_count" json:"item_count"`
	SizeBytes   int64             `yaml:"size_bytes" json:"size_bytes"`
}

type indexSummary struct {
	Name       string            `yaml:"name" json:"name"`
	Type       string            `yaml:"type" json:"type"`
	Status     string            `yaml:"status,omitempty" json:"status,omitempty"`
	Projection string            `yaml:"projection" json:"projection"`
	Keys       map[string]string `yaml:"keys" json:"keys"`
}

type describeOptions struct {
	outputJSON bool
}

func (a *App) newDescribeCmd() *cobra.Command {
	opts := &describeOptions{}

	cmd := &cobra.Command{
		Use:   "describe TABLE",
		Short: "Describe a table",
		Long: `Describe the key schema, indexes, billing mode and size of a table.

Examples:
  tablemodel describe orders
  tablemodel describe orders --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, manager, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			table, err := manager.DescribeTableByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			summary := summarize(table)
			if opts.outputJSON {
				return a.printJSON(summary)
			}
			return a.printYAML(summary)
		},
	}
	cmd.Flags().BoolVar(&opts.outputJSON, "json", false, "Output as JSON")
	return cmd
}

func summarize(table *types.TableDescription) tableSummary {
	summary := tableSummary{
		Name:        aws.ToString(table.TableName),
		Status:      string(table.TableStatus),
		BillingMode: string(types.BillingModeProvisioned),
		Keys:        keyRoles(table.KeySchema),
		ItemCount:   aws.ToInt64(table.ItemCount),
		SizeBytes:   aws.ToInt64(table.TableSizeBytes),
	}
	if table.BillingModeSummary != nil {
		summary.BillingMode = string(table.BillingModeSummary.BillingMode)
	}
	if spec := table.StreamSpecification; spec != nil && aws.ToBool(spec.StreamEnabled) {
		summary.Stream = string(spec.StreamViewType)
	}
	for _, gsi := range table.GlobalSecondaryIndexes {
		summary.Indexes = append(summary.Indexes, indexSummary{
			Name:       aws.ToString(gsi.IndexName),
			Type:       "GSI",
			Status:     string(gsi.IndexStatus),
			Projection: projectionType(gsi.Projection),
			Keys:       keyRoles(gsi.KeySchema),
		})
	}
	for _, lsi := range table.LocalSecondaryIndexes {
		summary.Indexes = append(summary.Indexes, indexSummary{
			Name:       aws.ToString(lsi.IndexName),
			Type:       "LSI",
			Projection: projectionType(lsi.Projection),
			Keys:       keyRoles(lsi.KeySchema),
		})
	}
	sort.Slice(summary.Indexes, func(i, j int) bool { return summary.Indexes[i].Name < summary.Indexes[j].Name })
	return summary
}

func keyRoles(schema []types.KeySchemaElement) map[string]string {
	roles := make(map[string]string, len(schema))
	for _, element := range schema {
		roles[strings.ToLower(string(element.KeyType))] = aws.ToString(element.AttributeName)
	}
	return roles
}

func projectionType(p *types.Projection) string {
	if p == nil {
		return ""
	}
	return string(p.ProjectionType)
}

type scanOptions struct {
	limit int
}

func (a *App) newScanCmd() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan TABLE",
		Short: "Print the items of a table as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			input := &dynamodb.ScanInput{TableName: aws.String(args[0])}
			if opts.limit > 0 && opts.limit < 1000 {
				input.Limit = numutil.Limit(opts.limit)
			}

			printed := 0
			paginator := dynamodb.NewScanPaginator(client, input)
			for paginator.HasMorePages() && (opts.limit <= 0 || printed < opts.limit) {
				page, err := paginator.NextPage(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to scan %s: %w", args[0], err)
				}
				for _, item := range page.Items {
					if opts.limit > 0 && printed >= opts.limit {
						break
					}
					var doc map[string]any
					if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
						return fmt.Errorf("failed to decode item: %w", err)
					}
					line, err := json.Marshal(doc)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(a.stdout, string(line))
					printed++
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of items to print")
	return cmd
}

type deleteOptions struct {
	yes bool
}

func (a *App) newDeleteCmd() *cobra.Command {
	opts := &deleteOptions{}

	cmd := &cobra.Command{
		Use:   "delete TABLE",
		Short: "Delete a table and wait until it is gone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			_, _, manager, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := manager.DeleteTable(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.yes, "yes", false, "Confirm the deletion")
	return cmd
}

func (a *App) printYAML(v any) error {
	encoder := yaml.NewEncoder(a.stdout)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}

func (a *App) printJSON(v any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
