package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theory-cloud/tablemodel/pkg/dms"
)

func (a *App) newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Export and check table schema documents",
	}
	cmd.AddCommand(a.newSchemaExportCmd(), a.newSchemaCheckCmd())
	return cmd
}

func (a *App) newSchemaExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export TABLE...",
		Short: "Print the key schema and indexes of tables as a schema document",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, manager, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			doc := &dms.Document{Version: dms.Version}
			for _, name := range args {
				table, err := manager.DescribeTableByName(cmd.Context(), name)
				if err != nil {
					return err
				}
				doc.Tables = append(doc.Tables, dms.FromDescription(table))
			}
			data, err := doc.Marshal()
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}
}

func (a *App) newSchemaCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Compare live tables with a schema document",
		Long: `Compare the key schema and indexes of every table in a schema document
with the live table and report each difference. The command fails when any
table has drifted or does not exist.

Examples:
  tablemodel schema export orders users > schema.yaml
  tablemodel schema check schema.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := dms.Parse(data)
			if err != nil {
				return err
			}
			_, _, manager, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			drifted := 0
			for _, want := range doc.Tables {
				table, err := manager.DescribeTableByName(cmd.Context(), want.Name)
				if err != nil {
					_, _ = fmt.Fprintf(a.stdout, "%s: %v\n", want.Name, err)
					drifted++
					continue
				}
				diffs := dms.Diff(want, dms.FromDescription(table))
				if len(diffs) == 0 {
					_, _ = fmt.Fprintf(a.stdout, "%s: ok\n", want.Name)
					continue
				}
				drifted++
				for _, diff := range diffs {
					_, _ = fmt.Fprintf(a.stdout, "%s: %s\n", want.Name, diff)
				}
			}
			if drifted > 0 {
				return fmt.Errorf("%d of %d tables differ from %s", drifted, len(doc.Tables), args[0])
			}
			return nil
		},
	}
}
