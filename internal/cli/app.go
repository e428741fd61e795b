// Package cli provides the tablemodel command-line interface for inspecting and
// maintaining DynamoDB tables.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/theory-cloud/tablemodel/pkg/interfaces"
	"github.com/theory-cloud/tablemodel/pkg/schema"
	"github.com/theory-cloud/tablemodel/pkg/session"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// App represents the CLI application.
type App struct {
	root       *cobra.Command
	stdout     io.Writer
	stderr     io.Writer
	client     interfaces.DynamoDBAPI
	configPath string
	verbose    bool
}

// New creates a new CLI application.
func New() *App {
	app := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	app.root = &cobra.Command{
		Use:   "tablemodel",
		Short: "Inspect and maintain DynamoDB tables",
		Long: `tablemodel inspects and maintains the DynamoDB tables behind tablemodel models.

Connection settings come from a YAML configuration file (--config) with
TABLEMODEL_* environment overrides, on top of the standard AWS configuration chain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	app.root.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "Path to configuration file")
	app.root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "Log requests to stderr")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newConfigCmd(),
		app.newListCmd(),
		app.newDescribeCmd(),
		app.newScanCmd(),
		app.newDeleteCmd(),
		app.newSchemaCmd(),
	)

	return app
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// WithClient makes every command use client instead of building one from the
// configuration.
func (a *App) WithClient(client interfaces.DynamoDBAPI) *App {
	a.client = client
	return a
}

// Execute runs the CLI application.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments (useful for testing).
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(a.stdout, "tablemodel version %s\n", Version)
			_, _ = fmt.Fprintf(a.stdout, "  Git commit: %s\n", GitCommit)
		},
	}
}

// loadConfig reads the configuration named by --config.
func (a *App) loadConfig() (*session.Config, error) {
	cfg, err := session.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.verbose {
		cfg.Logger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(a.stderr),
			zapcore.DebugLevel))
	}
	if a.client != nil {
		cfg.Client = a.client
	}
	return cfg, nil
}

// connect builds the client and schema manager for a command.
func (a *App) connect(ctx context.Context) (*session.Config, interfaces.DynamoDBAPI, *schema.Manager, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := session.NewSession(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := sess.Client()
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, client, schema.NewManager(client, nil, schema.WithLogger(sess.Logger())), nil
}
