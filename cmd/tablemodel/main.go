// Command tablemodel inspects and maintains DynamoDB tables.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/theory-cloud/tablemodel/internal/cli"
)

func main() {
	if err := cli.New().Execute(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
