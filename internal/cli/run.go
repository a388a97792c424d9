package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var runTimeout time.Duration

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <source-id>",
	Short: "Execute one ingestion run for a single source",
	Long: `Run fetches one source end to end: pages are pulled past the
committed cursor, deduplicated, enriched when a provider is
configured, and persisted. The source's health and cursor are
updated exactly as a scheduled run would update them.

Example:
  tributary run gov-notices
  tributary run city-news --timeout 10m -v`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runTimeout, "timeout", 15*time.Minute, "overall run timeout")
}

func runOnce(cmd *cobra.Command, args []string) error {
	sourceID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger()
	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	run, runErr := app.manager.Run(ctx, sourceID)
	if run == nil {
		return runErr
	}

	fmt.Printf("Run %s for %s: %s\n", run.ID, run.SourceID, run.Outcome)
	fmt.Printf("  fetched:   %d\n", run.Counts.Fetched)
	fmt.Printf("  persisted: %d\n", run.Counts.Persisted)
	fmt.Printf("  duplicate: %d\n", run.Counts.Duplicate)
	fmt.Printf("  enriched:  %d\n", run.Counts.Enriched)
	fmt.Printf("  deferred:  %d\n", run.Counts.Deferred)
	fmt.Printf("  failed:    %d\n", run.Counts.Failed)
	fmt.Printf("  elapsed:   %s\n", run.Duration().Round(time.Millisecond))
	if run.ErrorSummary != "" {
		fmt.Fprintf(os.Stderr, "  error: %s\n", run.ErrorSummary)
	}
	return runErr
}
