package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tributary/internal/model"
)

// sourcesCmd represents the sources command
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources and their health",
	Long: `Display every enabled source with its connector kind, cadence,
committed cursor, and current health as recorded by the last run.`,
	Args: cobra.NoArgs,
	RunE: runSources,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func runSources(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sources := app.manager.Sources()
	if len(sources) == 0 {
		fmt.Println("No enabled sources configured.")
		return nil
	}

	fmt.Printf("%-20s %-8s %-10s %-10s %s\n", "ID", "KIND", "CADENCE", "HEALTH", "LAST RUN")
	for _, src := range sources {
		state, err := app.manager.Status(ctx, src.ID)
		if err != nil {
			return fmt.Errorf("load state for %q: %w", src.ID, err)
		}

		lastRun := "never"
		if !state.LastRunAt.IsZero() {
			lastRun = state.LastRunAt.Format(time.RFC3339)
		}
		health := string(state.Health)
		if state.Health == model.HealthSuspended && !state.SuspendedUntil.IsZero() {
			health = fmt.Sprintf("suspended until %s", state.SuspendedUntil.Format("15:04:05"))
		}

		fmt.Printf("%-20s %-8s %-10s %-10s %s\n",
			src.ID, src.Kind, src.Cadence, health, lastRun)
	}
	return nil
}
