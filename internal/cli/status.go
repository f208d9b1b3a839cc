package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drwave/drwave/internal/core/config"
	"github.com/drwave/drwave/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show all active executions",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	execs, err := postgres.NewExecutionRepo(db).ListActive(ctx)
	if err != nil {
		slog.Error("Failed to query executions", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "EXECUTION\tPLAN\tTYPE\tSTATE\tWAVES\tSTARTED")

	for _, e := range execs {
		done := 0
		for _, wave := range e.Waves {
			if wave.Status.Terminal() {
				done++
			}
		}
		started := "-"
		if e.StartedAt != nil {
			started = e.StartedAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			e.ID, e.PlanID, e.Type, e.State, done, len(e.Waves), started)
	}
	_ = w.Flush()
}
