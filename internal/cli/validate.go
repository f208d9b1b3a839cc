package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drwave/drwave/internal/core/config"
	"github.com/drwave/drwave/internal/infra/account"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate assume-role access to every configured account",
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	base, err := account.LoadBaseConfig(ctx, cfg.AWS.Region)
	if err != nil {
		slog.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	resolver := account.NewResolver(base, cfg.AWS.SessionName)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ACCOUNT\tREGION\tVALID\tDETAIL")

	failures := 0
	for _, acct := range cfg.Accounts {
		a := acct.Account()
		for _, region := range a.Regions {
			result := resolver.Validate(ctx, a.Context(region))
			detail := result.ARN
			if !result.Valid {
				detail = result.Error
				failures++
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", a.ID, region, result.Valid, detail)
		}
	}
	_ = w.Flush()

	if failures > 0 {
		os.Exit(1)
	}
}
