// Package cmd defines and implements the CLI commands for the feedbackd executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/app"
	"github.com/JakeFAU/feedback-pipeline/internal/config"
	"github.com/JakeFAU/feedback-pipeline/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can build the
// app against in-memory backends.
var newApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "feedbackd",
		Short: "Customer feedback ingestion and enrichment pipeline.",
		Long: `feedbackd collects customer feedback for each onboarded company from
the App Store, Google Play, Reddit, Trustpilot, and Twitter, stores it with
idempotent upserts, and labels it with sentiment and category.

Every owner's progress is tracked in a ledger so interrupted runs resume
where they stopped.`,
		SilenceUsage: true,

		// Runs before the subcommand's RunE, once flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil //nolint:nilerr // nothing to close
			}
			return appInstance.Close(context.Background())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); FEEDBACK_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newEnrichCmd(),
		newMigrateCmd(),
		newOnboardCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		_ = zap.L().Sync()
		os.Exit(1)
	}
}
