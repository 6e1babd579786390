package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var (
		ownerID string
		reset   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drives one owner's pipeline in the foreground",
		Long: `Runs ingestion and enrichment for a single owner without going through
the queue. A completed or failed ledger is left alone unless --reset is set,
which starts a fresh generation first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := uuid.Parse(ownerID)
			if err != nil {
				return fmt.Errorf("invalid --owner %q: %w", ownerID, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if reset {
				l, err := appInstance.Ledger.Supersede(ctx, id)
				if err != nil {
					return fmt.Errorf("reset ledger: %w", err)
				}
				appInstance.Logger.Info("ledger reset", zap.String("owner_id", id.String()), zap.Int("generation", l.Generation))
			}

			if err := appInstance.Orchestrator.Run(ctx, id); err != nil {
				return fmt.Errorf("run owner %s: %w", id, err)
			}
			l, err := appInstance.Ledger.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("load ledger: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "owner %s: %s\n", id, l.OverallStatus)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id (UUID)")
	cmd.Flags().BoolVar(&reset, "reset", false, "start a new ledger generation before running")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
