package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newEnrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Labels and embeds every unlabeled record once",
		Long: `Runs the enrichment job across all owners: records without a sentiment
are sent to the classifier in batches, then records without an embedding are
backfilled when enrichment.embed_url is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := appInstance.Enrichment.Run(ctx)
			if err != nil {
				return fmt.Errorf("enrichment: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "passes=%d labeled=%d unknown=%d embedded=%d remaining=%d\n",
				res.Passes, res.Labeled, res.Unknown, res.Embedded, res.Remaining)
			return nil
		},
	}
}
