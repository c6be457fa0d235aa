package cmd

import (
	"context"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/internal/config"
	"github.com/bihealth/hpc-access-cli/internal/observability"
	"github.com/bihealth/hpc-access-cli/internal/state"
)

// newMailmanSyncCmd creates the `mailman-sync` command.
func newMailmanSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailman-sync",
		Short: "Sync the e-mail addresses of portal users to the mailing list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			cfg.DryRun, _ = cmd.Flags().GetBool("dry-run")
			return runMailmanSync(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Bool("dry-run", true, "perform a dry run (no changes)")
	return cmd
}

// runMailmanSync collects the e-mail addresses of all portal users that
// have one and replaces the mailing list membership with them.
func runMailmanSync(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger().Named("mailman-sync")

	portal, err := connectPortal(cfg.HpcAccess, logger)
	if err != nil {
		return err
	}
	defer portal.Close()

	hpc, err := state.GatherHpcAccessState(ctx, portal, logger)
	if err != nil {
		return err
	}

	emails := make([]string, 0, len(hpc.HpcUsers))
	for _, user := range hpc.HpcUsers {
		if user.Email != nil && *user.Email != "" {
			emails = append(emails, *user.Email)
		}
	}
	sort.Strings(emails)
	logger.Info("will update mailman membership", zap.Int("num_emails", len(emails)))
	logger.Info("target membership list", zap.Strings("emails", emails))

	client, err := connectMailman(cfg.Mailman, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Sync(ctx, emails, cfg.DryRun)
}
