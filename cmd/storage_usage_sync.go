package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/internal/config"
	"github.com/bihealth/hpc-access-cli/internal/observability"
	"github.com/bihealth/hpc-access-cli/internal/state"
	"github.com/bihealth/hpc-access-cli/internal/telemetry"
)

// newStorageUsageSyncCmd creates the `storage-usage-sync` command.
func newStorageUsageSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage-usage-sync",
		Short: "Write the measured storage usage back to hpc-access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			cfg.DryRun, _ = cmd.Flags().GetBool("dry-run")
			return runStorageUsageSync(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Bool("dry-run", true, "perform a dry run (no changes)")
	return cmd
}

// runStorageUsageSync executes the usage sync and afterwards pushes the
// run metrics when telemetry is configured. Push failures are logged,
// not returned.
func runStorageUsageSync(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger().Named("storage-usage-sync")
	started := time.Now()

	runErr := executeStorageUsageSync(ctx, cfg, logger)

	if cfg.Telemetry.Enabled {
		recorder := telemetry.NewRecorder(cfg.Telemetry, "storage-usage-sync", logger)
		recorder.ObserveRun(started, runErr)
		if err := recorder.Push(ctx); err != nil {
			logger.Warn("failed to push run metrics", zap.Error(err))
		}
	}
	return runErr
}

// executeStorageUsageSync copies the Ceph usage counters of every
// validated directory into the resources_used fields of the portal
// records and PATCHes them back, users in GB and groups and projects in
// TB. Usage is reset first so that removed folders read as zero.
func executeStorageUsageSync(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	directory, err := connectDirectory(cfg.LDAPHpc, logger)
	if err != nil {
		return err
	}
	defer directory.Close()
	storage := openStorage(storagePrefix(), logger)
	portal, err := connectPortal(cfg.HpcAccess, logger)
	if err != nil {
		return err
	}
	defer portal.Close()

	system, err := state.GatherSystemState(directory, storage, logger)
	if err != nil {
		return err
	}
	hpc, err := state.GatherHpcAccessState(ctx, portal, logger)
	if err != nil {
		return err
	}

	state.CollectUsage(system, hpc, logger)

	if cfg.DryRun {
		logger.Info("dry run, not deploying usage to hpc-access")
		return nil
	}
	return state.DeployUsage(ctx, portal, hpc, logger)
}
