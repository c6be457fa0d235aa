package cmd

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
	"github.com/bihealth/hpc-access-cli/internal/audit"
	"github.com/bihealth/hpc-access-cli/internal/config"
	"github.com/bihealth/hpc-access-cli/internal/notify"
	"github.com/bihealth/hpc-access-cli/internal/observability"
	"github.com/bihealth/hpc-access-cli/internal/render"
	"github.com/bihealth/hpc-access-cli/internal/state"
	"github.com/bihealth/hpc-access-cli/internal/telemetry"
)

// newStateSyncCmd creates the `state-sync` command.
func newStateSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state-sync",
		Short: "Reconcile the HPC LDAP and file system with the hpc-access state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.LdapUserOps, err = opsFlag(cmd, "ldap-user-ops"); err != nil {
				return err
			}
			if cfg.LdapGroupOps, err = opsFlag(cmd, "ldap-group-ops"); err != nil {
				return err
			}
			if cfg.FsOps, err = opsFlag(cmd, "fs-ops"); err != nil {
				return err
			}
			cfg.DryRun, _ = cmd.Flags().GetBool("dry-run")
			format, _ := cmd.Flags().GetString("format")
			return runStateSync(cmd.Context(), cfg, format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSlice("ldap-user-ops", nil, "user operations to perform (default: all)")
	cmd.Flags().StringSlice("ldap-group-ops", nil, "group operations to perform (default: all)")
	cmd.Flags().StringSlice("fs-ops", nil, "file system operations to perform (default: all)")
	cmd.Flags().Bool("dry-run", true, "perform a dry run (no changes)")
	cmd.Flags().String("format", render.FormatTable, "format of the dry run preview (table|json)")
	return cmd
}

// opsFlag parses a repeatable operation flag. An empty flag allows all
// operations.
func opsFlag(cmd *cobra.Command, name string) ([]records.StateOperation, error) {
	values, err := cmd.Flags().GetStringSlice(name)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return records.AllStateOperations(), nil
	}
	ops := make([]records.StateOperation, 0, len(values))
	for _, value := range values {
		op, err := records.ParseStateOperation(value)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// runStateSync executes the reconciliation and afterwards records the run
// in the audit trail, pushes the run metrics, and sends the report mail,
// each one only when configured. Bookkeeping failures are logged, not
// returned; the reconciliation outcome must not be misreported over them.
func runStateSync(ctx context.Context, cfg *config.Config, format string, out io.Writer) error {
	logger := observability.GetLogger().Named("state-sync")
	started := time.Now()

	ops, runErr := executeStateSync(ctx, cfg, format, out, logger)
	finished := time.Now()

	if cfg.Audit.Enabled {
		run := audit.Run{
			ID:         uuid.New(),
			StartedAt:  started,
			FinishedAt: finished,
			DryRun:     cfg.DryRun,
			Ops:        ops,
			Err:        runErr,
		}
		if err := recordAuditRun(ctx, cfg, run, logger); err != nil {
			logger.Error("failed to record audit run", zap.Error(err))
		}
	}
	if cfg.Telemetry.Enabled {
		recorder := telemetry.NewRecorder(cfg.Telemetry, "state-sync", logger)
		if ops != nil {
			recorder.ObserveOperations(ops)
		}
		recorder.ObserveRun(started, runErr)
		if err := recorder.Push(ctx); err != nil {
			logger.Warn("failed to push run metrics", zap.Error(err))
		}
	}
	if cfg.SMTP.Enabled && !cfg.DryRun {
		summary := notify.Summary{
			Command:    "state-sync",
			StartedAt:  started,
			FinishedAt: finished,
			DryRun:     cfg.DryRun,
			Ops:        ops,
			Err:        runErr,
		}
		if err := newReportMailer(cfg.SMTP, logger).Send(summary); err != nil {
			logger.Warn("failed to send report mail", zap.Error(err))
		}
	}
	return runErr
}

// executeStateSync gathers both states, derives the target state, and
// applies the filtered operations in dependency order: groups before the
// users that reference them, file system entries last.
func executeStateSync(ctx context.Context, cfg *config.Config, format string, out io.Writer, logger *zap.Logger) (*records.OperationsContainer, error) {
	directory, err := connectDirectory(cfg.LDAPHpc, logger)
	if err != nil {
		return nil, err
	}
	defer directory.Close()
	storage := openStorage(storagePrefix(), logger)
	portal, err := connectPortal(cfg.HpcAccess, logger)
	if err != nil {
		return nil, err
	}
	defer portal.Close()

	system, err := state.GatherSystemState(directory, storage, logger)
	if err != nil {
		return nil, err
	}
	hpc, err := state.GatherHpcAccessState(ctx, portal, logger)
	if err != nil {
		return nil, err
	}

	target := state.NewTargetBuilder(system, logger).Build(hpc)
	ops := state.NewComparison(system, target, logger).Run()
	ops = ops.Filter(cfg.LdapUserOps, cfg.LdapGroupOps, cfg.FsOps)

	if cfg.DryRun {
		preview, err := render.New(format, out)
		if err != nil {
			return ops, err
		}
		if err := preview.Write(ops); err != nil {
			return ops, err
		}
		if err := preview.Close(); err != nil {
			return ops, err
		}
	}

	logger.Info("applying LDAP group operations",
		zap.Int("count", len(ops.LdapGroupOps)), zap.Bool("dry_run", cfg.DryRun))
	for i := range ops.LdapGroupOps {
		if err := directory.ApplyGroupOp(&ops.LdapGroupOps[i], cfg.DryRun); err != nil {
			return ops, err
		}
	}
	logger.Info("applying LDAP user operations",
		zap.Int("count", len(ops.LdapUserOps)), zap.Bool("dry_run", cfg.DryRun))
	for i := range ops.LdapUserOps {
		if err := directory.ApplyUserOp(&ops.LdapUserOps[i], cfg.DryRun); err != nil {
			return ops, err
		}
	}
	logger.Info("applying file system operations",
		zap.Int("count", len(ops.FsOps)), zap.Bool("dry_run", cfg.DryRun))
	for i := range ops.FsOps {
		if err := storage.ApplyOp(&ops.FsOps[i], cfg.DryRun); err != nil {
			return ops, err
		}
	}
	return ops, nil
}

// recordAuditRun connects to the audit database for the duration of a
// single insert and closes the pool again.
func recordAuditRun(ctx context.Context, cfg *config.Config, run audit.Run, logger *zap.Logger) error {
	pool, closePool, err := openAuditPool(ctx, cfg.Audit.URL.Reveal())
	if err != nil {
		return err
	}
	defer closePool()

	trail, err := audit.New(ctx, pool, logger)
	if err != nil {
		return err
	}
	return trail.RecordRun(ctx, run)
}
