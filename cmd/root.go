// Package cmd wires the hpc-access-cli commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/internal/config"
	"github.com/bihealth/hpc-access-cli/internal/observability"
)

// defaultConfigPath is where the configuration lives on the cluster nodes.
const defaultConfigPath = "/etc/hpc-access-cli/config.json"

// contextKey is the private type for values stored in the command context.
type contextKey string

// configKey is the context key under which the loaded configuration
// travels to the subcommands.
const configKey contextKey = "config"

var (
	cfgFile string

	// osExit is swapped out in tests.
	osExit = os.Exit
)

// NewRootCommand builds the root command with all subcommands attached.
// Each call returns a pristine instance so that command executions do not
// share flag state.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hpc-access-cli",
		Short:   "Synchronize HPC LDAP, file system, and mailing list state with the hpc-access portal.",
		Version: Version,
		// Errors surface exactly once, through the logger in Execute.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)
			if err := initializeConfig(v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console"})
				return err
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console"})
				return err
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("configuration loaded",
				zap.String("config_file", v.ConfigFileUsed()))

			// Subcommands read the configuration back through
			// configFromContext.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "path to configuration file")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newStateDumpCmd())
	cmd.AddCommand(newStateSyncCmd())
	cmd.AddCommand(newStorageUsageSyncCmd())
	cmd.AddCommand(newMailmanSyncCmd())
	return cmd
}

// Execute runs the root command under a signal-aware context. It is
// called by main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("command failed", zap.Error(err))
		observability.Sync()
		osExit(1)
	}
	observability.Sync()
}

// initializeConfig points the given viper instance at the configuration
// file and the HPC_ACCESS_ environment variables. The file must exist;
// running against an implicit empty configuration would disable half the
// safety checks.
func initializeConfig(v *viper.Viper) error {
	path, err := homedir.Expand(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to expand config path: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("configuration file %s does not exist", path)
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("HPC_ACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// configFromContext pulls the configuration that PersistentPreRunE stored
// in the command context.
func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration missing from command context")
	}
	return cfg, nil
}
