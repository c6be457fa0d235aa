package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bihealth/hpc-access-cli/internal/config"
	"github.com/bihealth/hpc-access-cli/internal/observability"
	"github.com/bihealth/hpc-access-cli/internal/render"
	"github.com/bihealth/hpc-access-cli/internal/state"
)

// newStateDumpCmd creates the `state-dump` command.
func newStateDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state-dump",
		Short: "Dump the gathered system state as hpc-access records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			outPath, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			return runStateDump(cfg, outPath, format, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringP("output", "o", "", "write the state to this file instead of stdout")
	cmd.Flags().String("format", render.FormatJSON, "output format (json)")
	return cmd
}

// runStateDump echoes the effective settings to stderr, gathers the LDAP
// and file system state, and writes the converted hpc-access records to
// the output. The record UUIDs are freshly generated; the dump seeds a
// portal instance rather than round-tripping one.
func runStateDump(cfg *config.Config, outPath, format string, stdout, stderr io.Writer) error {
	logger := observability.GetLogger().Named("state-dump")

	// Settings echo with masked secrets, kept off stdout so that the
	// state JSON stays parseable.
	echo, err := render.New(render.FormatJSON, stderr)
	if err != nil {
		return err
	}
	if err := echo.Write(cfg); err != nil {
		return fmt.Errorf("failed to render settings: %w", err)
	}

	directory, err := connectDirectory(cfg.LDAPHpc, logger)
	if err != nil {
		return err
	}
	defer directory.Close()
	storage := openStorage(storagePrefix(), logger)

	system, err := state.GatherSystemState(directory, storage, logger)
	if err != nil {
		return err
	}
	hpc := state.ConvertToHpcAccess(system, logger)

	out := stdout
	if outPath != "" && outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	r, err := render.New(format, out)
	if err != nil {
		return err
	}
	if err := r.Write(hpc); err != nil {
		return fmt.Errorf("failed to render state: %w", err)
	}
	return r.Close()
}
