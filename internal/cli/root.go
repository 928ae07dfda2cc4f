// Package cli wires arkvolt's cobra command tree: the daemon entrypoint
// and supporting commands, grounded on the example fleet's single
// internal/cli package with a package-level rootCommand (spec.md §6
// "a single daemon process plus a control-plane API").
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCommand = &cobra.Command{
	Use:   "arkvoltd",
	Short: "arkvolt backup orchestration daemon",
	Long: `arkvoltd snapshots configured btrfs subvolumes, streams them through
compression and authenticated encryption to a remote archival host, and
enforces a retention policy over the resulting lineage.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCommand.Execute()
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "/etc/arkvolt/config.yaml", "path to arkvolt's YAML config file")
}
