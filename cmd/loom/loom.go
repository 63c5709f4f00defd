// Package loomcmder
package loomcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/loomworksco/loom/cmd/loom/config"
	exportcmder "github.com/loomworksco/loom/cmd/loom/export"
	servecmder "github.com/loomworksco/loom/cmd/loom/serve"
	versioncmder "github.com/loomworksco/loom/cmd/version"
)

const loomLongDesc string = `Loom materializes live provider event streams into ordered message blocks.

Run the ingest service using:
  loom serve           Run the ingest service

Inspect and move data using:
  loom export          Export messages and blocks as NDJSON
  loom config          Manage persistent configuration`

const loomShortDesc string = "Loom - Streaming Block Materialization"

func NewLoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loom",
		Short: loomShortDesc,
		Long:  loomLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .loom/ config directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(exportcmder.NewExportCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
