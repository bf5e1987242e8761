package main

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/lifecycle"
)

// createStripCommand creates the strip subcommand.
func createStripCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "strip <disk>",
		Short: "rebuilds the disk without its cleartext root partition, keeping only the verified/thin-backed layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycle.Strip(args[0])
		},
	}
}
