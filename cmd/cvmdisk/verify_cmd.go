package main

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/lifecycle"
)

// createVerifyCommand creates the verify subcommand.
func createVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <disk>",
		Short: "checks every verity partition against its data partition; never mutates the disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycle.Verify(args[0])
		},
	}
}
