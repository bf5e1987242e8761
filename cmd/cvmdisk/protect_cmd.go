package main

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/lifecycle"
)

// createProtectCommand creates the protect subcommand.
func createProtectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "protect <disk> <signtool>",
		Short: "signs a prepared disk's ESP configuration, transitioning prepared -> protected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycle.Protect(args[0], args[1])
		},
	}
}
