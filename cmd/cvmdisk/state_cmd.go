package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/lifecycle"
)

// createStateCommand creates the state subcommand.
func createStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <disk>",
		Short: "prints the classifier's verdict for a disk: base, prepared, protected, or unknown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := lifecycle.State(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
}
