package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/envelope"
)

var genkeysBits int

// createGenkeysCommand creates the genkeys subcommand.
func createGenkeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "generates a signing RSA keypair under $HOME/.cvmsign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath, pubPath, err := envelope.GenKeys(genkeysBits)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&genkeysBits, "bits", 2048, "RSA key size in bits")
	return cmd
}
