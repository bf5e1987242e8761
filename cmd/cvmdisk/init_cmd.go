package main

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/lifecycle"
	"github.com/microsoft/cvmboot-sub000/internal/manifest"
)

var initManifestPath string

// createInitCommand creates the init subcommand.
func createInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <in> <out> <signtool>",
		Short: "prepares then protects a base disk image in one step, base -> protected",
		Args:  cobra.ExactArgs(3),
		RunE:  executeInit,
	}
	cmd.Flags().StringVar(&initManifestPath, "manifest", "",
		"path to a cvmdisk.yaml layout manifest (defaults to thin+verity enabled)")
	return cmd
}

func executeInit(cmd *cobra.Command, args []string) error {
	m := manifest.Default()
	if initManifestPath != "" {
		var err error
		m, err = manifest.Load(initManifestPath)
		if err != nil {
			return err
		}
	}
	return lifecycle.Init(args[0], args[1], args[2], m)
}
