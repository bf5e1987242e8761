package main

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/cvmboot-sub000/internal/lifecycle"
	"github.com/microsoft/cvmboot-sub000/internal/manifest"
)

var prepareManifestPath string

// createPrepareCommand creates the prepare subcommand.
func createPrepareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare <in> <out>",
		Short: "prepares a base disk image: normalizes its GPT, projects thin partitions, and adds a verity partition",
		Args:  cobra.ExactArgs(2),
		RunE:  executePrepare,
	}
	cmd.Flags().StringVar(&prepareManifestPath, "manifest", "",
		"path to a cvmdisk.yaml layout manifest (defaults to thin+verity enabled)")
	return cmd
}

func executePrepare(cmd *cobra.Command, args []string) error {
	m := manifest.Default()
	if prepareManifestPath != "" {
		var err error
		m, err = manifest.Load(prepareManifestPath)
		if err != nil {
			return err
		}
	}
	return lifecycle.Prepare(args[0], args[1], m)
}
