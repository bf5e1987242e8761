// Command cvmdisk is the thin cobra dispatcher over the lifecycle
// package, matching spec §6's CLI surface: prepare, protect, init,
// verify, state, strip, genkeys.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cvmdisk",
		Short:         "confidential-VM disk preparation and boot-verification toolchain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		createPrepareCommand(),
		createProtectCommand(),
		createInitCommand(),
		createVerifyCommand(),
		createStateCommand(),
		createStripCommand(),
		createGenkeysCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cvmdisk:", err)
		os.Exit(1)
	}
}
