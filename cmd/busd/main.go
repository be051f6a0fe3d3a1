// Command busd is the message bus daemon's entrypoint: a small cobra command
// tree (run, check-config, version) the way phenix/cmd structures a
// multi-verb CLI, restructured from a flat flag-based main since the daemon
// now has more than one verb (running vs. validating a config file offline).
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "busd",
	Short:         "a message bus daemon",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}
