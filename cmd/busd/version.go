package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are overridable at build time with
// -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("busd %s (%s)\n", Version, Commit)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
