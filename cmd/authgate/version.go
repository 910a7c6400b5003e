package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags, mirroring dex's own
// version-stamping convention (coreos/dex/version.Version).
var Version = "dev"

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("authgate version: %s\n", Version)
			fmt.Printf("go version: %s\n", runtime.Version())
			fmt.Printf("go os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
