package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authgate",
		Short: "authgate is an authentication gateway for multi-tenant SaaS platforms",
		Long: "authgate terminates OAuth2/PKCE, first-party sessions, and API keys behind a " +
			"single universal identity resolution surface.",
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
