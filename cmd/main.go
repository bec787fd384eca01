package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "binder-build",
	Short: "Build service that turns repositories into notebook server images",
	Long: `binder-build fetches repositories from GitHub, git remotes or local paths,
builds them into container images and registers the results as templates.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, stopCmd, tokenCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	if os.Getenv("APP_ENV") == "" {
		os.Setenv("APP_ENV", "development")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
