package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "hostwatch",
	Short:         "Periodic host monitoring agent",
	Long:          "hostwatch runs collection modules on fixed intervals through a bounded worker pool and routes their results to outputs.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./hostwatch.yaml", "path to config (yaml or json)")
	rootCmd.AddCommand(runCmd, validateCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
