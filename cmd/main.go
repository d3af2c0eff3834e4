package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/outlier-collective/alto/cmd/run"
	"github.com/outlier-collective/alto/cmd/version"
)

var rootCmd = &cobra.Command{
	Use:   "",
	Short: "Utility commands for the user operation bundler",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("failed to run command")
		os.Exit(1)
	}
}

func main() {
	rootCmd.AddCommand(version.Cmd)
	rootCmd.AddCommand(run.Cmd)

	Execute()
}
