package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/trestleinc/replicate/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Inspect and exercise the replicate CRDT engine",
	Long: `replicate is a companion CLI for the replication engine library.

It is not required to use the library; it exists to drive the library
end to end against the in-memory reference backend (demo) and to
inspect an on-disk store (inspect), the way a project's own debugging
tools would.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(inspectCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
