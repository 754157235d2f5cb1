// Command forkerd is a clinically-safe file replication engine: it
// watches a source directory, waits for each arriving file to stabilize,
// then replicates it to two independent destinations with cryptographic
// proof that every byte landed intact before the source is released to
// the downstream clinical ingester.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:     "forkerd",
		Short:   "Replicate pathology files to a clinical pathway and a research archive",
		Version: version + " (" + commit + ")",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "forker.yaml", "Path to forkerd's YAML configuration file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newStatsCmd(&configPath))
	root.AddCommand(newJobsCmd(&configPath))
	root.AddCommand(newQuarantineCmd(&configPath))
	root.AddCommand(newRequeueCmd(&configPath))

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
