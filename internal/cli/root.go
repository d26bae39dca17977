package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "foundry — a checkpointed multi-phase pipeline orchestrator",
	Long: `foundry drives long-running workflows through an ordered sequence of
phases with resumable checkpoints, an adaptive review↔mend convergence
loop, and crash-safe recovery of delegate worker sessions.

All state is stored in ~/.foundry/ (SQLite for events, JSON for
checkpoints and session state files).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(eventsCmd)
}
