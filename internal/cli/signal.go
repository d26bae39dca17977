package cli

import (
	"fmt"
	"os"

	"github.com/lucasnoah/foundry/internal/artifact"
	"github.com/spf13/cobra"
)

var signalOwnerPID int

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Inspect or consume the completion signal",
}

var signalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the completion signal if it belongs to this owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		writer, err := defaultSignalWriter()
		if err != nil {
			return err
		}
		sig, ok, err := writer.Read(signalOwner())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "No signal found.")
			return nil
		}
		printSignal(cmd, sig)
		return nil
	},
}

var signalConsumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Read and delete the completion signal",
	RunE: func(cmd *cobra.Command, args []string) error {
		writer, err := defaultSignalWriter()
		if err != nil {
			return err
		}
		sig, ok, err := writer.Consume(signalOwner())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "No signal found.")
			return nil
		}
		printSignal(cmd, sig)
		return nil
	},
}

func defaultSignalWriter() (*artifact.SignalWriter, error) {
	scopeID, err := artifact.InstallationScopeID()
	if err != nil {
		return nil, err
	}
	path, err := artifact.DefaultSignalPath()
	if err != nil {
		return nil, err
	}
	return artifact.NewSignalWriter(path, scopeID), nil
}

func signalOwner() int {
	if signalOwnerPID > 0 {
		return signalOwnerPID
	}
	return os.Getpid()
}

func printSignal(cmd *cobra.Command, sig *artifact.Signal) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s: %s (%d/%d phases) at %s\n",
		sig.RunID, sig.Status, sig.PhasesCompleted, sig.PhasesTotal, sig.CompletedAt)
	fmt.Fprintf(w, "  owner pid %d, scope %s\n", sig.OwnerProcessID, sig.InstallationScopeID)
}

func init() {
	signalCmd.PersistentFlags().IntVar(&signalOwnerPID, "owner-pid", 0,
		"expected owner pid (defaults to this process)")
	signalCmd.AddCommand(signalShowCmd)
	signalCmd.AddCommand(signalConsumeCmd)
}
