package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/lucasnoah/foundry/internal/checkpoint"
	"github.com/lucasnoah/foundry/internal/orchestrator"
	"github.com/spf13/cobra"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage pipeline runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create <run-id>",
	Short: "Create a new pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(runConfigPath)
		if err != nil {
			return err
		}
		defer cleanup()

		cp, err := orch.Create(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created run %s (%d phases: %s)\n",
			cp.ID, len(cp.PhaseOrder), strings.Join(cp.PhaseOrder, " → "))
		return nil
	},
}

var runAdvanceCmd = &cobra.Command{
	Use:   "advance <run-id>",
	Short: "Execute the first pending phase of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(runConfigPath)
		if err != nil {
			return err
		}
		defer cleanup()
		orch.SetProgress(os.Stderr)

		res, err := orch.Advance(args[0])
		if err != nil {
			return err
		}
		printAdvance(cmd, res)
		return nil
	},
}

var runDriveCmd = &cobra.Command{
	Use:   "drive <run-id>",
	Short: "Advance a run until it completes or blocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(runConfigPath)
		if err != nil {
			return err
		}
		defer cleanup()
		orch.SetProgress(os.Stderr)

		res, err := orch.Drive(args[0])
		if err != nil {
			return err
		}
		printAdvance(cmd, res)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpoint.DefaultStore()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		runs, err := store.List()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-20s %-10s %-14s %s\n", "RUN", "DONE", "NEXT", "UPDATED")
		for _, cp := range runs {
			done, total := cp.Counts()
			next := cp.FirstPending()
			if next == "" {
				next = "-"
			}
			fmt.Fprintf(w, "%-20s %-10s %-14s %s\n",
				cp.ID, fmt.Sprintf("%d/%d", done, total), next, cp.UpdatedAt)
		}
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show detailed run status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpoint.DefaultStore()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		cp, err := store.Get(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run %s\n", cp.ID)
		fmt.Fprintf(w, "  Created: %s\n", cp.CreatedAt)
		fmt.Fprintf(w, "  Updated: %s\n", cp.UpdatedAt)
		fmt.Fprintln(w, "  Phases:")
		for _, name := range cp.PhaseOrder {
			ps := cp.Phases[name]
			line := fmt.Sprintf("    %-12s %s", name, ps.Status)
			if ps.Reason != "" {
				line += " (" + ps.Reason + ")"
			}
			if ps.DelegateSession != "" {
				line += " [session " + ps.DelegateSession + "]"
			}
			fmt.Fprintln(w, line)
		}

		if cs := cp.Convergence; cs != nil {
			fmt.Fprintf(w, "  Convergence: round %d\n", cs.Round)
			for _, h := range cs.History {
				p1 := "?"
				if h.P1Remaining != nil {
					p1 = fmt.Sprintf("%d", *h.P1Remaining)
				}
				p2 := "?"
				if h.P2Remaining != nil {
					p2 = fmt.Sprintf("%d", *h.P2Remaining)
				}
				fmt.Fprintf(w, "    round %d: %s (p1=%s p2=%s, %d→%d findings)\n",
					h.Round, h.Verdict, p1, p2, h.FindingsBefore, h.FindingsAfter)
			}
		}
		return nil
	},
}

var runDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete all data for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpoint.DefaultStore()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", args[0])
		return nil
	},
}

func printAdvance(cmd *cobra.Command, res *orchestrator.AdvanceResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s: %s", res.RunID, res.Action)
	if res.Phase != "" {
		fmt.Fprintf(w, " phase=%s", res.Phase)
	}
	if res.Status != "" {
		fmt.Fprintf(w, " status=%s", res.Status)
	}
	if res.Verdict != "" {
		fmt.Fprintf(w, " verdict=%s", res.Verdict)
	}
	if res.Message != "" {
		fmt.Fprintf(w, " (%s)", res.Message)
	}
	fmt.Fprintln(w)
}

func init() {
	runCmd.PersistentFlags().StringVarP(&runConfigPath, "config", "c", "", "path to pipeline config YAML")
	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runAdvanceCmd)
	runCmd.AddCommand(runDriveCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runDeleteCmd)
}
