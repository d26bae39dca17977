package cli

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/foundry/internal/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage delegate sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known delegate sessions from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		sessions, err := database.GetActiveSessions()
		if err != nil {
			return err
		}

		// Cross-reference the event log against live tmux sessions so
		// orphans stand out in both directions: logged active with the
		// pane gone, and live panes the log never heard of.
		tmux := session.NewExecTmux()
		live, _ := tmux.ListSessions()
		liveSet := make(map[string]bool, len(live))
		for _, name := range live {
			liveSet[name] = true
		}

		w := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(w, "No active sessions.")
		} else {
			fmt.Fprintf(w, "%-32s %-16s %-12s %-10s %-6s %s\n", "SESSION", "RUN", "PHASE", "STATE", "LIVE", "SINCE")
			for _, se := range sessions {
				liveMark := "no"
				if liveSet[se.SessionName] {
					liveMark = "yes"
					delete(liveSet, se.SessionName)
				}
				fmt.Fprintf(w, "%-32s %-16s %-12s %-10s %-6s %s\n",
					se.SessionName, se.RunID, se.Phase, se.Event, liveMark, se.Timestamp)
			}
		}
		for name := range liveSet {
			if strings.HasPrefix(name, "foundry-") {
				fmt.Fprintf(w, "untracked worker pane: %s\n", name)
			}
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-name>",
	Short: "Show a session's latest event and state file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		w := cmd.OutOrStdout()
		event, err := database.GetSessionState(args[0])
		if err != nil {
			return err
		}
		if event == nil {
			fmt.Fprintln(w, "No events recorded.")
		} else {
			fmt.Fprintf(w, "Session %s\n", event.SessionName)
			fmt.Fprintf(w, "  Run:    %s (phase %s)\n", event.RunID, event.Phase)
			fmt.Fprintf(w, "  Event:  %s at %s\n", event.Event, event.Timestamp)
			if event.Metadata != "" {
				fmt.Fprintf(w, "  Detail: %s\n", event.Metadata)
			}
		}

		registry, err := session.DefaultRegistry()
		if err != nil {
			return err
		}
		if sf, err := registry.Get(args[0]); err == nil {
			fmt.Fprintf(w, "  State file: %s since %s\n", sf.Status, sf.StartedAt.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Fprintln(w, "  State file: absent")
		}
		return nil
	},
}

var sessionKillCmd = &cobra.Command{
	Use:   "kill <session-name>",
	Short: "Tear down a delegate session (graceful kill, then state file sweep)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		guard, _, err := newGuard(database)
		if err != nil {
			return err
		}
		if err := guard.Teardown(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tore down session %s\n", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionKillCmd)
}
