package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepTTLFlag time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim delegate sessions with stale state files",
	Long: `sweep is the background heal layer: it deletes session state files
older than the TTL and kills any matching tmux sessions, regardless of
which run owns them. Intended to be run out-of-band (e.g. from cron)
as a safety net for sessions no checkpoint ever learned about.`,
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
		swept, err := guard.Sweep(sweepTTLFlag)
		if err != nil {
			return err
		}
		if len(swept) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to sweep.")
			return nil
		}
		for _, name := range swept {
			fmt.Fprintf(cmd.OutOrStdout(), "swept %s\n", name)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepTTLFlag, "ttl", 24*time.Hour, "state files older than this are reclaimed")
}
