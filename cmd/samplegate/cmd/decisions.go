package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Show the decision audit trail for a scope, newest first",
	RunE:  runDecisions,
}

func init() {
	rootCmd.AddCommand(decisionsCmd)
	addScopeFlags(decisionsCmd)
	decisionsCmd.Flags().Int("limit", 0, "maximum entries to show (default from config)")
}

func runDecisions(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = rt.cfg.DecisionLogLimit
	}

	decisions, err := rt.engine.RecentDecisions(cmd.Context(), scope, limit)
	if err != nil {
		return err
	}

	for _, d := range decisions {
		marker := " "
		if d.Sampled {
			marker = "*"
		}
		outcome := "-"
		if d.Outcome != "" {
			outcome = string(d.Outcome)
		}
		fmt.Printf("%s %s %-24s %-8s %s %s\n",
			d.CreatedAt.UTC().Format(time.RFC3339), marker, d.PartID, outcome, d.Mode, d.ID)
	}
	return nil
}
