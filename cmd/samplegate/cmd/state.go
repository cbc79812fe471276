package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/millrun/samplegate/internal/types"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and reset per-scope sampling state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show counters and escalation mode for a scope",
	RunE:  runStateShow,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset sampling counters for a scope",
	RunE:  runStateReset,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateResetCmd)

	addScopeFlags(stateShowCmd)
	addScopeFlags(stateResetCmd)
	stateResetCmd.Flags().Bool("full", false, "also zero parts_seen and force primary mode")
}

func runStateShow(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	state, err := rt.engine.State(cmd.Context(), scope)
	if err != nil {
		return err
	}

	fmt.Printf("scope:                %s\n", scope)
	fmt.Printf("mode:                 %s\n", state.Mode)
	fmt.Printf("active set:           %s (version %d)\n", state.ActiveSetID, state.RuleSetVersion)
	fmt.Printf("parts seen:           %d\n", state.PartsSeen)
	fmt.Printf("consecutive failures: %d\n", state.ConsecutiveFailures)
	fmt.Printf("consecutive good:     %d\n", state.ConsecutiveGood)

	if len(state.RuleCounters) > 0 {
		ids := make([]types.RuleID, 0, len(state.RuleCounters))
		for id := range state.RuleCounters {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		fmt.Println("rule counters:")
		for _, id := range ids {
			c := state.RuleCounters[id]
			fmt.Printf("  %s  seen=%d accum=%d sampled=%d\n", id, c.Seen, c.Accum, c.Sampled)
		}
	}
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}
	full, _ := cmd.Flags().GetBool("full")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.ResetState(cmd.Context(), scope, full); err != nil {
		return err
	}

	if full {
		fmt.Printf("state for %s fully reset\n", scope)
	} else {
		fmt.Printf("rule counters for %s reset\n", scope)
	}
	return nil
}
