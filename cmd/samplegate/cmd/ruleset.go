package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/millrun/samplegate/internal/rulesetfile"
)

var rulesetCmd = &cobra.Command{
	Use:   "ruleset",
	Short: "Manage sampling rule sets",
}

var rulesetApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Install a rule configuration from a YAML file",
	RunE:  runRulesetApply,
}

var rulesetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the rule set currently governing a scope",
	RunE:  runRulesetShow,
}

func init() {
	rootCmd.AddCommand(rulesetCmd)
	rulesetCmd.AddCommand(rulesetApplyCmd)
	rulesetCmd.AddCommand(rulesetShowCmd)

	rulesetApplyCmd.Flags().StringP("file", "f", "", "rule configuration YAML file")
	rulesetApplyCmd.MarkFlagRequired("file")

	addScopeFlags(rulesetShowCmd)
}

func runRulesetApply(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	req, err := rulesetfile.Load(path)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, err := rt.engine.UpdateRuleSet(cmd.Context(), *req)
	if err != nil {
		return err
	}

	fmt.Printf("applied version %d to %s\n", cfg.Primary.Version, cfg.Primary.Scope)
	fmt.Printf("  primary  %s (%d rules)\n", cfg.Primary.ID, len(cfg.Primary.Rules))
	if cfg.Fallback != nil {
		fmt.Printf("  fallback %s (%d rules), escalate after %d consecutive failures, revert after %d consecutive passes\n",
			cfg.Fallback.ID, len(cfg.Fallback.Rules), cfg.Primary.FallbackThreshold, cfg.Primary.FallbackDuration)
	}
	return nil
}

func runRulesetShow(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	set, mode, err := rt.engine.ActiveRuleSet(cmd.Context(), scope)
	if err != nil {
		return err
	}

	fmt.Printf("scope:   %s\n", scope)
	fmt.Printf("mode:    %s\n", mode)
	fmt.Printf("set:     %s (version %d)\n", set.ID, set.Version)
	if set.FallbackSetID != "" {
		fmt.Printf("fallback: %s after %d consecutive failures, revert after %d consecutive passes\n",
			set.FallbackSetID, set.FallbackThreshold, set.FallbackDuration)
	}
	fmt.Println("rules:")
	for _, rule := range set.Rules {
		fmt.Printf("  %3d. %-12s value=%-6d %s\n", rule.Order, rule.Kind, rule.Value, rule.ID)
	}
	return nil
}
