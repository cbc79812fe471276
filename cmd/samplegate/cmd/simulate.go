package cmd

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/millrun/samplegate/internal/sampling"
	"github.com/millrun/samplegate/internal/types"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a stream of part arrivals against a scope's configured rules",
	Long: `Simulate decides a synthetic run of parts against the scope's live rule
configuration and reports every sampled part's outcome back, so escalation
behavior can be rehearsed before the line runs. Decisions and counters are
written to the configured database like real traffic.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	addScopeFlags(simulateCmd)
	simulateCmd.Flags().Int64("parts", 100, "number of parts to run")
	simulateCmd.Flags().Int64("total", 0, "declared run total passed to each decision (0 = unknown)")
	simulateCmd.Flags().Uint64("seed", 1, "seed for the probabilistic rule draws")
	simulateCmd.Flags().Int64("fail-every", 0, "report FAIL for every k-th sampled part (0 = all pass)")
	simulateCmd.Flags().String("prefix", "SIM", "part id prefix")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	parts, _ := cmd.Flags().GetInt64("parts")
	total, _ := cmd.Flags().GetInt64("total")
	seed, _ := cmd.Flags().GetUint64("seed")
	failEvery, _ := cmd.Flags().GetInt64("fail-every")
	prefix, _ := cmd.Flags().GetString("prefix")

	if parts < 1 {
		return fmt.Errorf("--parts must be at least 1")
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rnd := rand.New(rand.NewPCG(seed, seed))
	opts := sampling.DecideOptions{TotalInRun: total, Rand: rnd}

	var sampled, failed, escalations, reversions int64
	ctx := cmd.Context()

	for i := int64(1); i <= parts; i++ {
		partID := fmt.Sprintf("%s-%06d", prefix, i)

		decision, err := rt.engine.Decide(ctx, scope, partID, opts)
		if err != nil {
			return fmt.Errorf("part %s: %w", partID, err)
		}
		if !decision.Sampled {
			continue
		}

		sampled++
		outcome := types.OutcomePass
		if failEvery > 0 && sampled%failEvery == 0 {
			outcome = types.OutcomeFail
			failed++
		}
		fmt.Printf("%-12s sampled by %s (%s) -> %s\n", partID, decision.MatchedRule, decision.Mode, outcome)

		result, err := rt.engine.ReportOutcome(ctx, decision.ID, outcome)
		if err != nil {
			return fmt.Errorf("reporting outcome for %s: %w", partID, err)
		}
		if result.Transitioned {
			if result.Mode == types.ModeFallback {
				escalations++
				fmt.Printf("  => escalated to fallback set %s\n", result.ActiveSetID)
			} else {
				reversions++
				fmt.Printf("  => reverted to primary set %s\n", result.ActiveSetID)
			}
		}
	}

	fmt.Printf("\n%d parts, %d sampled (%d failed), %d escalations, %d reversions\n",
		parts, sampled, failed, escalations, reversions)
	return nil
}
