package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/verdictlab/verdict/internal/load"
	"github.com/verdictlab/verdict/internal/registry"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definitions-dir>",
	Short: "Validate rule and pipeline definitions without starting the service",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	defs, err := load.LoadDir(args[0])
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	reg, err := registry.Build(defs)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	rsIDs := reg.RulesetIDs()
	sort.Strings(rsIDs)
	fmt.Printf("rulesets: %d\n", len(rsIDs))
	for _, id := range rsIDs {
		rs, _ := reg.Ruleset(id)
		fmt.Printf("  %s (%d rules)\n", id, len(rs.Set.Rules))
		for _, r := range rs.Set.Rules {
			fmt.Printf("    %-32s cost=%-4d level=%d\n", r.ID, r.Cost, r.Level)
		}
	}

	pIDs := reg.PipelineIDs()
	sort.Strings(pIDs)
	fmt.Printf("pipelines: %d\n", len(pIDs))
	for _, id := range pIDs {
		p, _ := reg.Pipeline(id)
		fmt.Printf("  %s (%d steps)\n", id, len(p.Steps))
	}

	fmt.Println("definitions valid")
	return nil
}
