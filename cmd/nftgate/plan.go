package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/nftgate/internal/output"
	"github.com/eugenetaranov/nftgate/internal/plan"
)

// outputFor returns a stdout printer for commands that need no app.
func outputFor() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

var applyCmd = &cobra.Command{
	Use:   "apply <plan.yaml> [plan2.yaml ...]",
	Short: "Apply one or more rule plans",
	Long: `Apply rule plans: each play runs its steps, in order, on its hosts.
A failed step stops the play on that host; other hosts carry on.

Examples:
  nftgate apply web.yaml
  nftgate apply web.yaml --dry-run
  nftgate apply base.yaml web.yaml --debug`,
	Args: cobra.MinimumNArgs(1),
	RunE: applyPlans,
}

func init() {
	applyCmd.Flags().BoolP("dry-run", "n", false, "Check every task without touching the hosts")
}

func applyPlans(cmd *cobra.Command, args []string) error {
	plans := make([]*plan.Plan, 0, len(args))
	for _, path := range args {
		p, err := plan.ParseFile(path)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	runner := plan.NewRunner(a.svc, a.hosts,
		plan.WithLogger(a.log),
		plan.WithMetrics(a.metrics),
	)
	runner.Output = a.out
	runner.DryRun, _ = cmd.Flags().GetBool("dry-run")

	failed := false
	for _, p := range plans {
		result, err := runner.Run(ctx, p)
		if err != nil {
			return err
		}
		if !result.Success {
			failed = true
		}
	}
	if failed {
		return errReported
	}
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml> [plan2.yaml ...]",
	Short: "Validate one or more rule plans",
	Long: `Parse and validate plans without running them.

This checks for:
  - Valid YAML syntax
  - Required fields (hosts, tasks)
  - Known step names
  - Step parameters, where they do not depend on variables

Examples:
  nftgate validate web.yaml
  nftgate validate plans/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: validatePlans,
}

func validatePlans(cmd *cobra.Command, args []string) error {
	var hasErrors bool

	for _, path := range args {
		if err := validatePlan(path); err != nil {
			fmt.Printf("FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Printf("OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more plans failed validation")
	}

	fmt.Printf("\nAll %d plan(s) valid.\n", len(args))
	return nil
}

func validatePlan(path string) error {
	p, err := plan.ParseFile(path)
	if err != nil {
		return err
	}
	if errs := p.CheckParams(); len(errs) > 0 {
		return fmt.Errorf("%d error(s): %v", len(errs), errs[0])
	}
	return nil
}

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List the steps plans can use",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Available steps:")
		for _, name := range plan.List() {
			s := plan.Get(name)
			line := "  " + name
			if s.Shorthand() != "" {
				line += fmt.Sprintf(" (short form: %s)", s.Shorthand())
			}
			if !s.Changes() {
				line += " [read-only]"
			}
			fmt.Println(line)
		}
	},
}
