package commands

import (
	"github.com/spf13/cobra"

	"github.com/fixpoint-io/fixpoint/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		test       bool
		target     string
		invert     bool
		executor   string
		workers    int
		budget     int
		upgradeESM bool
		omitNoop   bool
	)

	cmd := &cobra.Command{
		Use:   "apply [sources...]",
		Short: "Converge resources to their declared state",
		Long: `Run the full pipeline: load the state sources, compile them, check
them against policy, execute them in requisite order, and retry pending
resources until they settle or the rerun budget runs out.

Sources are state files or dotted refs resolved under the configured
source directory. With no arguments the configured sources run.`,
		Example: `  # Apply the configured sources
  fixpoint apply

  # Apply one file in dry-run mode
  fixpoint apply states/web.sls --test

  # Converge a single declaration and its requisites
  fixpoint apply --target web

  # Tear everything down
  fixpoint apply --invert`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			if executor != "" {
				env.cfg.Runtime.Executor = executor
			}
			if workers > 0 {
				env.cfg.Runtime.Workers = workers
			}
			if budget >= 0 {
				env.cfg.Reconcile.MaxPendingReruns = budget
			}
			if upgradeESM {
				env.cfg.ESM.Upgrade = true
			}

			rep, _, runErr := env.eng.Apply(cmd.Context(), engine.RunOptions{
				Sources:     args,
				Target:      target,
				Test:        test,
				InvertState: invert,
				OmitNoop:    omitNoop,
			})
			if err := renderReport(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&test, "test", false, "dry run, report what would change")
	cmd.Flags().StringVar(&target, "target", "", "restrict the run to one declaration ID and its requisites")
	cmd.Flags().BoolVar(&invert, "invert", false, "invert the run, present becomes absent")
	cmd.Flags().StringVar(&executor, "runtime", "", "sweep executor (serial|parallel)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel executor worker count")
	cmd.Flags().IntVar(&budget, "reconcile-budget", -1, "max pending reruns per apply")
	cmd.Flags().BoolVar(&upgradeESM, "upgrade-esm", false, "upgrade an out-of-date enforced state cache")
	cmd.Flags().BoolVar(&omitNoop, "omit-noop", false, "collapse unchanged entries in the report")

	return cmd
}
