package commands

import (
	"github.com/spf13/cobra"

	"github.com/fixpoint-io/fixpoint/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		target   string
		invert   bool
		omitNoop bool
	)

	cmd := &cobra.Command{
		Use:   "plan [sources...]",
		Short: "Report what an apply would change",
		Long: `Run the pipeline in test mode. Every state function observes its
resource and reports the drift it would correct, nothing is changed and
nothing is recorded in the enforced state.`,
		Example: `  # Plan the configured sources
  fixpoint plan

  # Plan a teardown
  fixpoint plan --invert`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			rep, _, runErr := env.eng.Plan(cmd.Context(), engine.RunOptions{
				Sources:     args,
				Target:      target,
				InvertState: invert,
				OmitNoop:    omitNoop,
			})
			if err := renderReport(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "restrict the run to one declaration ID and its requisites")
	cmd.Flags().BoolVar(&invert, "invert", false, "plan a teardown, present becomes absent")
	cmd.Flags().BoolVar(&omitNoop, "omit-noop", false, "collapse unchanged entries in the report")

	return cmd
}
