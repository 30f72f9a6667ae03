package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fixpoint-io/fixpoint/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var showLow bool

	cmd := &cobra.Command{
		Use:   "validate [sources...]",
		Short: "Compile the sources without running them",
		Long: `Load and compile the state sources and check them against policy.
Nothing executes and the enforced state is not touched, so validate is
safe to run against a locked run.

With --low the compiled low data is printed: one chunk per state
function invocation, in execution order, with requisite edges resolved.`,
		Example: `  # Validate the configured sources
  fixpoint validate

  # Validate one file and print the compiled chunks
  fixpoint validate states/web.sls --low`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			rs, runErr := env.eng.Validate(cmd.Context(), engine.RunOptions{Sources: args})

			out := cmd.OutOrStdout()
			if showLow || jsonOutput {
				raw, err := json.MarshalIndent(rs.Low, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
			}
			if runErr != nil {
				for _, msg := range rs.Errors {
					fmt.Fprintf(out, "error: %s\n", msg)
				}
				return runErr
			}
			if !showLow && !jsonOutput {
				fmt.Fprintf(out, "run '%s' is valid: %d chunks compiled\n", rs.Name, len(rs.Low))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showLow, "low", false, "print the compiled low data")

	return cmd
}
