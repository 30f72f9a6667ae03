package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fixpoint-io/fixpoint/pkg/engine"
	"github.com/fixpoint-io/fixpoint/pkg/loader"
)

func newDevCommand() *cobra.Command {
	var (
		test     bool
		omitNoop bool
	)

	cmd := &cobra.Command{
		Use:   "dev [sources...]",
		Short: "Watch the sources and re-apply on change",
		Long: `Development loop: apply the sources once, then watch them and
re-apply whenever an edit settles. Directories are watched recursively.
Runs until interrupted.`,
		Example: `  # Watch the configured sources
  fixpoint dev

  # Watch a source tree in dry-run mode
  fixpoint dev states/ --test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			run := func() {
				rep, _, runErr := env.eng.Apply(cmd.Context(), engine.RunOptions{
					Sources:  args,
					Test:     test,
					OmitNoop: omitNoop,
				})
				if err := renderReport(cmd.OutOrStdout(), rep); err != nil {
					fmt.Fprintf(os.Stderr, "render: %v\n", err)
				}
				if runErr != nil {
					fmt.Fprintf(os.Stderr, "apply: %v\n", runErr)
				}
			}
			run()

			l, err := loader.New(loader.Options{Logger: env.tel.Logger.Zerolog()})
			if err != nil {
				return err
			}
			if err := l.Watch(cmd.Context(), watchPaths(env, args), func() error {
				run()
				return nil
			}); err != nil {
				return err
			}

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&test, "test", false, "dry run on every change")
	cmd.Flags().BoolVar(&omitNoop, "omit-noop", false, "collapse unchanged entries in the report")

	return cmd
}

// watchPaths resolves what the dev loop watches: explicit sources when
// given, otherwise the configured sources plus the source dir so dotted
// refs and their includes are covered.
func watchPaths(env *runEnv, args []string) []string {
	if len(args) > 0 {
		return args
	}
	paths := append([]string(nil), env.cfg.Sources...)
	if env.cfg.SourceDir != "" {
		paths = append(paths, env.cfg.SourceDir)
	}
	return paths
}
