package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if jsonOutput {
				raw, err := json.MarshalIndent(map[string]string{
					"version": version,
					"commit":  commit,
					"built":   buildDate,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
				return nil
			}
			fmt.Fprintf(out, "fixpoint %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
