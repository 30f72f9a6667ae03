package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newProvidersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect the assembled provider registry",
	}

	cmd.AddCommand(newProvidersListCommand())

	return cmd
}

func newProvidersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers and their state functions",
		Long: `Assemble the provider registry exactly as a run would: builtins, WASM
bundles from the configured bundle dirs, Starlark scripts from the
script dirs, and remote.file when hosts are configured. Then list every
state ref with its functions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			out := cmd.OutOrStdout()
			if jsonOutput {
				listing := map[string][]string{}
				for _, ref := range env.registry.States() {
					listing[ref] = providerFuncs(env, ref)
				}
				raw, err := json.MarshalIndent(listing, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
				return nil
			}

			for _, ref := range env.registry.States() {
				fmt.Fprintf(out, "%s: %s\n", ref, strings.Join(providerFuncs(env, ref), ", "))
			}
			return nil
		},
	}
}

func providerFuncs(env *runEnv, ref string) []string {
	p, ok := env.registry.Provider(ref)
	if !ok {
		return nil
	}
	funcs := make([]string, 0, len(p.Funcs))
	for fun := range p.Funcs {
		funcs = append(funcs, fun)
	}
	sort.Strings(funcs)
	return funcs
}
