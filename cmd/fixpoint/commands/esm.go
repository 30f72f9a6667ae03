package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fixpoint-io/fixpoint/pkg/config"
	"github.com/fixpoint-io/fixpoint/pkg/esm"
)

func newESMCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "esm",
		Short: "Inspect and manage the enforced state",
		Long: `The enforced state records the last applied state of every managed
resource, keyed by tag. These commands read it, clear a stale run lock,
and convert an out-of-date cache to the current format.`,
	}

	cmd.AddCommand(newESMShowCommand())
	cmd.AddCommand(newESMUnlockCommand())
	cmd.AddCommand(newESMUpgradeCommand())

	return cmd
}

func newESMShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the enforced state cache",
		Long: `Print the full enforced state for the configured run, metadata
included. The cache is read without taking the run lock, so show is
safe while an apply is in progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, cleanup, err := buildStore(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer cleanup()

			cache, err := store.GetState(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(cache, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
}

func newESMUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Forcibly clear the run lock",
		Long: `Remove the enforced state lock left behind by a failed run. Only do
this when the holding process is gone: a run that is still executing
loses its exclusivity guarantee the moment the lock is cleared.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, cleanup, err := buildStore(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer cleanup()

			unlocker, ok := store.(esm.Unlocker)
			if !ok {
				return fmt.Errorf("the %s backend does not support forced unlock", cfg.ESM.Backend)
			}
			if err := unlocker.Unlock(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared the enforced state lock for run '%s'\n", cfg.Run)
			return nil
		},
	}
}

func newESMUpgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Convert the enforced state cache to the current format",
		Long: `Walk the upgrade chain from the cache's recorded format version to
the current one and persist the result. A cache that is already current
is left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, cleanup, err := buildStore(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer cleanup()

			manager := esm.NewManager(esm.Options{
				Store:   store,
				Run:     cfg.Run,
				Upgrade: true,
			})
			err = manager.Context(cmd.Context(), func(*esm.Cache) error { return nil })
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enforced state cache for run '%s' is at version %s\n",
				cfg.Run, esm.CurrentVersion)
			return nil
		},
	}
}

// buildStore constructs the configured enforced state backend the same
// way the engine does for a run.
func buildStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (esm.Store, func(), error) {
	switch cfg.ESM.Backend {
	case "sqlite":
		store, err := esm.NewSQLiteStore(esm.SQLiteConfig{
			Path:   cfg.ESM.Path,
			Run:    cfg.Run,
			Logger: log,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return esm.NewFileStore(cfg.ESM.Dir, cfg.Run, log), func() {}, nil
	}
}
