// Package commands wires the CLI onto the engine. Each command lives
// in its own file and stays a thin wrapper: flags map onto the run
// config, the engine does the work, the report is rendered here.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fixpoint-io/fixpoint/pkg/config"
	"github.com/fixpoint-io/fixpoint/pkg/engine"
	"github.com/fixpoint-io/fixpoint/pkg/policy"
	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/provider/remote"
	"github.com/fixpoint-io/fixpoint/pkg/provider/starlark"
	"github.com/fixpoint-io/fixpoint/pkg/provider/wasm"
	"github.com/fixpoint-io/fixpoint/pkg/telemetry"
	sshx "github.com/fixpoint-io/fixpoint/pkg/transports/ssh"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fixpoint",
		Short: "Fixpoint - declarative state reconciliation engine",
		Long: `Fixpoint converges resources to declared state and keeps them there.

State declarations are YAML with requisite relationships (require,
watch, onchanges, and friends). Each run compiles the declarations,
checks them against policy, executes them in requisite order, retries
pending resources until they settle, and records the result in the
enforced state so the next run can detect drift and recreation.

Providers come from three places: built-in state modules, WASM bundles,
and Starlark scripts.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error|fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console|json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newESMCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// runEnv holds everything a command needs: the loaded config, the
// telemetry stack, the assembled provider registry, and the engine.
type runEnv struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	registry *provider.Registry
	eng      *engine.Engine
	hosts    []*wasm.Host
}

// Close shuts the provider hosts and the telemetry stack down.
func (env *runEnv) Close(ctx context.Context) {
	for _, host := range env.hosts {
		if err := host.Close(ctx); err != nil {
			zl := env.tel.Logger.Zerolog()
			zl.Debug().Err(err).Msg("failed to close a provider host")
		}
	}
	if err := env.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

// setup loads the config, builds telemetry, assembles the provider
// registry, and constructs the engine.
func setup(ctx context.Context) (*runEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.BuildTelemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Telemetry.MetricsAddr != "" {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start the metrics endpoint: %w", err)
		}
	}
	log := tel.Logger.Zerolog()

	registry, hosts, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		shutdown(ctx, tel, hosts)
		return nil, err
	}

	gate, err := buildPolicy(ctx, cfg, log)
	if err != nil {
		shutdown(ctx, tel, hosts)
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Registry:  registry,
		Telemetry: tel,
		Policy:    gate,
		Logger:    log,
	})
	if err != nil {
		shutdown(ctx, tel, hosts)
		return nil, err
	}

	return &runEnv{cfg: cfg, tel: tel, registry: registry, eng: eng, hosts: hosts}, nil
}

// loadConfig reads the config file and layers the global flags over it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.LogFormat = logFormat
	}
	if logLevel != "" || logFormat != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// buildRegistry assembles the provider registry: builtins first, then
// WASM bundles, Starlark scripts, and the remote.file provider when
// hosts are configured.
func buildRegistry(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*provider.Registry, []*wasm.Host, error) {
	registry := provider.NewRegistry()
	for _, builtin := range []*provider.Provider{provider.Test(), provider.Data()} {
		if err := registry.Register(builtin); err != nil {
			return nil, nil, err
		}
	}

	hosts, err := wasm.LoadBundles(ctx, registry, cfg.Providers.BundleDirs, wasm.Options{Logger: log})
	if err != nil {
		return nil, nil, err
	}
	if _, err := starlark.LoadDir(registry, cfg.Providers.ScriptDirs, starlark.Options{Logger: log}); err != nil {
		return nil, hosts, err
	}

	if len(cfg.Providers.Remote) > 0 {
		remoteHosts := make(map[string]*sshx.Config, len(cfg.Providers.Remote))
		for alias, hc := range cfg.Providers.Remote {
			remoteHosts[alias] = hc.Build()
		}
		err := registry.Register(remote.NewFileProvider(remote.Options{
			Hosts:       remoteHosts,
			DefaultHost: cfg.Providers.DefaultRemote,
			Logger:      log,
		}))
		if err != nil {
			return nil, hosts, err
		}
	}

	return registry, hosts, nil
}

// buildPolicy constructs the admission gate when policy is enabled.
func buildPolicy(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*policy.Engine, error) {
	if !cfg.Policy.Enabled {
		return nil, nil
	}
	gate, err := policy.NewEngine(log)
	if err != nil {
		return nil, fmt.Errorf("failed to build the policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := gate.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return gate, nil
}

func shutdown(ctx context.Context, tel *telemetry.Telemetry, hosts []*wasm.Host) {
	for _, host := range hosts {
		_ = host.Close(ctx)
	}
	_ = tel.Shutdown(ctx)
}
