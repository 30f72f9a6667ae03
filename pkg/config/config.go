// Package config loads the fixpoint.yaml run configuration. The file is
// plain YAML; struct tags drive validation so a bad config fails before
// any phase starts.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fixpoint-io/fixpoint/pkg/telemetry"
	sshx "github.com/fixpoint-io/fixpoint/pkg/transports/ssh"
)

// Duration wraps time.Duration so YAML accepts "30s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full run configuration.
type Config struct {
	// Run is the run name. ESM locking and state files key on it.
	Run string `yaml:"run" validate:"required"`

	// Sources lists state source files or dotted refs to load.
	Sources []string `yaml:"sources"`

	// SourceDir is the root dotted source refs resolve under.
	SourceDir string `yaml:"source_dir"`

	// ESM configures the enforced state backend.
	ESM ESMConfig `yaml:"esm"`

	// Reconcile configures the retry loop.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Runtime configures sweep execution.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Policy configures the admission gate.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Providers configures provider bundle discovery.
	Providers ProvidersConfig `yaml:"providers"`
}

// ESMConfig selects and parameterizes the enforced state store.
type ESMConfig struct {
	// Backend is the store implementation.
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`

	// Dir is the file backend's state directory.
	Dir string `yaml:"dir"`

	// Path is the sqlite backend's database file.
	Path string `yaml:"path"`

	// CacheDir holds run journals.
	CacheDir string `yaml:"cache_dir"`

	// KeepJournal leaves the run journal behind after a clean run.
	KeepJournal bool `yaml:"keep_journal"`

	// Upgrade enables the cache version upgrade chain.
	Upgrade bool `yaml:"upgrade"`
}

// ReconcileConfig bounds the retry loop.
type ReconcileConfig struct {
	// MaxPendingReruns is the re-run budget per apply.
	MaxPendingReruns int `yaml:"max_pending_reruns" validate:"min=0"`

	// DefaultWait applies to pending states with no declared strategy.
	DefaultWait Duration `yaml:"default_wait"`
}

// RuntimeConfig selects the sweep executor.
type RuntimeConfig struct {
	// Executor runs each sweep.
	Executor string `yaml:"executor" validate:"oneof=serial parallel"`

	// Workers bounds the parallel executor's pool.
	Workers int `yaml:"workers" validate:"min=1"`
}

// PolicyConfig configures the admission gate.
type PolicyConfig struct {
	// Enabled turns policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Paths lists extra policy files or directories.
	Paths []string `yaml:"paths"`
}

// TelemetryConfig is the observability surface of the run config. It is
// deliberately smaller than the telemetry package's own Config; Build
// maps it onto the full defaults.
type TelemetryConfig struct {
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingEndpoint enables OTLP export when set.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// TracingSampleRatio is the trace sampling ratio.
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio" validate:"min=0,max=1"`
}

// ProvidersConfig configures provider discovery.
type ProvidersConfig struct {
	// BundleDirs lists directories scanned for wasm provider bundles.
	BundleDirs []string `yaml:"bundle_dirs"`

	// ScriptDirs lists directories scanned for Starlark provider
	// scripts.
	ScriptDirs []string `yaml:"script_dirs"`

	// Remote maps host aliases to connections for the remote.file
	// provider.
	Remote map[string]RemoteHostConfig `yaml:"remote" validate:"dive"`

	// DefaultRemote names the host used when a declaration names none.
	DefaultRemote string `yaml:"default_remote"`
}

// RemoteHostConfig is one remote.file connection target.
type RemoteHostConfig struct {
	// Host is the hostname or IP address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port, 0 means 22.
	Port int `yaml:"port" validate:"min=0,max=65535"`

	// User is the SSH username.
	User string `yaml:"user" validate:"required"`

	// AuthMethod is password or key. Empty means key.
	AuthMethod string `yaml:"auth_method" validate:"omitempty,oneof=password key"`

	// Password for password authentication.
	Password string `yaml:"password"`

	// PrivateKeyPath selects the key for key authentication.
	PrivateKeyPath string `yaml:"private_key_path"`

	// KnownHostsPath overrides the known_hosts file.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// Build maps the entry onto a transport config.
func (r RemoteHostConfig) Build() *sshx.Config {
	cfg := sshx.DefaultConfig(r.Host, r.User)
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	if r.AuthMethod != "" {
		cfg.AuthMethod = sshx.AuthMethod(r.AuthMethod)
	}
	cfg.Password = r.Password
	if r.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = r.PrivateKeyPath
	}
	if r.KnownHostsPath != "" {
		cfg.KnownHostsPath = r.KnownHostsPath
	}
	if r.InsecureIgnoreHostKey {
		cfg.StrictHostKeyChecking = false
	}
	if r.ConnectTimeout != 0 {
		cfg.ConnectTimeout = r.ConnectTimeout.Std()
	}
	return cfg
}

// Default returns the configuration an empty fixpoint.yaml resolves to.
func Default() *Config {
	return &Config{
		Run: "cli",
		ESM: ESMConfig{
			Backend:  "file",
			Dir:      ".fixpoint/esm",
			Path:     ".fixpoint/esm.db",
			CacheDir: ".fixpoint",
		},
		Reconcile: ReconcileConfig{
			MaxPendingReruns: 600,
			DefaultWait:      Duration(3 * time.Second),
		},
		Runtime: RuntimeConfig{
			Executor: "serial",
			Workers:  8,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:           "info",
			LogFormat:          "console",
			TracingSampleRatio: 1.0,
		},
	}
}

// Load reads a fixpoint.yaml, layering it over Default and validating
// the result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the cross-field constraints tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid config: %s", formatFieldErrors(errs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.ESM.Backend {
	case "file":
		if c.ESM.Dir == "" {
			return fmt.Errorf("invalid config: esm.dir is required for the file backend")
		}
	case "sqlite":
		if c.ESM.Path == "" {
			return fmt.Errorf("invalid config: esm.path is required for the sqlite backend")
		}
	}
	if c.Reconcile.DefaultWait < 0 {
		return fmt.Errorf("invalid config: reconcile.default_wait must not be negative")
	}
	return nil
}

// BuildTelemetry expands the run config's telemetry surface into a full
// telemetry configuration.
func (c *Config) BuildTelemetry() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	if c.Telemetry.MetricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	}
	if c.Telemetry.TracingEndpoint != "" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = "otlp"
		tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	tc.Tracing.SamplingRate = c.Telemetry.TracingSampleRatio
	return tc
}

func formatFieldErrors(errs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("field %s failed on %s", fe.Namespace(), fe.Tag())
	}
	return msg
}
