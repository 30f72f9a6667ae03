// Package remote provides the remote.file provider: declared file
// content pushed to hosts over SSH/SFTP.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/state"
	sshx "github.com/fixpoint-io/fixpoint/pkg/transports/ssh"
)

// Transport is the file surface the provider needs from a connection.
// *ssh.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error
	Remove(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	Checksum(ctx context.Context, path string) (string, error)
}

// Dialer opens a connected transport to one configured host.
type Dialer func(ctx context.Context, cfg *sshx.Config) (Transport, error)

// Options configures the provider.
type Options struct {
	// Hosts maps host aliases to connection configs. Chunks pick one
	// with the host arg.
	Hosts map[string]*sshx.Config

	// DefaultHost is used when a chunk names no host. Optional when
	// only one host is configured.
	DefaultHost string

	Logger zerolog.Logger

	// Dial overrides connection establishment, nil uses SSH.
	Dial Dialer
}

type fileProvider struct {
	hosts       map[string]*sshx.Config
	defaultHost string
	log         zerolog.Logger
	dial        Dialer
}

// NewFileProvider builds the remote.file provider.
func NewFileProvider(opts Options) *provider.Provider {
	p := &fileProvider{
		hosts:       opts.Hosts,
		defaultHost: opts.DefaultHost,
		log:         opts.Logger.With().Str("component", "remote-file").Logger(),
		dial:        opts.Dial,
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context, cfg *sshx.Config) (Transport, error) {
			client, err := sshx.NewClient(cfg, opts.Logger)
			if err != nil {
				return nil, err
			}
			if err := client.Connect(ctx); err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	if p.defaultHost == "" && len(p.hosts) == 1 {
		for alias := range p.hosts {
			p.defaultHost = alias
		}
	}

	return &provider.Provider{
		State: "remote.file",
		Funcs: map[string]provider.Func{
			"present": p.present,
			"absent":  p.absent,
		},
		Params: map[string][]string{
			"present": {"name", "host", "content", "source", "mode", "makedirs"},
			"absent":  {"name", "host"},
		},
	}
}

func (p *fileProvider) connect(ctx context.Context, args map[string]any) (Transport, error) {
	alias, _ := args["host"].(string)
	if alias == "" {
		alias = p.defaultHost
	}
	cfg, ok := p.hosts[alias]
	if !ok {
		return nil, fmt.Errorf("no connection configured for host %q", alias)
	}
	return p.dial(ctx, cfg)
}

func (p *fileProvider) present(ctx context.Context, pctx *provider.Context, name string, args map[string]any) *state.Return {
	target := targetPath(name, args)

	content, err := desiredContent(args)
	if err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}
	mode, err := fileMode(args)
	if err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}
	wantSum := sha256Hex(content)

	t, err := p.connect(ctx, args)
	if err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}
	defer t.Disconnect()

	oldState, exists, err := observe(ctx, t, target)
	if err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}

	if exists && oldState["checksum"] == wantSum {
		return &state.Return{
			Result:   state.Bool(true),
			Comment:  []string{fmt.Sprintf("File %s is in the desired state", target)},
			OldState: oldState,
			NewState: oldState,
		}
	}

	verb := "create"
	changes := map[string]any{
		"checksum": map[string]any{"old": nil, "new": wantSum},
	}
	if exists {
		verb = "update"
		changes["checksum"] = map[string]any{"old": oldState["checksum"], "new": wantSum}
	}

	if pctx.Test {
		return &state.Return{
			Comment:  []string{fmt.Sprintf("Would %s file %s", verb, target)},
			OldState: oldState,
			Changes:  changes,
		}
	}

	if truthy(args["makedirs"]) {
		if err := t.MkdirAll(ctx, path.Dir(target)); err != nil {
			return failure(fmt.Sprintf("remote.file %s: %v", target, err))
		}
	}
	if err := t.WriteFile(ctx, target, content, mode); err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}

	p.log.Info().Str("path", target).Str("verb", verb).Msg("Pushed file")
	return &state.Return{
		Result:   state.Bool(true),
		Comment:  []string{fmt.Sprintf("File %s %sd", target, verb)},
		OldState: oldState,
		NewState: map[string]any{
			"path":     target,
			"checksum": wantSum,
			"mode":     fmt.Sprintf("%#o", uint32(mode)),
		},
		Changes: changes,
	}
}

func (p *fileProvider) absent(ctx context.Context, pctx *provider.Context, name string, args map[string]any) *state.Return {
	target := targetPath(name, args)

	t, err := p.connect(ctx, args)
	if err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}
	defer t.Disconnect()

	oldState, exists, err := observe(ctx, t, target)
	if err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}
	if !exists {
		return &state.Return{
			Result:  state.Bool(true),
			Comment: []string{fmt.Sprintf("File %s is already absent", target)},
		}
	}

	if pctx.Test {
		return &state.Return{
			Comment:  []string{fmt.Sprintf("Would remove file %s", target)},
			OldState: oldState,
			Changes:  map[string]any{"removed": target},
		}
	}

	if err := t.Remove(ctx, target); err != nil {
		return failure(fmt.Sprintf("remote.file %s: %v", target, err))
	}

	p.log.Info().Str("path", target).Msg("Removed file")
	return &state.Return{
		Result:   state.Bool(true),
		Comment:  []string{fmt.Sprintf("File %s removed", target)},
		OldState: oldState,
		Changes:  map[string]any{"removed": target},
	}
}

// observe stats and hashes the remote file, reporting existence.
func observe(ctx context.Context, t Transport, target string) (map[string]any, bool, error) {
	info, err := t.Stat(ctx, target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	sum, err := t.Checksum(ctx, target)
	if err != nil {
		return nil, false, err
	}
	return map[string]any{
		"path":     target,
		"checksum": sum,
		"mode":     fmt.Sprintf("%#o", uint32(info.Mode().Perm())),
	}, true, nil
}

func targetPath(name string, args map[string]any) string {
	if p, ok := args["path"].(string); ok && p != "" {
		return p
	}
	return name
}

// desiredContent takes inline content or a local source file.
func desiredContent(args map[string]any) ([]byte, error) {
	if content, ok := args["content"].(string); ok {
		return []byte(content), nil
	}
	if source, ok := args["source"].(string); ok && source != "" {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("either content or source is required")
}

// fileMode accepts an octal string or an integer, default 0644.
func fileMode(args map[string]any) (fs.FileMode, error) {
	v, ok := args["mode"]
	if !ok || v == nil {
		return 0o644, nil
	}
	switch mode := v.(type) {
	case string:
		parsed, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mode %q", mode)
		}
		return fs.FileMode(parsed), nil
	case int:
		return fs.FileMode(mode), nil
	case int64:
		return fs.FileMode(mode), nil
	case uint64:
		return fs.FileMode(mode), nil
	default:
		return 0, fmt.Errorf("invalid mode %v", v)
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func sha256Hex(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

func failure(comment string) *state.Return {
	return &state.Return{
		Result:  state.Bool(false),
		Comment: []string{comment},
	}
}
