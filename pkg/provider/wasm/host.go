// Package wasm hosts provider bundles: wasm modules described by a
// manifest, instantiated through wazero with WASI, whose exported
// functions serve state functions over a JSON protocol.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Options configures a bundle host.
type Options struct {
	// Timeout bounds each state function call. Default 30s.
	Timeout time.Duration

	// MemoryLimitPages caps the module's linear memory in 64KB pages.
	// Default 256 (16MB).
	MemoryLimitPages uint32

	Logger zerolog.Logger
}

// Host owns one instantiated bundle.
type Host struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *bridge
	log      zerolog.Logger
}

// Request is the JSON document handed to every exported state function.
type Request struct {
	Run         string         `json:"run"`
	Tag         string         `json:"tag"`
	Test        bool           `json:"test"`
	InvertState bool           `json:"invert_state"`
	OldState    map[string]any `json:"old_state"`
	RerunData   any            `json:"rerun_data,omitempty"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
}

// NewHost instantiates a verified bundle. The module is compiled once;
// every state function in the manifest must be exported or
// instantiation fails.
func NewHost(ctx context.Context, manifest *Manifest, wasmModule []byte, opts Options) (*Host, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(opts.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}

	b, err := newBridge(module, exportNames(manifest), opts.Timeout)
	if err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, fmt.Errorf("bundle %s: %w", manifest.Name, err)
	}

	return &Host{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		bridge:   b,
		log: opts.Logger.With().
			Str("component", "wasm-host").
			Str("bundle", manifest.Name).
			Logger(),
	}, nil
}

// Close releases the runtime and module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Providers builds one provider per manifest state, each function
// dispatching across the bridge.
func (h *Host) Providers() []*provider.Provider {
	refs := make([]string, 0, len(h.manifest.States))
	for ref := range h.manifest.States {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	providers := make([]*provider.Provider, 0, len(refs))
	for _, ref := range refs {
		spec := h.manifest.States[ref]
		p := &provider.Provider{
			State:         ref,
			Funcs:         make(map[string]provider.Func, len(spec.Functions)),
			Params:        spec.Params,
			SkipESM:       spec.SkipESM,
			ReconcileWait: spec.ReconcileWait,
		}
		for _, fun := range spec.Functions {
			p.Funcs[fun] = h.stateFunc(ExportName(ref, fun))
		}
		providers = append(providers, p)
	}
	return providers
}

// stateFunc adapts one exported function to the provider contract. Call
// or decode failures become failure returns rather than engine errors,
// the way an in-process provider reports its own faults.
func (h *Host) stateFunc(export string) provider.Func {
	return func(ctx context.Context, pctx *provider.Context, name string, args map[string]any) *state.Return {
		req := Request{
			Run:         pctx.Run,
			Tag:         pctx.Tag,
			Test:        pctx.Test,
			InvertState: pctx.InvertState,
			OldState:    pctx.OldState,
			RerunData:   pctx.RerunData,
			Name:        name,
			Args:        args,
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return failure(fmt.Sprintf("failed to encode request for %s: %v", export, err))
		}

		raw, err := h.bridge.call(ctx, export, payload)
		if err != nil {
			h.log.Error().Err(err).Str("export", export).Msg("Bundle call failed")
			return failure(fmt.Sprintf("%s failed: %v", export, err))
		}

		var ret state.Return
		if err := json.Unmarshal(raw, &ret); err != nil {
			return failure(fmt.Sprintf("failed to decode response from %s: %v", export, err))
		}
		if ret.Result == nil && !pctx.Test {
			return failure(fmt.Sprintf("%s returned no result", export))
		}
		return &ret
	}
}

func failure(comment string) *state.Return {
	return &state.Return{
		Result:  state.Bool(false),
		Comment: []string{comment},
	}
}

// ExportName maps a state ref and function onto the export the module
// must provide: dots become underscores, e.g. cloud.instance present ->
// cloud_instance_present.
func ExportName(stateRef, fun string) string {
	return strings.ReplaceAll(stateRef, ".", "_") + "_" + fun
}

func exportNames(manifest *Manifest) []string {
	var names []string
	for ref, spec := range manifest.States {
		for _, fun := range spec.Functions {
			names = append(names, ExportName(ref, fun))
		}
	}
	sort.Strings(names)
	return names
}

// LoadBundles discovers, verifies, and instantiates every bundle under
// the given directories and registers their providers.
func LoadBundles(ctx context.Context, registry *provider.Registry, dirs []string, opts Options) ([]*Host, error) {
	manifests, err := DiscoverBundles(dirs)
	if err != nil {
		return nil, err
	}

	var hosts []*Host
	for _, path := range manifests {
		manifest, module, err := LoadManifest(path)
		if err != nil {
			closeHosts(ctx, hosts)
			return nil, err
		}
		host, err := NewHost(ctx, manifest, module, opts)
		if err != nil {
			closeHosts(ctx, hosts)
			return nil, err
		}
		for _, p := range host.Providers() {
			if err := registry.Register(p); err != nil {
				host.Close(ctx)
				closeHosts(ctx, hosts)
				return nil, fmt.Errorf("bundle %s: %w", manifest.Name, err)
			}
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func closeHosts(ctx context.Context, hosts []*Host) {
	for _, h := range hosts {
		_ = h.Close(ctx)
	}
}
