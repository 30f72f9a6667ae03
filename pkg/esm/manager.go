package esm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Upgrade converts an enforced-state cache from one format version to
// the next. Apply must bump the version recorded in the cache metadata.
type Upgrade interface {
	// PreviousVersion is the format version this upgrade converts from.
	PreviousVersion() Version

	// Apply converts the full cache, metadata included, and returns the
	// upgraded cache.
	Apply(cache map[string]any) (map[string]any, error)
}

// Options configures a Manager.
type Options struct {
	// Store persists the enforced state. Required.
	Store Store

	// Run is the run name, used for journal naming and error context.
	Run string

	// CacheDir, when set, holds a per-run journal file that mirrors the
	// cache between persists. Empty disables journaling.
	CacheDir string

	// Upgrade enables the upgrade chain for out-of-date caches. Without
	// it an out-of-date cache is a fatal error.
	Upgrade bool

	// Upgrades is the registered upgrade chain.
	Upgrades []Upgrade

	// KeepJournal leaves the journal file behind after a clean exit.
	KeepJournal bool

	Logger zerolog.Logger
}

// Manager gates access to a store: lock, load, version-check, hand the
// cache to the caller, persist, unlock.
type Manager struct {
	store       Store
	run         string
	cacheDir    string
	upgrade     bool
	upgrades    []Upgrade
	keepJournal bool
	log         zerolog.Logger
}

// NewManager returns a Manager for the given options.
func NewManager(opts Options) *Manager {
	return &Manager{
		store:       opts.Store,
		run:         opts.Run,
		cacheDir:    opts.CacheDir,
		upgrade:     opts.Upgrade,
		upgrades:    opts.Upgrades,
		keepJournal: opts.KeepJournal,
		log:         opts.Logger,
	}
}

// Context runs fn inside the enforced state context: it acquires the
// store lock, loads and version-checks the cache, and hands fn a live
// cache view. When fn returns nil the final cache is persisted and the
// lock released; when fn fails the cache is not persisted and the lock
// is left in place so the next run can see the stale holder.
func (m *Manager) Context(ctx context.Context, fn func(cache *Cache) error) error {
	handle, err := m.store.Enter(ctx)
	if err != nil {
		var re *state.RunError
		if errors.As(err, &re) {
			return err
		}
		return state.NewGatherError("failed to enter enforced state management", err).WithRun(m.run)
	}

	runErr := m.withLock(ctx, fn)
	if exitErr := m.store.Exit(ctx, handle, runErr); exitErr != nil {
		if runErr != nil {
			m.log.Error().Err(exitErr).Str("run", m.run).
				Msg("failed to exit enforced state management")
			return runErr
		}
		return state.NewGatherError("failed to exit enforced state management", exitErr).WithRun(m.run)
	}
	return runErr
}

func (m *Manager) withLock(ctx context.Context, fn func(cache *Cache) error) error {
	loaded, err := m.store.GetState(ctx)
	if err != nil {
		return state.NewGatherError("failed to load enforced state", err).WithRun(m.run)
	}
	if len(loaded) == 0 {
		// A fresh cache gets the current format version stamped.
		loaded = map[string]any{
			MetadataKey: map[string]any{"version": CurrentVersion},
		}
	}

	version := versionOf(loaded)
	switch version.Compare(CurrentVersion) {
	case 1:
		return state.NewGatherError(fmt.Sprintf(
			"enforced state cache version %s is not supported by this version of fixpoint, update fixpoint",
			version), nil).
			WithCode(state.ErrCodeESMVersion).WithRun(m.run)
	case -1:
		if !m.upgrade {
			return state.NewGatherError(fmt.Sprintf(
				"enforced state cache is out-of-date: found version '%s' but this engine needs version '%s'. "+
					"Re-run with upgrades enabled to convert the cache", version, CurrentVersion), nil).
				WithCode(state.ErrCodeESMVersion).WithRun(m.run)
		}
		if loaded, err = m.applyUpgrades(loaded, version); err != nil {
			return err
		}
	}

	cache, err := m.newCache(loaded)
	if err != nil {
		return err
	}

	if err := fn(cache); err != nil {
		return err
	}

	if err := m.store.SetState(ctx, cache.full()); err != nil {
		return state.NewGatherError("failed to persist enforced state", err).WithRun(m.run)
	}
	if cache.journal != "" && !m.keepJournal {
		if err := os.Remove(cache.journal); err != nil {
			m.log.Debug().Err(err).Str("path", cache.journal).
				Msg("failed to remove the enforced state journal")
		}
	}
	return nil
}

// applyUpgrades walks the registered chain from the cache's version to
// the current one.
func (m *Manager) applyUpgrades(cache map[string]any, version Version) (map[string]any, error) {
	for version.Compare(CurrentVersion) < 0 {
		up := m.upgradeFrom(version)
		if up == nil {
			return nil, state.NewGatherError(fmt.Sprintf(
				"no enforced state upgrade registered from version %s", version), nil).
				WithCode(state.ErrCodeESMVersion).WithRun(m.run)
		}
		upgraded, err := up.Apply(cache)
		if err != nil {
			return nil, state.NewGatherError(fmt.Sprintf(
				"enforced state upgrade from version %s failed", version), err).
				WithCode(state.ErrCodeESMVersion).WithRun(m.run)
		}
		next := versionOf(upgraded)
		if next.Compare(version) <= 0 {
			return nil, state.NewStructuralError(fmt.Sprintf(
				"enforced state upgrade from version %s made no progress", version), nil).
				WithCode(state.ErrCodeESMVersion).WithRun(m.run)
		}
		m.log.Info().Str("run", m.run).Str("from", version.String()).Str("to", next.String()).
			Msg("upgraded enforced state cache")
		cache, version = upgraded, next
	}
	return cache, nil
}

func (m *Manager) upgradeFrom(version Version) Upgrade {
	for _, up := range m.upgrades {
		if up.PreviousVersion().Compare(version) == 0 {
			return up
		}
	}
	return nil
}

func (m *Manager) newCache(loaded map[string]any) (*Cache, error) {
	meta, _ := loaded[MetadataKey].(map[string]any)
	if meta == nil {
		meta = map[string]any{"version": CurrentVersion}
	}
	data := make(map[string]map[string]any, len(loaded))
	for tag, raw := range loaded {
		if tag == MetadataKey {
			continue
		}
		if st, ok := raw.(map[string]any); ok {
			data[tag] = st
		}
	}

	cache := &Cache{meta: meta, data: data, log: m.log}
	if m.cacheDir != "" {
		dir := filepath.Join(m.cacheDir, "cache")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, state.NewGatherError("failed to create the enforced state cache dir", err).WithRun(m.run)
		}
		cache.journal = filepath.Join(dir, fmt.Sprintf("%s-%s.json", m.run, uuid.NewString()))
		if err := cache.Sync(); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// Cache is the live enforced-state view handed to a run. Mutations go
// through Set, Delete, or Replace so the journal stays current.
type Cache struct {
	journal string
	meta    map[string]any
	data    map[string]map[string]any
	log     zerolog.Logger
}

// Data returns the tag to enforced-state map. The map is live; callers
// that mutate it directly should Sync afterwards.
func (c *Cache) Data() map[string]map[string]any {
	return c.data
}

// Get returns the enforced state recorded under tag, nil when absent.
func (c *Cache) Get(tag string) map[string]any {
	return c.data[tag]
}

// Set records the enforced state for tag and writes through to the
// journal.
func (c *Cache) Set(tag string, st map[string]any) error {
	c.data[tag] = st
	return c.Sync()
}

// Delete removes the enforced state for tag and writes through to the
// journal.
func (c *Cache) Delete(tag string) error {
	delete(c.data, tag)
	return c.Sync()
}

// Replace swaps in a full tag map, typically the run's final managed
// view, and writes through to the journal.
func (c *Cache) Replace(data map[string]map[string]any) error {
	c.data = make(map[string]map[string]any, len(data))
	for tag, st := range data {
		c.data[tag] = st
	}
	return c.Sync()
}

// Sync rewrites the journal with the current cache.
func (c *Cache) Sync() error {
	if c.journal == "" {
		return nil
	}
	raw, err := json.Marshal(c.full())
	if err != nil {
		return state.NewGatherError("failed to encode the enforced state journal", err)
	}
	if err := os.WriteFile(c.journal, raw, 0o600); err != nil {
		return state.NewGatherError("failed to write the enforced state journal", err)
	}
	return nil
}

// full merges metadata and data back into the store representation.
func (c *Cache) full() map[string]any {
	out := make(map[string]any, len(c.data)+1)
	out[MetadataKey] = c.meta
	for tag, st := range c.data {
		out[tag] = st
	}
	return out
}
