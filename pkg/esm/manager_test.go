package esm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func seedStateFile(t *testing.T, dir, run string, st map[string]any) {
	t.Helper()
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("encode seed state: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, run+".json"), raw, 0o600); err != nil {
		t.Fatalf("write seed state: %v", err)
	}
}

func TestManager_Context_StampsAndPersists(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, "deploy", zerolog.Nop())
	mgr := NewManager(Options{Store: store, Run: "deploy", Logger: zerolog.Nop()})

	tag := "test_|-web_|-web_|-present"
	err := mgr.Context(context.Background(), func(cache *Cache) error {
		if len(cache.Data()) != 0 {
			t.Errorf("Expected an empty cache on the first run, got %v", cache.Data())
		}
		return cache.Set(tag, map[string]any{"name": "web", "resource_id": "web-id"})
	})
	if err != nil {
		t.Fatalf("Context: %v", err)
	}

	st, err := store.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	meta, _ := st[MetadataKey].(map[string]any)
	if meta == nil {
		t.Fatalf("Expected version metadata stamped, got %v", st)
	}
	if v, ok := parseVersion(meta["version"]); !ok || v.Compare(CurrentVersion) != 0 {
		t.Errorf("Expected version %s, got %v", CurrentVersion, meta["version"])
	}
	got, _ := st[tag].(map[string]any)
	if got == nil || got["resource_id"] != "web-id" {
		t.Errorf("Expected the cache persisted, got %v", st)
	}

	// A clean exit releases the lock.
	if _, err := os.Stat(filepath.Join(dir, "deploy.pid")); !os.IsNotExist(err) {
		t.Error("Expected the lock released after a clean context")
	}
}

func TestManager_Context_NewerCacheIsFatal(t *testing.T) {
	dir := t.TempDir()
	seedStateFile(t, dir, "deploy", map[string]any{
		MetadataKey: map[string]any{"version": []any{2, 0, 0}},
	})
	mgr := NewManager(Options{
		Store:  NewFileStore(dir, "deploy", zerolog.Nop()),
		Run:    "deploy",
		Logger: zerolog.Nop(),
	})

	err := mgr.Context(context.Background(), func(*Cache) error {
		t.Fatal("The callback must not run against an unsupported cache")
		return nil
	})
	var re *state.RunError
	if !errors.As(err, &re) || re.Code != state.ErrCodeESMVersion {
		t.Fatalf("Expected code %s, got %v", state.ErrCodeESMVersion, err)
	}
	if !strings.Contains(err.Error(), "not supported by this version") {
		t.Errorf("Expected the unsupported-version message, got %v", err)
	}
}

func TestManager_Context_OlderCacheNeedsUpgrade(t *testing.T) {
	dir := t.TempDir()
	seedStateFile(t, dir, "deploy", map[string]any{
		MetadataKey: map[string]any{"version": []any{0, 9, 0}},
		"old-tag":    map[string]any{"name": "web"},
	})
	mgr := NewManager(Options{
		Store:  NewFileStore(dir, "deploy", zerolog.Nop()),
		Run:    "deploy",
		Logger: zerolog.Nop(),
	})

	err := mgr.Context(context.Background(), func(*Cache) error { return nil })
	var re *state.RunError
	if !errors.As(err, &re) || re.Code != state.ErrCodeESMVersion {
		t.Fatalf("Expected code %s, got %v", state.ErrCodeESMVersion, err)
	}
	if !strings.Contains(err.Error(), "out-of-date") {
		t.Errorf("Expected the out-of-date message, got %v", err)
	}
}

// renameUpgrade converts the 0.9.0 layout, moving every entry under a
// prefixed tag and bumping the recorded version.
type renameUpgrade struct{}

func (renameUpgrade) PreviousVersion() Version { return Version{0, 9, 0} }

func (renameUpgrade) Apply(cache map[string]any) (map[string]any, error) {
	out := map[string]any{
		MetadataKey: map[string]any{"version": CurrentVersion},
	}
	for tag, st := range cache {
		if tag == MetadataKey {
			continue
		}
		out["migrated/"+tag] = st
	}
	return out, nil
}

func TestManager_Context_UpgradeChainConvertsCache(t *testing.T) {
	dir := t.TempDir()
	seedStateFile(t, dir, "deploy", map[string]any{
		MetadataKey: map[string]any{"version": []any{0, 9, 0}},
		"old-tag":    map[string]any{"name": "web"},
	})
	store := NewFileStore(dir, "deploy", zerolog.Nop())
	mgr := NewManager(Options{
		Store:    store,
		Run:      "deploy",
		Upgrade:  true,
		Upgrades: []Upgrade{renameUpgrade{}},
		Logger:   zerolog.Nop(),
	})

	err := mgr.Context(context.Background(), func(cache *Cache) error {
		if cache.Get("migrated/old-tag") == nil {
			t.Errorf("Expected the upgraded layout, got %v", cache.Data())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Context: %v", err)
	}

	st, err := store.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if _, ok := st["migrated/old-tag"]; !ok {
		t.Errorf("Expected the upgraded cache persisted, got %v", st)
	}
	meta, _ := st[MetadataKey].(map[string]any)
	if v, ok := parseVersion(meta["version"]); !ok || v.Compare(CurrentVersion) != 0 {
		t.Errorf("Expected the upgraded version stamped, got %v", meta)
	}
}

func TestManager_Context_MissingUpgradeStepFails(t *testing.T) {
	dir := t.TempDir()
	seedStateFile(t, dir, "deploy", map[string]any{
		MetadataKey: map[string]any{"version": []any{0, 5, 0}},
	})
	mgr := NewManager(Options{
		Store:    NewFileStore(dir, "deploy", zerolog.Nop()),
		Run:      "deploy",
		Upgrade:  true,
		Upgrades: []Upgrade{renameUpgrade{}},
		Logger:   zerolog.Nop(),
	})

	err := mgr.Context(context.Background(), func(*Cache) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "no enforced state upgrade registered") {
		t.Fatalf("Expected a missing-upgrade error, got %v", err)
	}
}

func TestManager_Context_FailedRunLeavesLockAndState(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, "deploy", zerolog.Nop())
	mgr := NewManager(Options{Store: store, Run: "deploy", Logger: zerolog.Nop()})

	runErr := errors.New("sweep failed")
	err := mgr.Context(context.Background(), func(cache *Cache) error {
		if err := cache.Set("test_|-a_|-a_|-present", map[string]any{"name": "a"}); err != nil {
			return err
		}
		return runErr
	})
	if !errors.Is(err, runErr) {
		t.Fatalf("Expected the run error back, got %v", err)
	}

	// The lock survives the failure, so a retry in this process sees an
	// active run.
	if _, err := os.Stat(filepath.Join(dir, "deploy.pid")); err != nil {
		t.Error("Expected the lock left in place after a failed run")
	}
	// Nothing was persisted.
	st, err := store.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(st) != 0 {
		t.Errorf("Expected no state persisted after a failed run, got %v", st)
	}
}

func TestManager_Context_JournalMirrorsCache(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()
	store := NewFileStore(dir, "deploy", zerolog.Nop())
	mgr := NewManager(Options{
		Store:       store,
		Run:         "deploy",
		CacheDir:    cacheDir,
		KeepJournal: true,
		Logger:      zerolog.Nop(),
	})

	err := mgr.Context(context.Background(), func(cache *Cache) error {
		return cache.Set("test_|-a_|-a_|-present", map[string]any{"name": "a"})
	})
	if err != nil {
		t.Fatalf("Context: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(cacheDir, "cache"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one journal file, got %v (%v)", entries, err)
	}
	raw, err := os.ReadFile(filepath.Join(cacheDir, "cache", entries[0].Name()))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var journal map[string]any
	if err := json.Unmarshal(raw, &journal); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if _, ok := journal["test_|-a_|-a_|-present"]; !ok {
		t.Errorf("Expected the cache mirrored into the journal, got %v", journal)
	}
}
