package esm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "esm.db"),
		Run:    "deploy",
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_MigrationsCreateSchema(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	for _, table := range []string{"enforced_state", "esm_metadata", "esm_lock"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestSQLiteStore_LockLifecycle(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	handle, err := store.Enter(ctx)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}

	// This process holds the row, so a second claim fails.
	_, err = store.Enter(ctx)
	var re *state.RunError
	if !errors.As(err, &re) || re.Code != state.ErrCodeESMLocked {
		t.Fatalf("Expected code %s, got %v", state.ErrCodeESMLocked, err)
	}

	if err := store.Exit(ctx, handle, nil); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if _, err := store.Enter(ctx); err != nil {
		t.Errorf("Expected Enter to succeed after a clean exit, got %v", err)
	}
}

func TestSQLiteStore_Enter_ReapsDeadHolder(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	// Seed a claim from a pid that cannot exist.
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO esm_lock (id, pid, run_name) VALUES (1, 99999999, 'deploy')`)
	if err != nil {
		t.Fatalf("seed lock row: %v", err)
	}

	handle, err := store.Enter(ctx)
	if err != nil {
		t.Fatalf("Expected the dead holder reaped, got %v", err)
	}
	if pid, _ := handle.(int); pid != os.Getpid() {
		t.Errorf("Expected the handle to carry this pid, got %v", handle)
	}
}

func TestSQLiteStore_Exit_FailedRunLeavesLock(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	handle, err := store.Enter(ctx)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := store.Exit(ctx, handle, errors.New("run failed")); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM esm_lock`).Scan(&count); err != nil {
		t.Fatalf("count lock rows: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected the lock row left behind, got %d rows", count)
	}
}

func TestSQLiteStore_StateRoundTripAndPrune(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	st, err := store.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState on a fresh store: %v", err)
	}
	if len(st) != 0 {
		t.Fatalf("Expected an empty cache, got %v", st)
	}

	first := map[string]any{
		MetadataKey: map[string]any{"version": []any{1, 0, 0}},
		"test_|-a_|-a_|-present": map[string]any{"name": "a", "resource_id": "a-id"},
		"test_|-b_|-b_|-present": map[string]any{"name": "b", "resource_id": "b-id"},
	}
	if err := store.SetState(ctx, first); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	st, err = store.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(st) != 3 {
		t.Fatalf("Expected metadata plus two tags, got %v", st)
	}
	a, _ := st["test_|-a_|-a_|-present"].(map[string]any)
	if a == nil || a["resource_id"] != "a-id" {
		t.Errorf("Expected tag a round-tripped, got %v", st)
	}
	meta, _ := st[MetadataKey].(map[string]any)
	if v, ok := parseVersion(meta["version"]); !ok || v.Compare(CurrentVersion) != 0 {
		t.Errorf("Expected version metadata round-tripped, got %v", meta)
	}

	// Dropping a tag from the cache prunes its row.
	second := map[string]any{
		MetadataKey: map[string]any{"version": []any{1, 0, 0}},
		"test_|-a_|-a_|-present": map[string]any{"name": "a", "resource_id": "a-id2"},
	}
	if err := store.SetState(ctx, second); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	st, err = store.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if _, ok := st["test_|-b_|-b_|-present"]; ok {
		t.Errorf("Expected tag b pruned, got %v", st)
	}
	a, _ = st["test_|-a_|-a_|-present"].(map[string]any)
	if a == nil || a["resource_id"] != "a-id2" {
		t.Errorf("Expected tag a updated, got %v", st)
	}
}

func TestManager_Context_WithSQLiteStore(t *testing.T) {
	store := setupSQLiteStore(t)
	mgr := NewManager(Options{Store: store, Run: "deploy", Logger: zerolog.Nop()})

	tag := "test_|-web_|-web_|-present"
	err := mgr.Context(context.Background(), func(cache *Cache) error {
		return cache.Set(tag, map[string]any{"name": "web", "resource_id": "web-id"})
	})
	if err != nil {
		t.Fatalf("Context: %v", err)
	}

	st, err := store.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	got, _ := st[tag].(map[string]any)
	if got == nil || got["resource_id"] != "web-id" {
		t.Errorf("Expected the cache persisted through sqlite, got %v", st)
	}
}
