// Package esm persists the enforced state: the last applied state of
// every managed resource, keyed by tag. A store guards the state with a
// run-scoped lock so only one process enforces a given run at a time,
// and the manager gates access on a version check so an incompatible
// cache is never silently rewritten.
package esm

import (
	"context"
	"fmt"
	"os"
	"syscall"
)

// MetadataKey is the reserved cache key holding the enforced state
// metadata. It is never a resource tag.
const MetadataKey = "__esm_metadata__"

// Version is an enforced-state format version triple.
type Version [3]int

// CurrentVersion is the enforced-state format this engine reads and
// writes.
var CurrentVersion = Version{1, 0, 0}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// Compare returns -1, 0, or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	for i := range v {
		switch {
		case v[i] < o[i]:
			return -1
		case v[i] > o[i]:
			return 1
		}
	}
	return 0
}

// Handle is an opaque lock token returned by Store.Enter and passed
// back to Store.Exit.
type Handle any

// Store persists the enforced state for one run.
type Store interface {
	// Enter acquires the run lock. A second live process holding the
	// lock is an error; a dead holder's claim is reaped.
	Enter(ctx context.Context) (Handle, error)

	// Exit releases the lock. When runErr is non-nil the lock is left
	// in place so the next Enter can inspect the stale holder.
	Exit(ctx context.Context, h Handle, runErr error) error

	// GetState loads the full cache, metadata included. A store with no
	// prior state returns an empty map.
	GetState(ctx context.Context) (map[string]any, error)

	// SetState replaces the full cache. Tags absent from state are
	// removed.
	SetState(ctx context.Context, state map[string]any) error
}

// Unlocker is implemented by stores that can forcibly clear a stale
// run lock without going through Enter.
type Unlocker interface {
	// Unlock removes the run lock regardless of who holds it. The
	// caller is responsible for knowing the holder is gone.
	Unlock(ctx context.Context) error
}

// versionOf reads the version triple out of a loaded cache. A cache
// without one is assumed to predate versioning.
func versionOf(st map[string]any) Version {
	meta, _ := st[MetadataKey].(map[string]any)
	if v, ok := parseVersion(meta["version"]); ok {
		return v
	}
	return Version{1, 0, 0}
}

// parseVersion accepts the shapes a version triple takes after store
// round-trips.
func parseVersion(raw any) (Version, bool) {
	switch t := raw.(type) {
	case Version:
		return t, true
	case [3]int:
		return Version(t), true
	case []int:
		if len(t) == 3 {
			return Version{t[0], t[1], t[2]}, true
		}
	case []any:
		if len(t) != 3 {
			return Version{}, false
		}
		var v Version
		for i, e := range t {
			switch n := e.(type) {
			case int:
				v[i] = n
			case int64:
				v[i] = int(n)
			case float64:
				v[i] = int(n)
			default:
				return Version{}, false
			}
		}
		return v, true
	}
	return Version{}, false
}

// processAlive reports whether a process with the given pid exists, via
// a no-op signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
