package esm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// FileStore keeps the enforced state in a JSON file beside a pid
// lockfile, one pair per run name.
type FileStore struct {
	dir string
	run string
	log zerolog.Logger
}

// NewFileStore returns a FileStore rooted at dir for the given run.
func NewFileStore(dir, run string, log zerolog.Logger) *FileStore {
	return &FileStore{dir: dir, run: run, log: log}
}

func (s *FileStore) stateFile() string {
	return filepath.Join(s.dir, s.run+".json")
}

func (s *FileStore) pidFile() string {
	return filepath.Join(s.dir, s.run+".pid")
}

// Enter claims the run by writing this process's pid to the lockfile.
// A lockfile naming a live process blocks; stale or unreadable pids are
// reaped.
func (s *FileStore) Enter(ctx context.Context) (Handle, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, state.NewGatherError("failed to create the enforced state dir", err).WithRun(s.run)
	}
	if pid, live := s.lockHolder(); live {
		return nil, state.NewGatherError(fmt.Sprintf(
			"run '%s' is already active in process %d", s.run, pid), nil).
			WithCode(state.ErrCodeESMLocked).WithRun(s.run)
	}
	pidFile := s.pidFile()
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, state.NewGatherError("failed to write the enforced state lockfile", err).WithRun(s.run)
	}
	return pidFile, nil
}

// Exit removes the lockfile on a clean run. A failed run leaves it so
// the next Enter can tell whether the holder is still alive.
func (s *FileStore) Exit(_ context.Context, h Handle, runErr error) error {
	if runErr != nil {
		s.log.Error().Err(runErr).Str("run", s.run).
			Msg("leaving the enforced state lockfile after a failed run")
		return nil
	}
	pidFile, _ := h.(string)
	if pidFile == "" {
		pidFile = s.pidFile()
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Unlock removes the lockfile unconditionally, live holder or not.
func (s *FileStore) Unlock(context.Context) error {
	pid, live := s.lockHolder()
	if live {
		s.log.Warn().Int("pid", pid).Str("run", s.run).
			Msg("removing an enforced state lock held by a live process")
	}
	if err := os.Remove(s.pidFile()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GetState loads the state file. A missing or empty file is an empty
// cache.
func (s *FileStore) GetState(context.Context) (map[string]any, error) {
	raw, err := os.ReadFile(s.stateFile())
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}, nil
	}
	var st map[string]any
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("corrupt enforced state file %s: %w", s.stateFile(), err)
	}
	return st, nil
}

// SetState writes the state file atomically via a temp file rename.
func (s *FileStore) SetState(_ context.Context, st map[string]any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.stateFile() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.stateFile())
}

// lockHolder reads the pid out of the lockfile and reports whether that
// process is still running.
func (s *FileStore) lockHolder() (int, bool) {
	raw, err := os.ReadFile(s.pidFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		s.log.Error().Str("path", s.pidFile()).Str("contents", string(raw)).
			Msg("invalid pid in enforced state lockfile")
		return 0, false
	}
	return pid, processAlive(pid)
}
