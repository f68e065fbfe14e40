// Package lock implements spec component C: the single-writer cohort lock
// with stale-lock detection.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fastpersist/internal/common"
	"fastpersist/internal/logging"
)

// FreshThreshold is the age below which a lock file is considered held by
// a live process (spec §4.C: 2 seconds).
const FreshThreshold = 2 * time.Second

var lockLog = logging.New("lock")

// Lock represents ownership of a cohort's exclusive lock file.
type Lock struct {
	path string
}

// Path returns "<base_dir>/.lock_<cohort>".
func Path(baseDir, cohortName string) string {
	return filepath.Join(baseDir, fmt.Sprintf(".lock_%s", cohortName))
}

// Acquire implements spec §4.C: if the lock file is missing, touch it. If
// present and younger than FreshThreshold, fail fast. Otherwise it is
// stale — log a warning (noting whether WAL segments exist, implying crash
// recovery will follow), delete it, and touch a fresh one.
//
// hasWALActivity lets the caller report whether the cohort directory
// already has WAL segments, purely for the stale-lock warning message.
func Acquire(baseDir, cohortName string, hasWALActivity bool) (*Lock, error) {
	lockPath := Path(baseDir, cohortName)

	info, err := os.Stat(lockPath)
	switch {
	case os.IsNotExist(err):
		// fall through to touch
	case err != nil:
		return nil, fmt.Errorf("lock: stat %s: %w", lockPath, err)
	default:
		age := time.Since(info.ModTime())
		if age < FreshThreshold {
			return nil, common.ErrLockHeldError(cohortName, lockPath)
		}
		lockLog.Warn("reclaiming stale lock %s (age %s, WAL activity present: %v) — a crash is implied, recovery will follow", lockPath, age, hasWALActivity)
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("lock: remove stale lock %s: %w", lockPath, err)
		}
	}

	if err := touch(lockPath); err != nil {
		return nil, fmt.Errorf("lock: touch %s: %w", lockPath, err)
	}
	return &Lock{path: lockPath}, nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Release deletes the lock file. Safe to call once; subsequent calls are
// no-ops if the file is already gone.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %s: %w", l.path, err)
	}
	return nil
}

// FilePath returns the lock file path this Lock owns.
func (l *Lock) FilePath() string { return l.path }
