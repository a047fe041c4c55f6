package wgconf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// LockTimeoutError reports that another invocation held the configuration
// lock for longer than the bounded wait. Safe to retry.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not lock %s within %s", e.Path, e.Timeout)
}

const lockRetryInterval = 50 * time.Millisecond

// Store owns a configuration file path and serializes all mutations to it
// behind an exclusive advisory lock. Concurrent invocations (separate
// processes) queue on the lock; each one observes the previous one's
// committed state.
type Store struct {
	Path string
	// LockTimeout bounds the wait for the exclusive lock.
	LockTimeout time.Duration
}

func NewStore(path string) *Store {
	return &Store{Path: path, LockTimeout: 5 * time.Second}
}

// Load reads and parses the current on-disk configuration without locking.
// Use WithTransaction for any read that precedes a write.
func (s *Store) Load() (*InterfaceConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	return cfg, nil
}

// WithTransaction locks the configuration, loads it, applies fn to the
// in-memory model, and commits the result atomically. If fn returns an
// error nothing is written and the on-disk file is untouched. The rename
// is the sole point of commit; a crash anywhere before it leaves the
// original file intact.
func (s *Store) WithTransaction(fn func(cfg *InterfaceConfig) error) (err error) {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	cfg, err := s.Load()
	if err != nil {
		return err
	}
	err = fn(cfg)
	if err != nil {
		return err
	}
	return s.commit(cfg)
}

// Save writes cfg under the lock without reading first. Meant for creating
// a configuration from scratch; existing files go through WithTransaction.
func (s *Store) Save(cfg *InterfaceConfig) (err error) {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return s.commit(cfg)
}

func (s *Store) lock() (unlock func(), err error) {
	lockPath := s.Path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}
	deadline := time.Now().Add(s.LockTimeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &LockTimeoutError{Path: s.Path, Timeout: s.LockTimeout}
		}
		time.Sleep(lockRetryInterval)
	}
	return func() {
		err2 := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if err2 != nil {
			zap.S().Errorf("unlocking %s failed: %s", lockPath, err2)
		}
		f.Close()
	}, nil
}

// commit writes cfg to a temporary file in the same directory, fsyncs it,
// retains a timestamped copy of the previous file, and renames over the
// original.
func (s *Store) commit(cfg *InterfaceConfig) (err error) {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()
	if err = tmp.Chmod(0600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if _, err = tmp.Write(Serialize(cfg)); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err = s.backup(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("renaming %s over %s: %w", tmpPath, s.Path, err)
	}
	zap.S().Debugf("committed %s.", s.Path)
	return nil
}

// backup retains the pre-mutation file as a rollback artifact.
func (s *Store) backup() error {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s for backup: %w", s.Path, err)
	}
	backupPath := fmt.Sprintf("%s.%s.bak", s.Path, time.Now().Format("20060102T150405"))
	err = os.WriteFile(backupPath, data, 0600)
	if err != nil {
		return fmt.Errorf("writing backup %s: %w", backupPath, err)
	}
	zap.S().Debugf("retained backup %s.", backupPath)
	return nil
}
