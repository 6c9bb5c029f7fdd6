package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
)

// ErrLocked is returned when another live writer holds the currency lock.
var ErrLocked = eris.New("archive: source currency is locked by another writer")

const lockDir = ".locks"

// Lock is a held single-writer lock for one source currency.
type Lock struct {
	fl *flock.Flock
}

// Lock acquires the writer lock for from. Shard writes for a source currency
// are only safe while its lock is held; runs for different currencies do not
// contend. The lock is an OS advisory lock on <dir>/.locks/<FROM>.lock, so it
// is held for as long as the owner lives and dropped by the kernel when the
// owner exits. Acquiring the lock drops the cached index for from.
func (s *Store) Lock(from string) (*Lock, error) {
	dir := filepath.Join(s.dir, lockDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "archive: create lock dir")
	}
	path := filepath.Join(dir, from+".lock")

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "archive: lock %s", path)
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "archive: lock %s", from)
	}

	// Owner info for operators; the advisory lock is what excludes writers.
	owner := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(owner), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, eris.Wrapf(err, "archive: write lock %s", path)
	}

	// Another writer may have changed the shards since this Store indexed
	// them.
	s.mu.Lock()
	delete(s.indexes, from)
	s.mu.Unlock()
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file is left in place: removing it would
// let a waiter lock an unlinked inode while a third writer creates a new one.
// Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return eris.Wrap(err, "archive: release lock")
	}
	return nil
}
