// Package locks provides file-based mutual exclusion between processes sharing a workspace.
package locks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dataspecer/dsgit/internal/env"
	"github.com/gofrs/flock"
)

// PackageMutex serializes work on one package's on-disk git cache.
// The lock is automatically released if the holding process dies.
//
// See:
//   - Linux: https://linux.die.net/man/2/flock
//   - Windows: https://docs.microsoft.com/en-us/windows/win32/api/fileapi/nf-fileapi-lockfileex
type PackageMutex struct {
	Opts
	mu *flock.Flock
}

type Opts struct {
	Dir  string
	Name string
}

// ForPackage returns a mutex whose lock file lives in dir and is named after rootIRI.
// Each call opens its own lock file handle, so two mutexes for the same package
// exclude each other even inside one process.
func ForPackage(dir, rootIRI string) *PackageMutex {
	sum := sha256.Sum256([]byte(rootIRI))
	return New(Opts{Dir: dir, Name: "pkg-" + hex.EncodeToString(sum[:8]) + ".lock"})
}

func New(o Opts) *PackageMutex {
	if o.Dir == "" {
		o.Dir = os.TempDir()
	}
	return &PackageMutex{Opts: o, mu: flock.New(filepath.Join(o.Dir, o.Name))}
}

type TryLockResult struct {
	Attempt int
	Error   error
	Success bool
}

func (m *PackageMutex) TryLock(ctx context.Context, retryDelay time.Duration) <-chan TryLockResult {
	ch := make(chan TryLockResult)
	go func() {
		defer close(ch)
		for attempt := 0; ; attempt++ {
			ok, err := m.mu.TryLock()
			if err != nil {
				ch <- TryLockResult{Attempt: attempt, Error: fmt.Errorf("failed to acquire lock (pid %d): %w", os.Getpid(), err)}
				return
			}
			if ok {
				ch <- TryLockResult{Attempt: attempt, Success: true}
				return
			}

			select {
			case <-ctx.Done():
				ch <- TryLockResult{Attempt: attempt, Error: ctx.Err()}
				return
			case <-time.After(retryDelay):
				select {
				case ch <- TryLockResult{Attempt: attempt, Success: false}:
				case <-ctx.Done():
					ch <- TryLockResult{Attempt: attempt, Error: ctx.Err()}
					return
				}
			}
		}
	}()
	return ch
}

// Lock blocks until the lock is held or ctx is done.
func (m *PackageMutex) Lock(ctx context.Context) error {
	if env.IsConcurrencyLockDisabled() {
		return nil
	}

	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	for result := range m.TryLock(ctx, 50*time.Millisecond) {
		if result.Error != nil {
			return result.Error
		}
		if result.Success {
			return nil
		}
	}
	return ctx.Err()
}

func (m *PackageMutex) Unlock() error {
	if env.IsConcurrencyLockDisabled() {
		return nil
	}
	return m.mu.Unlock()
}
