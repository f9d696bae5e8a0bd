// Package coordinator hands out TTL leases so exactly one gateway instance
// runs a given background duty (the correlation deadline sweep, for
// instance) at a time. Every lease carries an owner token; releasing a
// lease someone else reclaimed is a no-op rather than an error.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const retryInterval = 25 * time.Millisecond

type Lease interface {
	Release(context.Context) error
}

type Coordinator interface {
	// Acquire blocks until the lease for key is free or ctx expires.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func newOwnerToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Minute
	}
	return ttl
}

type memoryGrant struct {
	owner string
	until time.Time
}

type memoryCoordinator struct {
	mu     sync.Mutex
	grants map[string]memoryGrant
}

// NewMemoryCoordinator is the single-process default.
func NewMemoryCoordinator() Coordinator {
	return &memoryCoordinator{grants: make(map[string]memoryGrant)}
}

func (c *memoryCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	ttl = normalizeTTL(ttl)
	owner, err := newOwnerToken()
	if err != nil {
		return nil, err
	}

	for {
		if c.tryGrant(key, owner, ttl) {
			return &memoryLease{key: key, owner: owner, c: c}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lease %q: %w", key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

func (c *memoryCoordinator) tryGrant(key string, owner string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if g, held := c.grants[key]; held && now.Before(g.until) {
		return false
	}
	c.grants[key] = memoryGrant{owner: owner, until: now.Add(ttl)}
	return true
}

type memoryLease struct {
	key   string
	owner string
	c     *memoryCoordinator
}

func (l *memoryLease) Release(_ context.Context) error {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	if g, held := l.c.grants[l.key]; held && g.owner == l.owner {
		delete(l.c.grants, l.key)
	}
	return nil
}

type fileCoordinator struct {
	dir string
}

// NewFileCoordinator coordinates instances sharing one host via lock files.
// Each lock file holds "owner until" so a crashed holder's lease is
// reclaimed once its TTL passes.
func NewFileCoordinator(dir string) Coordinator {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "meshgate-coordination")
	}
	return &fileCoordinator{dir: dir}
}

func (c *fileCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	ttl = normalizeTTL(ttl)
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator dir: %w", err)
	}
	owner, err := newOwnerToken()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(c.dir, key+".lock")

	for {
		ok, err := tryWriteLock(path, owner, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &fileLease{path: path, owner: owner}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire file lease %q: %w", key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

func tryWriteLock(path string, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, _ = fmt.Fprintf(f, "%s %s", owner, now.Add(ttl).Format(time.RFC3339Nano))
		_ = f.Close()
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("acquire file lease: %w", err)
	}
	if _, until, parseErr := readLock(path); parseErr != nil || now.After(until) {
		// Stale or unreadable; remove and let the next iteration race for it.
		_ = os.Remove(path)
	}
	return false, nil
}

func readLock(path string) (owner string, until time.Time, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, err
	}
	owner, stamp, ok := strings.Cut(strings.TrimSpace(string(b)), " ")
	if !ok {
		return "", time.Time{}, fmt.Errorf("malformed lock file %q", path)
	}
	until, err = time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return "", time.Time{}, err
	}
	return owner, until, nil
}

type fileLease struct {
	path  string
	owner string
}

func (l *fileLease) Release(_ context.Context) error {
	owner, _, err := readLock(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("release file lease: %w", err)
	}
	if owner != l.owner {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release file lease: %w", err)
	}
	return nil
}
