package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryLockEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLockProvider is an in-process LockProvider for single-node setups
// and tests.
type MemoryLockProvider struct {
	mu    sync.Mutex
	locks map[string]memoryLockEntry
}

// NewMemoryLockProvider creates an empty in-memory lock provider.
func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{locks: map[string]memoryLockEntry{}}
}

// Acquire takes the lock when free or expired.
func (p *MemoryLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrValidation, "ttl must be > 0")
	}

	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, held := p.locks[key]
	if held && entry.expiresAt.After(now) {
		return nil, false, nil
	}

	token := newLockToken()
	p.locks[key] = memoryLockEntry{token: token, expiresAt: now.Add(ttl)}
	return &LockLease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, true, nil
}

// Renew extends a held lease.
func (p *MemoryLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if lease == nil {
		return schedulerError(ErrValidation, "lease is required")
	}
	if ttl <= 0 {
		return schedulerError(ErrValidation, "ttl must be > 0")
	}

	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, held := p.locks[lease.Key]
	if !held || entry.token != lease.Token || !entry.expiresAt.After(now) {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	entry.expiresAt = now.Add(ttl)
	p.locks[lease.Key] = entry
	lease.ExpiresAt = entry.expiresAt
	return nil
}

// Release drops a held lease.
func (p *MemoryLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrValidation, "lease is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, held := p.locks[lease.Key]
	if !held || entry.token != lease.Token {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	delete(p.locks, lease.Key)
	return nil
}

// HealthCheck always succeeds for the in-memory provider.
func (p *MemoryLockProvider) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (p *MemoryLockProvider) Close() error {
	return nil
}

func newLockToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(raw)
}
