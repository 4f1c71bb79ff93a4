package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goshopify_bulk/internal/shopify/apierr"
	"goshopify_bulk/pkg/clock"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker for single-instance deployments
// and tests. Expiry follows the injected clock.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock
	log     *zap.Logger
}

func NewMemoryLocker(c clock.Clock, log *zap.Logger) *MemoryLocker {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryLocker{entries: make(map[string]memoryEntry), clock: c, log: log.Named("lock")}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return nil, &apierr.LockContentionError{Key: key}
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return newHandle(key, token, ttl, l, l.clock, l.log), nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && l.clock.Now().Before(e.expires)
}

func (l *MemoryLocker) refresh(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	now := l.clock.Now()
	if !ok || e.token != token || !now.Before(e.expires) {
		return false, nil
	}
	e.expires = now.Add(ttl)
	l.entries[key] = e
	return true, nil
}

func (l *MemoryLocker) release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(l.entries, key)
	return l.clock.Now().Before(e.expires), nil
}
