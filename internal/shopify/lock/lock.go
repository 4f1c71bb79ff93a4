// Package lock provides non-blocking, TTL-bound mutual exclusion per key.
//
// The platform runs at most one bulk operation per shop, so the lock key is
// the shop and a held Handle means "a bulk job of ours is in flight".
// TryAcquire never waits: contention is reported to the caller as
// *apierr.LockContentionError and is never retried here.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"goshopify_bulk/pkg/clock"
)

// ErrNotHeld is returned by Refresh when the handle was released or the
// key expired and was taken by someone else.
var ErrNotHeld = errors.New("lock no longer held")

const releaseTimeout = 5 * time.Second

// Locker hands out lock handles.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error)
}

// KeyForShop is the lock key shared by bulk queries and bulk mutations.
func KeyForShop(shopDomain string) string {
	return "shopbulk:bulk_lock:" + shopDomain
}

type backend interface {
	refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) (bool, error)
}

// Handle is ownership of one key. It is safe for concurrent use.
type Handle struct {
	key     string
	token   string
	ttl     time.Duration
	backend backend
	clock   clock.Clock
	log     *zap.Logger

	mu            sync.Mutex
	released      bool
	lastRefreshed time.Time
}

func newHandle(key, token string, ttl time.Duration, b backend, c clock.Clock, log *zap.Logger) *Handle {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handle{key: key, token: token, ttl: ttl, backend: b, clock: c, log: log, lastRefreshed: c.Now()}
}

func (h *Handle) Key() string {
	return h.key
}

func (h *Handle) TTL() time.Duration {
	return h.ttl
}

// LastRefreshed is when the expiry was last pushed out, by the acquire or
// by a successful Refresh.
func (h *Handle) LastRefreshed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRefreshed
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Refresh pushes the expiry out to a full TTL from now, provided the handle
// still owns the key.
func (h *Handle) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrNotHeld
	}
	ok, err := h.backend.refresh(ctx, h.key, h.token, h.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	h.lastRefreshed = h.clock.Now()
	h.log.Debug("refreshed bulk lock TTL", zap.String("key", h.key), zap.Duration("ttl", h.ttl))
	return nil
}

// Release gives the key up. Only the first call does anything; failures are
// logged and swallowed, the TTL is the backstop. Release runs even when ctx
// is already cancelled. A nil handle is a no-op.
func (h *Handle) Release(ctx context.Context) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	ok, err := h.backend.release(rctx, h.key, h.token)
	if err != nil {
		h.log.Error("failed to release bulk lock", zap.String("key", h.key), zap.Error(err))
		return
	}
	if !ok {
		h.log.Warn("bulk lock already expired or taken over at release", zap.String("key", h.key))
		return
	}
	h.log.Info("released bulk lock", zap.String("key", h.key))
}
