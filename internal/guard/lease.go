// Package guard is the per-market exit guard: it owns one market's virtual
// position, keeps a take-profit limit resting, and fires a market sell when
// the hard or trailing stop is breached.
package guard

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const leaseTTL = 10 * time.Second

// leaseStore is the slice of the bus the lease needs.
type leaseStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Lease is the per-market exclusivity lock. Exactly one guard process may
// hold lock:guard:<market> at a time; the TTL releases it if the holder dies.
type Lease struct {
	store leaseStore
	key   string
	token string
}

// NewLease creates an unacquired lease for the given lock key.
func NewLease(store leaseStore, key string) *Lease {
	return &Lease{store: store, key: key, token: uuid.NewString()}
}

// Acquire takes the lock. Returns false when another guard holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.store.SetNX(ctx, l.key, l.token, leaseTTL)
}

// Renew extends the TTL. Called every loop iteration, far inside the TTL.
func (l *Lease) Renew(ctx context.Context) error {
	return l.store.Expire(ctx, l.key, leaseTTL)
}

// Release drops the lock if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	v, err := l.store.Get(ctx, l.key)
	if err != nil || v != l.token {
		return err
	}
	return l.store.Del(ctx, l.key)
}
