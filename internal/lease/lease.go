// Package lease provides short-TTL mutual exclusion keyed by resource id.
//
// A lease is a de-duplication guard against double delivery of the same job,
// not a long-held lock: the status columns of the records remain the
// authoritative guard against re-entrancy.
package lease

import (
	"context"
	"time"

	"github.com/timmy/bulkimport/internal/logger"
)

// Lease is a held key. Release is safe to call more than once.
type Lease interface {
	// Extend pushes the expiry to ttl from now. ok is false when the lease
	// already expired and was taken by someone else.
	Extend(ctx context.Context, ttl time.Duration) (ok bool, err error)
	Release(ctx context.Context) error
}

// Manager acquires leases.
type Manager interface {
	// Acquire tries to take key for ttl. ok is false when someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (l Lease, ok bool, err error)
}

// Do runs fn while holding key. When the key is held elsewhere fn is not
// called and acquired is false. The lease is extended every ttl/2 while fn
// runs and released when fn returns, whatever the outcome.
func Do(ctx context.Context, m Manager, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	l, ok, err := m.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	stop := keepAlive(ctx, l, key, ttl)
	defer func() {
		stop()
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.FromContext(ctx).WithError(relErr).Warnf("failed to release lease %s", key)
		}
	}()
	return true, fn(ctx)
}

// keepAlive extends l every ttl/2 until the returned stop is called.
func keepAlive(ctx context.Context, l Lease, key string, ttl time.Duration) (stop func()) {
	interval := ttl / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := l.Extend(context.WithoutCancel(ctx), ttl)
				if err != nil {
					logger.FromContext(ctx).WithError(err).Warnf("failed to extend lease %s", key)
					continue
				}
				if !ok {
					logger.FromContext(ctx).Warnf("lease %s was lost while held", key)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
