// Package lock serialises work per key, either inside one process or across
// instances through Redis.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/rosstax/settlement-core/internal/domain"
)

// Locker runs fn while holding the lock for key
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// AccountKey is the lock key guarding ledger mutations on one account
func AccountKey(accountID fmt.Stringer) string {
	return "ledger:" + accountID.String()
}

// IntakeKey serialises deposit limit checks on one account. It is distinct
// from AccountKey so intake can post to the ledger while holding it.
func IntakeKey(accountID fmt.Stringer) string {
	return "deposit-intake:" + accountID.String()
}

// SettlementKey serialises advance and reconciliation work on one settlement
func SettlementKey(settlementID fmt.Stringer) string {
	return "settlement:" + settlementID.String()
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. Waiting honours ctx, and
// entries are dropped once no goroutine holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocalLocker creates a new LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// WithLock implements Locker
func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.ref(key)
	defer l.unref(key, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w: %w", key, domain.ErrLockUnavailable, ctx.Err())
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

// Size returns the number of keys currently held or awaited
func (l *LocalLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
