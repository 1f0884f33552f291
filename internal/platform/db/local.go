package db

import (
	"context"
	"sync"
)

type localTxKey struct{}

// Snapshotter is an in-memory store that can capture its state and later
// restore it.
type Snapshotter interface {
	Snapshot() (restore func())
}

// LocalTransactor serializes every InTx call on a single mutex. It backs the
// in-memory repositories, where it stands in for row locks and gives each
// operation the same isolation a Postgres transaction with FOR UPDATE would.
// Nested calls join the outer one. When the outermost call fails every
// tracked store is restored to its state before the call.
type LocalTransactor struct {
	mu     sync.Mutex
	stores []Snapshotter
}

func NewLocalTransactor(stores ...Snapshotter) *LocalTransactor {
	return &LocalTransactor{stores: stores}
}

// Track adds stores to roll back on failure.
func (t *LocalTransactor) Track(stores ...Snapshotter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stores = append(t.stores, stores...)
}

func (t *LocalTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(localTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	restores := make([]func(), len(t.stores))
	for i, s := range t.stores {
		restores[i] = s.Snapshot()
	}
	defer func() {
		if r := recover(); r != nil {
			rollback(restores)
			panic(r)
		}
		if err != nil {
			rollback(restores)
		}
	}()
	return fn(context.WithValue(ctx, localTxKey{}, true))
}

func rollback(restores []func()) {
	for i := len(restores) - 1; i >= 0; i-- {
		restores[i]()
	}
}
