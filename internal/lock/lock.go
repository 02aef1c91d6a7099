// Package lock serializes work per key, such as appending events to one batch.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out exclusive leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process keyed mutex. Waiting honours ctx.
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{keys: map[string]*entry{}}
}

func (l *Local) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	if l.keys == nil {
		l.keys = map[string]*entry{}
	}
	e, ok := l.keys[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return &localLease{l: l, key: key, e: e}, nil
	case <-ctx.Done():
		l.drop(key, e)
		return nil, errors.Join(ErrNotObtained, ctx.Err())
	}
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

type localLease struct {
	l    *Local
	key  string
	e    *entry
	once sync.Once
}

func (ll *localLease) Release(ctx context.Context) error {
	ll.once.Do(func() {
		<-ll.e.sem
		ll.l.drop(ll.key, ll.e)
	})
	return nil
}
